// Package gateway exposes the action surface over local HTTP and WebSocket.
// It is thin framing: decode, validate, dispatch, encode. No auth; callers
// are trusted and the listener binds loopback by default.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-foreman/internal/dispatch"
)

const maxRequestBytes = 4 * 1024 * 1024

// Server is the action gateway.
type Server struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server

	mu        sync.Mutex
	boundAddr string
}

// Options configures the gateway.
type Options struct {
	BindAddr   string
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// response is the envelope's reply shape. ID echoes the client correlation
// id on WebSocket requests.
type response struct {
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// wsRequest is one WebSocket frame: a correlation id plus the envelope.
type wsRequest struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher: opts.Dispatcher,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/actions", s.handleActions)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              opts.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address once Start has run, else the
// configured bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.httpServer.Addr
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{OK: false, Error: "read body: " + err.Error()})
		return
	}
	env, err := dispatch.ValidateEnvelope(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), env)
	if err != nil {
		writeJSON(w, http.StatusOK, response{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{OK: true, Result: result})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var req wsRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}

		var params dispatch.Params
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				_ = wsjson.Write(ctx, conn, response{ID: req.ID, OK: false, Error: "invalid params: " + err.Error()})
				continue
			}
		}
		if params == nil {
			params = dispatch.Params{}
		}

		result, err := s.dispatcher.Dispatch(ctx, &dispatch.Envelope{Action: req.Action, Params: params})
		if err != nil {
			_ = wsjson.Write(ctx, conn, response{ID: req.ID, OK: false, Error: err.Error()})
			continue
		}
		_ = wsjson.Write(ctx, conn, response{ID: req.ID, OK: true, Result: result})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
