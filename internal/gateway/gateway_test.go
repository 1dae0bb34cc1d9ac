package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-foreman/internal/dispatch"
	"github.com/basket/go-foreman/internal/gateway"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/workflow"
)

func startTestGateway(t *testing.T) string {
	t.Helper()
	store, err := persistence.Open(persistence.Config{Path: filepath.Join(t.TempDir(), "foreman.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.New(workflow.Options{Store: store, Logger: logger})
	dispatcher := dispatch.New(dispatch.Options{Engine: engine, Logger: logger})

	server := gateway.New(gateway.Options{
		BindAddr:   "127.0.0.1:0",
		Dispatcher: dispatcher,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if addr := server.Addr(); addr != "127.0.0.1:0" && addr != "" {
			return "http://" + addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("gateway did not bind")
	return ""
}

func postAction(t *testing.T, base, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(base+"/actions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded
}

func TestActionsEndpoint(t *testing.T) {
	base := startTestGateway(t)

	created := postAction(t, base, `{"action":"project_create","params":{"id":"p1","name":"P1"}}`)
	if created["ok"] != true {
		t.Fatalf("project_create failed: %+v", created)
	}
	result := created["result"].(map[string]any)
	if result["state"] != "planning" {
		t.Fatalf("unexpected project state: %v", result["state"])
	}

	unknown := postAction(t, base, `{"action":"frobnicate"}`)
	if unknown["ok"] != false || unknown["error"] != "Unknown action: frobnicate" {
		t.Fatalf("unexpected unknown-action response: %+v", unknown)
	}
}

func TestActionsEndpointRejectsBadEnvelope(t *testing.T) {
	base := startTestGateway(t)

	resp, err := http.Post(base+"/actions", "application/json", bytes.NewBufferString(`{"params":{}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing action, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	base := startTestGateway(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWSRoundTrip(t *testing.T) {
	base := startTestGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, map[string]any{
		"id":     "req-1",
		"action": "project_create",
		"params": map[string]any{"id": "p1", "name": "P1"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp map[string]any
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp["id"] != "req-1" || resp["ok"] != true {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Errors come back on the same connection with the correlation id.
	if err := wsjson.Write(ctx, conn, map[string]any{"id": "req-2", "action": "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp["id"] != "req-2" || resp["ok"] != false {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestActionsMethodNotAllowed(t *testing.T) {
	base := startTestGateway(t)

	resp, err := http.Get(base + "/actions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
