// Package supervisor tracks long-lived child processes under durable,
// machine-identified handles. Records survive gateway restarts through a
// JSON state file; Init reconciles orphans after a crash.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-foreman/internal/bus"
)

const defaultStopTimeout = 5 * time.Second

// defaultBlockedEnv are variables never inherited by children.
var defaultBlockedEnv = []string{
	"TELEGRAM_TOKEN",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GOOGLE_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
}

// Options configures a Supervisor.
type Options struct {
	BaseDir         string
	MaxLogSizeBytes int64
	StopTimeoutMs   int
	AllowedCwds     []string
	BlockedEnv      []string
	Logger          *slog.Logger
	Bus             *bus.Bus
}

// child is the in-memory runtime half of a running task.
type child struct {
	cmd           *exec.Cmd
	stdin         *os.File
	spool         *spoolWriter
	done          chan struct{}
	stopRequested bool
	killRequested bool
	timedOut      bool
	timer         *time.Timer
}

// Supervisor owns the durable task table and the live children.
type Supervisor struct {
	baseDir     string
	maxLogSize  int64
	stopTimeout time.Duration
	allowedCwds []string
	blockedEnv  map[string]struct{}
	logger      *slog.Logger
	eventBus    *bus.Bus

	mu       sync.Mutex
	tasks    map[string]*TaskRecord
	children map[string]*child
}

func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopTimeout := defaultStopTimeout
	if opts.StopTimeoutMs > 0 {
		stopTimeout = time.Duration(opts.StopTimeoutMs) * time.Millisecond
	}
	maxLog := opts.MaxLogSizeBytes
	if maxLog <= 0 {
		maxLog = 10 * 1024 * 1024
	}
	blocked := make(map[string]struct{})
	for _, k := range defaultBlockedEnv {
		blocked[k] = struct{}{}
	}
	for _, k := range opts.BlockedEnv {
		blocked[k] = struct{}{}
	}
	return &Supervisor{
		baseDir:     opts.BaseDir,
		maxLogSize:  maxLog,
		stopTimeout: stopTimeout,
		allowedCwds: opts.AllowedCwds,
		blockedEnv:  blocked,
		logger:      logger,
		eventBus:    opts.Bus,
		tasks:       make(map[string]*TaskRecord),
		children:    make(map[string]*child),
	}
}

// Init loads the state file and reconciles every non-terminal record: a live
// PID stays running, anything else becomes lost with endedAt=now. Stdin
// attachment never survives a restart. Idempotent.
func (s *Supervisor) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDirs(); err != nil {
		return err
	}
	tasks, err := s.loadState()
	if err != nil {
		return err
	}

	mutated := false
	now := time.Now().UTC()
	for _, rec := range tasks {
		if rec.StdinAttached {
			rec.StdinAttached = false
			mutated = true
		}
		if rec.Status.Terminal() {
			continue
		}
		if rec.PID > 0 && pidAlive(rec.PID) {
			continue
		}
		ended := now
		rec.Status = StatusLost
		rec.EndedAt = &ended
		rec.UpdatedAt = now
		mutated = true
		s.logger.Warn("runner task lost during recovery", "task_id", rec.ID, "pid", rec.PID)
	}

	// Keep live children tracked in this process; recovered records replace
	// only what we are not already running.
	for id, rec := range tasks {
		if _, running := s.children[id]; !running {
			s.tasks[id] = rec
		}
	}

	if mutated {
		if err := s.persistLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns a child through the shell and records it. See StartRequest for
// the replace/force semantics.
func (s *Supervisor) Start(req StartRequest) (*TaskRecord, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command required")
	}
	cwd, err := s.resolveCwd(req.Cwd)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = shortID()
	}

	if req.ForceByTags && len(req.Tags) > 0 {
		s.stopByTags(req.Tags, req.StopTimeoutMs)
	}

	s.mu.Lock()
	if existing, ok := s.tasks[id]; ok {
		if !req.Replace {
			s.mu.Unlock()
			return nil, errors.New("Task already exists")
		}
		if !existing.Status.Terminal() {
			if !req.Force {
				s.mu.Unlock()
				return nil, errors.New("still running")
			}
			s.mu.Unlock()
			if _, err := s.Stop(id, req.StopTimeoutMs); err != nil {
				return nil, err
			}
			s.mu.Lock()
		}
		delete(s.tasks, id)
		delete(s.children, id)
	}

	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:            id,
		Status:        StatusPending,
		Command:       req.Command,
		Args:          append([]string(nil), req.Args...),
		Cwd:           cwd,
		Env:           req.Env,
		Tags:          append([]string(nil), req.Tags...),
		ProjectID:     req.ProjectID,
		CreatedAt:     now,
		UpdatedAt:     now,
		LogPath:       s.logPath(id),
		PidPath:       s.pidPath(id),
		StdinAttached: req.StdinAttached,
	}
	s.tasks[id] = rec
	s.mu.Unlock()

	if err := s.spawn(rec, req); err != nil {
		s.mu.Lock()
		ended := time.Now().UTC()
		rec.Status = StatusFailed
		rec.EndedAt = &ended
		rec.UpdatedAt = ended
		_ = s.persistLocked()
		out := rec.Clone()
		s.mu.Unlock()
		return out, fmt.Errorf("spawn %s: %w", id, err)
	}

	s.mu.Lock()
	out := rec.Clone()
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return out, err
	}
	return out, nil
}

func (s *Supervisor) spawn(rec *TaskRecord, req StartRequest) error {
	spool, err := newSpoolWriter(rec.LogPath, s.maxLogSize)
	if err != nil {
		return err
	}

	shellCmd := rec.Command
	if len(rec.Args) > 0 {
		shellCmd = shellCmd + " " + strings.Join(rec.Args, " ")
	}
	cmd := exec.Command("bash", "-lc", shellCmd)
	cmd.Dir = rec.Cwd
	cmd.Env = s.childEnv(rec.Env)
	cmd.Stdout = spool
	cmd.Stderr = spool
	// Children get their own process group so stop signals reach the whole
	// shell pipeline, not just bash.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdinW *os.File
	if rec.StdinAttached {
		stdinR, w, err := os.Pipe()
		if err != nil {
			_ = spool.Close()
			return err
		}
		cmd.Stdin = stdinR
		stdinW = w
	}

	if err := cmd.Start(); err != nil {
		_ = spool.Close()
		if stdinW != nil {
			_ = stdinW.Close()
		}
		return err
	}

	ch := &child{
		cmd:   cmd,
		stdin: stdinW,
		spool: spool,
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	started := time.Now().UTC()
	rec.Status = StatusRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &started
	rec.UpdatedAt = started
	s.children[rec.ID] = ch
	s.writePidFile(rec.ID, rec.PID)
	s.mu.Unlock()

	if req.TimeoutMs > 0 {
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		ch.timer = time.AfterFunc(timeout, func() { s.onTimeout(rec.ID) })
	}

	go s.reap(rec.ID, ch)
	s.logger.Info("runner task started", "task_id", rec.ID, "pid", rec.PID, "command", rec.Command)
	return nil
}

// reap waits for the child to exit and flips the record to its terminal
// status in the exit callback.
func (s *Supervisor) reap(id string, ch *child) {
	waitErr := ch.cmd.Wait()

	var exitCode *int
	exitSignal := ""
	if ps := ch.cmd.ProcessState; ps != nil {
		code := ps.ExitCode()
		exitCode = &code
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exitSignal = ws.Signal().String()
		}
	}

	s.mu.Lock()
	if ch.timer != nil {
		ch.timer.Stop()
	}
	_ = ch.spool.Close()
	if ch.stdin != nil {
		_ = ch.stdin.Close()
	}

	rec, ok := s.tasks[id]
	if ok {
		now := time.Now().UTC()
		rec.Status = classifyExit(ch, exitCode, waitErr)
		rec.ExitCode = exitCode
		rec.ExitSignal = exitSignal
		rec.EndedAt = &now
		rec.UpdatedAt = now
		s.removePidFile(id)
		_ = s.persistLocked()
	}
	delete(s.children, id)
	close(ch.done)
	var status Status
	if rec != nil {
		status = rec.Status
	}
	s.mu.Unlock()

	s.logger.Info("runner task exited", "task_id", id, "status", string(status), "exit_signal", exitSignal)
	if s.eventBus != nil && rec != nil {
		s.eventBus.Publish(bus.TopicSupervisorTaskExited, bus.SupervisorTaskExitedEvent{
			TaskID:   id,
			Status:   string(status),
			ExitCode: exitCode,
		})
	}
}

func classifyExit(ch *child, exitCode *int, waitErr error) Status {
	switch {
	case ch.timedOut:
		return StatusTimeout
	case ch.killRequested:
		return StatusKilled
	case ch.stopRequested:
		return StatusStopped
	case waitErr == nil && exitCode != nil && *exitCode == 0:
		return StatusStopped
	default:
		return StatusFailed
	}
}

func (s *Supervisor) onTimeout(id string) {
	s.mu.Lock()
	ch, ok := s.children[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	ch.timedOut = true
	pid := 0
	if rec, ok := s.tasks[id]; ok {
		pid = rec.PID
	}
	s.mu.Unlock()

	s.logger.Warn("runner task timed out", "task_id", id)
	signalGroup(pid, syscall.SIGTERM)
	select {
	case <-ch.done:
	case <-time.After(s.stopTimeout):
		signalGroup(pid, syscall.SIGKILL)
	}
}

// Stop sends SIGTERM, waits up to timeoutMs, then SIGKILLs. Returns the final
// record.
func (s *Supervisor) Stop(id string, timeoutMs int) (*TaskRecord, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if rec.Status.Terminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}
	ch, running := s.children[id]
	pid := rec.PID
	if running {
		ch.stopRequested = true
	}
	s.mu.Unlock()

	timeout := s.stopTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	if !running {
		// Orphan from a previous process: signal by PID and poll.
		signalGroup(pid, syscall.SIGTERM)
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if !pidAlive(pid) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(pid) {
			signalGroup(pid, syscall.SIGKILL)
		}
		s.mu.Lock()
		now := time.Now().UTC()
		rec.Status = StatusStopped
		rec.EndedAt = &now
		rec.UpdatedAt = now
		s.removePidFile(id)
		_ = s.persistLocked()
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}

	signalGroup(pid, syscall.SIGTERM)
	select {
	case <-ch.done:
	case <-time.After(timeout):
		s.mu.Lock()
		ch.killRequested = true
		s.mu.Unlock()
		signalGroup(pid, syscall.SIGKILL)
		<-ch.done
	}
	return s.Status(id)
}

// Restart stops (if needed) and re-spawns the task with its recorded
// command, cwd, env, and tags.
func (s *Supervisor) Restart(id string, timeoutMs int) (*TaskRecord, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task not found: %s", id)
	}
	req := StartRequest{
		ID:            rec.ID,
		Command:       rec.Command,
		Args:          append([]string(nil), rec.Args...),
		Cwd:           rec.Cwd,
		Env:           rec.Env,
		Tags:          append([]string(nil), rec.Tags...),
		ProjectID:     rec.ProjectID,
		StdinAttached: rec.StdinAttached,
		Replace:       true,
		Force:         true,
		StopTimeoutMs: timeoutMs,
	}
	s.mu.Unlock()
	return s.Start(req)
}

// Status returns a copy of the record.
func (s *Supervisor) Status(id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return rec.Clone(), nil
}

// List returns copies of all records.
func (s *Supervisor) List() []*TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.Clone())
	}
	return out
}

// ListByProject returns records whose projectId matches.
func (s *Supervisor) ListByProject(projectID string) []*TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaskRecord
	for _, rec := range s.tasks {
		if rec.ProjectID == projectID {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Wait blocks until the task reaches a terminal status or the timeout
// elapses, returning the record either way.
func (s *Supervisor) Wait(id string, timeoutMs int) (*TaskRecord, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if rec.Status.Terminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}
	ch, running := s.children[id]
	pid := rec.PID
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeoutMs > 0 {
		deadline = time.After(time.Duration(timeoutMs) * time.Millisecond)
	}

	if running {
		select {
		case <-ch.done:
		case <-deadline:
		}
		return s.Status(id)
	}

	// Orphan: poll PID liveness.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return s.Status(id)
		case <-ticker.C:
			if !pidAlive(pid) {
				s.mu.Lock()
				if cur, ok := s.tasks[id]; ok && !cur.Status.Terminal() {
					now := time.Now().UTC()
					cur.Status = StatusLost
					cur.EndedAt = &now
					cur.UpdatedAt = now
					_ = s.persistLocked()
				}
				s.mu.Unlock()
				return s.Status(id)
			}
		}
	}
}

// WriteStdin writes data to the task's attached stdin.
func (s *Supervisor) WriteStdin(id string, data string) error {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}
	if !rec.StdinAttached {
		s.mu.Unlock()
		return fmt.Errorf("stdin not attached for task %s", id)
	}
	ch, running := s.children[id]
	s.mu.Unlock()
	if !running || ch.stdin == nil {
		return fmt.Errorf("task %s is not running", id)
	}
	_, err := ch.stdin.WriteString(data)
	return err
}

// Prune removes terminal records whose endedAt is older than olderThanMs.
// olderThanMs == 0 removes every terminal record. Log and pid files go too.
func (s *Supervisor) Prune(olderThanMs int64) int {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMs) * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.tasks {
		if !rec.Status.Terminal() {
			continue
		}
		if olderThanMs > 0 {
			if rec.EndedAt == nil || rec.EndedAt.After(cutoff) {
				continue
			}
		}
		delete(s.tasks, id)
		_ = os.Remove(rec.LogPath)
		s.removePidFile(id)
		removed++
	}
	if removed > 0 {
		_ = s.persistLocked()
	}
	return removed
}

// stopByTags stops every running task sharing at least one tag.
func (s *Supervisor) stopByTags(tags []string, timeoutMs int) {
	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	s.mu.Lock()
	var ids []string
	for id, rec := range s.tasks {
		if rec.Status.Terminal() {
			continue
		}
		for _, t := range rec.Tags {
			if _, ok := tagSet[t]; ok {
				ids = append(ids, id)
				break
			}
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Stop(id, timeoutMs); err != nil {
			s.logger.Warn("stop by tags failed", "task_id", id, "error", err)
		}
	}
}

func (s *Supervisor) resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	if len(s.allowedCwds) == 0 {
		return abs, nil
	}
	for _, allowed := range s.allowedCwds {
		prefix := filepath.Clean(allowed)
		if abs == prefix || strings.HasPrefix(abs, prefix+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("cwd not allowed: %s", abs)
}

func (s *Supervisor) childEnv(extra map[string]string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, blocked := s.blockedEnv[key]; blocked {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		if _, blocked := s.blockedEnv[k]; blocked {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func shortID() string {
	return uuid.NewString()[:8]
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// signalGroup signals the child's process group, falling back to the single
// PID when the group is gone.
func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
