package supervisor_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/supervisor"
)

func newTestSupervisor(t *testing.T) (*supervisor.Supervisor, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "runner")
	sup := supervisor.New(supervisor.Options{
		BaseDir: base,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := sup.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return sup, base
}

func TestStartAndWait(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	rec, err := sup.Start(supervisor.StartRequest{ID: "hello", Command: "echo hi there"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.Status != supervisor.StatusRunning && !rec.Status.Terminal() {
		t.Fatalf("expected running (or already done), got %s", rec.Status)
	}

	final, err := sup.Wait("hello", 5000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != supervisor.StatusStopped {
		t.Fatalf("expected stopped after clean exit, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", final.ExitCode)
	}
	if final.EndedAt == nil {
		t.Fatalf("expected endedAt on terminal record")
	}

	logs, err := sup.Logs(supervisor.LogsRequest{ID: "hello"})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(logs.Data, "hi there") {
		t.Fatalf("expected spooled stdout, got %q", logs.Data)
	}
}

func TestStartFailsOnNonZeroExit(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "boom", Command: "exit 3"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final, err := sup.Wait("boom", 5000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != supervisor.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", final.ExitCode)
	}
}

func TestStartRequiresCommand(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Start(supervisor.StartRequest{ID: "x"})
	if err == nil || err.Error() != "command required" {
		t.Fatalf("expected 'command required', got %v", err)
	}
}

func TestDuplicateAndReplaceSemantics(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "dup", Command: "sleep 10"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := sup.Start(supervisor.StartRequest{ID: "dup", Command: "echo again"})
	if err == nil || err.Error() != "Task already exists" {
		t.Fatalf("expected 'Task already exists', got %v", err)
	}

	_, err = sup.Start(supervisor.StartRequest{ID: "dup", Command: "echo again", Replace: true})
	if err == nil || err.Error() != "still running" {
		t.Fatalf("expected 'still running', got %v", err)
	}

	rec, err := sup.Start(supervisor.StartRequest{ID: "dup", Command: "echo again", Replace: true, Force: true, StopTimeoutMs: 2000})
	if err != nil {
		t.Fatalf("replace with force: %v", err)
	}
	if rec.Command != "echo again" {
		t.Fatalf("expected replaced command, got %q", rec.Command)
	}
	if _, err := sup.Wait("dup", 5000); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestStopTermThenKill(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	// The child ignores TERM (builtin loop, no subprocesses), forcing the
	// KILL path.
	if _, err := sup.Start(supervisor.StartRequest{ID: "stubborn", Command: "trap '' TERM; while :; do :; done"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	final, err := sup.Stop("stubborn", 500)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.Status != supervisor.StatusKilled {
		t.Fatalf("expected killed, got %s", final.Status)
	}
}

func TestStopCooperative(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "nice", Command: "sleep 30"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	final, err := sup.Stop("nice", 5000)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if final.Status != supervisor.StatusStopped {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
}

func TestTimeoutStatus(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "slowpoke", Command: "sleep 30", TimeoutMs: 300}); err != nil {
		t.Fatalf("start: %v", err)
	}
	final, err := sup.Wait("slowpoke", 10000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != supervisor.StatusTimeout {
		t.Fatalf("expected timeout, got %s", final.Status)
	}
}

func TestForceByTags(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "old", Command: "sleep 30", Tags: []string{"project", "p1"}}); err != nil {
		t.Fatalf("start old: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if _, err := sup.Start(supervisor.StartRequest{
		ID: "new", Command: "sleep 30", Tags: []string{"p1"},
		ForceByTags: true, StopTimeoutMs: 2000,
	}); err != nil {
		t.Fatalf("start new: %v", err)
	}

	old, err := sup.Status("old")
	if err != nil {
		t.Fatalf("status old: %v", err)
	}
	if !old.Status.Terminal() {
		t.Fatalf("expected tag-sharing task stopped, got %s", old.Status)
	}
	if _, err := sup.Stop("new", 2000); err != nil {
		t.Fatalf("stop new: %v", err)
	}
}

// Recovery: a state file pointing at a dead PID reconciles to lost, and the
// id can then be reused with replace.
func TestInitRecoversDeadPID(t *testing.T) {
	base := filepath.Join(t.TempDir(), "runner")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	state := map[string]any{
		"version":   1,
		"updatedAt": time.Now().UTC(),
		"tasks": map[string]any{
			"x": map[string]any{
				"id":        "x",
				"status":    "running",
				"pid":       999999,
				"command":   "sleep 600",
				"createdAt": time.Now().UTC(),
				"updatedAt": time.Now().UTC(),
				"logPath":   filepath.Join(base, "logs", "x.log"),
			},
		},
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "state.json"), raw, 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	sup := supervisor.New(supervisor.Options{
		BaseDir: base,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := sup.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	rec, err := sup.Status("x")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != supervisor.StatusLost {
		t.Fatalf("expected lost, got %s", rec.Status)
	}
	if rec.EndedAt == nil {
		t.Fatalf("expected endedAt set during recovery")
	}

	// The rewritten state file reflects the reconciliation.
	raw, err = os.ReadFile(filepath.Join(base, "state.json"))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if !strings.Contains(string(raw), `"lost"`) {
		t.Fatalf("state file not rewritten: %s", raw)
	}

	// Idempotent: a second Init changes nothing.
	if err := sup.Init(); err != nil {
		t.Fatalf("second init: %v", err)
	}
	rec2, err := sup.Status("x")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec2.Status != supervisor.StatusLost || !rec2.EndedAt.Equal(*rec.EndedAt) {
		t.Fatalf("second init mutated the record: %+v vs %+v", rec2, rec)
	}

	// The id is reusable with replace (terminal record).
	if _, err := sup.Start(supervisor.StartRequest{ID: "x", Command: "echo back", Replace: true}); err != nil {
		t.Fatalf("restart after recovery: %v", err)
	}
	if _, err := sup.Wait("x", 5000); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRestartReusesRecord(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{
		ID: "svc", Command: "sleep 30",
		Tags: []string{"svc"}, ProjectID: "p1",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	rec, err := sup.Restart("svc", 2000)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec.Command != "sleep 30" || rec.ProjectID != "p1" {
		t.Fatalf("restart lost record fields: %+v", rec)
	}
	if _, err := sup.Stop("svc", 2000); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPrune(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "done1", Command: "echo a"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sup.Wait("done1", 5000); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := sup.Start(supervisor.StartRequest{ID: "live", Command: "sleep 30"}); err != nil {
		t.Fatalf("start live: %v", err)
	}

	// Nothing is old enough under a large cutoff.
	if removed := sup.Prune(24 * 60 * 60 * 1000); removed != 0 {
		t.Fatalf("expected nothing pruned under 24h cutoff, got %d", removed)
	}
	// olderThanMs=0 prunes all terminal records but never live ones.
	if removed := sup.Prune(0); removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}
	if _, err := sup.Status("done1"); err == nil {
		t.Fatalf("expected done1 gone")
	}
	if _, err := sup.Status("live"); err != nil {
		t.Fatalf("live task must survive prune: %v", err)
	}
	if _, err := sup.Stop("live", 2000); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestLogsTailAndSince(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{ID: "chatty", Command: "printf 'aaaa\\nbbbb\\ncccc\\n'"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sup.Wait("chatty", 5000); err != nil {
		t.Fatalf("wait: %v", err)
	}

	tail, err := sup.Logs(supervisor.LogsRequest{ID: "chatty", TailBytes: 5})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if tail.Data != "cccc\n" {
		t.Fatalf("expected tail 'cccc\\n', got %q", tail.Data)
	}

	since, err := sup.Logs(supervisor.LogsRequest{ID: "chatty", SinceBytes: 5})
	if err != nil {
		t.Fatalf("logs since: %v", err)
	}
	if since.Data != "bbbb\ncccc\n" {
		t.Fatalf("expected since-offset slice, got %q", since.Data)
	}

	capped, err := sup.Logs(supervisor.LogsRequest{ID: "chatty", MaxBytes: 4})
	if err != nil {
		t.Fatalf("logs capped: %v", err)
	}
	if capped.Data != "aaaa" || !capped.Truncated {
		t.Fatalf("expected truncated first 4 bytes, got %q truncated=%v", capped.Data, capped.Truncated)
	}
}

func TestWriteStdin(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	if _, err := sup.Start(supervisor.StartRequest{
		ID: "cat", Command: "head -n1", StdinAttached: true,
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sup.WriteStdin("cat", "ping\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	final, err := sup.Wait("cat", 5000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != supervisor.StatusStopped {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
	logs, err := sup.Logs(supervisor.LogsRequest{ID: "cat"})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !strings.Contains(logs.Data, "ping") {
		t.Fatalf("expected echoed stdin in log, got %q", logs.Data)
	}
}

func TestCwdAllowlist(t *testing.T) {
	allowed := t.TempDir()
	sup := supervisor.New(supervisor.Options{
		BaseDir:     filepath.Join(t.TempDir(), "runner"),
		AllowedCwds: []string{allowed},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := sup.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := sup.Start(supervisor.StartRequest{ID: "ok", Command: "pwd", Cwd: allowed}); err != nil {
		t.Fatalf("allowed cwd rejected: %v", err)
	}
	if _, err := sup.Wait("ok", 5000); err != nil {
		t.Fatalf("wait: %v", err)
	}

	_, err := sup.Start(supervisor.StartRequest{ID: "bad", Command: "pwd", Cwd: "/etc"})
	if err == nil || !strings.Contains(err.Error(), "cwd not allowed") {
		t.Fatalf("expected cwd rejection, got %v", err)
	}
}
