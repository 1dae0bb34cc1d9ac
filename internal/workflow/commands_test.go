package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/workflow"
)

func mustAddCmd(t *testing.T, e *workflow.Engine, p workflow.CmdAddParams) *workflow.Command {
	t.Helper()
	cmd, err := e.CmdAdd(context.Background(), p)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	return cmd
}

func TestCmdAddAndList(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})

	cmd := mustAddCmd(t, engine, workflow.CmdAddParams{
		ProjectID: "p1", Label: "test", Command: "go test ./...", Category: "test",
	})
	if cmd.RunMode != "exec" {
		t.Fatalf("expected default run_mode exec, got %s", cmd.RunMode)
	}

	list, err := engine.CmdList(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Label != "test" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestCmdLockEnforcement(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})
	cmd := mustAddCmd(t, engine, workflow.CmdAddParams{ProjectID: "p1", Label: "deploy", Command: "true"})

	locked, err := engine.CmdLock(ctx, cmd.ID, "ops")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !locked.Locked || locked.LockedBy != "ops" || locked.LockedAt == nil {
		t.Fatalf("lock fields not set: %+v", locked)
	}

	newCmd := "false"
	_, err = engine.CmdUpdate(ctx, workflow.CmdUpdateParams{ID: cmd.ID, Command: &newCmd})
	if err == nil || err.Error() != fmt.Sprintf("Command %d is locked", cmd.ID) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if !errors.Is(err, workflow.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	_, err = engine.CmdUpdate(ctx, workflow.CmdUpdateParams{ID: cmd.ID, Command: &newCmd, Force: true, Reason: "   "})
	if err == nil || err.Error() != "force reason required when mutating locked command" {
		t.Fatalf("expected force-reason error, got %v", err)
	}

	updated, err := engine.CmdUpdate(ctx, workflow.CmdUpdateParams{ID: cmd.ID, Command: &newCmd, Force: true, Reason: "rotating deploy script"})
	if err != nil {
		t.Fatalf("forced update: %v", err)
	}
	if updated.Command != "false" {
		t.Fatalf("update not applied: %q", updated.Command)
	}

	if err := engine.CmdRemove(ctx, workflow.CmdRemoveParams{ID: cmd.ID}); !errors.Is(err, workflow.ErrLocked) {
		t.Fatalf("expected locked remove to fail, got %v", err)
	}

	unlocked, err := engine.CmdUnlock(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.Locked || unlocked.LockedBy != "" || unlocked.LockedAt != nil {
		t.Fatalf("unlock did not clear fields: %+v", unlocked)
	}
	if err := engine.CmdRemove(ctx, workflow.CmdRemoveParams{ID: cmd.ID}); err != nil {
		t.Fatalf("remove after unlock: %v", err)
	}
}

func TestCmdRun_ExecSubstitutesTokens(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})
	mustAddCmd(t, engine, workflow.CmdAddParams{
		ProjectID: "p1", Label: "greet",
		Command: "echo run {project_id} {label} {task_id}",
	})

	result, err := engine.CmdRun(ctx, workflow.CmdRunParams{ProjectID: "p1", Label: "greet", TaskID: 7})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Mode != "exec" {
		t.Fatalf("expected exec mode, got %s", result.Mode)
	}
	if want := "run p1 greet 7"; !strings.Contains(result.Stdout, want) {
		t.Fatalf("expected stdout to contain %q, got %q", want, result.Stdout)
	}
}

func TestCmdRun_ExecTimeout(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})
	mustAddCmd(t, engine, workflow.CmdAddParams{ProjectID: "p1", Label: "slow", Command: "sleep 30"})

	start := time.Now()
	_, err := engine.CmdRun(ctx, workflow.CmdRunParams{ProjectID: "p1", Label: "slow", TimeoutMs: 200})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout did not bound execution")
	}
}

func TestCmdRun_TaskModeHandsOffToRunner(t *testing.T) {
	engine, runner := newTestEngineWithRunner(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})
	cmd := mustAddCmd(t, engine, workflow.CmdAddParams{
		ProjectID: "p1", Label: "server", Command: "sleep 5", RunMode: "task",
	})

	result, err := engine.CmdRun(ctx, workflow.CmdRunParams{ID: cmd.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Mode != "task" || result.Task == nil {
		t.Fatalf("expected task mode with record, got %+v", result)
	}
	wantID := fmt.Sprintf("project-p1-%d", cmd.ID)
	if result.Task.ID != wantID {
		t.Fatalf("expected runner id %q, got %q", wantID, result.Task.ID)
	}
	wantTags := []string{"project", "p1", "server"}
	for i, tag := range wantTags {
		if result.Task.Tags[i] != tag {
			t.Fatalf("expected tags %v, got %v", wantTags, result.Task.Tags)
		}
	}
	if result.Task.ProjectID != "p1" {
		t.Fatalf("expected projectId p1, got %q", result.Task.ProjectID)
	}

	if _, err := runner.Stop(result.Task.ID, 1000); err != nil {
		t.Fatalf("stop runner task: %v", err)
	}
}

func TestCmdRun_TaskRunnerIDTemplate(t *testing.T) {
	engine, runner := newTestEngineWithRunner(t)
	ctx := context.Background()
	mustCreateProject(t, engine, workflow.ProjectCreateParams{ID: "p1", Name: "P1"})
	cmd := mustAddCmd(t, engine, workflow.CmdAddParams{
		ProjectID: "p1", Label: "dev", Command: "sleep 5", RunMode: "task",
		TaskRunnerID: "dev-{project_id}-{label}",
	})

	result, err := engine.CmdRun(ctx, workflow.CmdRunParams{ID: cmd.ID})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Task.ID != "dev-p1-dev" {
		t.Fatalf("expected templated runner id, got %q", result.Task.ID)
	}
	if _, err := runner.Stop(result.Task.ID, 1000); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestCmdRun_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CmdRun(context.Background(), workflow.CmdRunParams{ID: 999})
	if err == nil || err.Error() != "Command not found: 999" {
		t.Fatalf("expected 'Command not found: 999', got %v", err)
	}
}
