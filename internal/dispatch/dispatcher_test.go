package dispatch_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/dispatch"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/workflow"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	store, err := persistence.Open(persistence.Config{Path: filepath.Join(t.TempDir(), "foreman.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.New(workflow.Options{Store: store, Logger: logger})
	return dispatch.New(dispatch.Options{Engine: engine, Logger: logger})
}

func TestDispatch_UnknownAction(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), &dispatch.Envelope{Action: "frobnicate", Params: dispatch.Params{}})
	if err == nil || err.Error() != "Unknown action: frobnicate" {
		t.Fatalf("expected 'Unknown action: frobnicate', got %v", err)
	}
}

func TestDispatch_ActionTableComplete(t *testing.T) {
	want := []string{
		"project_create", "project_get", "project_list", "project_update", "project_delete",
		"link_add", "link_remove", "link_list",
		"cmd_add", "cmd_list", "cmd_remove", "cmd_update", "cmd_lock", "cmd_unlock", "cmd_run",
		"task_add", "task_get", "task_list", "task_update", "task_next",
		"task_start", "task_request_review", "task_approve", "task_request_changes",
		"task_merge", "task_resolve_conflict", "task_build", "task_deploy",
		"task_complete", "task_cancel", "task_block", "task_unblock",
		"task_dep_add", "task_dep_remove", "task_dep_list",
		"memory_add", "memory_list", "memory_remove",
	}
	if len(want) != 38 {
		t.Fatalf("test is wrong: %d names listed", len(want))
	}

	d := newTestDispatcher(t)
	have := make(map[string]bool)
	for _, name := range d.Actions() {
		have[name] = true
	}
	if len(have) != 38 {
		t.Fatalf("expected 38 actions, got %d", len(have))
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing action %q", name)
		}
	}
}

func TestDispatch_RequiredFieldMessages(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	cases := []struct {
		action string
		want   string
	}{
		{"project_get", "id required"},
		{"task_get", "taskId required"},
		{"task_start", "taskId required"},
		{"cmd_lock", "id required"},
		{"memory_remove", "id required"},
	}
	for _, tc := range cases {
		_, err := d.Dispatch(ctx, &dispatch.Envelope{Action: tc.action, Params: dispatch.Params{}})
		if err == nil || err.Error() != tc.want {
			t.Errorf("%s: expected %q, got %v", tc.action, tc.want, err)
		}
	}

	// Engine-level pair message.
	_, err := d.Dispatch(ctx, &dispatch.Envelope{Action: "task_add", Params: dispatch.Params{}})
	if err == nil || err.Error() != "projectId and title required" {
		t.Errorf("task_add: expected pair message, got %v", err)
	}
}

func TestDispatch_EndToEndProjectAndTask(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	result, err := d.Dispatch(ctx, &dispatch.Envelope{
		Action: "project_create",
		Params: dispatch.Params{"id": "p1", "name": "P1", "hasBuildStep": false, "hasDeployStep": false},
	})
	if err != nil {
		t.Fatalf("project_create: %v", err)
	}
	project, ok := result.(*workflow.Project)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if project.HasBuildStep || project.HasDeployStep {
		t.Fatalf("boolean params not applied: %+v", project)
	}

	result, err = d.Dispatch(ctx, &dispatch.Envelope{
		Action: "task_add",
		Params: dispatch.Params{"projectId": "p1", "title": "t1", "taskType": "hotfix", "priority": float64(5)},
	})
	if err != nil {
		t.Fatalf("task_add: %v", err)
	}
	task := result.(*workflow.Task)
	if task.Priority != 5 {
		t.Fatalf("number coercion failed: %d", task.Priority)
	}

	// JSON numbers arrive as float64; the router coerces them for taskId.
	result, err = d.Dispatch(ctx, &dispatch.Envelope{
		Action: "task_start",
		Params: dispatch.Params{"taskId": float64(task.ID), "actor": "agent"},
	})
	if err != nil {
		t.Fatalf("task_start: %v", err)
	}
	if result.(*workflow.Task).Status != workflow.StatusImplementing {
		t.Fatalf("expected implementing")
	}
}

func TestParamsCoercion(t *testing.T) {
	p := dispatch.Params{
		"s":      "  padded  ",
		"n":      float64(42),
		"numstr": "17",
		"flag":   true,
		"list":   []any{"a", "b"},
	}

	if p.Str("s") != "padded" {
		t.Errorf("Str trim failed: %q", p.Str("s"))
	}
	if p.Str("n") != "42" {
		t.Errorf("Str number coercion failed: %q", p.Str("n"))
	}
	if p.Int64("numstr") != 17 {
		t.Errorf("Int64 string coercion failed: %d", p.Int64("numstr"))
	}
	if !p.Bool("flag") {
		t.Errorf("Bool failed")
	}
	if got := p.StrSlice("list"); len(got) != 2 || got[0] != "a" {
		t.Errorf("StrSlice failed: %v", got)
	}
	if p.BoolPtr("absent") != nil || p.Int64Ptr("absent") != nil || p.StrPtr("absent") != nil {
		t.Errorf("absent keys must yield nil pointers")
	}
}

func TestValidateEnvelope(t *testing.T) {
	env, err := dispatch.ValidateEnvelope([]byte(`{"action":"project_list","params":{"x":1}}`))
	if err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if env.Action != "project_list" || env.Params.Int64("x") != 1 {
		t.Fatalf("decode mismatch: %+v", env)
	}

	if _, err := dispatch.ValidateEnvelope([]byte(`{"params":{}}`)); err == nil {
		t.Fatalf("missing action accepted")
	}
	if _, err := dispatch.ValidateEnvelope([]byte(`{"action":""}`)); err == nil {
		t.Fatalf("empty action accepted")
	}
	if _, err := dispatch.ValidateEnvelope([]byte(`{"action":"x","params":[1]}`)); err == nil {
		t.Fatalf("non-object params accepted")
	}
	if _, err := dispatch.ValidateEnvelope([]byte(`{"action":"x","extra":true}`)); err == nil {
		t.Fatalf("unknown envelope field accepted")
	}
	if _, err := dispatch.ValidateEnvelope([]byte(`not json`)); err == nil || !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
}
