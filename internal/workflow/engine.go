// Package workflow is the project-and-task state machine engine. Every
// mutating task operation follows the same discipline: load the row, run a
// conditional UPDATE guarded by the allowed-from set, require exactly one
// affected row, append a status-history entry, reload.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/gitops"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/supervisor"
)

// Engine coordinates storage, git side effects, and the process supervisor.
type Engine struct {
	store    *persistence.Store
	git      gitops.Driver
	runner   *supervisor.Supervisor
	eventBus *bus.Bus
	logger   *slog.Logger
}

// Options carries the engine's collaborators. Git and Runner may be nil in
// tests that never branch or spawn.
type Options struct {
	Store  *persistence.Store
	Git    gitops.Driver
	Runner *supervisor.Supervisor
	Bus    *bus.Bus
	Logger *slog.Logger
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		git:      opts.Git,
		runner:   opts.Runner,
		eventBus: opts.Bus,
		logger:   logger,
	}
}

// ready runs migrations lazily before the first real operation.
func (e *Engine) ready(ctx context.Context) error {
	return e.store.RunMigrations(ctx)
}

func (e *Engine) ensureProject(ctx context.Context, id string) (*Project, error) {
	rows, err := e.store.Query(ctx, `SELECT * FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errOf(ErrNotFound, "Project not found: %s", id)
	}
	return projectFromRow(rows[0]), nil
}

func (e *Engine) ensureTask(ctx context.Context, id int64) (*Task, error) {
	rows, err := e.store.Query(ctx, `SELECT * FROM project_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errOf(ErrNotFound, "Task not found: %d", id)
	}
	return taskFromRow(rows[0]), nil
}

func (e *Engine) ensureCommand(ctx context.Context, id int64) (*Command, error) {
	rows, err := e.store.Query(ctx, `SELECT * FROM project_commands WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errOf(ErrNotFound, "Command not found: %d", id)
	}
	return commandFromRow(rows[0]), nil
}

// assignment is an extra SET clause applied atomically with a transition.
type assignment struct {
	column string
	value  any
}

// transition performs the race-safe conditional status update. The from-set
// is one of the declarative allowedFrom entries; the guard makes the check
// hold at the store even under interleaved writers.
func (e *Engine) transition(ctx context.Context, task *Task, to TaskStatus, from []TaskStatus, actor, reason string, extra ...assignment) (*Task, error) {
	set := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{string(to)}

	if to == StatusDone {
		set = append(set, "completed_at = CURRENT_TIMESTAMP")
	} else {
		set = append(set, "completed_at = NULL")
	}
	if to != StatusBlocked {
		set = append(set, "status_before_blocked = NULL", "block_reason = NULL")
	}
	for _, a := range extra {
		set = append(set, a.column+" = ?")
		args = append(args, a.value)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	query := fmt.Sprintf(
		`UPDATE project_tasks SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(set, ", "), placeholders,
	)
	args = append(args, task.ID)
	args = append(args, statusStrings(from)...)

	res, err := e.store.Execute(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if res.AffectedRows != 1 {
		return nil, errOf(ErrIllegalTransition,
			"Task status transition failed for %d: %s -> %s", task.ID, task.Status, to)
	}

	if err := e.appendHistory(ctx, task.ID, string(task.Status), string(to), actor, reason); err != nil {
		return nil, err
	}

	updated, err := e.ensureTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	e.logger.Info("task status changed",
		"task_id", task.ID,
		"project_id", task.ProjectID,
		"from", string(task.Status),
		"to", string(to),
		"actor", actor,
	)
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			ProjectID:  task.ProjectID,
			TaskID:     task.ID,
			Title:      task.Title,
			FromStatus: string(task.Status),
			ToStatus:   string(to),
			Actor:      actor,
			Reason:     reason,
		})
	}
	return updated, nil
}

func (e *Engine) appendHistory(ctx context.Context, taskID int64, from, to, actor, reason string) error {
	var fromVal any
	if from != "" {
		fromVal = from
	}
	_, err := e.store.Execute(ctx,
		`INSERT INTO task_status_history (task_id, from_status, to_status, actor, reason) VALUES (?, ?, ?, ?, ?)`,
		taskID, fromVal, to, actor, reason,
	)
	return err
}
