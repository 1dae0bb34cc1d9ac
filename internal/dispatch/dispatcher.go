// Package dispatch routes flat action envelopes onto the workflow engine.
// The action table is fixed; unknown names and missing required fields fail
// with stable messages so callers can match on them.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	fotel "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/workflow"
)

// Envelope is one incoming action request.
type Envelope struct {
	Action string `json:"action"`
	Params Params `json:"params,omitempty"`
}

type handler func(ctx context.Context, p Params) (any, error)

// Dispatcher owns the action table.
type Dispatcher struct {
	engine  *workflow.Engine
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *fotel.Metrics
	table   map[string]handler
}

// Options carries the dispatcher's collaborators. Tracer and Metrics may be
// nil; they default to no-ops.
type Options struct {
	Engine  *workflow.Engine
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *fotel.Metrics
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engine:  opts.Engine,
		logger:  logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
	}
	d.table = d.buildTable()
	return d
}

// Actions returns the sorted-by-insertion set of known action names.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.table))
	for name := range d.table {
		out = append(out, name)
	}
	return out
}

// Dispatch validates the action name and invokes its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) (any, error) {
	h, ok := d.table[env.Action]
	if !ok {
		return nil, errOf("Unknown action: %s", env.Action)
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = fotel.StartServerSpan(ctx, d.tracer, "action."+env.Action,
			fotel.AttrAction.String(env.Action))
		defer span.End()
	}

	start := time.Now()
	result, err := h(ctx, env.Params)
	elapsed := time.Since(start)

	if d.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("action", env.Action))
		d.metrics.ActionDuration.Record(ctx, elapsed.Seconds(), attrs)
		if err != nil {
			d.metrics.ActionErrors.Add(ctx, 1, attrs)
		}
	}
	if err != nil {
		d.logger.Warn("action failed", "action", env.Action, "error", err, "elapsed_ms", elapsed.Milliseconds())
		return nil, err
	}
	d.logger.Debug("action ok", "action", env.Action, "elapsed_ms", elapsed.Milliseconds())
	return result, nil
}

func (d *Dispatcher) buildTable() map[string]handler {
	e := d.engine
	return map[string]handler{
		// Projects.
		"project_create": func(ctx context.Context, p Params) (any, error) {
			return e.ProjectCreate(ctx, workflow.ProjectCreateParams{
				ID:              p.Str("id"),
				Name:            p.Str("name"),
				Description:     p.Str("description"),
				WorkspacePath:   p.Str("workspacePath"),
				RemoteURL:       p.Str("remoteUrl"),
				TelegramTopicID: p.Int64Ptr("telegramTopicId"),
				HasBuildStep:    p.BoolPtr("hasBuildStep"),
				HasDeployStep:   p.BoolPtr("hasDeployStep"),
			})
		},
		"project_get": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			return e.ProjectGet(ctx, p.Str("id"))
		},
		"project_list": func(ctx context.Context, p Params) (any, error) {
			return e.ProjectList(ctx)
		},
		"project_update": func(ctx context.Context, p Params) (any, error) {
			return e.ProjectUpdate(ctx, workflow.ProjectUpdateParams{
				ID:              p.Str("id"),
				Name:            p.StrPtr("name"),
				Description:     p.StrPtr("description"),
				WorkspacePath:   p.StrPtr("workspacePath"),
				RemoteURL:       p.StrPtr("remoteUrl"),
				TelegramTopicID: p.Int64Ptr("telegramTopicId"),
				HasBuildStep:    p.BoolPtr("hasBuildStep"),
				HasDeployStep:   p.BoolPtr("hasDeployStep"),
				State:           p.StrPtr("state"),
			})
		},
		"project_delete": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			if err := e.ProjectDelete(ctx, p.Str("id")); err != nil {
				return nil, err
			}
			return okResult(), nil
		},

		// Links.
		"link_add": func(ctx context.Context, p Params) (any, error) {
			return e.LinkAdd(ctx, workflow.LinkAddParams{
				ProjectID: p.Str("projectId"),
				Label:     p.Str("label"),
				URL:       p.Str("url"),
				Category:  p.Str("category"),
			})
		},
		"link_remove": func(ctx context.Context, p Params) (any, error) {
			if err := e.LinkRemove(ctx, p.Str("projectId"), p.Str("label")); err != nil {
				return nil, err
			}
			return okResult(), nil
		},
		"link_list": func(ctx context.Context, p Params) (any, error) {
			return e.LinkList(ctx, p.Str("projectId"))
		},

		// Stored commands.
		"cmd_add": func(ctx context.Context, p Params) (any, error) {
			return e.CmdAdd(ctx, workflow.CmdAddParams{
				ProjectID:    p.Str("projectId"),
				Label:        p.Str("label"),
				Command:      p.Str("command"),
				Description:  p.Str("description"),
				Category:     p.Str("category"),
				RunMode:      p.Str("runMode"),
				TaskRunnerID: p.Str("taskRunnerId"),
			})
		},
		"cmd_list": func(ctx context.Context, p Params) (any, error) {
			return e.CmdList(ctx, p.Str("projectId"))
		},
		"cmd_remove": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			if err := e.CmdRemove(ctx, workflow.CmdRemoveParams{
				ID:     p.Int64("id"),
				Force:  p.Bool("force"),
				Reason: p.Str("reason"),
			}); err != nil {
				return nil, err
			}
			return okResult(), nil
		},
		"cmd_update": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			return e.CmdUpdate(ctx, workflow.CmdUpdateParams{
				ID:           p.Int64("id"),
				Label:        p.StrPtr("label"),
				Command:      p.StrPtr("command"),
				Description:  p.StrPtr("description"),
				Category:     p.StrPtr("category"),
				RunMode:      p.StrPtr("runMode"),
				TaskRunnerID: p.StrPtr("taskRunnerId"),
				Force:        p.Bool("force"),
				Reason:       p.Str("reason"),
			})
		},
		"cmd_lock": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			return e.CmdLock(ctx, p.Int64("id"), p.Str("lockedBy"))
		},
		"cmd_unlock": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			return e.CmdUnlock(ctx, p.Int64("id"))
		},
		"cmd_run": func(ctx context.Context, p Params) (any, error) {
			return e.CmdRun(ctx, workflow.CmdRunParams{
				ID:        p.Int64("id"),
				ProjectID: p.Str("projectId"),
				Label:     p.Str("label"),
				TaskID:    p.Int64("taskId"),
				TimeoutMs: int(p.Int64("timeoutMs")),
			})
		},

		// Tasks.
		"task_add": func(ctx context.Context, p Params) (any, error) {
			return e.TaskAdd(ctx, workflow.TaskAddParams{
				ProjectID:           p.Str("projectId"),
				Title:               p.Str("title"),
				Description:         p.Str("description"),
				TaskType:            p.Str("taskType"),
				Priority:            p.Int64Ptr("priority"),
				Phase:               p.Str("phase"),
				AssignedModel:       p.Str("assignedModel"),
				RequiresBranching:   p.BoolPtr("requiresBranching"),
				RequiresHumanReview: p.BoolPtr("requiresHumanReview"),
				Actor:               p.Str("actor"),
			})
		},
		"task_get": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskGet(ctx, p.Int64("taskId"))
		},
		"task_list": func(ctx context.Context, p Params) (any, error) {
			return e.TaskList(ctx, workflow.TaskListParams{
				ProjectID: p.Str("projectId"),
				Status:    p.Str("status"),
			})
		},
		"task_update": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskUpdate(ctx, workflow.TaskUpdateParams{
				ID:             p.Int64("taskId"),
				Title:          p.StrPtr("title"),
				Description:    p.StrPtr("description"),
				Priority:       p.Int64Ptr("priority"),
				Phase:          p.StrPtr("phase"),
				AssignedModel:  p.StrPtr("assignedModel"),
				DevServerURL:   p.StrPtr("devServerUrl"),
				ReviewNotes:    p.StrPtr("reviewNotes"),
				ReviewFeedback: p.StrPtr("reviewFeedback"),
			})
		},
		"task_next": func(ctx context.Context, p Params) (any, error) {
			return e.TaskNext(ctx, p.Str("projectId"))
		},
		"task_start":            d.taskAction(e.TaskStart),
		"task_request_review":   d.taskAction(e.TaskRequestReview),
		"task_resolve_conflict": d.taskAction(e.TaskResolveConflict),
		"task_merge":            d.taskAction(e.TaskMerge),
		"task_build":            d.taskAction(e.TaskBuild),
		"task_deploy":           d.taskAction(e.TaskDeploy),
		"task_complete":         d.taskAction(e.TaskComplete),
		"task_unblock":          d.taskAction(e.TaskUnblock),
		"task_approve": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskApprove(ctx, p.Int64("taskId"), p.Str("actor"), p.Str("reviewNotes"))
		},
		"task_request_changes": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskRequestChanges(ctx, p.Int64("taskId"), p.Str("actor"), p.Str("feedback"))
		},
		"task_cancel": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskCancel(ctx, p.Int64("taskId"), p.Str("actor"), p.Str("reason"))
		},
		"task_block": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "taskId"); err != nil {
				return nil, err
			}
			return e.TaskBlock(ctx, p.Int64("taskId"), p.Str("actor"), p.Str("reason"))
		},

		// Dependencies.
		"task_dep_add": func(ctx context.Context, p Params) (any, error) {
			return e.TaskDepAdd(ctx, p.Int64("taskId"), p.Int64("dependsOnId"))
		},
		"task_dep_remove": func(ctx context.Context, p Params) (any, error) {
			return e.TaskDepRemove(ctx, p.Int64("taskId"), p.Int64("dependsOnId"))
		},
		"task_dep_list": func(ctx context.Context, p Params) (any, error) {
			return e.TaskDepList(ctx, p.Int64("taskId"))
		},

		// Memory.
		"memory_add": func(ctx context.Context, p Params) (any, error) {
			return e.MemoryAdd(ctx, workflow.MemoryAddParams{
				ProjectID: p.Str("projectId"),
				Category:  p.Str("category"),
				Content:   p.Str("content"),
			})
		},
		"memory_list": func(ctx context.Context, p Params) (any, error) {
			return e.MemoryList(ctx, workflow.MemoryListParams{
				ProjectID: p.Str("projectId"),
				Category:  p.Str("category"),
				Limit:     p.Int64("limit"),
			})
		},
		"memory_remove": func(ctx context.Context, p Params) (any, error) {
			if err := require(p, "id"); err != nil {
				return nil, err
			}
			if err := e.MemoryRemove(ctx, p.Int64("id")); err != nil {
				return nil, err
			}
			return okResult(), nil
		},
	}
}

// taskAction adapts the common (taskId, actor) engine method shape.
func (d *Dispatcher) taskAction(fn func(context.Context, int64, string) (*workflow.Task, error)) handler {
	return func(ctx context.Context, p Params) (any, error) {
		if err := require(p, "taskId"); err != nil {
			return nil, err
		}
		return fn(ctx, p.Int64("taskId"), p.Str("actor"))
	}
}

func okResult() map[string]any {
	return map[string]any{"ok": true}
}
