package workflow

import (
	"context"
)

// TaskDepAdd records "taskID depends on dependsOnID". Self-edges are
// rejected, and so are edges that would close a cycle: readiness checks
// would otherwise deadlock the whole chain.
func (e *Engine) TaskDepAdd(ctx context.Context, taskID, dependsOnID int64) ([]Dependency, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if taskID == 0 || dependsOnID == 0 {
		return nil, errOf(ErrInvalidArgument, "taskId and dependsOnId required")
	}
	if taskID == dependsOnID {
		return nil, errOf(ErrInvalidArgument, "task cannot depend on itself")
	}
	if _, err := e.ensureTask(ctx, taskID); err != nil {
		return nil, err
	}
	if _, err := e.ensureTask(ctx, dependsOnID); err != nil {
		return nil, err
	}

	cyclic, err := e.wouldCycle(ctx, taskID, dependsOnID)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return nil, errOf(ErrInvalidArgument, "dependency cycle detected")
	}

	if _, err := e.store.Execute(ctx,
		`INSERT OR IGNORE INTO project_task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
		taskID, dependsOnID); err != nil {
		return nil, err
	}
	return e.TaskDepList(ctx, taskID)
}

// wouldCycle walks the dependency graph from dependsOnID looking for taskID.
func (e *Engine) wouldCycle(ctx context.Context, taskID, dependsOnID int64) (bool, error) {
	visited := map[int64]bool{}
	stack := []int64{dependsOnID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := e.store.Query(ctx,
			`SELECT depends_on_id FROM project_task_dependencies WHERE task_id = ?`, current)
		if err != nil {
			return false, err
		}
		for _, row := range rows {
			stack = append(stack, rowInt64(row, "depends_on_id"))
		}
	}
	return false, nil
}

// TaskDepRemove deletes a dependency edge.
func (e *Engine) TaskDepRemove(ctx context.Context, taskID, dependsOnID int64) ([]Dependency, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if taskID == 0 || dependsOnID == 0 {
		return nil, errOf(ErrInvalidArgument, "taskId and dependsOnId required")
	}
	if _, err := e.store.Execute(ctx,
		`DELETE FROM project_task_dependencies WHERE task_id = ? AND depends_on_id = ?`,
		taskID, dependsOnID); err != nil {
		return nil, err
	}
	return e.TaskDepList(ctx, taskID)
}

// TaskDepList returns the task's outgoing dependency edges.
func (e *Engine) TaskDepList(ctx context.Context, taskID int64) ([]Dependency, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if taskID == 0 {
		return nil, errOf(ErrInvalidArgument, "taskId required")
	}
	rows, err := e.store.Query(ctx,
		`SELECT * FROM project_task_dependencies WHERE task_id = ? ORDER BY depends_on_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Dependency, 0, len(rows))
	for _, row := range rows {
		out = append(out, dependencyFromRow(row))
	}
	return out, nil
}
