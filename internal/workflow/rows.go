package workflow

import (
	"time"

	"github.com/basket/go-foreman/internal/persistence"
)

// Row accessors. The sqlite driver hands back int64 for INTEGER, string for
// TEXT, and time.Time for declared DATETIME columns; NULL arrives as nil.

func rowString(row persistence.Row, col string) string {
	if v, ok := row[col].(string); ok {
		return v
	}
	return ""
}

func rowInt64(row persistence.Row, col string) int64 {
	switch v := row[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func rowBool(row persistence.Row, col string) bool {
	return rowInt64(row, col) != 0
}

func rowInt64Ptr(row persistence.Row, col string) *int64 {
	if row[col] == nil {
		return nil
	}
	v := rowInt64(row, col)
	return &v
}

func rowTime(row persistence.Row, col string) time.Time {
	switch v := row[col].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func rowTimePtr(row persistence.Row, col string) *time.Time {
	if row[col] == nil {
		return nil
	}
	t := rowTime(row, col)
	if t.IsZero() {
		return nil
	}
	return &t
}

func projectFromRow(row persistence.Row) *Project {
	return &Project{
		ID:              rowString(row, "id"),
		Name:            rowString(row, "name"),
		Description:     rowString(row, "description"),
		WorkspacePath:   rowString(row, "workspace_path"),
		RemoteURL:       rowString(row, "remote_url"),
		TelegramTopicID: rowInt64Ptr(row, "telegram_topic_id"),
		HasBuildStep:    rowBool(row, "has_build_step"),
		HasDeployStep:   rowBool(row, "has_deploy_step"),
		State:           ProjectState(rowString(row, "state")),
		CreatedAt:       rowTime(row, "created_at"),
		UpdatedAt:       rowTime(row, "updated_at"),
	}
}

func taskFromRow(row persistence.Row) *Task {
	return &Task{
		ID:                  rowInt64(row, "id"),
		ProjectID:           rowString(row, "project_id"),
		Title:               rowString(row, "title"),
		Description:         rowString(row, "description"),
		TaskType:            TaskType(rowString(row, "task_type")),
		Status:              TaskStatus(rowString(row, "status")),
		StatusBeforeBlocked: TaskStatus(rowString(row, "status_before_blocked")),
		RequiresBranching:   rowBool(row, "requires_branching"),
		RequiresHumanReview: rowBool(row, "requires_human_review"),
		Priority:            rowInt64(row, "priority"),
		Phase:               rowString(row, "phase"),
		AssignedModel:       rowString(row, "assigned_model"),
		GitBranch:           rowString(row, "git_branch"),
		WorktreePath:        rowString(row, "worktree_path"),
		DevServerURL:        rowString(row, "dev_server_url"),
		ReviewNotes:         rowString(row, "review_notes"),
		ReviewFeedback:      rowString(row, "review_feedback"),
		BlockReason:         rowString(row, "block_reason"),
		CompletedAt:         rowTimePtr(row, "completed_at"),
		CreatedAt:           rowTime(row, "created_at"),
		UpdatedAt:           rowTime(row, "updated_at"),
	}
}

func linkFromRow(row persistence.Row) Link {
	return Link{
		ID:        rowInt64(row, "id"),
		ProjectID: rowString(row, "project_id"),
		Label:     rowString(row, "label"),
		URL:       rowString(row, "url"),
		Category:  rowString(row, "category"),
		CreatedAt: rowTime(row, "created_at"),
	}
}

func commandFromRow(row persistence.Row) *Command {
	return &Command{
		ID:           rowInt64(row, "id"),
		ProjectID:    rowString(row, "project_id"),
		Label:        rowString(row, "label"),
		Command:      rowString(row, "command"),
		Description:  rowString(row, "description"),
		Category:     rowString(row, "category"),
		RunMode:      rowString(row, "run_mode"),
		TaskRunnerID: rowString(row, "task_runner_id"),
		Locked:       rowBool(row, "locked"),
		LockedBy:     rowString(row, "locked_by"),
		LockedAt:     rowTimePtr(row, "locked_at"),
		CreatedAt:    rowTime(row, "created_at"),
		UpdatedAt:    rowTime(row, "updated_at"),
	}
}

func dependencyFromRow(row persistence.Row) Dependency {
	return Dependency{
		TaskID:      rowInt64(row, "task_id"),
		DependsOnID: rowInt64(row, "depends_on_id"),
		CreatedAt:   rowTime(row, "created_at"),
	}
}

func historyFromRow(row persistence.Row) HistoryEntry {
	return HistoryEntry{
		ID:         rowInt64(row, "id"),
		TaskID:     rowInt64(row, "task_id"),
		FromStatus: rowString(row, "from_status"),
		ToStatus:   rowString(row, "to_status"),
		Actor:      rowString(row, "actor"),
		Reason:     rowString(row, "reason"),
		CreatedAt:  rowTime(row, "created_at"),
	}
}

func attemptFromRow(row persistence.Row) Attempt {
	return Attempt{
		ID:         rowInt64(row, "id"),
		TaskID:     rowInt64(row, "task_id"),
		SessionKey: rowString(row, "session_key"),
		Model:      rowString(row, "model"),
		Summary:    rowString(row, "summary"),
		Outcome:    rowString(row, "outcome"),
		CreatedAt:  rowTime(row, "created_at"),
	}
}

func memoryFromRow(row persistence.Row) MemoryNote {
	return MemoryNote{
		ID:        rowInt64(row, "id"),
		ProjectID: rowString(row, "project_id"),
		Category:  rowString(row, "category"),
		Content:   rowString(row, "content"),
		CreatedAt: rowTime(row, "created_at"),
	}
}
