package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/basket/go-foreman/internal/bus"
)

// TaskAddParams carries task_add arguments. Branching and review flags
// default by task type and are overridable at creation only.
type TaskAddParams struct {
	ProjectID           string
	Title               string
	Description         string
	TaskType            string
	Priority            *int64
	Phase               string
	AssignedModel       string
	RequiresBranching   *bool
	RequiresHumanReview *bool
	Actor               string
}

func (e *Engine) TaskAdd(ctx context.Context, p TaskAddParams) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" || strings.TrimSpace(p.Title) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId and title required")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}

	taskType := TaskType(p.TaskType)
	if taskType == "" {
		taskType = TypeFeature
	}
	defaults, ok := taskTypeDefaults[taskType]
	if !ok {
		return nil, errOf(ErrInvalidArgument, "unknown task type: %s", taskType)
	}
	branching := defaults.Branching
	if p.RequiresBranching != nil {
		branching = *p.RequiresBranching
	}
	review := defaults.Review
	if p.RequiresHumanReview != nil {
		review = *p.RequiresHumanReview
	}
	var priority int64
	if p.Priority != nil {
		priority = *p.Priority
	}

	res, err := e.store.Execute(ctx,
		`INSERT INTO project_tasks (project_id, title, description, task_type, status, requires_branching, requires_human_review, priority, phase, assigned_model)
		 VALUES (?, ?, ?, ?, 'requirements', ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Title, nullable(p.Description), string(taskType),
		boolInt(branching), boolInt(review), priority, nullable(p.Phase), nullable(p.AssignedModel),
	)
	if err != nil {
		return nil, err
	}

	if err := e.appendHistory(ctx, res.InsertID, "", string(StatusRequirements), p.Actor, "created"); err != nil {
		return nil, err
	}
	e.logger.Info("task created", "task_id", res.InsertID, "project_id", p.ProjectID, "task_type", string(taskType))
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			ProjectID: p.ProjectID,
			TaskID:    res.InsertID,
			Title:     p.Title,
			ToStatus:  string(StatusRequirements),
			Actor:     p.Actor,
			Reason:    "created",
		})
	}
	return e.ensureTask(ctx, res.InsertID)
}

// TaskGet returns the task bundle: row, dependency tasks, attempts, history.
func (e *Engine) TaskGet(ctx context.Context, id int64) (*TaskDetail, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	depRows, err := e.store.Query(ctx,
		`SELECT t.* FROM project_tasks t
		 JOIN project_task_dependencies d ON d.depends_on_id = t.id
		 WHERE d.task_id = ? ORDER BY t.id ASC`, id)
	if err != nil {
		return nil, err
	}
	deps := make([]Task, 0, len(depRows))
	for _, row := range depRows {
		deps = append(deps, *taskFromRow(row))
	}

	attemptRows, err := e.store.Query(ctx,
		`SELECT * FROM task_attempts WHERE task_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	attempts := make([]Attempt, 0, len(attemptRows))
	for _, row := range attemptRows {
		attempts = append(attempts, attemptFromRow(row))
	}

	historyRows, err := e.store.Query(ctx,
		`SELECT * FROM task_status_history WHERE task_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryEntry, 0, len(historyRows))
	for _, row := range historyRows {
		history = append(history, historyFromRow(row))
	}

	return &TaskDetail{
		Task:          task,
		Dependencies:  deps,
		Attempts:      attempts,
		StatusHistory: history,
	}, nil
}

// TaskListParams carries task_list arguments.
type TaskListParams struct {
	ProjectID string
	Status    string
}

func (e *Engine) TaskList(ctx context.Context, p TaskListParams) ([]Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId required")
	}

	query := `SELECT * FROM project_tasks WHERE project_id = ?`
	args := []any{p.ProjectID}
	if p.Status != "" {
		query += ` AND status = ?`
		args = append(args, p.Status)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, *taskFromRow(row))
	}
	return out, nil
}

// TaskUpdateParams carries task_update arguments. Status is not among them;
// lifecycle actions own status.
type TaskUpdateParams struct {
	ID             int64
	Title          *string
	Description    *string
	Priority       *int64
	Phase          *string
	AssignedModel  *string
	DevServerURL   *string
	ReviewNotes    *string
	ReviewFeedback *string
}

func (e *Engine) TaskUpdate(ctx context.Context, p TaskUpdateParams) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if _, err := e.ensureTask(ctx, p.ID); err != nil {
		return nil, err
	}

	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		appendSet("title", *p.Title)
	}
	if p.Description != nil {
		appendSet("description", nullable(*p.Description))
	}
	if p.Priority != nil {
		appendSet("priority", *p.Priority)
	}
	if p.Phase != nil {
		appendSet("phase", nullable(*p.Phase))
	}
	if p.AssignedModel != nil {
		appendSet("assigned_model", nullable(*p.AssignedModel))
	}
	if p.DevServerURL != nil {
		appendSet("dev_server_url", nullable(*p.DevServerURL))
	}
	if p.ReviewNotes != nil {
		appendSet("review_notes", nullable(*p.ReviewNotes))
	}
	if p.ReviewFeedback != nil {
		appendSet("review_feedback", nullable(*p.ReviewFeedback))
	}

	args = append(args, p.ID)
	if _, err := e.store.Execute(ctx,
		`UPDATE project_tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return e.ensureTask(ctx, p.ID)
}

// TaskNext returns the highest-priority workable task whose dependencies are
// all done. Ties break on oldest created_at, then smallest id.
func (e *Engine) TaskNext(ctx context.Context, projectID string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nextEligibleStatuses)), ",")
	query := fmt.Sprintf(`
		SELECT t.* FROM project_tasks t
		WHERE t.project_id = ?
		  AND t.status IN (%s)
		  AND NOT EXISTS (
			SELECT 1 FROM project_task_dependencies d
			JOIN project_tasks parent ON parent.id = d.depends_on_id
			WHERE d.task_id = t.id AND parent.status != 'done'
		  )
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		LIMIT 1`, placeholders)

	args := append([]any{projectID}, statusStrings(nextEligibleStatuses)...)
	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return taskFromRow(rows[0]), nil
}

// TaskStart moves a task into implementing. For branching tasks it creates
// the worktree and branch and persists both on the task. The status commit
// lands before the git step; a git failure surfaces to the caller with the
// task already implementing.
func (e *Engine) TaskStart(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if task.RequiresBranching && strings.TrimSpace(project.WorkspacePath) == "" {
		return nil, errOf(ErrPrecondition, "Project workspace_path required for branching tasks")
	}

	updated, err := e.transition(ctx, task, StatusImplementing, allowedFrom["start"], actor, "started")
	if err != nil {
		return nil, err
	}
	if !task.RequiresBranching {
		return updated, nil
	}

	branch := task.GitBranch
	if branch == "" {
		branch = fmt.Sprintf("task/%d", id)
	}
	worktree := task.WorktreePath
	if worktree == "" {
		worktree = filepath.Join(project.WorkspacePath, "worktrees", fmt.Sprintf("task-%d", id))
	}
	repo := filepath.Join(project.WorkspacePath, "main")

	if err := e.git.CreateWorktree(ctx, repo, worktree, branch); err != nil {
		return nil, err
	}
	if _, err := e.store.Execute(ctx,
		`UPDATE project_tasks SET git_branch = ?, worktree_path = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		branch, worktree, id); err != nil {
		return nil, err
	}
	e.logger.Info("worktree created", "task_id", id, "branch", branch, "worktree", worktree)
	return e.ensureTask(ctx, id)
}

// TaskRequestReview promotes to review_requested, or straight to approved
// when the task does not require human review.
func (e *Engine) TaskRequestReview(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.RequiresHumanReview {
		return e.transition(ctx, task, StatusApproved, allowedFrom["request_review"], actor, "auto-approved")
	}
	return e.transition(ctx, task, StatusReviewRequested, allowedFrom["request_review"], actor, "review requested")
}

// TaskApprove approves a review. Without a human-review requirement the task
// may be approved directly from implementing or changes_requested.
func (e *Engine) TaskApprove(ctx context.Context, id int64, actor, notes string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from := allowedFrom["approve"]
	if !task.RequiresHumanReview {
		from = allowedFrom["approve_auto"]
	}
	var extra []assignment
	if notes != "" {
		extra = append(extra, assignment{"review_notes", notes})
	}
	return e.transition(ctx, task, StatusApproved, from, actor, "approved", extra...)
}

// TaskRequestChanges sends a review back with feedback.
func (e *Engine) TaskRequestChanges(ctx context.Context, id int64, actor, feedback string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	var extra []assignment
	if feedback != "" {
		extra = append(extra, assignment{"review_feedback", feedback})
	}
	return e.transition(ctx, task, StatusChangesRequested, allowedFrom["request_changes"], actor, "changes requested", extra...)
}

// pickPostMergeStatus decides where a task goes after its merge commits:
// build first when configured, then deploy, else done.
func pickPostMergeStatus(project *Project) TaskStatus {
	switch {
	case project.HasBuildStep:
		return StatusBuilding
	case project.HasDeployStep:
		return StatusDeploying
	default:
		return StatusDone
	}
}

// TaskMerge merges the task's branch into the project mainline and advances
// to the next configured step. Non-branching tasks skip git entirely.
func (e *Engine) TaskMerge(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	if !task.RequiresBranching {
		next := pickPostMergeStatus(project)
		if next == StatusDone {
			return e.TaskComplete(ctx, id, actor)
		}
		return e.transition(ctx, task, next, allowedFrom["merge_direct"], actor, "merged (no branch)")
	}

	if strings.TrimSpace(project.WorkspacePath) == "" || strings.TrimSpace(task.GitBranch) == "" {
		return nil, errOf(ErrPrecondition, "workspace_path and git_branch required for merge")
	}

	// A task that already sits in merging (via task_resolve_conflict) skips
	// straight to the git step.
	merging := task
	if task.Status != StatusMerging {
		merging, err = e.transition(ctx, task, StatusMerging, allowedFrom["merge"], actor, "merge started")
		if err != nil {
			return nil, err
		}
	}

	repo := filepath.Join(project.WorkspacePath, "main")
	result, err := e.git.MergeBranch(ctx, repo, task.GitBranch)
	if err != nil {
		return nil, err
	}
	if result.Conflict {
		e.logger.Warn("merge conflict", "task_id", id, "branch", task.GitBranch)
		return e.transition(ctx, merging, StatusMergeConflict, []TaskStatus{StatusMerging}, actor, "merge conflict")
	}
	if !result.Success {
		return nil, errOf(ErrExternal, "Merge failed: %s", result.Output)
	}

	next := pickPostMergeStatus(project)
	return e.transition(ctx, merging, next, []TaskStatus{StatusMerging}, actor, "merged")
}

// TaskResolveConflict puts a conflicted task back into merging; the caller
// re-runs task_merge to retry the git merge.
func (e *Engine) TaskResolveConflict(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, task, StatusMerging, allowedFrom["resolve_conflict"], actor, "conflict resolved")
}

// TaskBuild records a completed build and advances to deploy or done.
func (e *Engine) TaskBuild(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if !project.HasBuildStep {
		return nil, errOf(ErrPrecondition, "Project has no build step")
	}
	next := StatusDone
	if project.HasDeployStep {
		next = StatusDeploying
	}
	return e.transition(ctx, task, next, allowedFrom["build"], actor, "built")
}

// TaskDeploy records a completed deploy; the task is done.
func (e *Engine) TaskDeploy(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, task, StatusDone, allowedFrom["deploy"], actor, "deployed")
}

// TaskComplete force-moves a task to done from any live state. Cancelled and
// done tasks stay put.
func (e *Engine) TaskComplete(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, task, StatusDone, allowedFrom["complete"], actor, "completed")
}

// TaskCancel cancels a task from any state. An existing worktree is removed
// best-effort; a failure there never blocks the cancel.
func (e *Engine) TaskCancel(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}
	updated, err := e.transition(ctx, task, StatusCancelled, allowedFrom["cancel"], actor, reason)
	if err != nil {
		return nil, err
	}

	if task.WorktreePath != "" && e.git != nil {
		if project, perr := e.ensureProject(ctx, task.ProjectID); perr == nil && project.WorkspacePath != "" {
			repo := filepath.Join(project.WorkspacePath, "main")
			if rerr := e.git.RemoveWorktree(ctx, repo, task.WorktreePath, task.GitBranch); rerr != nil {
				e.logger.Warn("worktree cleanup failed", "task_id", id, "error", rerr)
			}
		}
	}
	return updated, nil
}

// TaskBlock parks a task, remembering where it was.
func (e *Engine) TaskBlock(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, task, StatusBlocked, allowedFrom["block"], actor, reason,
		assignment{"status_before_blocked", string(task.Status)},
		assignment{"block_reason", nullable(reason)},
	)
}

// TaskUnblock restores a blocked task to its saved prior status,
// defaulting to requirements.
func (e *Engine) TaskUnblock(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	prior := task.StatusBeforeBlocked
	if prior == "" {
		prior = StatusRequirements
	}
	return e.transition(ctx, task, prior, allowedFrom["unblock"], actor, "unblocked")
}

// RecordAttemptParams carries an agent-run record for a task.
type RecordAttemptParams struct {
	TaskID     int64
	SessionKey string
	Model      string
	Summary    string
	Outcome    string
}

// RecordAttempt appends a task attempt row.
func (e *Engine) RecordAttempt(ctx context.Context, p RecordAttemptParams) (*Attempt, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if _, err := e.ensureTask(ctx, p.TaskID); err != nil {
		return nil, err
	}
	outcome := p.Outcome
	if outcome == "" {
		outcome = "success"
	}
	res, err := e.store.Execute(ctx,
		`INSERT INTO task_attempts (task_id, session_key, model, summary, outcome) VALUES (?, ?, ?, ?, ?)`,
		p.TaskID, nullable(p.SessionKey), nullable(p.Model), nullable(p.Summary), outcome,
	)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.Query(ctx, `SELECT * FROM task_attempts WHERE id = ?`, res.InsertID)
	if err != nil {
		return nil, err
	}
	attempt := attemptFromRow(rows[0])
	return &attempt, nil
}
