package workflow

import (
	"context"
	"strings"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/supervisor"
)

// ProjectCreateParams carries project_create arguments.
type ProjectCreateParams struct {
	ID              string
	Name            string
	Description     string
	WorkspacePath   string
	RemoteURL       string
	TelegramTopicID *int64
	HasBuildStep    *bool
	HasDeployStep   *bool
}

func (e *Engine) ProjectCreate(ctx context.Context, p ProjectCreateParams) (*Project, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return nil, errOf(ErrInvalidArgument, "id and name required")
	}
	if len(p.ID) > 64 {
		return nil, errOf(ErrInvalidArgument, "id must be at most 64 characters")
	}

	hasBuild := true
	if p.HasBuildStep != nil {
		hasBuild = *p.HasBuildStep
	}
	hasDeploy := true
	if p.HasDeployStep != nil {
		hasDeploy = *p.HasDeployStep
	}

	var topicID any
	if p.TelegramTopicID != nil {
		topicID = *p.TelegramTopicID
	}

	_, err := e.store.Execute(ctx,
		`INSERT INTO projects (id, name, description, workspace_path, remote_url, telegram_topic_id, has_build_step, has_deploy_step, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'planning')`,
		p.ID, p.Name, nullable(p.Description), nullable(p.WorkspacePath), nullable(p.RemoteURL),
		topicID, boolInt(hasBuild), boolInt(hasDeploy),
	)
	if err != nil {
		return nil, err
	}
	e.logger.Info("project created", "project_id", p.ID, "name", p.Name)
	return e.ensureProject(ctx, p.ID)
}

// ProjectGet returns the full context bundle for a project.
func (e *Engine) ProjectGet(ctx context.Context, id string) (*ProjectContext, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, id)
	if err != nil {
		return nil, err
	}

	links, err := e.LinkList(ctx, id)
	if err != nil {
		return nil, err
	}
	commands, err := e.CmdList(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := e.TaskList(ctx, TaskListParams{ProjectID: id})
	if err != nil {
		return nil, err
	}

	depRows, err := e.store.Query(ctx,
		`SELECT d.task_id, d.depends_on_id, d.created_at
		 FROM project_task_dependencies d
		 JOIN project_tasks t ON t.id = d.task_id
		 WHERE t.project_id = ?`, id)
	if err != nil {
		return nil, err
	}
	deps := make([]Dependency, 0, len(depRows))
	for _, row := range depRows {
		deps = append(deps, dependencyFromRow(row))
	}

	memRows, err := e.store.Query(ctx,
		`SELECT * FROM project_memory WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT 50`, id)
	if err != nil {
		return nil, err
	}
	memory := make([]MemoryNote, 0, len(memRows))
	for _, row := range memRows {
		memory = append(memory, memoryFromRow(row))
	}

	bundle := &ProjectContext{
		Project:          project,
		Links:            links,
		Commands:         commands,
		Tasks:            tasks,
		TaskDependencies: deps,
		RecentMemory:     memory,
		RunningProcesses: nil,
	}
	if e.runner != nil {
		bundle.RunningProcesses = e.runner.ListByProject(id)
	}
	if bundle.RunningProcesses == nil {
		bundle.RunningProcesses = []*supervisor.TaskRecord{}
	}
	return bundle, nil
}

func (e *Engine) ProjectList(ctx context.Context) ([]Project, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := e.store.Query(ctx, `SELECT * FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(rows))
	for _, row := range rows {
		out = append(out, *projectFromRow(row))
	}
	return out, nil
}

// ProjectUpdateParams carries project_update arguments. Nil fields are left
// unchanged; State goes through the validated transition.
type ProjectUpdateParams struct {
	ID              string
	Name            *string
	Description     *string
	WorkspacePath   *string
	RemoteURL       *string
	TelegramTopicID *int64
	HasBuildStep    *bool
	HasDeployStep   *bool
	State           *string
}

func (e *Engine) ProjectUpdate(ctx context.Context, p ProjectUpdateParams) (*Project, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, errOf(ErrInvalidArgument, "id required")
	}
	project, err := e.ensureProject(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}

	if p.Name != nil {
		appendSet("name", *p.Name)
	}
	if p.Description != nil {
		appendSet("description", nullable(*p.Description))
	}
	if p.WorkspacePath != nil {
		appendSet("workspace_path", nullable(*p.WorkspacePath))
	}
	if p.RemoteURL != nil {
		appendSet("remote_url", nullable(*p.RemoteURL))
	}
	if p.TelegramTopicID != nil {
		appendSet("telegram_topic_id", *p.TelegramTopicID)
	}
	if p.HasBuildStep != nil {
		appendSet("has_build_step", boolInt(*p.HasBuildStep))
	}
	if p.HasDeployStep != nil {
		appendSet("has_deploy_step", boolInt(*p.HasDeployStep))
	}

	stateChanged := false
	if p.State != nil {
		to := ProjectState(*p.State)
		if to != project.State {
			if !validProjectTransition(project.State, to) {
				return nil, errOf(ErrIllegalProjectTransition,
					"Invalid project state transition: %s -> %s", project.State, to)
			}
			appendSet("state", string(to))
			stateChanged = true
		}
	}

	args = append(args, p.ID)
	_, err = e.store.Execute(ctx,
		`UPDATE projects SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}

	updated, err := e.ensureProject(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if stateChanged && e.eventBus != nil {
		e.eventBus.Publish(bus.TopicProjectStateChanged, bus.ProjectStateChangedEvent{
			ProjectID: p.ID,
			FromState: string(project.State),
			ToState:   string(updated.State),
		})
	}
	return updated, nil
}

// ProjectDelete removes the project; owned rows cascade.
func (e *Engine) ProjectDelete(ctx context.Context, id string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	if _, err := e.ensureProject(ctx, id); err != nil {
		return err
	}
	if _, err := e.store.Execute(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return err
	}
	e.logger.Info("project deleted", "project_id", id)
	return nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
