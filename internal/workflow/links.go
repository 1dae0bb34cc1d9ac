package workflow

import (
	"context"
	"strings"
)

// LinkAddParams carries link_add arguments.
type LinkAddParams struct {
	ProjectID string
	Label     string
	URL       string
	Category  string
}

func (e *Engine) LinkAdd(ctx context.Context, p LinkAddParams) (*Link, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" || strings.TrimSpace(p.Label) == "" || strings.TrimSpace(p.URL) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId, label and url required")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	category := p.Category
	if category == "" {
		category = "other"
	}
	res, err := e.store.Execute(ctx,
		`INSERT INTO project_links (project_id, label, url, category) VALUES (?, ?, ?, ?)`,
		p.ProjectID, p.Label, p.URL, category,
	)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.Query(ctx, `SELECT * FROM project_links WHERE id = ?`, res.InsertID)
	if err != nil {
		return nil, err
	}
	link := linkFromRow(rows[0])
	return &link, nil
}

// LinkRemove deletes a link by (projectId, label).
func (e *Engine) LinkRemove(ctx context.Context, projectID, label string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(label) == "" {
		return errOf(ErrInvalidArgument, "projectId and label required")
	}
	res, err := e.store.Execute(ctx,
		`DELETE FROM project_links WHERE project_id = ? AND label = ?`, projectID, label)
	if err != nil {
		return err
	}
	if res.AffectedRows == 0 {
		return errOf(ErrNotFound, "Link not found: %s/%s", projectID, label)
	}
	return nil
}

func (e *Engine) LinkList(ctx context.Context, projectID string) ([]Link, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId required")
	}
	rows, err := e.store.Query(ctx,
		`SELECT * FROM project_links WHERE project_id = ? ORDER BY label ASC`, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Link, 0, len(rows))
	for _, row := range rows {
		out = append(out, linkFromRow(row))
	}
	return out, nil
}
