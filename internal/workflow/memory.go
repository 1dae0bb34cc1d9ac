package workflow

import (
	"context"
	"strings"
)

// MemoryAddParams carries memory_add arguments.
type MemoryAddParams struct {
	ProjectID string
	Category  string
	Content   string
}

func (e *Engine) MemoryAdd(ctx context.Context, p MemoryAddParams) (*MemoryNote, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" || strings.TrimSpace(p.Content) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId and content required")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	category := p.Category
	if category == "" {
		category = "learning"
	}
	res, err := e.store.Execute(ctx,
		`INSERT INTO project_memory (project_id, category, content) VALUES (?, ?, ?)`,
		p.ProjectID, category, p.Content,
	)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.Query(ctx, `SELECT * FROM project_memory WHERE id = ?`, res.InsertID)
	if err != nil {
		return nil, err
	}
	note := memoryFromRow(rows[0])
	return &note, nil
}

// MemoryListParams carries memory_list arguments.
type MemoryListParams struct {
	ProjectID string
	Category  string
	Limit     int64
}

func (e *Engine) MemoryList(ctx context.Context, p MemoryListParams) ([]MemoryNote, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId required")
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM project_memory WHERE project_id = ?`
	args := []any{p.ProjectID}
	if p.Category != "" {
		query += ` AND category = ?`
		args = append(args, p.Category)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]MemoryNote, 0, len(rows))
	for _, row := range rows {
		out = append(out, memoryFromRow(row))
	}
	return out, nil
}

func (e *Engine) MemoryRemove(ctx context.Context, id int64) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	res, err := e.store.Execute(ctx, `DELETE FROM project_memory WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if res.AffectedRows == 0 {
		return errOf(ErrNotFound, "Memory not found: %d", id)
	}
	return nil
}
