package persistence_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-foreman/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(persistence.Config{
		Path: filepath.Join(t.TempDir(), "foreman.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestOpenConfiguresWAL(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestMigrationsCreateAllTables(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	requiredTables := []string{
		"projects", "project_links", "project_commands", "project_tasks",
		"project_task_dependencies", "task_status_history", "task_attempts", "project_memory",
	}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	// The cached first result is returned; nothing reruns or errors.
	if err := store.RunMigrations(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := store.RunMigrations(ctx); err != nil {
		t.Fatalf("third migrate: %v", err)
	}
}

func TestExecuteReturnsMetadata(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Execute(ctx,
		`INSERT INTO projects (id, name) VALUES (?, ?)`, "p1", "P1"); err != nil {
		t.Fatalf("insert project: %v", err)
	}

	res, err := store.Execute(ctx,
		`INSERT INTO project_tasks (project_id, title) VALUES (?, ?)`, "p1", "t1")
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if res.InsertID == 0 {
		t.Fatalf("expected insert id")
	}
	if res.AffectedRows != 1 {
		t.Fatalf("expected 1 affected row, got %d", res.AffectedRows)
	}

	res, err = store.Execute(ctx,
		`UPDATE project_tasks SET priority = 9 WHERE project_id = ?`, "p1")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.AffectedRows != 1 {
		t.Fatalf("expected 1 affected row, got %d", res.AffectedRows)
	}
}

func TestQueryMaterializesRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Execute(ctx,
		`INSERT INTO projects (id, name, description) VALUES (?, ?, ?)`, "p1", "P1", "desc"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.Query(ctx, `SELECT id, name, description, has_build_step FROM projects WHERE id = ?`, "p1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row["id"] != "p1" || row["name"] != "P1" || row["description"] != "desc" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if v, ok := row["has_build_step"].(int64); !ok || v != 1 {
		t.Fatalf("expected int64 default 1, got %T %v", row["has_build_step"], row["has_build_step"])
	}
}

func TestEnumChecksEnforced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Execute(ctx,
		`INSERT INTO projects (id, name, state) VALUES (?, ?, ?)`, "p1", "P1", "imaginary"); err == nil {
		t.Fatalf("expected CHECK violation for bogus project state")
	}
}

func TestCascadeDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Execute(ctx, `INSERT INTO projects (id, name) VALUES ('p1', 'P1')`); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	res, err := store.Execute(ctx, `INSERT INTO project_tasks (project_id, title) VALUES ('p1', 't1')`)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := store.Execute(ctx,
		`INSERT INTO task_status_history (task_id, to_status) VALUES (?, 'requirements')`, res.InsertID); err != nil {
		t.Fatalf("insert history: %v", err)
	}

	if _, err := store.Execute(ctx, `DELETE FROM projects WHERE id = 'p1'`); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	rows, err := store.Query(ctx, `SELECT id FROM project_tasks`)
	if err != nil {
		t.Fatalf("query tasks: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("tasks not cascaded: %d rows", len(rows))
	}
	rows, err = store.Query(ctx, `SELECT id FROM task_status_history`)
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("history not cascaded: %d rows", len(rows))
	}
}

func TestUniqueLabelsPerProject(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Execute(ctx, `INSERT INTO projects (id, name) VALUES ('p1', 'P1')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Execute(ctx,
		`INSERT INTO project_links (project_id, label, url) VALUES ('p1', 'dev', 'http://a')`); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if _, err := store.Execute(ctx,
		`INSERT INTO project_links (project_id, label, url) VALUES ('p1', 'dev', 'http://b')`); err == nil {
		t.Fatalf("expected unique violation for duplicate label")
	}
}
