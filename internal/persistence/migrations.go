package persistence

import (
	"context"
	"fmt"
)

// tableStatements is the authoritative schema. Every statement is
// IF NOT EXISTS so RunMigrations can run on every boot.
var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY CHECK(length(id) <= 64),
		name TEXT NOT NULL,
		description TEXT,
		workspace_path TEXT,
		remote_url TEXT,
		telegram_topic_id INTEGER,
		has_build_step INTEGER NOT NULL DEFAULT 1,
		has_deploy_step INTEGER NOT NULL DEFAULT 1,
		state TEXT NOT NULL DEFAULT 'planning'
			CHECK(state IN ('planning', 'active', 'paused', 'complete', 'archived')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS project_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		url TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'other'
			CHECK(category IN ('dev', 'prod', 'docs', 'admin', 'api', 'other')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, label)
	);`,
	`CREATE TABLE IF NOT EXISTS project_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		command TEXT NOT NULL,
		description TEXT,
		category TEXT NOT NULL DEFAULT 'other'
			CHECK(category IN ('dev', 'build', 'test', 'deploy', 'lint', 'db', 'other')),
		run_mode TEXT NOT NULL DEFAULT 'exec' CHECK(run_mode IN ('exec', 'task')),
		task_runner_id TEXT,
		locked INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		locked_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, label)
	);`,
	`CREATE TABLE IF NOT EXISTS project_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT,
		task_type TEXT NOT NULL DEFAULT 'feature'
			CHECK(task_type IN ('feature', 'bugfix', 'iteration', 'hotfix', 'chore')),
		status TEXT NOT NULL DEFAULT 'requirements'
			CHECK(status IN ('requirements', 'implementing', 'review_requested', 'changes_requested',
				'approved', 'merging', 'merge_conflict', 'building', 'deploying', 'done',
				'blocked', 'cancelled')),
		status_before_blocked TEXT
			CHECK(status_before_blocked IS NULL OR status_before_blocked IN
				('requirements', 'implementing', 'review_requested', 'changes_requested',
				'approved', 'merging', 'merge_conflict', 'building', 'deploying')),
		requires_branching INTEGER NOT NULL DEFAULT 0,
		requires_human_review INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		phase TEXT,
		assigned_model TEXT,
		git_branch TEXT,
		worktree_path TEXT,
		dev_server_url TEXT,
		review_notes TEXT,
		review_feedback TEXT,
		block_reason TEXT,
		completed_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS project_task_dependencies (
		task_id INTEGER NOT NULL REFERENCES project_tasks(id) ON DELETE CASCADE,
		depends_on_id INTEGER NOT NULL REFERENCES project_tasks(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (task_id, depends_on_id),
		CHECK(task_id != depends_on_id)
	);`,
	`CREATE TABLE IF NOT EXISTS task_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES project_tasks(id) ON DELETE CASCADE,
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor TEXT,
		reason TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES project_tasks(id) ON DELETE CASCADE,
		session_key TEXT,
		model TEXT,
		summary TEXT,
		outcome TEXT NOT NULL DEFAULT 'success'
			CHECK(outcome IN ('success', 'partial', 'failed', 'abandoned')),
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS project_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		category TEXT NOT NULL DEFAULT 'learning'
			CHECK(category IN ('mistake', 'learning', 'convention', 'gotcha', 'decision')),
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_links_project ON project_links(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_commands_project ON project_commands(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON project_tasks(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_next ON project_tasks(project_id, status, priority, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_deps_task ON project_task_dependencies(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_deps_parent ON project_task_dependencies(depends_on_id);`,
	`CREATE INDEX IF NOT EXISTS idx_history_task ON task_status_history(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_memory_project ON project_memory(project_id);`,
}

// RunMigrations creates every table and index if missing. Safe to call more
// than once; the first caller pays, later callers return the cached result.
func (s *Store) RunMigrations(ctx context.Context) error {
	s.migrateOnce.Do(func() {
		s.migrateErr = s.runMigrations(ctx)
	})
	return s.migrateErr
}

func (s *Store) runMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
