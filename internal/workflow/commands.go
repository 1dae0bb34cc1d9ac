package workflow

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/supervisor"
)

// 20 MiB: stored commands are build/test pipelines with chatty output.
const cmdOutputLimit = 20 * 1024 * 1024

// CmdAddParams carries cmd_add arguments.
type CmdAddParams struct {
	ProjectID    string
	Label        string
	Command      string
	Description  string
	Category     string
	RunMode      string
	TaskRunnerID string
}

func (e *Engine) CmdAdd(ctx context.Context, p CmdAddParams) (*Command, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" || strings.TrimSpace(p.Label) == "" || strings.TrimSpace(p.Command) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId, label and command required")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	category := p.Category
	if category == "" {
		category = "other"
	}
	runMode := p.RunMode
	if runMode == "" {
		runMode = "exec"
	}
	if runMode != "exec" && runMode != "task" {
		return nil, errOf(ErrInvalidArgument, "run_mode must be exec or task")
	}

	res, err := e.store.Execute(ctx,
		`INSERT INTO project_commands (project_id, label, command, description, category, run_mode, task_runner_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Label, p.Command, nullable(p.Description), category, runMode, nullable(p.TaskRunnerID),
	)
	if err != nil {
		return nil, err
	}
	return e.ensureCommand(ctx, res.InsertID)
}

func (e *Engine) CmdList(ctx context.Context, projectID string) ([]Command, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, errOf(ErrInvalidArgument, "projectId required")
	}
	rows, err := e.store.Query(ctx,
		`SELECT * FROM project_commands WHERE project_id = ? ORDER BY label ASC`, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Command, 0, len(rows))
	for _, row := range rows {
		out = append(out, *commandFromRow(row))
	}
	return out, nil
}

// checkLock gates destructive edits of a locked command: force plus a
// non-blank reason, or the edit is refused.
func checkLock(cmd *Command, force bool, reason string) error {
	if !cmd.Locked {
		return nil
	}
	if !force {
		return errOf(ErrLocked, "Command %d is locked", cmd.ID)
	}
	if strings.TrimSpace(reason) == "" {
		return errOf(ErrLocked, "force reason required when mutating locked command")
	}
	return nil
}

// CmdRemoveParams carries cmd_remove arguments.
type CmdRemoveParams struct {
	ID     int64
	Force  bool
	Reason string
}

func (e *Engine) CmdRemove(ctx context.Context, p CmdRemoveParams) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	cmd, err := e.ensureCommand(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := checkLock(cmd, p.Force, p.Reason); err != nil {
		return err
	}
	_, err = e.store.Execute(ctx, `DELETE FROM project_commands WHERE id = ?`, p.ID)
	if err != nil {
		return err
	}
	if cmd.Locked {
		e.logger.Info("locked command removed", "command_id", p.ID, "reason", p.Reason)
	}
	return nil
}

// CmdUpdateParams carries cmd_update arguments.
type CmdUpdateParams struct {
	ID           int64
	Label        *string
	Command      *string
	Description  *string
	Category     *string
	RunMode      *string
	TaskRunnerID *string
	Force        bool
	Reason       string
}

func (e *Engine) CmdUpdate(ctx context.Context, p CmdUpdateParams) (*Command, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	cmd, err := e.ensureCommand(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := checkLock(cmd, p.Force, p.Reason); err != nil {
		return nil, err
	}

	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	var args []any
	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if p.Label != nil {
		appendSet("label", *p.Label)
	}
	if p.Command != nil {
		appendSet("command", *p.Command)
	}
	if p.Description != nil {
		appendSet("description", nullable(*p.Description))
	}
	if p.Category != nil {
		appendSet("category", *p.Category)
	}
	if p.RunMode != nil {
		if *p.RunMode != "exec" && *p.RunMode != "task" {
			return nil, errOf(ErrInvalidArgument, "run_mode must be exec or task")
		}
		appendSet("run_mode", *p.RunMode)
	}
	if p.TaskRunnerID != nil {
		appendSet("task_runner_id", nullable(*p.TaskRunnerID))
	}

	args = append(args, p.ID)
	if _, err := e.store.Execute(ctx,
		`UPDATE project_commands SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return e.ensureCommand(ctx, p.ID)
}

// CmdLock marks a command as requiring force+reason for edits.
func (e *Engine) CmdLock(ctx context.Context, id int64, lockedBy string) (*Command, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if _, err := e.ensureCommand(ctx, id); err != nil {
		return nil, err
	}
	if _, err := e.store.Execute(ctx,
		`UPDATE project_commands SET locked = 1, locked_by = ?, locked_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullable(lockedBy), id); err != nil {
		return nil, err
	}
	return e.ensureCommand(ctx, id)
}

// CmdUnlock clears the lock.
func (e *Engine) CmdUnlock(ctx context.Context, id int64) (*Command, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if _, err := e.ensureCommand(ctx, id); err != nil {
		return nil, err
	}
	if _, err := e.store.Execute(ctx,
		`UPDATE project_commands SET locked = 0, locked_by = NULL, locked_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id); err != nil {
		return nil, err
	}
	return e.ensureCommand(ctx, id)
}

// CmdRunParams carries cmd_run arguments. Commands resolve by id or by
// (projectId, label).
type CmdRunParams struct {
	ID        int64
	ProjectID string
	Label     string
	TaskID    int64
	TimeoutMs int
}

// CmdRun executes a stored command: synchronously through the shell for
// exec mode, or handed to the process supervisor for task mode.
func (e *Engine) CmdRun(ctx context.Context, p CmdRunParams) (*CmdRunResult, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}

	var cmd *Command
	var err error
	switch {
	case p.ID != 0:
		cmd, err = e.ensureCommand(ctx, p.ID)
	case p.ProjectID != "" && p.Label != "":
		found, qerr := e.store.Query(ctx,
			`SELECT * FROM project_commands WHERE project_id = ? AND label = ?`, p.ProjectID, p.Label)
		if qerr != nil {
			return nil, qerr
		}
		if len(found) == 0 {
			return nil, errOf(ErrNotFound, "Command not found: %s/%s", p.ProjectID, p.Label)
		}
		cmd = commandFromRow(found[0])
	default:
		return nil, errOf(ErrInvalidArgument, "id or projectId and label required")
	}
	if err != nil {
		return nil, err
	}

	project, err := e.ensureProject(ctx, cmd.ProjectID)
	if err != nil {
		return nil, err
	}

	sub := func(s string) string {
		s = strings.ReplaceAll(s, "{project_id}", cmd.ProjectID)
		s = strings.ReplaceAll(s, "{label}", cmd.Label)
		taskID := ""
		if p.TaskID != 0 {
			taskID = strconv.FormatInt(p.TaskID, 10)
		}
		return strings.ReplaceAll(s, "{task_id}", taskID)
	}
	shellCmd := sub(cmd.Command)

	if cmd.RunMode == "exec" {
		stdout, stderr, runErr := e.runShell(ctx, shellCmd, project.WorkspacePath, p.TimeoutMs)
		if runErr != nil {
			return nil, runErr
		}
		e.logger.Info("command executed", "command_id", cmd.ID, "label", cmd.Label, "mode", "exec")
		return &CmdRunResult{Mode: "exec", Stdout: stdout, Stderr: stderr}, nil
	}

	if e.runner == nil {
		return nil, errOf(ErrPrecondition, "process runner unavailable")
	}
	runnerID := sub(cmd.TaskRunnerID)
	if strings.TrimSpace(runnerID) == "" {
		runnerID = fmt.Sprintf("project-%s-%d", cmd.ProjectID, cmd.ID)
	}
	rec, startErr := e.runner.Start(supervisor.StartRequest{
		ID:        runnerID,
		Command:   shellCmd,
		Cwd:       project.WorkspacePath,
		Tags:      []string{"project", cmd.ProjectID, cmd.Label},
		ProjectID: cmd.ProjectID,
		Replace:   true,
		Force:     true,
	})
	if startErr != nil {
		return nil, startErr
	}
	e.logger.Info("command executed", "command_id", cmd.ID, "label", cmd.Label, "mode", "task", "runner_id", runnerID)
	return &CmdRunResult{Mode: "task", Task: rec}, nil
}

// runShell runs a command synchronously through bash -lc with bounded output.
func (e *Engine) runShell(ctx context.Context, command, cwd string, timeoutMs int) (string, string, error) {
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &capWriter{buf: &outBuf, limit: cmdOutputLimit}
	cmd.Stderr = &capWriter{buf: &errBuf, limit: cmdOutputLimit}

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return outBuf.String(), errBuf.String(), errOf(ErrExternal, "command timed out")
		}
		if _, ok := err.(*exec.ExitError); ok {
			// Non-zero exit is a result, not an engine failure.
			return outBuf.String(), errBuf.String(), nil
		}
		return "", "", err
	}
	return outBuf.String(), errBuf.String(), nil
}

// capWriter bounds a buffer; excess bytes are dropped.
type capWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (c *capWriter) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	return c.buf.Write(p)
}
