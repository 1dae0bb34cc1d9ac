// Package cron runs periodic maintenance: pruning terminal runner records
// and stale git worktree metadata across project workspaces.
package cron

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-foreman/internal/gitops"
	"github.com/basket/go-foreman/internal/supervisor"
	"github.com/basket/go-foreman/internal/workflow"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Engine           *workflow.Engine
	Runner           *supervisor.Supervisor
	Git              gitops.Driver
	Logger           *slog.Logger
	PruneCron        string        // 5-field cron expression
	PruneOlderThanMs int64         // runner record retention
	WorktreePrune    bool          // also prune git worktrees per workspace
	Interval         time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and fires maintenance whenever the
// cron expression's next run time has passed.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	interval time.Duration
	nextRun  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	next, err := NextRunTime(s.cfg.PruneCron, time.Now())
	if err != nil {
		return err
	}
	s.nextRun = next

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "cron", s.cfg.PruneCron, "next_run", s.nextRun)
	return nil
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if now.Before(s.nextRun) {
		return
	}
	s.fire(ctx)

	next, err := NextRunTime(s.cfg.PruneCron, now)
	if err != nil {
		s.logger.Error("maintenance: failed to compute next run time", "cron", s.cfg.PruneCron, "error", err)
		return
	}
	s.nextRun = next
}

// fire runs one maintenance pass.
func (s *Scheduler) fire(ctx context.Context) {
	if s.cfg.Runner != nil {
		removed := s.cfg.Runner.Prune(s.cfg.PruneOlderThanMs)
		if removed > 0 {
			s.logger.Info("maintenance: pruned runner records", "removed", removed)
		}
	}

	if !s.cfg.WorktreePrune || s.cfg.Git == nil || s.cfg.Engine == nil {
		return
	}
	projects, err := s.cfg.Engine.ProjectList(ctx)
	if err != nil {
		s.logger.Error("maintenance: project list failed", "error", err)
		return
	}
	for _, project := range projects {
		if project.WorkspacePath == "" {
			continue
		}
		repo := filepath.Join(project.WorkspacePath, "main")
		if err := s.cfg.Git.PruneWorktrees(ctx, repo); err != nil {
			s.logger.Debug("maintenance: worktree prune failed", "project_id", project.ID, "error", err)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
