// Package cron provides a periodic scheduler that fires due cron schedules
// by creating wave-0 swarm tasks for a fresh session — additive to
// spec.md's runtime-only swarm start (SPEC_FULL.md "Cron-triggered swarm
// kickoff").
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/swarm"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskTemplate is one wave-0 task created when a Schedule fires.
type TaskTemplate struct {
	Description string
	Category    string
	Priority    int
	FilesOwned  []string
}

// Schedule is a registered recurring swarm kickoff.
type Schedule struct {
	ID        string
	Name      string
	CronExpr  string
	Tasks     []TaskTemplate
	LastRunAt time.Time
	NextRunAt time.Time
}

// SessionNamer generates a fresh swarm session id for a fired schedule.
// Defaults to "cron-<scheduleID>-<unixnano>" when nil is passed to NewScheduler.
type SessionNamer func(scheduleID string, firedAt time.Time) string

// Config holds the dependencies for the cron scheduler.
type Config struct {
	DB       *swarm.DB
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Namer    SessionNamer
}

// Scheduler periodically checks its registered schedules and, for each one
// due, creates a new swarm session's wave-0 tasks.
type Scheduler struct {
	db       *swarm.DB
	logger   *slog.Logger
	interval time.Duration
	namer    SessionNamer

	mu        sync.Mutex
	schedules map[string]*Schedule

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
	namer := cfg.Namer
	if namer == nil {
		namer = func(scheduleID string, firedAt time.Time) string {
			return fmt.Sprintf("cron-%s-%d", scheduleID, firedAt.UnixNano())
		}
	}
	return &Scheduler{
		db:        cfg.DB,
		logger:    logger,
		interval:  interval,
		namer:     namer,
		schedules: make(map[string]*Schedule),
	}
}

// Register adds or replaces a schedule and computes its first NextRunAt.
func (s *Scheduler) Register(sched Schedule, now time.Time) error {
	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %s: %w", sched.ID, err)
	}
	sched.NextRunAt = next
	s.mu.Lock()
	s.schedules[sched.ID] = &sched
	s.mu.Unlock()
	return nil
}

// Unregister removes a schedule by id.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	delete(s.schedules, id)
	s.mu.Unlock()
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick checks every registered schedule against now and fires the due ones.
// Exported so callers (and tests) can drive the scheduler without waiting
// on the real ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sched := range s.schedules {
		if !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire creates the schedule's wave-0 tasks under a freshly named session
// and advances its NextRunAt.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	sessionID := s.namer(sched.ID, now)

	for _, tpl := range sched.Tasks {
		taskID, err := s.db.CreateTask(ctx, swarm.CreateParams{
			SessionID:   sessionID,
			Description: tpl.Description,
			Category:    tpl.Category,
			Wave:        0,
			Priority:    tpl.Priority,
			FilesOwned:  tpl.FilesOwned,
		})
		if err != nil {
			s.logger.Error("cron: failed to create swarm task",
				"schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
			continue
		}
		s.logger.Info("cron: schedule fired",
			"schedule_id", sched.ID, "schedule_name", sched.Name,
			"session_id", sessionID, "task_id", taskID)
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}

	s.mu.Lock()
	if live, ok := s.schedules[sched.ID]; ok {
		live.LastRunAt = now
		live.NextRunAt = next
	}
	s.mu.Unlock()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
