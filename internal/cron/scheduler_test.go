package cron_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/swarm"
)

func openTestDB(t *testing.T) *swarm.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := swarm.Open(filepath.Join(dir, "swarm.db"))
	if err != nil {
		t.Fatalf("open swarm db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNextRunTime_ParsesFiveFieldExpression(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Hour() != 9 {
		t.Fatalf("expected next run at 09:00, got %s", next)
	}
}

func TestNextRunTime_RejectsMalformedExpression(t *testing.T) {
	if _, err := cron.NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}

func TestScheduler_TickFiresDueScheduleAndCreatesWaveZeroTasks(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var sessionID string
	s := cron.NewScheduler(cron.Config{
		DB: db,
		Namer: func(scheduleID string, firedAt time.Time) string {
			sessionID = "fixed-session"
			return sessionID
		},
	})

	err := s.Register(cron.Schedule{
		ID:       "nightly",
		Name:     "nightly batch",
		CronExpr: "0 9 * * *",
		Tasks: []cron.TaskTemplate{
			{Description: "sweep logs", Category: "ops", Priority: 1},
		},
	}, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	s.Tick(context.Background(), now)

	tasks, err := db.GetTasksBySession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Wave != 0 || tasks[0].Category != "ops" {
		t.Fatalf("expected one wave-0 ops task, got %+v", tasks)
	}
}

func TestScheduler_TickSkipsScheduleNotYetDue(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	var fired bool
	s := cron.NewScheduler(cron.Config{
		DB: db,
		Namer: func(scheduleID string, firedAt time.Time) string {
			fired = true
			return "session"
		},
	})

	if err := s.Register(cron.Schedule{
		ID:       "weekly",
		CronExpr: "0 9 * * MON",
		Tasks:    []cron.TaskTemplate{{Description: "x", Category: "ops"}},
	}, now); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.Tick(context.Background(), now)
	if fired {
		t.Fatal("expected schedule not yet due to be skipped")
	}
}

func TestScheduler_UnregisterStopsFutureFiring(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	fireCount := 0
	s := cron.NewScheduler(cron.Config{
		DB: db,
		Namer: func(scheduleID string, firedAt time.Time) string {
			fireCount++
			return "session"
		},
	})
	if err := s.Register(cron.Schedule{
		ID:       "once",
		CronExpr: "* * * * *",
		Tasks:    []cron.TaskTemplate{{Description: "x", Category: "ops"}},
	}, now.Add(-time.Minute)); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.Unregister("once")
	s.Tick(context.Background(), now)
	if fireCount != 0 {
		t.Fatalf("expected no firing after unregister, got %d", fireCount)
	}
}
