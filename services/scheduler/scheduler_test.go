package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"danmuhub/internal/database"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
)

type fakeJob struct {
	jobType   string
	singleton bool
}

func (j *fakeJob) JobType() string     { return j.jobType }
func (j *fakeJob) DisplayName() string { return j.jobType }
func (j *fakeJob) Singleton() bool     { return j.singleton }
func (j *fakeJob) Run(context.Context, tasks.ProgressReporter) error {
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db.Connection())
	manager := tasks.NewManager(st)
	return New(st, manager), st
}

func TestCreateScheduleRejectsBadExpression(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterJob(&fakeJob{jobType: "cacheSweep"})

	_, err := s.CreateSchedule(context.Background(), "sweep", "cacheSweep", "not-cron", true)
	if err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestCreateScheduleRejectsUnknownJobType(t *testing.T) {
	s, _ := newTestScheduler(t)

	_, err := s.CreateSchedule(context.Background(), "x", "nosuchjob", "0 * * * *", true)
	if err == nil || !strings.Contains(err.Error(), "unknown job type") {
		t.Fatalf("err = %v", err)
	}
}

func TestSingletonJobAllowsOneSchedule(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterJob(&fakeJob{jobType: "tmdbAutoMap", singleton: true})
	ctx := context.Background()

	first, err := s.CreateSchedule(ctx, "auto map", "tmdbAutoMap", "30 4 * * *", false)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	if _, err := s.CreateSchedule(ctx, "again", "tmdbAutoMap", "0 5 * * *", false); err == nil {
		t.Fatal("second singleton schedule accepted")
	}

	// Updating the existing schedule is still allowed.
	if _, err := s.UpdateSchedule(ctx, first.TaskID, "auto map", "45 4 * * *", false); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMinIntervalEnforcedOnFireTimes(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.RegisterJob(&fakeJob{jobType: "incrementalRefresh", singleton: true})
	ctx := context.Background()

	// Every 10 minutes is far below the 3h floor for incremental refresh.
	if _, err := s.CreateSchedule(ctx, "r", "incrementalRefresh", "*/10 * * * *", false); err == nil {
		t.Fatal("10-minute cadence accepted for incrementalRefresh")
	}

	// "0 */2 * * *" looks hourly-ish by text but fires every 2 hours,
	// still under the floor.
	if _, err := s.CreateSchedule(ctx, "r", "incrementalRefresh", "0 */2 * * *", false); err == nil {
		t.Fatal("2-hour cadence accepted for incrementalRefresh")
	}

	if _, err := s.CreateSchedule(ctx, "r", "incrementalRefresh", "0 */4 * * *", false); err != nil {
		t.Fatalf("4-hour cadence rejected: %v", err)
	}
}

func TestCreatePersistsAndDeleteRemoves(t *testing.T) {
	s, st := newTestScheduler(t)
	s.RegisterJob(&fakeJob{jobType: "cacheSweep"})
	ctx := context.Background()

	sched, err := s.CreateSchedule(ctx, "sweep", "cacheSweep", "15 * * * *", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched.NextRunAt == nil {
		t.Fatal("next run not computed")
	}

	got, err := st.Schedule.Get(ctx, sched.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CronExpr != "15 * * * *" {
		t.Fatalf("persisted %+v", got)
	}

	if err := s.DeleteSchedule(ctx, sched.TaskID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Schedule.Get(ctx, sched.TaskID); err == nil {
		t.Fatal("schedule still present after delete")
	}
}

func TestRunNowRecordsFireTime(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db.Connection())
	manager := tasks.NewManager(st)
	ctx := context.Background()
	if err := manager.Start(ctx, tasks.Workers{Download: 1, Management: 1, Fallback: 1}); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(manager.Stop)

	s := New(st, manager)
	s.RegisterJob(&fakeJob{jobType: "cacheSweep"})

	sched, err := s.CreateSchedule(ctx, "sweep", "cacheSweep", "15 * * * *", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched.LastRunAt != nil {
		t.Fatal("fresh schedule should have no recorded run")
	}

	if _, err := s.RunNow(ctx, sched.TaskID); err != nil {
		t.Fatalf("run now: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.Schedule.Get(ctx, sched.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.LastRunAt != nil {
			if got.NextRunAt == nil || !got.NextRunAt.After(*got.LastRunAt) {
				t.Fatalf("next run %v not after fire time %v", got.NextRunAt, got.LastRunAt)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("manual run never recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	s, st := newTestScheduler(t)
	s.RegisterJob(&fakeJob{jobType: "incrementalRefresh", singleton: true})
	s.RegisterJob(&fakeJob{jobType: "tmdbAutoMap", singleton: true})
	s.RegisterJob(&fakeJob{jobType: "webhookProcessor", singleton: true})
	s.RegisterJob(&fakeJob{jobType: "cacheSweep"})
	s.RegisterJob(&fakeJob{jobType: "tokenReset"})
	ctx := context.Background()

	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	first, err := st.Schedule.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 5 {
		t.Fatalf("%d default schedules, want 5", len(first))
	}

	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	second, _ := st.Schedule.List(ctx)
	if len(second) != 5 {
		t.Fatalf("%d schedules after re-run, want 5", len(second))
	}
}
