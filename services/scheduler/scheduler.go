// Package scheduler drives scheduled_task rows through robfig/cron and hands
// the actual work to the task manager's management queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"danmuhub/models"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
)

// Job is one schedulable job type. Singleton jobs may have at most one
// scheduled_task row.
type Job interface {
	JobType() string
	DisplayName() string
	Singleton() bool
	Run(ctx context.Context, progress tasks.ProgressReporter) error
}

// minIntervals constrains how often a job type may fire; enforced against
// the actual fire times the cron expression produces, not its text.
var minIntervals = map[string]time.Duration{
	"incrementalRefresh": 3 * time.Hour,
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the cron runner and the job registry.
type Scheduler struct {
	store   *store.Store
	manager *tasks.Manager
	cron    *cron.Cron

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID // scheduled task id -> cron entry
}

// New builds a scheduler; jobs are registered before Start.
func New(st *store.Store, manager *tasks.Manager) *Scheduler {
	return &Scheduler{
		store:   st,
		manager: manager,
		cron:    cron.New(cron.WithParser(parser)),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// RegisterJob adds a job type to the registry.
func (s *Scheduler) RegisterJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobType()] = job
}

// JobTypes lists registered job types sorted by name, for the admin surface.
func (s *Scheduler) JobTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for t := range s.jobs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Start loads persisted schedules and starts the cron loop. Rows referencing
// unregistered job types are skipped with a warning, not deleted.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.Schedule.List(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, sched := range schedules {
		if !sched.IsEnabled {
			continue
		}
		if err := s.arm(sched); err != nil {
			log.Printf("[scheduler] skipping %s (%s): %v", sched.Name, sched.TaskID, err)
		}
	}
	s.cron.Start()
	log.Printf("[scheduler] started with %d armed schedule(s)", len(s.entries))
	return nil
}

// Stop halts the cron loop and waits for in-flight triggers.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) arm(sched models.ScheduledTask) error {
	s.mu.Lock()
	job, ok := s.jobs[sched.JobType]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job type %q", sched.JobType)
	}

	schedParsed, err := parser.Parse(sched.CronExpr)
	if err != nil {
		return fmt.Errorf("bad cron expression %q: %w", sched.CronExpr, err)
	}

	taskID := sched.TaskID
	entryID := s.cron.Schedule(schedParsed, cron.FuncJob(func() {
		s.fire(taskID, job, schedParsed)
	}))

	s.mu.Lock()
	s.entries[taskID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(taskID string) {
	s.mu.Lock()
	entryID, ok := s.entries[taskID]
	if ok {
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

func (s *Scheduler) fire(scheduledTaskID string, job Job, schedule cron.Schedule) {
	ctx := context.Background()
	firedAt := time.Now().UTC()

	_, done, err := s.manager.Submit(ctx, tasks.Request{
		Title:           job.DisplayName(),
		UniqueKey:       "scheduled_" + job.JobType(),
		Queue:           models.QueueManagement,
		TaskType:        job.JobType(),
		ScheduledTaskID: scheduledTaskID,
		Run:             job.Run,
	})
	if err != nil {
		var conflict *tasks.ConflictError
		if errors.As(err, &conflict) {
			log.Printf("[scheduler] %s still running as task %s, skipping this fire", job.JobType(), conflict.ExistingTaskID)
		} else {
			log.Printf("[scheduler] submit %s failed: %v", job.JobType(), err)
		}
		return
	}

	if err := <-done; err != nil {
		log.Printf("[scheduler] %s run failed: %v", job.JobType(), err)
	}
	if err := s.store.Schedule.RecordRun(ctx, scheduledTaskID, firedAt, schedule.Next(firedAt)); err != nil {
		log.Printf("[scheduler] record run for %s failed: %v", scheduledTaskID, err)
	}
}

// validate checks expression syntax, the singleton constraint, and the true
// minimum interval over the next fire times.
func (s *Scheduler) validate(ctx context.Context, jobType, cronExpr, excludeTaskID string) (cron.Schedule, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobType]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	parsed, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("bad cron expression %q: %w", cronExpr, err)
	}

	if job.Singleton() {
		existing, err := s.store.Schedule.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			if e.JobType == jobType && e.TaskID != excludeTaskID {
				return nil, fmt.Errorf("job type %q already has a schedule (%s)", jobType, e.TaskID)
			}
		}
	}

	if minGap, bounded := minIntervals[jobType]; bounded {
		if gap := smallestGap(parsed); gap < minGap {
			return nil, fmt.Errorf("schedule fires every %s; %s requires at least %s between runs",
				gap.Round(time.Minute), jobType, minGap)
		}
	}
	return parsed, nil
}

// smallestGap samples the next fire times and returns the tightest spacing.
func smallestGap(schedule cron.Schedule) time.Duration {
	const samples = 32
	smallest := time.Duration(1<<63 - 1)
	t := schedule.Next(time.Now())
	for i := 0; i < samples; i++ {
		next := schedule.Next(t)
		if gap := next.Sub(t); gap < smallest {
			smallest = gap
		}
		t = next
	}
	return smallest
}

// CreateSchedule validates and persists a schedule, arming it when enabled.
func (s *Scheduler) CreateSchedule(ctx context.Context, name, jobType, cronExpr string, enabled bool) (*models.ScheduledTask, error) {
	parsed, err := s.validate(ctx, jobType, cronExpr, "")
	if err != nil {
		return nil, err
	}

	next := parsed.Next(time.Now().UTC())
	sched := &models.ScheduledTask{
		TaskID:    uuid.NewString(),
		Name:      name,
		JobType:   jobType,
		CronExpr:  cronExpr,
		IsEnabled: enabled,
		NextRunAt: &next,
	}
	if err := s.store.Schedule.Create(ctx, sched); err != nil {
		return nil, err
	}
	if enabled {
		if err := s.arm(*sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// UpdateSchedule revalidates and rearms an existing schedule.
func (s *Scheduler) UpdateSchedule(ctx context.Context, taskID, name, cronExpr string, enabled bool) (*models.ScheduledTask, error) {
	sched, err := s.store.Schedule.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	parsed, err := s.validate(ctx, sched.JobType, cronExpr, taskID)
	if err != nil {
		return nil, err
	}

	sched.Name = name
	sched.CronExpr = cronExpr
	sched.IsEnabled = enabled
	next := parsed.Next(time.Now().UTC())
	sched.NextRunAt = &next
	if err := s.store.Schedule.Update(ctx, sched); err != nil {
		return nil, err
	}

	s.disarm(taskID)
	if enabled {
		if err := s.arm(*sched); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// DeleteSchedule disarms and removes a schedule.
func (s *Scheduler) DeleteSchedule(ctx context.Context, taskID string) error {
	s.disarm(taskID)
	return s.store.Schedule.Delete(ctx, taskID)
}

// RunNow fires a schedule's job immediately, outside its cron cadence.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) (string, error) {
	sched, err := s.store.Schedule.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	job, ok := s.jobs[sched.JobType]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown job type %q", sched.JobType)
	}
	firedAt := time.Now().UTC()
	id, done, err := s.manager.Submit(ctx, tasks.Request{
		Title:           job.DisplayName() + " (manual)",
		UniqueKey:       "scheduled_" + job.JobType(),
		Queue:           models.QueueManagement,
		TaskType:        job.JobType(),
		ScheduledTaskID: taskID,
		RunImmediately:  true,
		Run:             job.Run,
	})
	if err != nil {
		return "", err
	}

	// manual triggers record their fire time too
	go func() {
		if runErr := <-done; runErr != nil {
			log.Printf("[scheduler] manual %s run failed: %v", job.JobType(), runErr)
		}
		schedule, parseErr := parser.Parse(sched.CronExpr)
		if parseErr != nil {
			log.Printf("[scheduler] record manual run for %s: %v", taskID, parseErr)
			return
		}
		if recErr := s.store.Schedule.RecordRun(context.Background(), taskID, firedAt, schedule.Next(firedAt)); recErr != nil {
			log.Printf("[scheduler] record manual run for %s failed: %v", taskID, recErr)
		}
	}()
	return id, nil
}
