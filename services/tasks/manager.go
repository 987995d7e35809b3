// Package tasks runs background jobs on three fixed-priority worker pools
// (download, management, fallback) with durable task_history records and
// cooperative pause/resume/abort.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"danmuhub/models"
	"danmuhub/services/store"
)

// Success is returned by a Runner to complete with a custom final message
// instead of the default "completed" description.
type Success struct {
	Message string
}

func (s *Success) Error() string { return s.Message }

// ErrAborted is observed by runners through ProgressReporter.Update after an
// abort request.
var ErrAborted = errors.New("task aborted")

// ErrQueueFull is returned when a queue's backlog is saturated.
var ErrQueueFull = errors.New("task queue full")

// ConflictError reports a duplicate active unique key.
type ConflictError struct {
	ExistingTaskID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task with same unique key already active (task %s)", e.ExistingTaskID)
}

// Runner is one task's body. It must call progress.Update regularly: that is
// the cooperation point for pause and abort.
type Runner func(ctx context.Context, progress ProgressReporter) error

// ProgressReporter persists progress and enforces pause/abort. It returns
// ErrAborted once the task has been aborted and blocks while paused.
type ProgressReporter interface {
	Update(ctx context.Context, percent int, description string) error
}

// Request describes a task submission.
type Request struct {
	Title           string
	UniqueKey       string
	Queue           models.TaskQueue
	TaskType        string
	ScheduledTaskID string
	// RunImmediately bypasses the queue and the unique-key conflict check;
	// an existing active task with the same key is returned instead of a
	// conflict error, with a done channel tracking that task's completion.
	RunImmediately bool
	Run            Runner
}

type pending struct {
	taskID string
	run    Runner
	done   chan error
}

type runtimeState struct {
	cancel   context.CancelFunc
	mu       sync.Mutex
	aborted  bool
	resumeCh chan struct{} // non-nil while paused
}

// Manager owns the worker pools and runtime control state.
type Manager struct {
	store *store.Store

	queues map[models.TaskQueue]chan *pending

	mu        sync.Mutex
	running   map[string]*runtimeState
	cancelled map[string]bool         // pending tasks cancelled before dispatch
	watchers  map[string][]chan error // duplicate submitters waiting on a task

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Workers configures the pool sizes.
type Workers struct {
	Download   int
	Management int
	Fallback   int
}

// NewManager builds the manager; Start launches the pools.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		store: st,
		queues: map[models.TaskQueue]chan *pending{
			models.QueueDownload:   make(chan *pending, 256),
			models.QueueManagement: make(chan *pending, 64),
			models.QueueFallback:   make(chan *pending, 256),
		},
		running:   make(map[string]*runtimeState),
		cancelled: make(map[string]bool),
		watchers:  make(map[string][]chan error),
	}
}

// Start reconciles tasks interrupted by the previous run and spawns workers.
func (m *Manager) Start(ctx context.Context, w Workers) error {
	n, err := m.store.Tasks.ReconcileInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted tasks: %w", err)
	}
	if n > 0 {
		log.Printf("[tasks] marked %d interrupted task(s) as failed", n)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	counts := map[models.TaskQueue]int{
		models.QueueDownload:   max(1, w.Download),
		models.QueueManagement: max(1, w.Management),
		models.QueueFallback:   max(1, w.Fallback),
	}
	for queue, ch := range m.queues {
		for i := 0; i < counts[queue]; i++ {
			m.wg.Add(1)
			go m.worker(runCtx, queue, ch)
		}
	}
	log.Printf("[tasks] started workers download=%d management=%d fallback=%d",
		counts[models.QueueDownload], counts[models.QueueManagement], counts[models.QueueFallback])
	return nil
}

// Stop cancels all running tasks and waits for workers to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Submit records the task and either queues it or, with RunImmediately, runs
// it on its own goroutine. The returned channel receives the task's final
// error (nil on success) exactly once.
func (m *Manager) Submit(ctx context.Context, req Request) (string, <-chan error, error) {
	if req.Run == nil {
		return "", nil, errors.New("task runner is required")
	}
	if _, ok := m.queues[req.Queue]; !ok {
		return "", nil, fmt.Errorf("unknown queue %q", req.Queue)
	}

	if req.UniqueKey != "" {
		existing, err := m.store.Tasks.FindActiveByUniqueKey(ctx, req.UniqueKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		if existing != nil {
			if req.RunImmediately {
				return existing.TaskID, m.watchCompletion(ctx, existing.TaskID), nil
			}
			return "", nil, &ConflictError{ExistingTaskID: existing.TaskID}
		}
	}

	taskID := uuid.NewString()
	record := &models.TaskHistory{
		TaskID:          taskID,
		Title:           req.Title,
		UniqueKey:       req.UniqueKey,
		Status:          models.TaskStatusQueued,
		Description:     "queued",
		Queue:           req.Queue,
		TaskType:        req.TaskType,
		ScheduledTaskID: req.ScheduledTaskID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.Tasks.Create(ctx, record); err != nil {
		return "", nil, err
	}

	p := &pending{taskID: taskID, run: req.Run, done: make(chan error, 1)}
	if req.RunImmediately {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.execute(context.Background(), p)
		}()
		return taskID, p.done, nil
	}

	select {
	case m.queues[req.Queue] <- p:
		return taskID, p.done, nil
	default:
		_ = m.store.Tasks.SetStatus(context.Background(), taskID, models.TaskStatusFailed, "queue full")
		return "", nil, ErrQueueFull
	}
}

// watchCompletion returns a channel resolved when the given task finishes.
// A task that reached a terminal state before the watcher registered
// resolves immediately from its recorded status.
func (m *Manager) watchCompletion(ctx context.Context, taskID string) <-chan error {
	done := make(chan error, 1)
	m.mu.Lock()
	m.watchers[taskID] = append(m.watchers[taskID], done)
	m.mu.Unlock()

	if t, err := m.store.Tasks.Get(ctx, taskID); err == nil && t.Status.Terminal() {
		m.mu.Lock()
		kept := m.watchers[taskID][:0]
		for _, w := range m.watchers[taskID] {
			if w != done {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(m.watchers, taskID)
		} else {
			m.watchers[taskID] = kept
		}
		m.mu.Unlock()
		if t.Status == models.TaskStatusCompleted {
			done <- nil
		} else {
			done <- errors.New(t.Description)
		}
	}
	return done
}

func (m *Manager) notifyWatchers(taskID string, err error) {
	m.mu.Lock()
	ws := m.watchers[taskID]
	delete(m.watchers, taskID)
	m.mu.Unlock()
	for _, w := range ws {
		select {
		case w <- err:
		default:
		}
	}
}

func (m *Manager) worker(ctx context.Context, queue models.TaskQueue, ch chan *pending) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ch:
			m.mu.Lock()
			wasCancelled := m.cancelled[p.taskID]
			delete(m.cancelled, p.taskID)
			m.mu.Unlock()
			if wasCancelled {
				p.done <- ErrAborted
				m.notifyWatchers(p.taskID, ErrAborted)
				continue
			}
			m.execute(ctx, p)
		}
	}
}

func (m *Manager) execute(ctx context.Context, p *pending) {
	taskCtx, cancel := context.WithCancel(ctx)
	state := &runtimeState{cancel: cancel}

	m.mu.Lock()
	m.running[p.taskID] = state
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.running, p.taskID)
		m.mu.Unlock()
	}()

	if err := m.store.Tasks.SetStatus(taskCtx, p.taskID, models.TaskStatusRunning, "running"); err != nil {
		log.Printf("[tasks] %s: mark running failed: %v", p.taskID, err)
	}

	reporter := &progressReporter{manager: m, taskID: p.taskID, state: state}
	err := m.runRecovered(taskCtx, p, reporter)

	bg := context.Background()
	var succ *Success
	var final error
	switch {
	case err == nil:
		_ = m.store.Tasks.SetProgress(bg, p.taskID, 100, "completed")
		_ = m.store.Tasks.SetStatus(bg, p.taskID, models.TaskStatusCompleted, "completed")
	case errors.As(err, &succ):
		_ = m.store.Tasks.SetProgress(bg, p.taskID, 100, succ.Message)
		_ = m.store.Tasks.SetStatus(bg, p.taskID, models.TaskStatusCompleted, succ.Message)
	case errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled):
		_ = m.store.Tasks.SetStatus(bg, p.taskID, models.TaskStatusFailed, "aborted")
		final = ErrAborted
	default:
		log.Printf("[tasks] %s failed: %v", p.taskID, err)
		_ = m.store.Tasks.SetStatus(bg, p.taskID, models.TaskStatusFailed, err.Error())
		final = err
	}
	p.done <- final
	m.notifyWatchers(p.taskID, final)
}

func (m *Manager) runRecovered(ctx context.Context, p *pending, reporter ProgressReporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.run(ctx, reporter)
}

type progressReporter struct {
	manager *Manager
	taskID  string
	state   *runtimeState
}

// Update persists progress. It blocks while the task is paused and returns
// ErrAborted once the task has been aborted.
func (r *progressReporter) Update(ctx context.Context, percent int, description string) error {
	for {
		r.state.mu.Lock()
		if r.state.aborted {
			r.state.mu.Unlock()
			return ErrAborted
		}
		resumeCh := r.state.resumeCh
		r.state.mu.Unlock()

		if resumeCh == nil {
			break
		}
		select {
		case <-resumeCh:
		case <-ctx.Done():
			return ErrAborted
		}
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return r.manager.store.Tasks.SetProgress(ctx, r.taskID, percent, description)
}

// Pause suspends a running task at its next progress checkpoint.
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	m.mu.Lock()
	state, ok := m.running[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not running", taskID)
	}

	state.mu.Lock()
	if state.resumeCh == nil {
		state.resumeCh = make(chan struct{})
	}
	state.mu.Unlock()
	return m.store.Tasks.SetStatus(ctx, taskID, models.TaskStatusPaused, "paused")
}

// Resume releases a paused task.
func (m *Manager) Resume(ctx context.Context, taskID string) error {
	m.mu.Lock()
	state, ok := m.running[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not running", taskID)
	}

	state.mu.Lock()
	if state.resumeCh != nil {
		close(state.resumeCh)
		state.resumeCh = nil
	}
	state.mu.Unlock()
	return m.store.Tasks.SetStatus(ctx, taskID, models.TaskStatusRunning, "running")
}

// Abort cancels a running task cooperatively, or removes it from the queue
// if it has not been dispatched yet.
func (m *Manager) Abort(ctx context.Context, taskID string) error {
	m.mu.Lock()
	state, ok := m.running[taskID]
	if !ok {
		m.cancelled[taskID] = true
	}
	m.mu.Unlock()

	if ok {
		state.mu.Lock()
		state.aborted = true
		if state.resumeCh != nil {
			close(state.resumeCh)
			state.resumeCh = nil
		}
		state.mu.Unlock()
		state.cancel()
		return nil
	}
	return m.store.Tasks.SetStatus(ctx, taskID, models.TaskStatusFailed, "aborted")
}

// CancelPending drops a queued task before a worker picks it up. It refuses
// tasks that are already running; use Abort for those.
func (m *Manager) CancelPending(ctx context.Context, taskID string) error {
	t, err := m.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusQueued {
		return fmt.Errorf("task %s is %s, not queued", taskID, t.Status)
	}
	m.mu.Lock()
	if _, isRunning := m.running[taskID]; isRunning {
		m.mu.Unlock()
		return fmt.Errorf("task %s is already running", taskID)
	}
	m.cancelled[taskID] = true
	m.mu.Unlock()
	return m.store.Tasks.SetStatus(ctx, taskID, models.TaskStatusFailed, "cancelled")
}

// ForceFail marks a task failed regardless of its runtime state. Meant for
// records stuck after crashes that reconciliation missed.
func (m *Manager) ForceFail(ctx context.Context, taskID string) error {
	t, err := m.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already %s", taskID, t.Status)
	}
	m.mu.Lock()
	if state, ok := m.running[taskID]; ok {
		state.mu.Lock()
		state.aborted = true
		state.mu.Unlock()
		state.cancel()
	}
	m.mu.Unlock()
	return m.store.Tasks.SetStatus(ctx, taskID, models.TaskStatusFailed, "force failed")
}
