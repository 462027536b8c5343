// Package scheduler owns the task lifecycle between submission and terminal
// state. It admits every submission immediately, dispatches queued tasks
// oldest first, and is the only component that moves tasks into processing,
// which is what keeps the concurrency cap authoritative.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/engine"
	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

// ErrAlreadyTerminal is returned by Cancel when the task has already reached
// a terminal status.
var ErrAlreadyTerminal = errors.New("task already terminal")

// dispatchCheckInterval backstops the wake channel so a missed nudge can only
// delay dispatch, never stall it.
const dispatchCheckInterval = time.Second

// cancelAttempts bounds how often Cancel retries after losing a status race.
const cancelAttempts = 3

// Config holds the scheduler settings.
type Config struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	ResultsDir    string
	TmpDir        string
}

// activeEntry tracks one claimed task: the worker that owns it and the
// cancel func that cuts its engine run.
type activeEntry struct {
	workerID string
	cancel   context.CancelFunc
}

// Scheduler dispatches queued tasks to worker goroutines, at most
// Config.MaxConcurrent at a time.
type Scheduler struct {
	store    store.Store
	registry *engine.Registry
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	active  map[string]activeEntry // taskID → entry
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// baseCtx parents every worker context so Stop can cut all engine runs
	// at once.
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// New creates a scheduler. Call Start to begin dispatching.
func New(s store.Store, reg *engine.Registry, logger *slog.Logger, cfg Config) *Scheduler {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     s,
		registry:  reg,
		logger:    logger,
		cfg:       cfg,
		active:    make(map[string]activeEntry),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
}

// Submit persists a new task in queued state and nudges the dispatcher.
// Admission never blocks on capacity; the queue is bounded only by storage.
func (s *Scheduler) Submit(ctx context.Context, t *model.Task) error {
	if err := s.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := s.store.AppendEvent(ctx, t.ID, model.StatusQueued, "task accepted"); err != nil {
		s.logger.Error("failed to append event", "task_id", t.ID, "error", err)
	}
	s.Nudge()
	return nil
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.wg.Go(s.dispatchLoop)
	s.logger.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"task_timeout", s.cfg.TaskTimeout,
	)
}

func (s *Scheduler) dispatchLoop() {
	ticker := time.NewTicker(dispatchCheckInterval)
	defer ticker.Stop()

	for {
		s.dispatchPass()

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatchPass claims queued tasks oldest-first until the processing window
// is full or the queue is empty.
func (s *Scheduler) dispatchPass() {
	ctx := context.Background()

	if n, err := s.store.CountByStatus(ctx, model.StatusQueued); err == nil {
		queuedTasks.Set(float64(n))
	}

	free := s.freeSlots(ctx)
	if free <= 0 {
		return
	}

	queued, err := s.store.ListTasks(ctx, store.Filter{
		Status: model.StatusQueued,
		Limit:  free,
	})
	if err != nil {
		s.logger.Error("failed to list queued tasks", "error", err)
		return
	}

	for i := range queued {
		s.launch(ctx, queued[i])
	}
}

// freeSlots computes open processing capacity. It takes the more pessimistic
// of the in-memory reservation count and the store's processing count, so
// the cap holds even while a finished worker's row is still settling.
func (s *Scheduler) freeSlots(ctx context.Context) int {
	s.mu.Lock()
	reserved := len(s.active)
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return 0
	}

	inStore, err := s.store.CountByStatus(ctx, model.StatusProcessing)
	if err != nil {
		s.logger.Error("failed to count processing tasks", "error", err)
		return 0
	}
	return s.cfg.MaxConcurrent - max(reserved, inStore)
}

// launch claims one queued task and hands it to a worker goroutine. The slot
// is reserved before the claim so capacity can never be oversubscribed; the
// worker releases it when it returns.
func (s *Scheduler) launch(ctx context.Context, t *model.Task) {
	workerID := model.NewWorkerID()
	now := time.Now().UTC()
	deadline := now.Add(s.cfg.TaskTimeout)

	taskCtx, cancel := context.WithDeadline(s.baseCtx, deadline)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	s.active[t.ID] = activeEntry{workerID: workerID, cancel: cancel}
	s.mu.Unlock()

	claimed, err := s.store.UpdateTask(ctx, t.ID, model.StatusQueued, "", func(u *model.Task) {
		u.Status = model.StatusProcessing
		u.WorkerID = workerID
		u.StartedAt = &now
		u.TimeoutDeadline = &deadline
		u.Progress = 0
	})
	if err != nil {
		cancel()
		s.release(t.ID)
		// Losing the claim usually means the task was cancelled between
		// listing and claiming.
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to claim task", "task_id", t.ID, "error", err)
		}
		return
	}

	s.appendEvent(t.ID, model.StatusProcessing, "claimed by worker "+workerID)
	s.logger.Info("task dispatched",
		"task_id", t.ID,
		"type", claimed.Type,
		"worker_id", workerID,
		"deadline", deadline.Format(time.RFC3339),
	)

	activeWorkers.Inc()
	s.wg.Go(func() {
		defer activeWorkers.Dec()
		s.runTask(taskCtx, cancel, claimed)
	})
}

// release frees a task's slot and wakes the dispatcher.
func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	delete(s.active, taskID)
	s.mu.Unlock()
	s.Nudge()
}

// Nudge wakes the dispatch loop without blocking. Safe from any goroutine;
// the health monitor calls it after reaping orphans.
func (s *Scheduler) Nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel moves a task to cancelled. Queued tasks are cancelled in place and
// never reach an engine. Processing tasks have their status flipped first,
// then their engine run cut, so the worker observes the loss when it tries
// to finalize. Returns ErrAlreadyTerminal if the task already finished.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*model.Task, error) {
	// The status can move under us while we work (a claim, a completion),
	// so retry against a fresh read on each conflict.
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		t, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}

		switch t.Status {
		case model.StatusQueued:
			now := time.Now().UTC()
			cancelled, err := s.store.UpdateTask(ctx, taskID, model.StatusQueued, "", func(u *model.Task) {
				u.Status = model.StatusCancelled
				u.ErrorCategory = model.ErrCancelled
				u.ErrorMessage = "cancelled before processing started"
				u.CompletedAt = &now
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			s.appendEvent(taskID, model.StatusCancelled, "cancelled while queued")
			tasksTotal.WithLabelValues(cancelled.Type, model.StatusCancelled).Inc()
			return cancelled, nil

		case model.StatusProcessing:
			now := time.Now().UTC()
			cancelled, err := s.store.UpdateTask(ctx, taskID, model.StatusProcessing, t.WorkerID, func(u *model.Task) {
				u.Status = model.StatusCancelled
				u.ErrorCategory = model.ErrCancelled
				u.ErrorMessage = "cancelled during processing"
				u.CompletedAt = &now
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			// Cut the engine run after the flip; the worker loses its
			// terminal CAS and backs off.
			s.mu.Lock()
			entry, ok := s.active[taskID]
			s.mu.Unlock()
			if ok {
				entry.cancel()
			}
			s.appendEvent(taskID, model.StatusCancelled, "cancelled during processing")
			tasksTotal.WithLabelValues(cancelled.Type, model.StatusCancelled).Inc()
			return cancelled, nil

		default:
			return t, ErrAlreadyTerminal
		}
	}
	return nil, fmt.Errorf("cancel task %s: %w", taskID, store.ErrConflict)
}

// Stop halts dispatch, cancels every running engine, and waits for in-flight
// workers to finalize. Tasks interrupted here are finalized as failed with
// the orphaned category, so a later start has nothing left to recover.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// WorkerAlive reports whether the given worker ID belongs to a live worker
// in this process. Worker IDs are never reused, so a false answer from the
// owning process is definitive.
func (s *Scheduler) WorkerAlive(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.active {
		if entry.workerID == workerID {
			return true
		}
	}
	return false
}

// Snapshot reports scheduler occupancy for the stats endpoint.
type Snapshot struct {
	ActiveWorkers int `json:"active_workers"`
	FreeSlots     int `json:"free_slots"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Snapshot returns current occupancy.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.cfg.MaxConcurrent - len(s.active)
	if free < 0 {
		free = 0
	}
	return Snapshot{
		ActiveWorkers: len(s.active),
		FreeSlots:     free,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
}

func (s *Scheduler) appendEvent(taskID, stage, msg string) {
	if err := s.store.AppendEvent(context.Background(), taskID, stage, msg); err != nil {
		s.logger.Error("failed to append event", "task_id", taskID, "stage", stage, "error", err)
	}
}
