// Package monitor keeps the task table honest. It finalizes processing tasks
// whose workers are gone, expires wedged-but-live ones well past their
// deadline, enforces retention on terminal tasks, and sweeps leftover
// scratch space.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/engine"
	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

// Pool answers liveness questions about workers in this process. A nil Pool
// (as in the standalone sweep command) makes every worker unverifiable,
// which the reaper treats the same as dead.
type Pool interface {
	WorkerAlive(workerID string) bool
	Nudge()
}

// DefaultDeadlineGrace pads the worker's own timeout handling before the
// monitor treats a live worker as wedged.
const DefaultDeadlineGrace = 30 * time.Second

// minTempAge spares fresh scratch directories whose task row may still be
// settling.
const minTempAge = time.Minute

// Config holds the monitor settings.
type Config struct {
	SweepInterval time.Duration
	RetentionTTL  time.Duration
	DeadlineGrace time.Duration
	TmpDir        string
}

// Monitor runs periodic maintenance sweeps over tasks, results, and scratch
// space.
type Monitor struct {
	store    store.Store
	registry *engine.Registry
	pool     Pool
	logger   *slog.Logger
	cfg      Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor. registry and pool may be nil for out-of-process
// sweeps that cannot verify workers or kill engines.
func New(s store.Store, reg *engine.Registry, pool Pool, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.DeadlineGrace == 0 {
		cfg.DeadlineGrace = DefaultDeadlineGrace
	}
	return &Monitor{
		store:    s,
		registry: reg,
		pool:     pool,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (m *Monitor) Start() {
	m.wg.Go(func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.Sweep(context.Background()); err != nil {
					m.logger.Error("sweep failed", "error", err)
				}
			}
		}
	})
	m.logger.Info("health monitor started",
		"interval", m.cfg.SweepInterval,
		"retention_ttl", m.cfg.RetentionTTL,
	)
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RecoverStartup finalizes every processing task left behind by a previous
// run. It must complete before dispatch starts so stale rows never consume
// capacity. Worker IDs are process-local and never reused, so after a
// restart none of them can be alive, deadline or not.
func (m *Monitor) RecoverStartup(ctx context.Context) error {
	stuck, err := m.store.ListTasks(ctx, store.Filter{Status: model.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}
	for i := range stuck {
		m.orphan(ctx, stuck[i], "left processing by a previous run")
	}
	if len(stuck) > 0 {
		m.logger.Warn("recovered stale processing tasks", "count", len(stuck))
	}
	return nil
}

// Sweep runs one full maintenance pass.
func (m *Monitor) Sweep(ctx context.Context) error {
	return errors.Join(
		m.reapStuck(ctx),
		m.enforceRetention(ctx),
		m.sweepTempFiles(ctx),
	)
}

// reapStuck examines processing tasks past their deadline. Dead or
// unverifiable owners get any engine process still tracked for them killed,
// then are orphaned. Live owners get a grace period beyond the deadline for
// their own timeout handling to land, after which the engine process is
// killed and the task expired.
func (m *Monitor) reapStuck(ctx context.Context) error {
	processing, err := m.store.ListTasks(ctx, store.Filter{Status: model.StatusProcessing})
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}

	now := time.Now().UTC()
	for i := range processing {
		t := processing[i]
		alive := m.pool != nil && m.pool.WorkerAlive(t.WorkerID)
		pastDeadline := t.TimeoutDeadline == nil || now.After(*t.TimeoutDeadline)

		if !alive {
			if pastDeadline {
				m.killEngine(t)
				m.orphan(ctx, t, "worker is gone")
			}
			continue
		}

		if t.TimeoutDeadline != nil && now.After(t.TimeoutDeadline.Add(m.cfg.DeadlineGrace)) {
			m.expire(ctx, t)
		}
	}
	return nil
}

// killEngine tears down any engine process still tracked for the task.
func (m *Monitor) killEngine(t *model.Task) {
	if m.registry == nil {
		return
	}
	if eng, err := m.registry.Resolve(t.Type); err == nil && eng.Alive(t.ID) {
		eng.Kill(t.ID)
		m.logger.Warn("killed stray engine process", "task_id", t.ID, "worker_id", t.WorkerID)
	}
}

// orphan finalizes a task whose worker cannot be confirmed alive. The CAS
// stays pinned to the recorded worker, so a racing legitimate completion
// wins and the orphaning quietly stands down.
func (m *Monitor) orphan(ctx context.Context, t *model.Task, reason string) {
	now := time.Now().UTC()
	_, err := m.store.UpdateTask(ctx, t.ID, model.StatusProcessing, t.WorkerID, func(u *model.Task) {
		u.Status = model.StatusFailed
		u.ErrorCategory = model.ErrOrphaned
		u.ErrorMessage = "processing was interrupted: " + reason
		u.CompletedAt = &now
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("failed to orphan task", "task_id", t.ID, "error", err)
		return
	}

	m.appendEvent(t.ID, model.StatusFailed, "orphaned: "+reason)
	reapsTotal.WithLabelValues(reasonOrphaned).Inc()
	m.logger.Warn("orphaned task",
		"task_id", t.ID,
		"worker_id", t.WorkerID,
		"reason", reason,
	)
	m.nudge()
}

// expire kills a wedged engine process and finalizes its task. This is the
// backstop for a live worker whose own deadline handling never fired.
func (m *Monitor) expire(ctx context.Context, t *model.Task) {
	m.killEngine(t)

	now := time.Now().UTC()
	_, err := m.store.UpdateTask(ctx, t.ID, model.StatusProcessing, t.WorkerID, func(u *model.Task) {
		u.Status = model.StatusExpired
		u.ErrorCategory = model.ErrTimedOut
		u.ErrorMessage = "processing exceeded its deadline and was expired by the health monitor"
		u.CompletedAt = &now
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		m.logger.Error("failed to expire task", "task_id", t.ID, "error", err)
		return
	}

	m.appendEvent(t.ID, model.StatusExpired, "expired by health monitor")
	reapsTotal.WithLabelValues(reasonExpired).Inc()
	m.logger.Warn("expired wedged task", "task_id", t.ID, "worker_id", t.WorkerID)
	m.nudge()
}

// enforceRetention deletes terminal tasks older than the retention TTL along
// with their result entries, events, and artifacts.
func (m *Monitor) enforceRetention(ctx context.Context) error {
	if m.cfg.RetentionTTL <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionTTL)

	var errs []error
	for _, status := range []string{
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusCancelled,
		model.StatusExpired,
	} {
		tasks, err := m.store.ListTasks(ctx, store.Filter{Status: status})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range tasks {
			t := tasks[i]
			ref := t.CreatedAt
			if t.CompletedAt != nil {
				ref = *t.CompletedAt
			}
			if ref.After(cutoff) {
				continue
			}
			m.deleteExpired(ctx, t)
		}
	}
	return errors.Join(errs...)
}

// deleteExpired removes one task past retention. The artifact goes first;
// if that fails the row is kept so the next sweep retries.
func (m *Monitor) deleteExpired(ctx context.Context, t *model.Task) {
	if entry, err := m.store.GetResult(ctx, t.ID); err == nil {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			m.logger.Error("failed to remove expired artifact",
				"task_id", t.ID, "path", entry.Path, "error", err)
			return
		}
	}
	if err := m.store.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to delete expired task", "task_id", t.ID, "error", err)
		return
	}
	retentionDeletes.Inc()
	m.logger.Info("retention deleted task", "task_id", t.ID, "status", t.Status)
}

// sweepTempFiles removes scratch directories whose task is gone or terminal.
// Directories are named by task ID; fresh ones are spared because their task
// row may not be committed yet.
func (m *Monitor) sweepTempFiles(ctx context.Context) error {
	if m.cfg.TmpDir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.cfg.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tmp dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < minTempAge {
			continue
		}

		taskID := entry.Name()
		t, err := m.store.GetTask(ctx, taskID)
		switch {
		case err == nil && !model.TerminalStatus(t.Status):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			continue
		}

		path := filepath.Join(m.cfg.TmpDir, taskID)
		if err := os.RemoveAll(path); err != nil {
			m.logger.Error("failed to remove scratch dir", "path", path, "error", err)
			continue
		}
		tempSweeps.Inc()
		m.logger.Info("removed stale scratch dir", "path", path)
	}
	return nil
}

func (m *Monitor) nudge() {
	if m.pool != nil {
		m.pool.Nudge()
	}
}

func (m *Monitor) appendEvent(taskID, stage, msg string) {
	if err := m.store.AppendEvent(context.Background(), taskID, stage, msg); err != nil {
		m.logger.Error("failed to append event", "task_id", taskID, "stage", stage, "error", err)
	}
}
