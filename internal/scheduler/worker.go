package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/engine"
	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

// runTask drives one claimed task to a terminal status. The slot is released
// exactly once when the worker returns, regardless of which actor won the
// terminal transition.
func (s *Scheduler) runTask(ctx context.Context, cancel context.CancelFunc, t *model.Task) {
	defer s.release(t.ID)
	defer cancel()

	start := time.Now()
	status := s.executeTask(ctx, t)
	if status != "" {
		tasksTotal.WithLabelValues(t.Type, status).Inc()
		taskDuration.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())
	}
}

// executeTask runs the engine and finalizes the task. It returns the
// terminal status this worker recorded, or "" if another actor won the
// terminal transition first.
func (s *Scheduler) executeTask(ctx context.Context, t *model.Task) string {
	eng, err := s.registry.Resolve(t.Type)
	if err != nil {
		return s.finishFailed(t, model.ErrEngineUnavailable, err.Error())
	}

	workDir := filepath.Join(s.cfg.TmpDir, t.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return s.finishFailed(t, model.ErrEngineFailure, fmt.Sprintf("create work dir: %v", err))
	}
	defer os.RemoveAll(workDir)

	job := engine.Job{
		TaskID:     t.ID,
		Type:       t.Type,
		InputPaths: t.InputRefs,
		OutputPath: filepath.Join(s.cfg.ResultsDir, t.ID+".mp4"),
		WorkDir:    workDir,
		Params:     t.Params,
		Progress: func(pct int) {
			s.reportProgress(t.ID, t.WorkerID, pct)
		},
	}

	res, err := eng.Run(ctx, job)
	if err != nil {
		category, msg := categorize(err, s.cfg.TaskTimeout)
		return s.finishFailed(t, category, msg)
	}

	return s.completeTask(t, res)
}

// categorize maps an engine error onto the task error taxonomy.
func categorize(err error, timeout time.Duration) (string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrTimedOut, fmt.Sprintf("processing exceeded the %s task timeout", timeout)
	case errors.Is(err, context.Canceled):
		return model.ErrOrphaned, "processing interrupted by shutdown"
	case errors.Is(err, engine.ErrUnavailable):
		return model.ErrEngineUnavailable, err.Error()
	default:
		return model.ErrEngineFailure, err.Error()
	}
}

// completeTask makes the artifact durable, then flips the task to completed.
// The flip is pinned to this worker; losing it means a cancel or reap beat
// us, in which case this worker's artifact is backed out so the losing
// result never shadows the recorded terminal state.
func (s *Scheduler) completeTask(t *model.Task, res engine.Result) string {
	// Store updates run on a background context: the task context may
	// already be done and finalization must still land.
	ctx := context.Background()

	info, err := os.Stat(res.OutputPath)
	if err != nil {
		return s.finishFailed(t, model.ErrEngineFailure, "engine reported success but produced no output")
	}

	entry := &store.ResultEntry{
		TaskID:    t.ID,
		Path:      res.OutputPath,
		SizeBytes: info.Size(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutResult(ctx, entry); err != nil {
		os.Remove(res.OutputPath)
		return s.finishFailed(t, model.ErrEngineFailure, fmt.Sprintf("persist result: %v", err))
	}

	now := time.Now().UTC()
	_, err = s.store.UpdateTask(ctx, t.ID, model.StatusProcessing, t.WorkerID, func(u *model.Task) {
		u.Status = model.StatusCompleted
		u.Progress = 100
		u.OutputRef = res.OutputPath
		u.CompletedAt = &now
	})
	if errors.Is(err, store.ErrConflict) {
		s.backOutResult(ctx, t, res.OutputPath)
		return ""
	}
	if err != nil {
		s.logger.Error("failed to finalize completed task", "task_id", t.ID, "error", err)
		return ""
	}

	s.appendEvent(t.ID, model.StatusCompleted, fmt.Sprintf("completed in %dms", res.DurationMS))
	s.logger.Info("task completed",
		"task_id", t.ID,
		"type", t.Type,
		"duration_ms", res.DurationMS,
		"output", res.OutputPath,
		"size_bytes", info.Size(),
	)
	return model.StatusCompleted
}

// backOutResult removes the artifact and result entry of a completion that
// lost the terminal race.
func (s *Scheduler) backOutResult(ctx context.Context, t *model.Task, outputPath string) {
	if err := s.store.DeleteResult(ctx, t.ID); err != nil {
		s.logger.Error("failed to delete superseded result", "task_id", t.ID, "error", err)
	}
	if err := os.Remove(outputPath); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to remove superseded artifact", "task_id", t.ID, "error", err)
	}
	s.logger.Info("completion superseded by another terminal state", "task_id", t.ID)
}

// finishFailed finalizes a task as failed with the given category. A CAS
// conflict means another actor already finalized the task; the loss is
// silent and the recorded state stands.
func (s *Scheduler) finishFailed(t *model.Task, category, msg string) string {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.store.UpdateTask(ctx, t.ID, model.StatusProcessing, t.WorkerID, func(u *model.Task) {
		u.Status = model.StatusFailed
		u.ErrorCategory = category
		u.ErrorMessage = msg
		u.CompletedAt = &now
	})
	if errors.Is(err, store.ErrConflict) {
		return ""
	}
	if err != nil {
		s.logger.Error("failed to finalize failed task", "task_id", t.ID, "error", err)
		return ""
	}

	s.appendEvent(t.ID, model.StatusFailed, msg)
	s.logger.Warn("task failed",
		"task_id", t.ID,
		"type", t.Type,
		"category", category,
		"error", msg,
	)
	return model.StatusFailed
}

// reportProgress records engine progress on the task. Conflicts are dropped:
// a progress write racing a cancellation has nothing useful left to say.
func (s *Scheduler) reportProgress(taskID, workerID string, pct int) {
	if pct > 99 {
		pct = 99
	}
	_, err := s.store.UpdateTask(context.Background(), taskID, model.StatusProcessing, workerID, func(u *model.Task) {
		u.Progress = pct
	})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("failed to record progress", "task_id", taskID, "error", err)
	}
}
