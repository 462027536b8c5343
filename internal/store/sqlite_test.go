package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.Task {
	return &model.Task{
		ID:        model.NewID(),
		Type:      model.TypeMerge,
		Status:    model.StatusQueued,
		Owner:     "user-1",
		InputRefs: []string{"/uploads/a.mp4", "/uploads/b.mp4"},
		CreatedAt: time.Now().UTC(),
	}
}

// claim moves a queued task to processing under a fresh worker ID and
// returns that worker ID.
func claim(t *testing.T, s *SQLiteStore, id string) string {
	t.Helper()
	workerID := model.NewWorkerID()
	now := time.Now().UTC()
	deadline := now.Add(time.Minute)
	_, err := s.UpdateTask(context.Background(), id, model.StatusQueued, "", func(u *model.Task) {
		u.Status = model.StatusProcessing
		u.WorkerID = workerID
		u.StartedAt = &now
		u.TimeoutDeadline = &deadline
	})
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	return workerID
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := makeTestTask()
	task.Type = model.TypeWatermarkRemoval
	task.InputRefs = []string{"/uploads/clip.mp4"}
	task.Params = model.Params{
		Regions: []model.Region{{X: 10, Y: 20, Width: 100, Height: 40}},
	}

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Type != model.TypeWatermarkRemoval {
		t.Errorf("Type = %q, want %q", got.Type, model.TypeWatermarkRemoval)
	}
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusQueued)
	}
	if got.Owner != "user-1" {
		t.Errorf("Owner = %q, want %q", got.Owner, "user-1")
	}
	if len(got.InputRefs) != 1 || got.InputRefs[0] != "/uploads/clip.mp4" {
		t.Errorf("InputRefs = %v, want [/uploads/clip.mp4]", got.InputRefs)
	}
	if len(got.Params.Regions) != 1 {
		t.Fatalf("Regions = %v, want one region", got.Params.Regions)
	}
	if r := got.Params.Regions[0]; r.X != 10 || r.Y != 20 || r.Width != 100 || r.Height != 40 {
		t.Errorf("Region = %+v, want {10 20 100 40}", r)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0", got.Progress)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksSubmissionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Insert out of submission order; listing must return created_at ASC.
	for _, i := range []int{2, 0, 1} {
		task := makeTestTask()
		task.CreatedAt = time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC)
		task.Owner = fmt.Sprintf("user-%d", i)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, err := s.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.Before(tasks[i-1].CreatedAt) {
			t.Errorf("tasks not in ASC order: [%d].CreatedAt=%v < [%d].CreatedAt=%v",
				i, tasks[i].CreatedAt, i-1, tasks[i-1].CreatedAt)
		}
	}
	if tasks[0].Owner != "user-0" || tasks[2].Owner != "user-2" {
		t.Errorf("order = [%s %s %s], want oldest first", tasks[0].Owner, tasks[1].Owner, tasks[2].Owner)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := makeTestTask()
	queued.Owner = "alice"
	if err := s.CreateTask(ctx, queued); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	other := makeTestTask()
	other.Owner = "bob"
	if err := s.CreateTask(ctx, other); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claim(t, s, other.ID)

	byStatus, err := s.ListTasks(ctx, Filter{Status: model.StatusQueued})
	if err != nil {
		t.Fatalf("ListTasks by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != queued.ID {
		t.Errorf("status filter returned %d tasks, want the queued one", len(byStatus))
	}

	byOwner, err := s.ListTasks(ctx, Filter{Owner: "bob"})
	if err != nil {
		t.Fatalf("ListTasks by owner: %v", err)
	}
	if len(byOwner) != 1 || byOwner[0].ID != other.ID {
		t.Errorf("owner filter returned %d tasks, want bob's task", len(byOwner))
	}

	both, err := s.ListTasks(ctx, Filter{Status: model.StatusQueued, Owner: "bob"})
	if err != nil {
		t.Fatalf("ListTasks combined: %v", err)
	}
	if len(both) != 0 {
		t.Errorf("combined filter returned %d tasks, want 0", len(both))
	}
}

func TestListTasksLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, err := s.ListTasks(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}
}

func TestUpdateTaskClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	workerID := claim(t, s, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
	if got.WorkerID != workerID {
		t.Errorf("WorkerID = %q, want %q", got.WorkerID, workerID)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, expected it to be set on claim")
	}
	if got.TimeoutDeadline == nil {
		t.Error("TimeoutDeadline is nil, expected it to be set on claim")
	}
}

func TestUpdateTaskStatusConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Expect processing but the task is still queued.
	_, err := s.UpdateTask(ctx, task.ID, model.StatusProcessing, "", func(u *model.Task) {
		u.Status = model.StatusCompleted
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("got error %v, want ErrConflict", err)
	}

	// The row must be untouched.
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusQueued {
		t.Errorf("Status = %q, want queued after failed CAS", got.Status)
	}
}

func TestUpdateTaskWorkerConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claim(t, s, task.ID)

	// A stale worker pin must not finalize the task.
	_, err := s.UpdateTask(ctx, task.ID, model.StatusProcessing, "other-worker", func(u *model.Task) {
		u.Status = model.StatusFailed
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("got error %v, want ErrConflict", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusProcessing {
		t.Errorf("Status = %q, want processing after failed CAS", got.Status)
	}
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// queued → completed skips processing and must be rejected.
	_, err := s.UpdateTask(ctx, task.ID, model.StatusQueued, "", func(u *model.Task) {
		u.Status = model.StatusCompleted
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got error %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskTerminalImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	workerID := claim(t, s, task.ID)

	now := time.Now().UTC()
	if _, err := s.UpdateTask(ctx, task.ID, model.StatusProcessing, workerID, func(u *model.Task) {
		u.Status = model.StatusCompleted
		u.Progress = 100
		u.CompletedAt = &now
	}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	// Any further mutation expecting processing hits a conflict.
	_, err := s.UpdateTask(ctx, task.ID, model.StatusProcessing, workerID, func(u *model.Task) {
		u.Status = model.StatusFailed
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("got error %v, want ErrConflict for terminal task", err)
	}
}

func TestUpdateTaskCompletionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	workerID := claim(t, s, task.ID)

	finish := func() error {
		now := time.Now().UTC()
		_, err := s.UpdateTask(ctx, task.ID, model.StatusProcessing, workerID, func(u *model.Task) {
			u.Status = model.StatusCompleted
			u.Progress = 100
			u.CompletedAt = &now
		})
		return err
	}

	if err := finish(); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	// A duplicate report of the same completion must lose cleanly.
	if err := finish(); !errors.Is(err, ErrConflict) {
		t.Errorf("second completion error = %v, want ErrConflict", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusCompleted || got.Progress != 100 {
		t.Errorf("task = %s/%d, want completed/100", got.Status, got.Progress)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateTask(context.Background(), "nonexistent", model.StatusQueued, "", func(u *model.Task) {
		u.Status = model.StatusCancelled
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.AppendEvent(ctx, task.ID, "queued", "accepted"); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.PutResult(ctx, &ResultEntry{
		TaskID: task.ID, Path: "/results/" + task.ID + ".mp4", SizeBytes: 42, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.GetResult(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResult after delete = %v, want ErrNotFound", err)
	}
	events, err := s.GetEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d after delete, want 0", len(events))
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.DeleteTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got error %v, want ErrNotFound", err)
	}
}

func TestCountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := makeTestTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
		if i == 0 {
			claim(t, s, task.ID)
		}
	}

	queued, err := s.CountByStatus(ctx, model.StatusQueued)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if queued != 2 {
		t.Errorf("queued = %d, want 2", queued)
	}

	processing, err := s.CountByStatus(ctx, model.StatusProcessing)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if processing != 1 {
		t.Errorf("processing = %d, want 1", processing)
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		task := makeTestTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	wm := makeTestTask()
	wm.Type = model.TypeWatermarkRemoval
	if err := s.CreateTask(ctx, wm); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	claim(t, s, wm.ID)

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusQueued] != 2 {
		t.Errorf("queued = %d, want 2", stats.CountByStatus[model.StatusQueued])
	}
	if stats.CountByStatus[model.StatusProcessing] != 1 {
		t.Errorf("processing = %d, want 1", stats.CountByStatus[model.StatusProcessing])
	}
	if stats.CountByType[model.TypeMerge] != 2 {
		t.Errorf("merge = %d, want 2", stats.CountByType[model.TypeMerge])
	}
	if stats.CountByType[model.TypeWatermarkRemoval] != 1 {
		t.Errorf("watermark_removal = %d, want 1", stats.CountByType[model.TypeWatermarkRemoval])
	}
}

func TestResultWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	entry := &ResultEntry{
		TaskID:    task.ID,
		Path:      "/results/" + task.ID + ".mp4",
		SizeBytes: 1024,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.PutResult(ctx, entry); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	// Second insert for the same task must fail.
	if err := s.PutResult(ctx, entry); err == nil {
		t.Error("duplicate PutResult succeeded, want error")
	}

	got, err := s.GetResult(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Path != entry.Path {
		t.Errorf("Path = %q, want %q", got.Path, entry.Path)
	}
	if got.SizeBytes != 1024 {
		t.Errorf("SizeBytes = %d, want 1024", got.SizeBytes)
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetResult(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetResult error = %v, want ErrNotFound", err)
	}
}

func TestDeleteResultMissingIsNoop(t *testing.T) {
	s := newTestStore(t)

	if err := s.DeleteResult(context.Background(), "nonexistent"); err != nil {
		t.Errorf("DeleteResult = %v, want nil for missing entry", err)
	}
}

func TestAppendEventOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	stages := []string{"queued", "processing", "completed"}
	for _, stage := range stages {
		if err := s.AppendEvent(ctx, task.ID, stage, "stage "+stage); err != nil {
			t.Fatalf("AppendEvent(%s): %v", stage, err)
		}
	}

	events, err := s.GetEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i)
		}
		if e.Stage != stages[i] {
			t.Errorf("events[%d].Stage = %q, want %q", i, e.Stage, stages[i])
		}
		if e.TaskID != task.ID {
			t.Errorf("events[%d].TaskID = %q, want %q", i, e.TaskID, task.ID)
		}
	}
}

func TestGetEventsIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := makeTestTask()
	t2 := makeTestTask()
	for _, task := range []*model.Task{t1, t2} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	if err := s.AppendEvent(ctx, t1.ID, "queued", "t1 event"); err != nil {
		t.Fatalf("AppendEvent t1: %v", err)
	}
	if err := s.AppendEvent(ctx, t2.ID, "queued", "t2 event"); err != nil {
		t.Fatalf("AppendEvent t2: %v", err)
	}

	events, err := s.GetEvents(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].Message != "t1 event" {
		t.Errorf("t1 events = %v, want exactly its own event", events)
	}
}

func TestGetEventsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	events, err := s.GetEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if events == nil {
		t.Error("events is nil, expected empty slice")
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestMigrationIdempotency(t *testing.T) {
	// Rerunning the migrations on an open store shouldn't error.
	s := newTestStore(t)
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("second migration run: %v", err)
		}
	}
}
