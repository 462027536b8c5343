package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
	    id               TEXT PRIMARY KEY,
	    type             TEXT NOT NULL,
	    status           TEXT NOT NULL,
	    owner            TEXT NOT NULL DEFAULT '',
	    input_refs       TEXT NOT NULL,
	    output_ref       TEXT NOT NULL DEFAULT '',
	    params           TEXT NOT NULL DEFAULT '{}',
	    progress         INTEGER NOT NULL DEFAULT 0,
	    error_category   TEXT NOT NULL DEFAULT '',
	    error_message    TEXT NOT NULL DEFAULT '',
	    worker_id        TEXT NOT NULL DEFAULT '',
	    created_at       DATETIME NOT NULL,
	    started_at       DATETIME,
	    completed_at     DATETIME,
	    timeout_deadline DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner)`,
	`CREATE TABLE IF NOT EXISTS results (
	    task_id    TEXT PRIMARY KEY,
	    path       TEXT NOT NULL,
	    size_bytes INTEGER NOT NULL,
	    created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_events (
	    id         INTEGER PRIMARY KEY AUTOINCREMENT,
	    task_id    TEXT NOT NULL,
	    seq        INTEGER NOT NULL,
	    stage      TEXT NOT NULL,
	    message    TEXT NOT NULL,
	    created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, seq)`,
}

const taskColumns = `id, type, status, owner, input_refs, output_ref, params,
	progress, error_category, error_message, worker_id,
	created_at, started_at, completed_at, timeout_deadline`

// ErrNotFound is returned when a task or result is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// SQLite permits a single writer at a time. Serializing write
	// transactions in-process avoids SQLITE_BUSY churn between the
	// scheduler, workers, and the health monitor. Reads bypass the
	// mutex and run concurrently under WAL.
	writeMu sync.Mutex
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; pin the pool to one
	// connection so every query sees the same database.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	inputRefs, err := json.Marshal(t.InputRefs)
	if err != nil {
		return fmt.Errorf("marshal input refs: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.Status, t.Owner, string(inputRefs), t.OutputRef, string(params),
		t.Progress, t.ErrorCategory, t.ErrorMessage, t.WorkerID,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.TimeoutDeadline,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, ordered by created_at ASC with
// the task ID as tiebreak. Queued-task dispatch relies on this ordering being
// submission order.
func (s *SQLiteStore) ListTasks(ctx context.Context, f Filter) ([]*model.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies a compare-and-swap mutation to a task. The row is read,
// checked against expectedStatus (and expectedWorker when non-empty), passed
// to mutate, and written back, all inside one transaction. Status changes made
// by mutate must be valid lifecycle transitions. Returns the task as written.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id, expectedStatus, expectedWorker string, mutate func(*model.Task)) (*model.Task, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}

	if t.Status != expectedStatus {
		return nil, fmt.Errorf("task %s is %s, expected %s: %w", id, t.Status, expectedStatus, ErrConflict)
	}
	if expectedWorker != "" && t.WorkerID != expectedWorker {
		return nil, fmt.Errorf("task %s claimed by worker %s, expected %s: %w", id, t.WorkerID, expectedWorker, ErrConflict)
	}

	before := t.Status
	mutate(t)
	if t.Status != before && !model.ValidTransition(before, t.Status) {
		return nil, fmt.Errorf("%s → %s: %w", before, t.Status, ErrInvalidTransition)
	}

	inputRefs, err := json.Marshal(t.InputRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal input refs: %w", err)
	}
	params, err := json.Marshal(t.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?, owner = ?, input_refs = ?, output_ref = ?, params = ?,
			progress = ?, error_category = ?, error_message = ?, worker_id = ?,
			started_at = ?, completed_at = ?, timeout_deadline = ?
		WHERE id = ?`,
		t.Status, t.Owner, string(inputRefs), t.OutputRef, string(params),
		t.Progress, t.ErrorCategory, t.ErrorMessage, t.WorkerID,
		t.StartedAt, t.CompletedAt, t.TimeoutDeadline, id,
	); err != nil {
		return nil, fmt.Errorf("write task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task along with its result entry and events.
// Used by retention cleanup once a terminal record ages out.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM results WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_events WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountByStatus returns the number of tasks currently in the given status.
func (s *SQLiteStore) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE status = ?", status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// GetTaskStats returns aggregate counts across all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByType:   make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, type, COUNT(*) FROM tasks GROUP BY status, type")
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += n
		stats.CountByStatus[status] += n
		stats.CountByType[typ] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// PutResult inserts the artifact record for a task. The task_id primary key
// makes the write once-only: a second insert for the same task fails.
func (s *SQLiteStore) PutResult(ctx context.Context, e *ResultEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (task_id, path, size_bytes, created_at)
		VALUES (?, ?, ?, ?)`,
		e.TaskID, e.Path, e.SizeBytes, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult retrieves the artifact record for a task.
func (s *SQLiteStore) GetResult(ctx context.Context, taskID string) (*ResultEntry, error) {
	e := &ResultEntry{}
	err := s.db.QueryRowContext(ctx,
		"SELECT task_id, path, size_bytes, created_at FROM results WHERE task_id = ?",
		taskID,
	).Scan(&e.TaskID, &e.Path, &e.SizeBytes, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return e, nil
}

// DeleteResult removes the artifact record for a task. Deleting a missing
// record is not an error: callers use this to back out after losing a
// completion race.
func (s *SQLiteStore) DeleteResult(ctx context.Context, taskID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM results WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// AppendEvent appends a lifecycle event to a task's history. The sequence
// number is assigned from the task's current maximum, so concurrent appenders
// never need to coordinate.
func (s *SQLiteStore) AppendEvent(ctx context.Context, taskID, stage, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, seq, stage, message, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq)+1, 0) FROM task_events WHERE task_id = ?), ?, ?, ?)`,
		taskID, taskID, stage, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns a task's lifecycle events in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, seq, stage, message, created_at
		FROM task_events WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	events := []model.TaskEvent{}
	for rows.Next() {
		var e model.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Seq, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var inputRefs, params string
	if err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.Owner, &inputRefs, &t.OutputRef, &params,
		&t.Progress, &t.ErrorCategory, &t.ErrorMessage, &t.WorkerID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.TimeoutDeadline,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputRefs), &t.InputRefs); err != nil {
		return nil, fmt.Errorf("unmarshal input refs: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return t, nil
}
