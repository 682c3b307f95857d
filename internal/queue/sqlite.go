package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/google/uuid"
)

// SQLite is a durable Queue stored in the state database.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// NewSQLite creates the task table if needed.
func NewSQLite(db *sql.DB, opts Options) (*SQLite, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			identity    TEXT NOT NULL,
			payload     BLOB NOT NULL,
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			lease_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, seq);
		CREATE INDEX IF NOT EXISTS idx_tasks_identity ON tasks(identity, status);`)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to create table: %w", err)
	}
	return &SQLite{db: db, opts: opts.withDefaults()}, nil
}

func (q *SQLite) Enqueue(ctx context.Context, task reindex.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to encode task", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := q.expire(ctx, tx, q.opts.Now()); err != nil {
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to expire leases", err)
	}

	identity := task.Identity()
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE identity = ? AND status IN (?, ?) ORDER BY seq LIMIT 1`,
		identity, StatusPending, StatusRunning).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to check for duplicate task", err)
	}

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (id, identity, payload, status, enqueued_at) VALUES (?, ?, ?, ?, ?)`,
		id, identity, payload, StatusPending, q.opts.Now().UnixNano()); err != nil {
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to insert task", err)
	}
	if err := tx.Commit(); err != nil {
		return "", ikerrors.NewQueueError(ikerrors.CodeEnqueueFailed, "failed to commit task", err)
	}
	return id, nil
}

func (q *SQLite) Dequeue(ctx context.Context) (*Item, error) {
	now := q.opts.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := q.expire(ctx, tx, now); err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to expire leases", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts, last_error, enqueued_at FROM tasks
		WHERE status = ? OR (status = ? AND lease_until <= ? AND attempts < ?)
		ORDER BY seq LIMIT 1`,
		StatusPending, StatusRunning, now.UnixNano(), q.opts.MaxAttempts)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to select task", err)
	}

	item.Attempts++
	item.Status = StatusRunning
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempts = ?, lease_until = ? WHERE id = ?`,
		StatusRunning, item.Attempts, now.Add(q.opts.Lease).UnixNano(), item.ID); err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to lease task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to commit lease", err)
	}
	return item, nil
}

// expire fails running tasks whose last allowed lease ran out.
func (q *SQLite) expire(ctx context.Context, db execer, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, lease_until = 0
		WHERE status = ? AND lease_until <= ? AND attempts >= ?`,
		StatusFailed, leaseExpired, StatusRunning, now.UnixNano(), q.opts.MaxAttempts)
	return err
}

func (q *SQLite) Extend(ctx context.Context, id string, attempt int) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET lease_until = ? WHERE id = ? AND status = ? AND attempts = ?`,
		q.opts.Now().Add(q.opts.Lease).UnixNano(), id, StatusRunning, attempt)
	if err != nil {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to extend lease of "+id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var found int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "unknown task "+id, nil)
	}
	if err != nil {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to load task "+id, err)
	}
	return ikerrors.NewQueueError(ikerrors.CodeLeaseLost, "task "+id+" is no longer leased to this worker", ErrLeaseLost)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		item     Item
		payload  []byte
		enqueued int64
	)
	if err := row.Scan(&item.ID, &payload, &item.Attempts, &item.LastError, &enqueued); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &item.Task); err != nil {
		return nil, fmt.Errorf("corrupt task %s: %w", item.ID, err)
	}
	item.EnqueuedAt = time.Unix(0, enqueued).UTC()
	return &item, nil
}

func (q *SQLite) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusDone, "")
}

func (q *SQLite) Fail(ctx context.Context, id string, cause error) error {
	var attempts int
	err := q.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to load task "+id, err)
	}
	status := StatusPending
	if attempts >= q.opts.MaxAttempts {
		status = StatusFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.finish(ctx, id, status, msg)
}

func (q *SQLite) finish(ctx context.Context, id string, status Status, lastError string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_error = ?, lease_until = 0 WHERE id = ?`, status, lastError, id)
	if err != nil {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to update task "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "unknown task "+id, nil)
	}
	return nil
}

func (q *SQLite) List(ctx context.Context) ([]Item, error) {
	if err := q.expire(ctx, q.db, q.opts.Now()); err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to expire leases", err)
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, payload, attempts, last_error, enqueued_at, status FROM tasks
		WHERE status != ? ORDER BY seq`, StatusDone)
	if err != nil {
		return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to list tasks", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			item     Item
			payload  []byte
			enqueued int64
		)
		if err := rows.Scan(&item.ID, &payload, &item.Attempts, &item.LastError, &enqueued, &item.Status); err != nil {
			return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "failed to scan task", err)
		}
		if err := json.Unmarshal(payload, &item.Task); err != nil {
			return nil, ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "corrupt task "+item.ID, err)
		}
		item.EnqueuedAt = time.Unix(0, enqueued).UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}
