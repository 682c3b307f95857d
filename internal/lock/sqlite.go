package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/google/uuid"
)

func newOwner() string {
	return uuid.New().String()
}

// SQLite is a Locker backed by a table in the state database. Every process
// sharing the database file sees the same locks.
type SQLite struct {
	db    *sql.DB
	owner string
	now   func() time.Time
}

// NewSQLite creates the lock table if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS locks (
			key        TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("lock: failed to create table: %w", err)
	}
	return &SQLite{db: db, owner: newOwner(), now: time.Now}, nil
}

func (s *SQLite) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		key, s.owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, ikerrors.NewQueueError(ikerrors.CodeLockFailed, "failed to acquire lock "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ikerrors.NewQueueError(ikerrors.CodeLockFailed, "failed to acquire lock "+key, err)
	}
	return n == 1, nil
}

func (s *SQLite) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, s.owner); err != nil {
		return ikerrors.NewQueueError(ikerrors.CodeLockFailed, "failed to release lock "+key, err)
	}
	return nil
}
