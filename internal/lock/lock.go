// Package lock provides the short-lived advisory lock taken around the
// decision to enqueue a reindex task. A held key rate-limits re-enqueueing of
// the same migration until its lease runs out.
package lock

import (
	"context"
	"time"
)

// Locker grants short-lived exclusive ownership of a key.
type Locker interface {
	// TryAcquire takes the lock on key for ttl. It returns false while
	// another holder's lease on key is still valid, including one taken by
	// the same process.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives up a lock taken by this locker. Releasing a lock that
	// expired or was never held is not an error.
	Release(ctx context.Context, key string) error
}

// TaskKey is the lock key for a task identity.
func TaskKey(identity string) string {
	return "reindex:" + identity
}
