// Package queue carries reindex tasks from the maintenance scheduler to the
// workers that run them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/arkilian/indexkeeper/internal/reindex"
)

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrLeaseLost is returned by Extend when the lease ran out and the task was
// delivered again or finished.
var ErrLeaseLost = errors.New("queue: lease lost")

// leaseExpired is recorded on a task whose last allowed lease ran out.
const leaseExpired = "lease expired after the last attempt"

// Item is a task handed to a worker.
type Item struct {
	ID         string       `json:"id"`
	Task       reindex.Task `json:"task"`
	Attempts   int          `json:"attempts"`
	Status     Status       `json:"status"`
	LastError  string       `json:"last_error,omitempty"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Queue is an at-least-once task queue. A dequeued task is leased to its
// worker, which renews the lease while it works. When the lease runs out
// before Complete or Fail the task is delivered again, or marked failed once
// it has been attempted MaxAttempts times.
type Queue interface {
	// Enqueue adds task unless a task with the same identity is pending or
	// running, in which case the existing id is returned.
	Enqueue(ctx context.Context, task reindex.Task) (string, error)

	// Dequeue leases the oldest deliverable task. It returns nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*Item, error)

	// Extend renews the lease of a running task. attempt is the Attempts
	// value of the delivered Item; a task delivered again since then returns
	// ErrLeaseLost.
	Extend(ctx context.Context, id string, attempt int) error

	// Complete marks a leased task done.
	Complete(ctx context.Context, id string) error

	// Fail records cause. The task goes back to pending until it has been
	// attempted MaxAttempts times, then it is marked failed.
	Fail(ctx context.Context, id string, cause error) error

	// List returns tasks that are not done, oldest first.
	List(ctx context.Context) ([]Item, error)
}

// Options configures a queue.
type Options struct {
	// Lease is how long a dequeued task belongs to its worker (default: 30m).
	Lease time.Duration

	// MaxAttempts bounds deliveries of one task (default: 5).
	MaxAttempts int

	Now func() time.Time
}

// DefaultOptions returns the default queue options.
func DefaultOptions() Options {
	return Options{Lease: 30 * time.Minute, MaxAttempts: 5, Now: time.Now}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
