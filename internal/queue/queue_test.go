package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/arkilian/indexkeeper/internal/script"
	"github.com/arkilian/indexkeeper/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func task(source, dest string) reindex.Task {
	return reindex.Task{
		SourceIndex:           source,
		DestIndex:             dest,
		Alias:                 "employees",
		Script:                script.NewChain([]script.Script{{Version: 2, Steps: []script.Step{{Op: script.OpSet, Field: "schema", Value: "v2"}}}}),
		TimestampField:        "updated",
		DeleteSourceOnSuccess: true,
	}
}

type factory func(t *testing.T, opts Options) Queue

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, opts Options) Queue { return NewMemory(opts) },
		"sqlite": func(t *testing.T, opts Options) Queue {
			db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			q, err := NewSQLite(db, opts)
			require.NoError(t, err)
			return q
		},
	}
}

func TestQueue_FIFOAndComplete(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(t, Options{Now: clk.now})

			first, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			clk.t = clk.t.Add(time.Second)
			second, err := q.Enqueue(ctx, task("events-v1", "events-v2"))
			require.NoError(t, err)
			assert.NotEqual(t, first, second)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, first, item.ID)
			assert.Equal(t, 1, item.Attempts)
			assert.Equal(t, "employees-v2", item.Task.DestIndex)
			require.NotNil(t, item.Task.Script)
			assert.Equal(t, task("a", "b").Script.Source(), item.Task.Script.Source())

			require.NoError(t, q.Complete(ctx, item.ID))

			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, second, item.ID)

			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item, "running task must not be delivered twice within its lease")

			listed, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, second, listed[0].ID)
			assert.Equal(t, StatusRunning, listed[0].Status)
		})
	}
}

func TestQueue_DeduplicatesByIdentity(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(t, DefaultOptions())

			id1, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			id2, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			assert.Equal(t, id1, id2)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			id3, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			assert.Equal(t, item.ID, id3, "running task still deduplicates")

			require.NoError(t, q.Complete(ctx, item.ID))
			id4, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			assert.NotEqual(t, id1, id4, "a finished task can be enqueued again")
		})
	}
}

func TestQueue_FailRetriesThenGivesUp(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := newQueue(t, Options{MaxAttempts: 2})

			id, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NoError(t, q.Fail(ctx, item.ID, errors.New("store unavailable")))

			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, id, item.ID)
			assert.Equal(t, 2, item.Attempts)
			assert.Equal(t, "store unavailable", item.LastError)
			require.NoError(t, q.Fail(ctx, item.ID, errors.New("still unavailable")))

			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item)

			listed, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, listed, 1)
			assert.Equal(t, StatusFailed, listed[0].Status)
			assert.Equal(t, "still unavailable", listed[0].LastError)
		})
	}
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(t, Options{Lease: time.Minute, Now: clk.now})

			id, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			_, err = q.Dequeue(ctx)
			require.NoError(t, err)

			clk.t = clk.t.Add(30 * time.Second)
			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item)

			clk.t = clk.t.Add(time.Minute)
			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, id, item.ID)
			assert.Equal(t, 2, item.Attempts)
		})
	}
}

func TestQueue_RejectsInvalidTask(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			_, err := newQueue(t, DefaultOptions()).Enqueue(context.Background(), reindex.Task{SourceIndex: "a"})
			assert.Error(t, err)
		})
	}
}

func TestQueue_UnknownID(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t, DefaultOptions())
			assert.Error(t, q.Complete(context.Background(), "missing"))
			assert.Error(t, q.Fail(context.Background(), "missing", nil))
		})
	}
}

func TestQueue_ExtendKeepsLease(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(t, Options{Lease: time.Minute, Now: clk.now})

			id, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			first, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, first)

			clk.t = clk.t.Add(50 * time.Second)
			require.NoError(t, q.Extend(ctx, id, first.Attempts))
			clk.t = clk.t.Add(50 * time.Second)
			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item, "an extended lease keeps the task with its worker")

			clk.t = clk.t.Add(30 * time.Second)
			second, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, second)
			assert.Equal(t, 2, second.Attempts)

			err = q.Extend(ctx, id, first.Attempts)
			assert.ErrorIs(t, err, ErrLeaseLost, "the first worker lost the task")
			require.NoError(t, q.Extend(ctx, id, second.Attempts))

			require.NoError(t, q.Complete(ctx, id))
			assert.ErrorIs(t, q.Extend(ctx, id, second.Attempts), ErrLeaseLost)

			err = q.Extend(ctx, "missing", 1)
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrLeaseLost))
		})
	}
}

func TestQueue_LapsedLastLeaseFails(t *testing.T) {
	for name, newQueue := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)}
			q := newQueue(t, Options{Lease: time.Minute, MaxAttempts: 2, Now: clk.now})

			id, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			for attempt := 1; attempt <= 2; attempt++ {
				item, err := q.Dequeue(ctx)
				require.NoError(t, err)
				require.NotNil(t, item)
				assert.Equal(t, attempt, item.Attempts)
				clk.t = clk.t.Add(2 * time.Minute)
			}

			item, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Nil(t, item)

			items, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, StatusFailed, items[0].Status)
			assert.Equal(t, leaseExpired, items[0].LastError)

			again, err := q.Enqueue(ctx, task("employees-v1", "employees-v2"))
			require.NoError(t, err)
			assert.NotEqual(t, id, again, "a failed task does not block its identity")

			item, err = q.Dequeue(ctx)
			require.NoError(t, err)
			require.NotNil(t, item)
			assert.Equal(t, again, item.ID)
			assert.Equal(t, 1, item.Attempts)
		})
	}
}
