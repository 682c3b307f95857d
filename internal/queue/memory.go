package queue

import (
	"context"
	"sync"
	"time"

	ikerrors "github.com/arkilian/indexkeeper/internal/errors"
	"github.com/arkilian/indexkeeper/internal/reindex"
	"github.com/google/uuid"
)

type memoryItem struct {
	Item
	identity   string
	leaseUntil time.Time
}

// Memory is a process-local Queue. Tasks do not survive a restart.
type Memory struct {
	mu    sync.Mutex
	opts  Options
	items map[string]*memoryItem
	seq   []string // ids in enqueue order
}

// NewMemory creates an empty in-process queue.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts.withDefaults(), items: make(map[string]*memoryItem)}
}

func (m *Memory) Enqueue(_ context.Context, task reindex.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(m.opts.Now())
	identity := task.Identity()
	for _, id := range m.seq {
		it := m.items[id]
		if it.identity == identity && (it.Status == StatusPending || it.Status == StatusRunning) {
			return id, nil
		}
	}

	id := uuid.New().String()
	m.items[id] = &memoryItem{
		Item:     Item{ID: id, Task: task, Status: StatusPending, EnqueuedAt: m.opts.Now()},
		identity: identity,
	}
	m.seq = append(m.seq, id)
	return id, nil
}

func (m *Memory) Dequeue(_ context.Context) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	m.expire(now)
	for _, id := range m.seq {
		it := m.items[id]
		if !m.deliverable(it, now) {
			continue
		}
		it.Status = StatusRunning
		it.Attempts++
		it.leaseUntil = now.Add(m.opts.Lease)
		out := it.Item
		return &out, nil
	}
	return nil, nil
}

func (m *Memory) deliverable(it *memoryItem, now time.Time) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusRunning:
		return !now.Before(it.leaseUntil) && it.Attempts < m.opts.MaxAttempts
	}
	return false
}

// expire fails running tasks whose last allowed lease ran out.
func (m *Memory) expire(now time.Time) {
	for _, it := range m.items {
		if it.Status == StatusRunning && !now.Before(it.leaseUntil) && it.Attempts >= m.opts.MaxAttempts {
			it.Status = StatusFailed
			it.LastError = leaseExpired
		}
	}
}

func (m *Memory) Extend(_ context.Context, id string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "unknown task "+id, nil)
	}
	if it.Status != StatusRunning || it.Attempts != attempt {
		return ikerrors.NewQueueError(ikerrors.CodeLeaseLost, "task "+id+" is no longer leased to this worker", ErrLeaseLost)
	}
	it.leaseUntil = m.opts.Now().Add(m.opts.Lease)
	return nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "unknown task "+id, nil)
	}
	it.Status = StatusDone
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ikerrors.NewQueueError(ikerrors.CodeDequeueFailed, "unknown task "+id, nil)
	}
	if cause != nil {
		it.LastError = cause.Error()
	}
	if it.Attempts >= m.opts.MaxAttempts {
		it.Status = StatusFailed
	} else {
		it.Status = StatusPending
	}
	return nil
}

func (m *Memory) List(_ context.Context) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(m.opts.Now())
	var out []Item
	for _, id := range m.seq {
		if it := m.items[id]; it.Status != StatusDone {
			out = append(out, it.Item)
		}
	}
	return out, nil
}
