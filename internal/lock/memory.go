package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	owner   string
	expires time.Time
}

// Memory is a process-local Locker.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	owner  string
	now    func() time.Time
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-process locker using now as its clock.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{leases: make(map[string]lease), owner: newOwner(), now: now}
}

func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	m.leases[key] = lease{owner: m.owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.owner == m.owner {
		delete(m.leases, key)
	}
	return nil
}
