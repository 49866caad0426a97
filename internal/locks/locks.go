// Package locks provides short-lived exclusive leases keyed by message
// identity. A lease keeps two workers off the same message; the durable
// guard is still the processing record.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrHeld = errors.New("lease held by another worker")

// Locker hands out leases. Release is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.held[key]; ok && now.Before(exp) {
		return nil, ErrHeld
	}
	exp := now.Add(ttl)
	m.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// Only drop our own lease, not one re-acquired after expiry.
			if m.held[key].Equal(exp) {
				delete(m.held, key)
			}
		})
	}, nil
}

// Held lists keys with a live lease.
func (m *Memory) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, exp := range m.held {
		if now.Before(exp) {
			keys = append(keys, k)
		}
	}
	return keys
}
