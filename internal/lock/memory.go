package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token   string
	expires time.Time
}

// Memory is a process-local Locker.
type Memory struct {
	MaxWait time.Duration
	Now     func() time.Time

	mu   sync.Mutex
	held map[string]lease
}

// NewMemory creates a Memory locker that retries for at most maxWait.
func NewMemory(maxWait time.Duration) *Memory {
	return &Memory{MaxWait: maxWait, held: make(map[string]lease)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token, err := acquire(ctx, m.MaxWait, func(token string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held == nil {
			m.held = make(map[string]lease)
		}
		now := m.now()
		if l, ok := m.held[key]; ok && now.Before(l.expires) {
			return errHeld
		}
		m.held[key] = lease{token: token, expires: now.Add(ttl)}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.held[key]; ok && l.token == token {
				delete(m.held, key)
			}
		})
	}, nil
}
