package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/convobot/core/logger"
)

// MemoryStore keeps sessions in process. It suits tests and single-instance bots.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	ttl      time.Duration
	now      func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore constructs an in-memory Store. A non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[Key]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the stored session, or a fresh idle one if absent or expired.
func (m *MemoryStore) Get(ctx context.Context, key Key) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.sessions[key]
	if !ok {
		return New(key), nil
	}
	if stored.Expired(m.now(), m.ttl) {
		return Fresh(key, stored.Version), nil
	}
	return stored.Clone(), nil
}

// Put stores a copy of sess when the stored version matches expectedVersion.
func (m *MemoryStore) Put(ctx context.Context, key Key, sess *Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if stored, ok := m.sessions[key]; ok {
		current = stored.Version
	}
	if current != expectedVersion {
		return ErrConflict
	}
	sess.Key = key
	sess.Version = expectedVersion + 1
	sess.LastActivity = m.now()
	m.sessions[key] = sess.Clone()
	return nil
}

// Delete removes the session for key.
func (m *MemoryStore) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops expired records and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, s := range m.sessions {
		if s.Expired(now, m.ttl) {
			delete(m.sessions, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
// Lazy expiry in Get keeps behavior correct without it.
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					logger.Debug(ctx, "session", "sweep",
						slog.String("status", "ok"),
						slog.Int("count", n),
					)
				}
			}
		}
	}()
}
