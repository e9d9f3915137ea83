package locking

import (
	"context"
	"sync"
)

// KeyedMutex serializes access per logical key while letting unrelated keys
// proceed fully in parallel. The coordinator and the consolidation engine
// share one instance keyed by lead id, which is what keeps consolidation for
// a lead from overlapping an in-flight handoff for the same lead.
//
// Lock acquisition order defines arrival order for writes to the same key.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex registry.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		slots: make(map[string]*slot),
	}
}

// Lock acquires the mutex for key, blocking until it is available or ctx is
// done. On success it returns a release function that is safe to call more
// than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := m.acquireSlot(key)

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				m.releaseSlot(key, s)
			})
		}, nil
	case <-ctx.Done():
		m.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key without blocking. It returns a release
// function and true on success, or nil and false when the key is held.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	s := m.acquireSlot(key)

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				m.releaseSlot(key, s)
			})
		}, true
	default:
		m.releaseSlot(key, s)
		return nil, false
	}
}

// acquireSlot returns the slot for key, creating it on first use. The ref
// count covers both holders and waiters so the slot is not removed while
// anyone still references it.
func (m *KeyedMutex) acquireSlot(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *KeyedMutex) releaseSlot(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
