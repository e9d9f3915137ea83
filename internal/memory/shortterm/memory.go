package shortterm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inflo-ai/relay/internal/types"
)

// MemoryStore implements Store with an in-process map. Expired entries are
// dropped lazily on access and swept by a background janitor so an idle
// store does not grow without bound.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]types.MemoryRecord

	now     func() time.Time
	stopCh  chan struct{}
	stopped sync.Once
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory short-term store. cleanupInterval
// controls how often the janitor sweeps expired entries; zero or negative
// defaults to one minute.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryStore{
		entries: make(map[string]types.MemoryRecord),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go s.janitor(cleanupInterval)

	return s
}

// Put stores a record under its key, replacing any previous value.
func (s *MemoryStore) Put(ctx context.Context, record types.MemoryRecord) error {
	if record.Key == "" {
		return types.NewError(types.VALIDATION_ERROR, "record key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[record.Key] = record

	return nil
}

// Get retrieves a live record. An expired entry is purged and reported as
// NOT_FOUND, matching the behavior for a key that never existed.
func (s *MemoryStore) Get(ctx context.Context, key string) (types.MemoryRecord, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.entries[key]
	if !ok {
		return types.MemoryRecord{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("short-term key not found: %s", key))
	}
	if record.Expired(now) {
		delete(s.entries, key)
		return types.MemoryRecord{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("short-term key not found: %s", key))
	}

	record.LastAccessedAt = now
	s.entries[key] = record

	return record, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// List returns all live records in no particular order.
func (s *MemoryStore) List(ctx context.Context) ([]types.MemoryRecord, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]types.MemoryRecord, 0, len(s.entries))
	for _, record := range s.entries {
		if record.Expired(now) {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// Close stops the janitor. The store remains usable but no longer sweeps.
func (s *MemoryStore) Close() error {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// janitor periodically removes expired entries.
func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, record := range s.entries {
		if record.Expired(now) {
			delete(s.entries, key)
		}
	}
}
