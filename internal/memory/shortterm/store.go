// Package shortterm implements the TTL-bounded working tier. Conversation
// context lives here while a lead is active and silently ages out when the
// conversation goes quiet.
package shortterm

import (
	"context"

	"github.com/inflo-ai/relay/internal/types"
)

// Store is the short-term tier contract. Keys are conversation ids; values
// expire after their TTL and an expired key is indistinguishable from a
// missing one.
type Store interface {
	// Put stores a record under its key, replacing any previous value.
	// The record's ExpiresAt must already be resolved by the caller.
	Put(ctx context.Context, record types.MemoryRecord) error

	// Get retrieves a live record by key. Expired or missing keys return
	// a NOT_FOUND error.
	Get(ctx context.Context, key string) (types.MemoryRecord, error)

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live records in no particular order.
	List(ctx context.Context) ([]types.MemoryRecord, error)

	// Close releases any background resources held by the store.
	Close() error
}
