// Package episodic implements the experience tier: successful interaction
// episodes indexed by a context fingerprint so agents can recall how similar
// scenarios played out before.
package episodic

import (
	"context"

	"github.com/inflo-ai/relay/internal/types"
)

// Query shapes a similarity search over stored episodes.
type Query struct {
	// Fingerprint is the probe vector. Required.
	Fingerprint []float64

	// ScenarioTag restricts matches to a single scenario when non-empty.
	ScenarioTag string

	// TopK caps the number of matches returned. Zero means 10.
	TopK int

	// MinScore drops matches below this cosine similarity.
	MinScore float64
}

// Match pairs an episode with its similarity to the probe fingerprint.
type Match struct {
	Episode types.Episode
	Score   float64
}

// Store is the episodic tier contract.
type Store interface {
	// Put stores an episode, replacing any previous one with the same id.
	Put(ctx context.Context, episode types.Episode) error

	// Get retrieves an episode by id, returning NOT_FOUND when absent.
	Get(ctx context.Context, id string) (types.Episode, error)

	// Search returns episodes similar to the query fingerprint, ordered by
	// descending similarity.
	Search(ctx context.Context, query Query) ([]Match, error)

	// Count returns the number of stored episodes.
	Count(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}

const defaultTopK = 10
