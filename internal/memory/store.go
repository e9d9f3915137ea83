package memory

import (
	"time"

	"github.com/inflo-ai/relay/internal/types"
)

// Criteria shapes a tier query. Each tier reads the fields relevant to it
// and ignores the rest; Limit applies everywhere.
type Criteria struct {
	// KeyPrefix restricts short-term results to keys with this prefix.
	KeyPrefix string

	// LeadIDs, MinEngagement, and UpdatedSince filter long-term profiles.
	LeadIDs       []string
	MinEngagement float64
	UpdatedSince  time.Time

	// Fingerprint is the episodic probe vector; required for episodic
	// queries. ScenarioTag narrows matches, MinScore overrides the
	// configured similarity floor.
	Fingerprint []float64
	ScenarioTag string
	MinScore    float64

	// Concept is the semantic traversal origin; required for semantic
	// queries. MaxDepth overrides the configured traversal depth.
	Concept  string
	MaxDepth int

	// Limit caps the number of records yielded. Zero means tier default.
	Limit int
}

// Sequence is a lazy stream of memory records in tier-relevance order:
// recency for short- and long-term, similarity for episodic, traversal
// depth for semantic. Iterating re-runs the underlying query, so a
// sequence can be ranged over more than once and always reflects current
// store state. A failed fetch yields exactly one element carrying the
// error.
type Sequence func(yield func(types.MemoryRecord, error) bool)

// Collect drains the sequence into a slice, stopping at the first error.
func (s Sequence) Collect() ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	var failure error
	s(func(record types.MemoryRecord, err error) bool {
		if err != nil {
			failure = err
			return false
		}
		records = append(records, record)
		return true
	})
	return records, failure
}

// PutOptions carries per-write settings.
type PutOptions struct {
	// TTL bounds a short-term record's lifetime. Required for the
	// short-term tier, rejected elsewhere.
	TTL time.Duration

	// Tags are attached to the stored record verbatim.
	Tags []string
}
