// Package longterm implements the durable profile tier: one aggregate per
// lead, grown by consolidation and queried by campaign tooling through
// structured predicates.
package longterm

import (
	"context"
	"time"

	"github.com/inflo-ai/relay/internal/types"
)

// Criteria shapes a predicate query over stored profiles. Zero-valued
// fields are ignored; results always come back most recently updated first.
type Criteria struct {
	// LeadIDs restricts matches to the given leads when non-empty.
	LeadIDs []string

	// MinEngagement drops profiles scoring below this value.
	MinEngagement float64

	// UpdatedSince drops profiles not touched at or after this instant.
	UpdatedSince time.Time

	// Limit caps the number of profiles returned. Zero means 50.
	Limit int
}

// Record pairs a profile with its storage timestamps.
type Record struct {
	Profile   types.LeadProfile
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the long-term tier contract.
type Store interface {
	// Put stores a profile, replacing any previous one for the same lead.
	Put(ctx context.Context, profile types.LeadProfile) error

	// Get retrieves a profile by lead id, returning NOT_FOUND when absent.
	Get(ctx context.Context, leadID string) (Record, error)

	// Query returns profiles matching the criteria ordered by recency of
	// their last update.
	Query(ctx context.Context, criteria Criteria) ([]Record, error)

	// Close releases resources held by the store.
	Close() error
}

const defaultQueryLimit = 50
