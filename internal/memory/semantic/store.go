// Package semantic implements the concept graph tier: domain concepts and
// weighted relationships between them, grown by consolidation and queried
// through bounded traversal.
package semantic

import (
	"context"

	"github.com/inflo-ai/relay/internal/types"
)

// Relation is one edge discovered during traversal, annotated with the hop
// count at which it was first reached.
type Relation struct {
	Edge  types.ConceptEdge
	Depth int
}

// Store is the semantic tier contract.
type Store interface {
	// UpsertNode creates or updates a concept node.
	UpsertNode(ctx context.Context, node types.ConceptNode) error

	// GetNode retrieves a concept by name, returning NOT_FOUND when absent.
	GetNode(ctx context.Context, name string) (types.ConceptNode, error)

	// UpsertEdge sets an edge to the given strength, creating missing
	// endpoint nodes implicitly.
	UpsertEdge(ctx context.Context, edge types.ConceptEdge) error

	// StrengthenEdge folds an observed strength into an edge using
	// exponential smoothing: new = smoothing*observed + (1-smoothing)*old.
	// A missing edge is created at the observed strength. Returns the
	// resulting strength.
	StrengthenEdge(ctx context.Context, edge types.ConceptEdge, smoothing float64) (float64, error)

	// Related traverses the graph outward from a concept, treating edges as
	// bidirectional, and returns every edge reachable within maxDepth hops.
	// Results come back in breadth-first order; within a hop, stronger
	// edges first.
	Related(ctx context.Context, concept string, maxDepth int) ([]Relation, error)

	// Close releases resources held by the store.
	Close() error
}
