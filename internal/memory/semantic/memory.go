package semantic

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inflo-ai/relay/internal/types"
)

type edgeKey struct {
	from     string
	to       string
	relation string
}

// MemoryGraph is an in-process semantic store. Suitable for a single relay
// instance; the Neo4j backend serves deployments that share the graph.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]types.ConceptNode
	edges map[edgeKey]types.ConceptEdge
	// adjacency holds incident edge keys per node, both directions.
	adjacency map[string][]edgeKey
}

var _ Store = (*MemoryGraph)(nil)

// NewMemoryGraph creates an empty in-memory concept graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		nodes:     make(map[string]types.ConceptNode),
		edges:     make(map[edgeKey]types.ConceptEdge),
		adjacency: make(map[string][]edgeKey),
	}
}

// UpsertNode creates or updates a concept node.
func (g *MemoryGraph) UpsertNode(ctx context.Context, node types.ConceptNode) error {
	if err := node.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nodes[node.Name]
	if ok && node.Category == "" {
		// Keep a known category when the update does not carry one.
		node.Category = existing.Category
	}
	g.nodes[node.Name] = node

	return nil
}

// GetNode retrieves a concept by name.
func (g *MemoryGraph) GetNode(ctx context.Context, name string) (types.ConceptNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[name]
	if !ok {
		return types.ConceptNode{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("concept not found: %s", name))
	}

	return node, nil
}

// UpsertEdge sets an edge to the given strength, creating missing endpoint
// nodes implicitly.
func (g *MemoryGraph) UpsertEdge(ctx context.Context, edge types.ConceptEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.setEdgeLocked(edge)
	return nil
}

// StrengthenEdge folds an observed strength into an edge using exponential
// smoothing. The read-modify-write happens under the graph lock, so
// concurrent consolidation cycles cannot lose updates.
func (g *MemoryGraph) StrengthenEdge(ctx context.Context, edge types.ConceptEdge, smoothing float64) (float64, error) {
	if err := edge.Validate(); err != nil {
		return 0, err
	}
	if smoothing < 0 || smoothing > 1 {
		return 0, types.NewError(types.VALIDATION_ERROR, "smoothing must be within [0, 1]")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := edgeKey{from: edge.FromConcept, to: edge.ToConcept, relation: edge.RelationType}
	if existing, ok := g.edges[key]; ok {
		edge.Strength = smoothing*edge.Strength + (1-smoothing)*existing.Strength
	}
	g.setEdgeLocked(edge)

	return edge.Strength, nil
}

// setEdgeLocked writes an edge and wires endpoints. Callers hold g.mu.
func (g *MemoryGraph) setEdgeLocked(edge types.ConceptEdge) {
	key := edgeKey{from: edge.FromConcept, to: edge.ToConcept, relation: edge.RelationType}

	if _, exists := g.edges[key]; !exists {
		g.adjacency[edge.FromConcept] = append(g.adjacency[edge.FromConcept], key)
		g.adjacency[edge.ToConcept] = append(g.adjacency[edge.ToConcept], key)
	}
	g.edges[key] = edge

	for _, name := range []string{edge.FromConcept, edge.ToConcept} {
		if _, ok := g.nodes[name]; !ok {
			g.nodes[name] = types.ConceptNode{Name: name}
		}
	}
}

// Related walks the graph breadth-first from a concept and returns every
// edge within maxDepth hops.
func (g *MemoryGraph) Related(ctx context.Context, concept string, maxDepth int) ([]Relation, error) {
	if concept == "" {
		return nil, types.NewError(types.VALIDATION_ERROR, "concept name is required")
	}
	if maxDepth < 1 {
		maxDepth = 1
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[concept]; !ok {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("concept not found: %s", concept))
	}

	visited := map[string]bool{concept: true}
	seenEdges := make(map[edgeKey]bool)
	frontier := []string{concept}

	var relations []Relation
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var levelEdges []types.ConceptEdge
		next := make([]string, 0)

		for _, name := range frontier {
			for _, key := range g.adjacency[name] {
				if seenEdges[key] {
					continue
				}
				seenEdges[key] = true
				levelEdges = append(levelEdges, g.edges[key])

				neighbor := key.to
				if neighbor == name {
					neighbor = key.from
				}
				if !visited[neighbor] {
					visited[neighbor] = true
					next = append(next, neighbor)
				}
			}
		}

		// Stronger associations first within a hop.
		sort.SliceStable(levelEdges, func(i, j int) bool {
			return levelEdges[i].Strength > levelEdges[j].Strength
		})
		for _, edge := range levelEdges {
			relations = append(relations, Relation{Edge: edge, Depth: depth})
		}

		frontier = next
	}

	return relations, nil
}

// Close releases the graph maps.
func (g *MemoryGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.edges = nil
	g.adjacency = nil
	return nil
}
