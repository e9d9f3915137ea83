package semantic

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v6/neo4j"

	"github.com/inflo-ai/relay/internal/types"
)

// Neo4jGraph implements Store on Neo4j. Concepts are :Concept nodes keyed by
// name; relationships use a single :RELATED type with the domain relation
// carried as a property, since Cypher cannot parameterize relationship types.
type Neo4jGraph struct {
	driver   neo4j.Driver
	database string
}

var _ Store = (*Neo4jGraph)(nil)

// NewNeo4jGraph creates a Neo4j-backed semantic store. The driver is injected
// so connection lifecycle stays with the caller's composition root.
func NewNeo4jGraph(driver neo4j.Driver, database string) *Neo4jGraph {
	return &Neo4jGraph{
		driver:   driver,
		database: database,
	}
}

func (g *Neo4jGraph) session(ctx context.Context, mode neo4j.AccessMode) neo4j.Session {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: g.database,
	})
}

// UpsertNode creates or updates a concept node.
func (g *Neo4jGraph) UpsertNode(ctx context.Context, node types.ConceptNode) error {
	if err := node.Validate(); err != nil {
		return err
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MERGE (c:Concept {name: $name})
			SET c.category = $category
		`
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"name":     node.Name,
			"category": node.Category,
		})
		return nil, err
	})
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to upsert concept", err)
	}

	return nil
}

// GetNode retrieves a concept by name.
func (g *Neo4jGraph) GetNode(ctx context.Context, name string) (types.ConceptNode, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `MATCH (c:Concept {name: $name}) RETURN c`
		res, err := tx.Run(ctx, query, map[string]interface{}{"name": name})
		if err != nil {
			return nil, err
		}

		if !res.Next(ctx) {
			return nil, nil
		}

		record := res.Record()
		value, _ := record.Get("c")
		node := value.(neo4j.Node)

		concept := types.ConceptNode{Name: name}
		if category, ok := node.Props["category"].(string); ok {
			concept.Category = category
		}
		return &concept, nil
	})
	if err != nil {
		return types.ConceptNode{}, types.WrapRetryableError(types.UNAVAILABLE, "failed to read concept", err)
	}
	if result == nil {
		return types.ConceptNode{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("concept not found: %s", name))
	}

	return *result.(*types.ConceptNode), nil
}

// UpsertEdge sets an edge to the given strength, creating missing endpoint
// nodes implicitly.
func (g *Neo4jGraph) UpsertEdge(ctx context.Context, edge types.ConceptEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MERGE (a:Concept {name: $from})
			MERGE (b:Concept {name: $to})
			MERGE (a)-[r:RELATED {type: $relation}]->(b)
			SET r.strength = $strength
		`
		_, err := tx.Run(ctx, query, map[string]interface{}{
			"from":     edge.FromConcept,
			"to":       edge.ToConcept,
			"relation": edge.RelationType,
			"strength": edge.Strength,
		})
		return nil, err
	})
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to upsert edge", err)
	}

	return nil
}

// StrengthenEdge folds an observed strength into an edge using exponential
// smoothing inside a single write transaction.
func (g *Neo4jGraph) StrengthenEdge(ctx context.Context, edge types.ConceptEdge, smoothing float64) (float64, error) {
	if err := edge.Validate(); err != nil {
		return 0, err
	}
	if smoothing < 0 || smoothing > 1 {
		return 0, types.NewError(types.VALIDATION_ERROR, "smoothing must be within [0, 1]")
	}

	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		query := `
			MERGE (a:Concept {name: $from})
			MERGE (b:Concept {name: $to})
			MERGE (a)-[r:RELATED {type: $relation}]->(b)
			ON CREATE SET r.strength = $observed
			ON MATCH SET r.strength = $smoothing * $observed + (1 - $smoothing) * r.strength
			RETURN r.strength AS strength
		`
		res, err := tx.Run(ctx, query, map[string]interface{}{
			"from":      edge.FromConcept,
			"to":        edge.ToConcept,
			"relation":  edge.RelationType,
			"observed":  edge.Strength,
			"smoothing": smoothing,
		})
		if err != nil {
			return nil, err
		}

		if !res.Next(ctx) {
			return nil, fmt.Errorf("strengthen returned no row")
		}
		strength, _ := res.Record().Get("strength")
		return strength, nil
	})
	if err != nil {
		return 0, types.WrapRetryableError(types.UNAVAILABLE, "failed to strengthen edge", err)
	}

	strength, ok := result.(float64)
	if !ok {
		return 0, types.NewError(types.INTERNAL_ERROR, "unexpected strength type from query")
	}

	return strength, nil
}

// Related walks the graph breadth-first from a concept, one query per hop,
// and returns every edge within maxDepth hops.
func (g *Neo4jGraph) Related(ctx context.Context, concept string, maxDepth int) ([]Relation, error) {
	if concept == "" {
		return nil, types.NewError(types.VALIDATION_ERROR, "concept name is required")
	}
	if maxDepth < 1 {
		maxDepth = 1
	}

	if _, err := g.GetNode(ctx, concept); err != nil {
		return nil, err
	}

	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	type row struct {
		from     string
		to       string
		relation string
		strength float64
	}

	visited := map[string]bool{concept: true}
	seen := make(map[string]bool)
	frontier := []string{concept}

	var relations []Relation
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
			query := `
				MATCH (s:Concept)-[r:RELATED]-(t:Concept)
				WHERE s.name IN $frontier
				RETURN DISTINCT startNode(r).name AS from, endNode(r).name AS to,
					r.type AS relation, r.strength AS strength
				ORDER BY strength DESC
			`
			res, err := tx.Run(ctx, query, map[string]interface{}{"frontier": frontier})
			if err != nil {
				return nil, err
			}

			var rows []row
			for res.Next(ctx) {
				record := res.Record()
				from, _ := record.Get("from")
				to, _ := record.Get("to")
				relation, _ := record.Get("relation")
				strength, _ := record.Get("strength")

				r := row{
					from:     from.(string),
					to:       to.(string),
					relation: relation.(string),
				}
				if s, ok := strength.(float64); ok {
					r.strength = s
				}
				rows = append(rows, r)
			}
			return rows, nil
		})
		if err != nil {
			return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to traverse graph", err)
		}

		next := make([]string, 0)
		for _, r := range result.([]row) {
			key := r.from + "\x00" + r.to + "\x00" + r.relation
			if seen[key] {
				continue
			}
			seen[key] = true

			relations = append(relations, Relation{
				Edge: types.ConceptEdge{
					FromConcept:  r.from,
					ToConcept:    r.to,
					RelationType: r.relation,
					Strength:     r.strength,
				},
				Depth: depth,
			})

			for _, endpoint := range []string{r.from, r.to} {
				if !visited[endpoint] {
					visited[endpoint] = true
					next = append(next, endpoint)
				}
			}
		}

		frontier = next
	}

	return relations, nil
}

// Close closes the underlying driver.
func (g *Neo4jGraph) Close() error {
	return g.driver.Close(context.Background())
}
