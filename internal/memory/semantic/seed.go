package semantic

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inflo-ai/relay/internal/types"
)

// SeedGraph is the YAML shape of a bootstrap concept graph.
type SeedGraph struct {
	Concepts []SeedConcept `yaml:"concepts"`
	Edges    []SeedEdge    `yaml:"edges"`
}

// SeedConcept is one node in the seed file.
type SeedConcept struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// SeedEdge is one relationship in the seed file.
type SeedEdge struct {
	From     string  `yaml:"from"`
	To       string  `yaml:"to"`
	Relation string  `yaml:"relation"`
	Strength float64 `yaml:"strength"`
}

// LoadSeedFile parses a seed graph from a YAML file.
func LoadSeedFile(path string) (*SeedGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
			fmt.Sprintf("failed to read seed graph %s", path), err)
	}

	var seed SeedGraph
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
			fmt.Sprintf("failed to parse seed graph %s", path), err)
	}

	return &seed, nil
}

// Apply loads the seed into a store. Existing edges are upserted to the
// seed strength, so repeated startup runs converge instead of drifting:
// seeding declares a baseline, it does not accumulate evidence.
func (s *SeedGraph) Apply(ctx context.Context, store Store) error {
	for _, concept := range s.Concepts {
		node := types.ConceptNode{Name: concept.Name, Category: concept.Category}
		if err := store.UpsertNode(ctx, node); err != nil {
			return types.WrapError(types.CodeOf(err),
				fmt.Sprintf("failed to seed concept %q", concept.Name), err)
		}
	}

	for _, edge := range s.Edges {
		conceptEdge := types.ConceptEdge{
			FromConcept:  edge.From,
			ToConcept:    edge.To,
			RelationType: edge.Relation,
			Strength:     edge.Strength,
		}
		if err := store.UpsertEdge(ctx, conceptEdge); err != nil {
			return types.WrapError(types.CodeOf(err),
				fmt.Sprintf("failed to seed edge %q -> %q", edge.From, edge.To), err)
		}
	}

	return nil
}
