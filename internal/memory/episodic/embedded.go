package episodic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/inflo-ai/relay/internal/types"
)

// EmbeddedStore is an in-memory episodic store. It uses brute-force search
// with cosine similarity, suitable for development and small-to-medium
// datasets. For larger deployments use the Milvus backend.
type EmbeddedStore struct {
	mu       sync.RWMutex
	episodes map[string]types.Episode
	dims     int
}

var _ Store = (*EmbeddedStore)(nil)

// NewEmbeddedStore creates a new in-memory episodic store. dims specifies
// the expected fingerprint dimensionality.
func NewEmbeddedStore(dims int) *EmbeddedStore {
	return &EmbeddedStore{
		episodes: make(map[string]types.Episode),
		dims:     dims,
	}
}

// Put stores an episode, replacing any previous one with the same id.
func (s *EmbeddedStore) Put(ctx context.Context, episode types.Episode) error {
	if err := episode.Validate(); err != nil {
		return err
	}
	if len(episode.ContextFingerprint) != s.dims {
		return types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("fingerprint dimensions mismatch: expected %d, got %d", s.dims, len(episode.ContextFingerprint)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.episodes[episode.EpisodeID.String()] = episode
	return nil
}

// Get retrieves an episode by id.
func (s *EmbeddedStore) Get(ctx context.Context, id string) (types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episode, exists := s.episodes[id]
	if !exists {
		return types.Episode{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("episode not found: %s", id))
	}

	return episode, nil
}

// Search finds similar episodes by fingerprint using brute-force scan.
// Results are sorted by descending cosine similarity and capped at TopK.
func (s *EmbeddedStore) Search(ctx context.Context, query Query) ([]Match, error) {
	if len(query.Fingerprint) == 0 {
		return nil, types.NewError(types.VALIDATION_ERROR, "query fingerprint is required")
	}
	if len(query.Fingerprint) != s.dims {
		return nil, types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("query fingerprint dimensions mismatch: expected %d, got %d", s.dims, len(query.Fingerprint)))
	}

	topK := query.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.episodes))
	for _, episode := range s.episodes {
		if query.ScenarioTag != "" && episode.ScenarioTag != query.ScenarioTag {
			continue
		}

		score := cosineSimilarity(query.Fingerprint, episode.ContextFingerprint)
		if score >= query.MinScore {
			matches = append(matches, Match{Episode: episode, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}

	return matches, nil
}

// Count returns the number of stored episodes.
func (s *EmbeddedStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes), nil
}

// Close releases the episode map.
func (s *EmbeddedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes = nil
	return nil
}

// cosineSimilarity computes the cosine similarity between two fingerprints.
//
// Formula: similarity = (a · b) / (||a|| * ||b||)
// where · is dot product and ||x|| is the L2 norm (Euclidean length).
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64

	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	// Handle zero vectors
	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
