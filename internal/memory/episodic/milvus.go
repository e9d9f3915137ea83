package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	client "github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/inflo-ai/relay/internal/types"
)

const (
	fieldEpisodeID   = "episode_id"
	fieldFingerprint = "fingerprint"
	fieldScenarioTag = "scenario_tag"
	fieldPayload     = "payload"
)

// MilvusStore implements Store on a Milvus collection. The fingerprint is
// indexed with HNSW under the cosine metric; the full episode travels as a
// JSON payload column so reads never need a second store.
type MilvusStore struct {
	client     *client.Client
	collection string
	dims       int

	initOnce sync.Once
	initErr  error
}

var _ Store = (*MilvusStore)(nil)

// NewMilvusStore creates a Milvus-backed episodic store. The client is
// injected so connection lifecycle stays with the caller's composition root.
func NewMilvusStore(c *client.Client, collection string, dims int) *MilvusStore {
	return &MilvusStore{
		client:     c,
		collection: collection,
		dims:       dims,
	}
}

// ensureCollection creates and loads the collection on first use.
func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	s.initOnce.Do(func() {
		has, err := s.client.HasCollection(ctx, client.NewHasCollectionOption(s.collection))
		if err != nil {
			s.initErr = types.WrapRetryableError(types.UNAVAILABLE, "failed to check collection existence", err)
			return
		}

		if !has {
			schema := &entity.Schema{
				CollectionName: s.collection,
				Description:    fmt.Sprintf("relay episodes with %d-dim context fingerprints", s.dims),
				AutoID:         false,
				Fields: []*entity.Field{
					entity.NewField().
						WithName(fieldEpisodeID).
						WithDataType(entity.FieldTypeVarChar).
						WithIsPrimaryKey(true).
						WithMaxLength(64),
					entity.NewField().
						WithName(fieldFingerprint).
						WithDataType(entity.FieldTypeFloatVector).
						WithDim(int64(s.dims)),
					entity.NewField().
						WithName(fieldScenarioTag).
						WithDataType(entity.FieldTypeVarChar).
						WithMaxLength(255),
					entity.NewField().
						WithName(fieldPayload).
						WithDataType(entity.FieldTypeVarChar).
						WithMaxLength(65535),
				},
			}

			indexOpts := []client.CreateIndexOption{
				client.NewCreateIndexOption(s.collection, fieldFingerprint, index.NewHNSWIndex(entity.COSINE, 16, 128)),
				client.NewCreateIndexOption(s.collection, fieldScenarioTag, index.NewAutoIndex(entity.COSINE)),
			}

			if err := s.client.CreateCollection(ctx, client.NewCreateCollectionOption(s.collection, schema).WithIndexOptions(indexOpts...)); err != nil {
				s.initErr = types.WrapRetryableError(types.UNAVAILABLE, "failed to create collection", err)
				return
			}
		}

		loadTask, err := s.client.LoadCollection(ctx, client.NewLoadCollectionOption(s.collection))
		if err != nil {
			s.initErr = types.WrapRetryableError(types.UNAVAILABLE, "failed to load collection", err)
			return
		}
		if err := loadTask.Await(ctx); err != nil {
			s.initErr = types.WrapRetryableError(types.UNAVAILABLE, "failed to await collection load", err)
			return
		}
	})

	return s.initErr
}

// Put stores an episode, replacing any previous one with the same id.
func (s *MilvusStore) Put(ctx context.Context, episode types.Episode) error {
	if err := episode.Validate(); err != nil {
		return err
	}
	if len(episode.ContextFingerprint) != s.dims {
		return types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("fingerprint dimensions mismatch: expected %d, got %d", s.dims, len(episode.ContextFingerprint)))
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(episode)
	if err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "failed to encode episode", err)
	}

	opt := client.NewColumnBasedInsertOption(s.collection).
		WithVarcharColumn(fieldEpisodeID, []string{episode.EpisodeID.String()}).
		WithFloatVectorColumn(fieldFingerprint, s.dims, [][]float32{toFloat32(episode.ContextFingerprint)}).
		WithVarcharColumn(fieldScenarioTag, []string{episode.ScenarioTag}).
		WithVarcharColumn(fieldPayload, []string{string(payload)})

	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "milvus upsert failed", err)
	}

	return nil
}

// Get retrieves an episode by id.
func (s *MilvusStore) Get(ctx context.Context, id string) (types.Episode, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return types.Episode{}, err
	}

	queryOpt := client.NewQueryOption(s.collection).
		WithFilter(fmt.Sprintf("%s == {id}", fieldEpisodeID)).
		WithTemplateParam("id", id).
		WithOutputFields(fieldPayload).
		WithLimit(1)

	resultSet, err := s.client.Query(ctx, queryOpt)
	if err != nil {
		return types.Episode{}, types.WrapRetryableError(types.UNAVAILABLE, "milvus query failed", err)
	}
	if resultSet.ResultCount == 0 {
		return types.Episode{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("episode not found: %s", id))
	}

	column := resultSet.GetColumn(fieldPayload)
	if column == nil || column.Len() == 0 {
		return types.Episode{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("episode not found: %s", id))
	}

	raw, err := column.GetAsString(0)
	if err != nil {
		return types.Episode{}, types.WrapError(types.INTERNAL_ERROR, "failed to read payload column", err)
	}

	var episode types.Episode
	if err := json.Unmarshal([]byte(raw), &episode); err != nil {
		return types.Episode{}, types.WrapError(types.INTERNAL_ERROR, "failed to decode episode", err)
	}

	return episode, nil
}

// Search returns episodes similar to the query fingerprint, ordered by
// descending cosine similarity.
func (s *MilvusStore) Search(ctx context.Context, query Query) ([]Match, error) {
	if len(query.Fingerprint) == 0 {
		return nil, types.NewError(types.VALIDATION_ERROR, "query fingerprint is required")
	}
	if len(query.Fingerprint) != s.dims {
		return nil, types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("query fingerprint dimensions mismatch: expected %d, got %d", s.dims, len(query.Fingerprint)))
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	topK := query.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	searchOpt := client.NewSearchOption(s.collection, topK, []entity.Vector{entity.FloatVector(toFloat32(query.Fingerprint))})
	searchOpt.WithANNSField(fieldFingerprint)
	searchOpt.WithOutputFields(fieldPayload)

	if query.MinScore > 0 {
		ann := index.NewCustomAnnParam()
		ann.WithRadius(query.MinScore)
		searchOpt.WithAnnParam(&ann)
	}
	if query.ScenarioTag != "" {
		searchOpt.WithFilter(fmt.Sprintf("%s == {tag}", fieldScenarioTag))
		searchOpt.WithTemplateParam("tag", query.ScenarioTag)
	}

	resultSets, err := s.client.Search(ctx, searchOpt)
	if err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "milvus search failed", err)
	}
	if len(resultSets) == 0 {
		return nil, nil
	}

	set := resultSets[0]
	column := set.GetColumn(fieldPayload)
	if column == nil {
		return nil, nil
	}

	matches := make([]Match, 0, column.Len())
	for i := 0; i < column.Len(); i++ {
		raw, err := column.GetAsString(i)
		if err != nil {
			return nil, types.WrapError(types.INTERNAL_ERROR, "failed to read payload column", err)
		}

		var episode types.Episode
		if err := json.Unmarshal([]byte(raw), &episode); err != nil {
			return nil, types.WrapError(types.INTERNAL_ERROR, "failed to decode episode", err)
		}

		score := 0.0
		if i < len(set.Scores) {
			score = float64(set.Scores[i])
		}
		if score < query.MinScore {
			continue
		}

		matches = append(matches, Match{Episode: episode, Score: score})
	}

	return matches, nil
}

// Count returns the number of stored episodes.
func (s *MilvusStore) Count(ctx context.Context) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}

	queryOpt := client.NewQueryOption(s.collection).
		WithFilter(fmt.Sprintf("%s != ''", fieldEpisodeID)).
		WithOutputFields(fieldEpisodeID)

	resultSet, err := s.client.Query(ctx, queryOpt)
	if err != nil {
		return 0, types.WrapRetryableError(types.UNAVAILABLE, "milvus query failed", err)
	}

	return resultSet.ResultCount, nil
}

// Close releases the Milvus connection.
func (s *MilvusStore) Close() error {
	return s.client.Close(context.Background())
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
