package memory

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/database"
	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/memory/shortterm"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
)

const testDimension = 64

func testLogger() *observability.TracedLogger {
	handler := observability.NewTextHandler(io.Discard, slog.LevelError)
	return observability.NewTracedLogger(handler, "relay-test", "memory")
}

func newTestManager(t *testing.T) *DefaultManager {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	stores := consolidate.Stores{
		ShortTerm: shortterm.NewMemoryStore(0),
		LongTerm:  longterm.NewSQLiteStore(db),
		Episodic:  episodic.NewEmbeddedStore(testDimension),
		Semantic:  semantic.NewMemoryGraph(),
	}
	locks := locking.NewKeyedMutex()
	config := consolidate.DefaultConfig()
	config.FingerprintDimension = testDimension
	engine := consolidate.NewEngine(stores, locks, testLogger(), config)

	manager := NewManager(stores, engine, locks, testLogger(), Options{})
	t.Cleanup(func() { manager.Close() })
	return manager
}

func conversationPayload(leadID, convID string, interactions int, outcome float64) types.Payload {
	return types.Payload{
		Kind: types.KindConversationContext,
		Conversation: &types.ConversationContext{
			LeadID:           leadID,
			ConversationID:   convID,
			CurrentAgent:     "triage-1",
			InteractionCount: interactions,
			LastOutcomeScore: outcome,
			Attributes: types.LeadAttributes{
				Source:         "website",
				TriageCategory: types.TriageCampaignQualified,
				Industry:       "technology",
				Interests:      []string{"analytics"},
				DealSize:       5000,
			},
			History: []types.LeadEvent{
				{EventID: types.NewID(), Type: types.EventAgentAction, Actor: "triage-1", Action: "send_intro_email", Timestamp: time.Now()},
			},
		},
	}
}

func profilePayload(leadID string) types.Payload {
	return types.Payload{
		Kind: types.KindLeadProfile,
		Profile: &types.LeadProfile{
			LeadID:            leadID,
			EngagementScore:   0.5,
			TotalInteractions: 3,
			AvgOutcomeScore:   0.6,
			LastInteractionAt: time.Now().UTC(),
		},
	}
}

func episodePayload(id types.ID, tag string) types.Payload {
	fp := make([]float64, testDimension)
	fp[0] = 1
	return types.Payload{
		Kind: types.KindEpisode,
		Episode: &types.Episode{
			EpisodeID:          id,
			ScenarioTag:        tag,
			ContextFingerprint: fp,
			ActionSequence:     []string{"send_intro_email"},
			OutcomeScore:       0.9,
		},
	}
}

func TestManagerPut_Validation(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		tier    types.Tier
		key     string
		payload types.Payload
		opts    PutOptions
		wantMsg string
	}{
		{
			name:    "unknown tier",
			tier:    types.Tier("archival"),
			key:     "k",
			payload: conversationPayload("lead-1", "conv-1", 1, 0.5),
			opts:    PutOptions{TTL: time.Minute},
			wantMsg: "unknown memory tier",
		},
		{
			name:    "kind not storable in tier",
			tier:    types.TierLongTerm,
			key:     "conv-1",
			payload: conversationPayload("lead-1", "conv-1", 1, 0.5),
			wantMsg: "not storable",
		},
		{
			name:    "short-term without ttl",
			tier:    types.TierShortTerm,
			key:     "conv-1",
			payload: conversationPayload("lead-1", "conv-1", 1, 0.5),
			wantMsg: "require a TTL",
		},
		{
			name:    "ttl on long-term",
			tier:    types.TierLongTerm,
			key:     "lead-1",
			payload: profilePayload("lead-1"),
			opts:    PutOptions{TTL: time.Minute},
			wantMsg: "never expire",
		},
		{
			name:    "key does not match identity",
			tier:    types.TierShortTerm,
			key:     "conv-other",
			payload: conversationPayload("lead-1", "conv-1", 1, 0.5),
			opts:    PutOptions{TTL: time.Minute},
			wantMsg: "does not match payload identity",
		},
		{
			name: "malformed payload",
			tier: types.TierShortTerm,
			key:  "conv-1",
			payload: types.Payload{
				Kind:         types.KindConversationContext,
				Conversation: &types.ConversationContext{ConversationID: "conv-1"},
			},
			opts:    PutOptions{TTL: time.Minute},
			wantMsg: "lead_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.Put(ctx, tt.tier, tt.key, tt.payload, tt.opts)
			require.Error(t, err)
			assert.Equal(t, types.VALIDATION_ERROR, types.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestManagerPutGet_ShortTerm(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	payload := conversationPayload("lead-1", "conv-1", 3, 0.7)
	require.NoError(t, manager.Put(ctx, types.TierShortTerm, "conv-1", payload, PutOptions{TTL: time.Hour}))

	record, err := manager.Get(ctx, types.TierShortTerm, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierShortTerm, record.Tier)
	assert.Equal(t, "conv-1", record.Key)
	require.NotNil(t, record.Payload.Conversation)
	assert.Equal(t, "lead-1", record.Payload.Conversation.LeadID)
	require.NotNil(t, record.ExpiresAt)
	assert.True(t, record.ExpiresAt.After(time.Now()))
}

func TestManagerPut_DerivesKeyFromPayload(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	payload := conversationPayload("lead-1", "conv-derived", 1, 0.5)
	require.NoError(t, manager.Put(ctx, types.TierShortTerm, "", payload, PutOptions{TTL: time.Hour}))

	_, err := manager.Get(ctx, types.TierShortTerm, "conv-derived")
	require.NoError(t, err)
}

func TestManagerGet_ExpiredShortTermIsNotFound(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	payload := conversationPayload("lead-1", "conv-ttl", 1, 0.5)
	require.NoError(t, manager.Put(ctx, types.TierShortTerm, "conv-ttl", payload, PutOptions{TTL: 10 * time.Millisecond}))

	require.Eventually(t, func() bool {
		_, err := manager.Get(ctx, types.TierShortTerm, "conv-ttl")
		return types.CodeOf(err) == types.NOT_FOUND
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManagerPutGet_LongTerm(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.Put(ctx, types.TierLongTerm, "lead-1", profilePayload("lead-1"), PutOptions{}))

	record, err := manager.Get(ctx, types.TierLongTerm, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", record.Key)
	require.NotNil(t, record.Payload.Profile)
	assert.Equal(t, 0.5, record.Payload.Profile.EngagementScore)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestManagerPutGet_Episodic(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	id := types.NewID()
	require.NoError(t, manager.Put(ctx, types.TierEpisodic, "", episodePayload(id, "demo_request"), PutOptions{}))

	record, err := manager.Get(ctx, types.TierEpisodic, id.String())
	require.NoError(t, err)
	assert.Equal(t, id.String(), record.Key)
	require.NotNil(t, record.Payload.Episode)
	assert.Equal(t, "demo_request", record.Payload.Episode.ScenarioTag)
	assert.False(t, record.Payload.Episode.CreatedAt.IsZero())
}

func TestManagerPut_EpisodeAdoptsKeyAsID(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	key := types.NewID().String()
	require.NoError(t, manager.Put(ctx, types.TierEpisodic, key, episodePayload("", "demo_request"), PutOptions{}))

	record, err := manager.Get(ctx, types.TierEpisodic, key)
	require.NoError(t, err)
	assert.Equal(t, key, record.Payload.Episode.EpisodeID.String())
}

func TestManagerPut_EpisodeWithoutIDOrKeyRejected(t *testing.T) {
	manager := newTestManager(t)

	err := manager.Put(context.Background(), types.TierEpisodic, "", episodePayload("", "demo_request"), PutOptions{})
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_ERROR, types.CodeOf(err))
}

func TestManagerPutGet_Semantic(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	node := types.Payload{
		Kind: types.KindConceptNode,
		Node: &types.ConceptNode{Name: "website", Category: "source"},
	}
	require.NoError(t, manager.Put(ctx, types.TierSemantic, "", node, PutOptions{}))

	edge := types.Payload{
		Kind: types.KindConceptEdge,
		Edge: &types.ConceptEdge{FromConcept: "website", ToConcept: "campaign_qualified", RelationType: "related_to", Strength: 0.8},
	}
	require.NoError(t, manager.Put(ctx, types.TierSemantic, "website->campaign_qualified", edge, PutOptions{}))

	record, err := manager.Get(ctx, types.TierSemantic, "website")
	require.NoError(t, err)
	require.NotNil(t, record.Payload.Node)
	assert.Equal(t, "source", record.Payload.Node.Category)
}

func TestManagerGet_Missing(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	for _, tier := range []types.Tier{types.TierShortTerm, types.TierLongTerm, types.TierSemantic} {
		_, err := manager.Get(ctx, tier, "absent")
		assert.Equal(t, types.NOT_FOUND, types.CodeOf(err), "tier %s", tier)
	}

	_, err := manager.Get(ctx, types.TierEpisodic, types.NewID().String())
	assert.Equal(t, types.NOT_FOUND, types.CodeOf(err))
}

func TestManagerQuery_ShortTermPrefixAndOrder(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	for i, convID := range []string{"conv-a", "conv-b", "conv-c"} {
		payload := conversationPayload("lead-1", convID, i+1, 0.5)
		require.NoError(t, manager.Put(ctx, types.TierShortTerm, convID, payload, PutOptions{TTL: time.Hour}))
		time.Sleep(5 * time.Millisecond)
	}
	other := conversationPayload("lead-2", "other-1", 1, 0.5)
	require.NoError(t, manager.Put(ctx, types.TierShortTerm, "other-1", other, PutOptions{TTL: time.Hour}))

	records, err := manager.Query(ctx, types.TierShortTerm, Criteria{KeyPrefix: "conv-"}).Collect()
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Most recently written first.
	assert.Equal(t, "conv-c", records[0].Key)
	assert.Equal(t, "conv-a", records[2].Key)

	limited, err := manager.Query(ctx, types.TierShortTerm, Criteria{KeyPrefix: "conv-", Limit: 1}).Collect()
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "conv-c", limited[0].Key)
}

func TestManagerQuery_LongTermFilters(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	engaged := profilePayload("lead-hot")
	engaged.Profile.EngagementScore = 0.9
	require.NoError(t, manager.Put(ctx, types.TierLongTerm, "lead-hot", engaged, PutOptions{}))

	cold := profilePayload("lead-cold")
	cold.Profile.EngagementScore = 0.1
	require.NoError(t, manager.Put(ctx, types.TierLongTerm, "lead-cold", cold, PutOptions{}))

	records, err := manager.Query(ctx, types.TierLongTerm, Criteria{MinEngagement: 0.5}).Collect()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "lead-hot", records[0].Key)
}

func TestManagerQuery_EpisodicRequiresFingerprint(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.Query(context.Background(), types.TierEpisodic, Criteria{}).Collect()
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_ERROR, types.CodeOf(err))
}

func TestManagerQuery_EpisodicSimilarity(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	near := episodePayload(types.NewID(), "demo_request")
	require.NoError(t, manager.Put(ctx, types.TierEpisodic, "", near, PutOptions{}))

	farFP := make([]float64, testDimension)
	farFP[testDimension-1] = 1
	far := episodePayload(types.NewID(), "demo_request")
	far.Episode.ContextFingerprint = farFP
	require.NoError(t, manager.Put(ctx, types.TierEpisodic, "", far, PutOptions{}))

	probe := make([]float64, testDimension)
	probe[0] = 1

	records, err := manager.Query(ctx, types.TierEpisodic, Criteria{Fingerprint: probe}).Collect()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, near.Episode.EpisodeID.String(), records[0].Key)
}

func TestManagerQuery_SemanticTraversal(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	edges := []types.ConceptEdge{
		{FromConcept: "website", ToConcept: "campaign_qualified", RelationType: "related_to", Strength: 0.9},
		{FromConcept: "campaign_qualified", ToConcept: "schedule_demo", RelationType: "related_to", Strength: 0.8},
	}
	for _, e := range edges {
		edge := e
		payload := types.Payload{Kind: types.KindConceptEdge, Edge: &edge}
		require.NoError(t, manager.Put(ctx, types.TierSemantic, "", payload, PutOptions{}))
	}

	_, err := manager.Query(ctx, types.TierSemantic, Criteria{}).Collect()
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_ERROR, types.CodeOf(err))

	records, err := manager.Query(ctx, types.TierSemantic, Criteria{Concept: "website"}).Collect()
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Depth order: the direct edge comes before the two-hop one.
	assert.Equal(t, "website->campaign_qualified", records[0].Key)
	assert.Equal(t, "campaign_qualified->schedule_demo", records[1].Key)

	shallow, err := manager.Query(ctx, types.TierSemantic, Criteria{Concept: "website", MaxDepth: 1}).Collect()
	require.NoError(t, err)
	require.Len(t, shallow, 1)
}

func TestManagerQuery_SequenceIsRestartable(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	for _, convID := range []string{"conv-a", "conv-b"} {
		payload := conversationPayload("lead-1", convID, 1, 0.5)
		require.NoError(t, manager.Put(ctx, types.TierShortTerm, convID, payload, PutOptions{TTL: time.Hour}))
	}

	seq := manager.Query(ctx, types.TierShortTerm, Criteria{})

	first, err := seq.Collect()
	require.NoError(t, err)
	second, err := seq.Collect()
	require.NoError(t, err)
	assert.Equal(t, len(first), len(second))

	// Early stop is honored without panicking.
	var seen int
	seq(func(record types.MemoryRecord, err error) bool {
		require.NoError(t, err)
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestManagerConsolidate_EndToEnd(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	payload := conversationPayload("lead-1", "conv-1", 6, 0.9)
	require.NoError(t, manager.Put(ctx, types.TierShortTerm, "conv-1", payload, PutOptions{TTL: time.Hour}))

	summary, err := manager.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Examined)
	assert.Positive(t, summary.Migrated)
	assert.Zero(t, summary.Failed)

	record, err := manager.Get(ctx, types.TierLongTerm, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 6, record.Payload.Profile.TotalInteractions)

	// The source conversation stays in short-term until its TTL runs out.
	_, err = manager.Get(ctx, types.TierShortTerm, "conv-1")
	require.NoError(t, err)
}

func TestManagerHealth(t *testing.T) {
	manager := newTestManager(t)

	status := manager.Health(context.Background())
	require.Len(t, status, 4)
	for tier, s := range status {
		assert.True(t, s.IsHealthy(), "tier %s should be healthy: %s", tier, s.Message)
	}
}

func TestManagerHealth_ReportsFailingTier(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	stores := consolidate.Stores{
		ShortTerm: shortterm.NewMemoryStore(0),
		LongTerm:  longterm.NewSQLiteStore(db),
		Episodic:  failingEpisodic{},
		Semantic:  semantic.NewMemoryGraph(),
	}
	manager := NewManager(stores, nil, nil, testLogger(), Options{})

	status := manager.Health(context.Background())
	assert.True(t, status[types.TierShortTerm].IsHealthy())
	assert.Equal(t, types.HealthStateUnhealthy, status[types.TierEpisodic].State)
}

func TestManagerClose_Idempotent(t *testing.T) {
	manager := newTestManager(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())
}

// failingEpisodic simulates an unreachable vector backend.
type failingEpisodic struct{}

func (failingEpisodic) Put(ctx context.Context, episode types.Episode) error {
	return types.NewRetryableError(types.UNAVAILABLE, "vector backend unreachable")
}

func (failingEpisodic) Get(ctx context.Context, id string) (types.Episode, error) {
	return types.Episode{}, types.NewRetryableError(types.UNAVAILABLE, "vector backend unreachable")
}

func (failingEpisodic) Search(ctx context.Context, query episodic.Query) ([]episodic.Match, error) {
	return nil, types.NewRetryableError(types.UNAVAILABLE, "vector backend unreachable")
}

func (failingEpisodic) Count(ctx context.Context) (int, error) {
	return 0, types.NewRetryableError(types.UNAVAILABLE, "vector backend unreachable")
}

func (failingEpisodic) Close() error { return nil }
