package consolidate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/memory/shortterm"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/resilience"
	"github.com/inflo-ai/relay/internal/types"
)

const testFingerprintDim = 64

func testLogger() *observability.TracedLogger {
	return observability.NewTracedLogger(
		observability.NewTextHandler(io.Discard, slog.LevelError), "relay", "test")
}

func testConfig() Config {
	config := DefaultConfig()
	config.FingerprintDimension = testFingerprintDim
	return config
}

// fakeLongTerm is an in-memory longterm.Store. Get returns deep copies the
// way the SQLite store's JSON round trip does, so engine mutations only
// land when Put succeeds.
type fakeLongTerm struct {
	mu       sync.Mutex
	profiles map[string]longterm.Record
	putErr   error
}

var _ longterm.Store = (*fakeLongTerm)(nil)

func newFakeLongTerm() *fakeLongTerm {
	return &fakeLongTerm{profiles: make(map[string]longterm.Record)}
}

func (f *fakeLongTerm) Put(ctx context.Context, profile types.LeadProfile) error {
	if f.putErr != nil {
		return f.putErr
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	record, ok := f.profiles[profile.LeadID]
	if !ok {
		record = longterm.Record{CreatedAt: now}
	}
	record.Profile = cloneProfile(profile)
	record.UpdatedAt = now
	f.profiles[profile.LeadID] = record
	return nil
}

func (f *fakeLongTerm) Get(ctx context.Context, leadID string) (longterm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.profiles[leadID]
	if !ok {
		return longterm.Record{}, types.NewError(types.NOT_FOUND, "lead profile not found: "+leadID)
	}
	record.Profile = cloneProfile(record.Profile)
	return record, nil
}

func (f *fakeLongTerm) Query(ctx context.Context, criteria longterm.Criteria) ([]longterm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []longterm.Record
	for _, record := range f.profiles {
		if record.Profile.EngagementScore < criteria.MinEngagement {
			continue
		}
		record.Profile = cloneProfile(record.Profile)
		records = append(records, record)
	}
	return records, nil
}

func (f *fakeLongTerm) Close() error { return nil }

func cloneProfile(profile types.LeadProfile) types.LeadProfile {
	clone := profile
	clone.InteractionSummaries = append([]string(nil), profile.InteractionSummaries...)
	clone.Preferences.Interests = append([]string(nil), profile.Preferences.Interests...)
	clone.Preferences.ProductInterests = append([]string(nil), profile.Preferences.ProductInterests...)
	if profile.Marks != nil {
		clone.Marks = make(map[string]types.ConsolidationMark, len(profile.Marks))
		for id, mark := range profile.Marks {
			clone.Marks[id] = mark
		}
	}
	return clone
}

// flakyEpisodic injects Put failures in front of a real store.
type flakyEpisodic struct {
	episodic.Store
	putErr error
}

func (f *flakyEpisodic) Put(ctx context.Context, episode types.Episode) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.Store.Put(ctx, episode)
}

type engineFixture struct {
	shortTerm *shortterm.MemoryStore
	longTerm  *fakeLongTerm
	episodic  *episodic.EmbeddedStore
	semantic  *semantic.MemoryGraph
}

func newTestEngine(t *testing.T, config Config) (*Engine, *engineFixture) {
	t.Helper()

	fx := &engineFixture{
		shortTerm: shortterm.NewMemoryStore(time.Minute),
		longTerm:  newFakeLongTerm(),
		episodic:  episodic.NewEmbeddedStore(config.FingerprintDimension),
		semantic:  semantic.NewMemoryGraph(),
	}
	t.Cleanup(func() {
		fx.shortTerm.Close()
		fx.episodic.Close()
		fx.semantic.Close()
	})

	engine := NewEngine(Stores{
		ShortTerm: fx.shortTerm,
		LongTerm:  fx.longTerm,
		Episodic:  fx.episodic,
		Semantic:  fx.semantic,
	}, locking.NewKeyedMutex(), testLogger(), config)

	// Single-attempt retry keeps failure tests from sleeping through backoff.
	engine.retry = &resilience.RetryConfig{
		MaxAttempts:   1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}
	return engine, fx
}

func storeConversation(t *testing.T, store shortterm.Store, conv types.ConversationContext, accessedAt time.Time) {
	t.Helper()

	expires := accessedAt.Add(time.Hour)
	record := types.MemoryRecord{
		Tier:           types.TierShortTerm,
		Key:            conv.ConversationID,
		Payload:        types.Payload{Kind: types.KindConversationContext, Conversation: &conv},
		CreatedAt:      accessedAt,
		LastAccessedAt: accessedAt,
		ExpiresAt:      &expires,
	}
	require.NoError(t, store.Put(context.Background(), record))
}

func qualifiedConversation(leadID, convID string, interactions int, outcome float64) types.ConversationContext {
	return types.ConversationContext{
		LeadID:           leadID,
		ConversationID:   convID,
		CurrentAgent:     "engagement-1",
		InteractionCount: interactions,
		LastOutcomeScore: outcome,
		History: []types.LeadEvent{
			{EventID: types.NewID(), Type: types.EventMessage, Actor: "lead", Timestamp: time.Now()},
			{EventID: types.NewID(), Type: types.EventAgentAction, Actor: "engagement-1", Action: "send_intro_email", Timestamp: time.Now()},
			{EventID: types.NewID(), Type: types.EventAgentAction, Actor: "engagement-1", Action: "schedule_demo", Timestamp: time.Now()},
		},
		Attributes: types.LeadAttributes{
			Source:           "website",
			TriageCategory:   types.TriageCampaignQualified,
			Industry:         "technology",
			Interests:        []string{"analytics", "automation"},
			PreferredChannel: "email",
			DealSize:         5000,
		},
	}
}

func TestEngine_FoldsFrequentConversation(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-1", "conv-1", 6, 0.9), now)
	// Below the interaction threshold: left alone by rule one.
	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-2", "conv-2", 2, 0.5), now)

	summary, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Examined)
	assert.Zero(t, summary.Failed)

	record, err := fx.longTerm.Get(ctx, "lead-1")
	require.NoError(t, err)
	profile := record.Profile

	assert.Equal(t, 6, profile.TotalInteractions)
	assert.InDelta(t, 0.9, profile.AvgOutcomeScore, 1e-9)
	assert.InDelta(t, 5000, profile.MonetaryValue, 1e-9)
	assert.Equal(t, "email", profile.Preferences.PreferredChannel)
	assert.ElementsMatch(t, []string{"analytics", "automation"}, profile.Preferences.Interests)
	require.Len(t, profile.InteractionSummaries, 1)
	assert.Equal(t, "Source: website | Type: Campaign Qualified | Outcome: 0.90", profile.InteractionSummaries[0])
	assert.Equal(t, now, profile.LastInteractionAt)

	// recency 1.0, frequency 0.1, monetary 0.5 -> 0.533
	assert.InDelta(t, 0.533, profile.EngagementScore, 1e-9)

	mark := profile.MarkFor("conv-1")
	assert.Equal(t, 6, mark.FoldedInteractions)

	// The quiet lead never gained a profile.
	_, err = fx.longTerm.Get(ctx, "lead-2")
	assert.Equal(t, types.NOT_FOUND, types.CodeOf(err))
}

func TestEngine_SecondRunMigratesNothing(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-1", "conv-1", 6, 0.9), time.Now())

	first, err := engine.Run(ctx)
	require.NoError(t, err)
	// Fold, episode, and concept edges all migrated.
	assert.Equal(t, 3, first.Migrated)
	assert.Zero(t, first.Skipped)
	assert.Zero(t, first.Failed)

	second, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Migrated)
	assert.Equal(t, 3, second.Skipped)
	assert.Zero(t, second.Failed)

	count, err := fx.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_FoldsOnlyNewInteractions(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	conv := qualifiedConversation("lead-1", "conv-1", 5, 0.9)
	storeConversation(t, fx.shortTerm, conv, time.Now())

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// The conversation keeps going: three more interactions, weaker outcome.
	conv.InteractionCount = 8
	conv.LastOutcomeScore = 0.5
	storeConversation(t, fx.shortTerm, conv, time.Now())

	_, err = engine.Run(ctx)
	require.NoError(t, err)

	record, err := fx.longTerm.Get(ctx, "lead-1")
	require.NoError(t, err)
	profile := record.Profile

	assert.Equal(t, 8, profile.TotalInteractions)
	// (0.9*5 + 0.5*3) / 8
	assert.InDelta(t, 0.75, profile.AvgOutcomeScore, 1e-9)
	assert.Len(t, profile.InteractionSummaries, 2)
	assert.Equal(t, 8, profile.MarkFor("conv-1").FoldedInteractions)
}

func TestEngine_EpisodeThresholdEdge(t *testing.T) {
	tests := []struct {
		name     string
		outcome  float64
		episodes int
	}{
		{"just below threshold", 0.79, 0},
		{"exactly at threshold", 0.80, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, fx := newTestEngine(t, testConfig())
			ctx := context.Background()

			conv := qualifiedConversation("lead-1", "conv-1", 1, tt.outcome)
			storeConversation(t, fx.shortTerm, conv, time.Now())

			_, err := engine.Run(ctx)
			require.NoError(t, err)

			count, err := fx.episodic.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.episodes, count)
		})
	}
}

func TestEngine_DuplicateEpisodeSkipped(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	// Two leads, same scenario and near-identical context: the second
	// fingerprint is a duplicate of the first.
	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-a", "conv-a", 1, 0.9), time.Now())
	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-b", "conv-b", 1, 0.9), time.Now())

	summary, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)

	count, err := fx.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The duplicate is marked too, so later runs skip the search.
	recordB, err := fx.longTerm.Get(ctx, "lead-b")
	require.NoError(t, err)
	assert.True(t, recordB.Profile.MarkFor("conv-b").EpisodeCreated)
}

func TestEngine_EpisodeCapturesActionSequence(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	conv := qualifiedConversation("lead-1", "conv-1", 1, 0.95)
	storeConversation(t, fx.shortTerm, conv, time.Now())

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	matches, err := fx.episodic.Search(ctx, episodic.Query{
		Fingerprint: Fingerprint(testFingerprintDim, conv),
		TopK:        1,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	episode := matches[0].Episode
	assert.Equal(t, "campaign_qualified", episode.ScenarioTag)
	assert.Equal(t, []string{"send_intro_email", "schedule_demo"}, episode.ActionSequence)
	assert.InDelta(t, 0.95, episode.OutcomeScore, 1e-9)
	assert.Equal(t, "lead-1", episode.Metadata["lead_id"])
}

func TestEngine_ConceptEdgesUseSmoothing(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	// Pre-seeded baseline; consolidation must fold into it, not overwrite.
	require.NoError(t, fx.semantic.UpsertEdge(ctx, types.ConceptEdge{
		FromConcept:  "website",
		ToConcept:    "campaign_qualified",
		RelationType: "related_to",
		Strength:     0.5,
	}))

	conv := qualifiedConversation("lead-1", "conv-1", 1, 0.9)
	storeConversation(t, fx.shortTerm, conv, time.Now())

	_, err := engine.Run(ctx)
	require.NoError(t, err)

	// 0.3*0.9 + 0.7*0.5 = 0.62
	assertEdgeStrength(t, fx.semantic, "website", "campaign_qualified", 0.62)

	// Second run is mark-skipped: smoothing is not applied twice.
	_, err = engine.Run(ctx)
	require.NoError(t, err)
	assertEdgeStrength(t, fx.semantic, "website", "campaign_qualified", 0.62)
}

func TestEngine_ConceptPairsFromConversation(t *testing.T) {
	conv := qualifiedConversation("lead-1", "conv-1", 1, 0.9)
	pairs := conceptPairs(conv)

	assert.ElementsMatch(t, [][2]string{
		{"website", "campaign_qualified"},
		{"campaign_qualified", "send_intro_email"},
		{"campaign_qualified", "schedule_demo"},
		{"technology", "analytics"},
		{"technology", "automation"},
	}, pairs)
}

func TestEngine_RuleFailureIsolated(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	engine.stores.Episodic = &flakyEpisodic{
		Store:  fx.episodic,
		putErr: errors.New("vector index offline"),
	}

	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-1", "conv-1", 6, 0.9), time.Now())

	summary, err := engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.RuleErrors, RuleEpisodic)
	assert.Contains(t, summary.RuleErrors[RuleEpisodic][0], "vector index offline")

	// The other two rules still landed.
	assert.Equal(t, 2, summary.Migrated)
	record, err := fx.longTerm.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 6, record.Profile.TotalInteractions)
	assertEdgeStrength(t, fx.semantic, "website", "campaign_qualified", 0.9)

	// Episode capture recovers on the next run once the store is back.
	engine.stores.Episodic = fx.episodic
	summary, err = engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Migrated)
	assert.Zero(t, summary.Failed)

	count, err := fx.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_QuietConversationUntouched(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())
	ctx := context.Background()

	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-1", "conv-1", 2, 0.5), time.Now())

	summary, err := engine.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Examined)
	assert.Zero(t, summary.Migrated)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Failed)

	_, err = fx.longTerm.Get(ctx, "lead-1")
	assert.Equal(t, types.NOT_FOUND, types.CodeOf(err))

	count, err := fx.episodic.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngine_CancelledContext(t *testing.T) {
	engine, fx := newTestEngine(t, testConfig())

	storeConversation(t, fx.shortTerm, qualifiedConversation("lead-1", "conv-1", 6, 0.9), time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngagementScore(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		profile types.LeadProfile
		want    float64
	}{
		{
			name:    "no interactions",
			profile: types.LeadProfile{LeadID: "lead-1"},
			want:    0,
		},
		{
			name: "fresh single interaction",
			profile: types.LeadProfile{
				LeadID:               "lead-1",
				TotalInteractions:    1,
				LastInteractionAt:    now,
				InteractionSummaries: []string{"one"},
			},
			// (1.0 + 0.1 + 0.5) / 3
			want: 0.533,
		},
		{
			name: "stale lead decays to frequency and monetary",
			profile: types.LeadProfile{
				LeadID:               "lead-1",
				TotalInteractions:    4,
				LastInteractionAt:    now.Add(-45 * 24 * time.Hour),
				InteractionSummaries: []string{"a", "b", "c", "d"},
			},
			// (0 + 0.4 + 0.5) / 3
			want: 0.3,
		},
		{
			name: "high-value saturates monetary",
			profile: types.LeadProfile{
				LeadID:               "lead-1",
				TotalInteractions:    10,
				LastInteractionAt:    now,
				MonetaryValue:        50000,
				InteractionSummaries: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"},
			},
			// (1.0 + 1.0 + 1.0) / 3
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, engagementScore(tt.profile, now), 1e-9)
		})
	}
}

func TestSummarizeInteraction(t *testing.T) {
	conv := qualifiedConversation("lead-1", "conv-1", 1, 0.9)
	assert.Equal(t, "Source: website | Type: Campaign Qualified | Outcome: 0.90", summarizeInteraction(conv))

	empty := types.ConversationContext{LeadID: "lead-1", ConversationID: "conv-1"}
	assert.Equal(t, "General interaction", summarizeInteraction(empty))
}

func assertEdgeStrength(t *testing.T, graph *semantic.MemoryGraph, from, to string, want float64) {
	t.Helper()

	relations, err := graph.Related(context.Background(), from, 1)
	require.NoError(t, err)
	for _, relation := range relations {
		if relation.Edge.FromConcept == from && relation.Edge.ToConcept == to {
			assert.InDelta(t, want, relation.Edge.Strength, 1e-9)
			return
		}
	}
	t.Fatalf("edge %s -> %s not found", from, to)
}
