// Package memory is the single gateway agents use to reach the four memory
// tiers. The manager validates payload shapes at the boundary, serializes
// writes per lead through the shared keyed lock registry, retries transient
// store failures, and exposes consolidation as an operation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/resilience"
	"github.com/inflo-ai/relay/internal/types"
)

// Manager provides unified, validated access to all four memory tiers.
type Manager interface {
	// Put stores or overwrites a record. The payload must be storable in
	// the tier and internally well-formed, short-term writes must carry a
	// TTL, and the key must match the payload's identity.
	Put(ctx context.Context, tier types.Tier, key string, payload types.Payload, opts PutOptions) error

	// Get retrieves a record by key. Expired short-term records read as
	// NOT_FOUND even if physically present.
	Get(ctx context.Context, tier types.Tier, key string) (types.MemoryRecord, error)

	// Query returns a lazy, restartable sequence of records matching the
	// criteria, ordered by tier relevance.
	Query(ctx context.Context, tier types.Tier, criteria Criteria) Sequence

	// Consolidate runs one migration cycle across the tiers. Idempotent
	// and safe under concurrent invocation.
	Consolidate(ctx context.Context) (consolidate.Summary, error)

	// Health probes each tier and reports its status.
	Health(ctx context.Context) map[types.Tier]types.HealthStatus

	// Close releases all tier stores. Idempotent.
	Close() error
}

var (
	_ Manager             = (*DefaultManager)(nil)
	_ consolidate.Trigger = (*DefaultManager)(nil)
)

// Options tunes query defaults the tiers themselves do not own.
type Options struct {
	// SimilarityFloor is the minimum episodic similarity applied when a
	// query does not set one. Defaults to 0.7.
	SimilarityFloor float64

	// TraversalDepth is the semantic traversal depth applied when a query
	// does not set one. Defaults to 3.
	TraversalDepth int
}

func (o Options) withDefaults() Options {
	if o.SimilarityFloor <= 0 {
		o.SimilarityFloor = 0.7
	}
	if o.TraversalDepth <= 0 {
		o.TraversalDepth = 3
	}
	return o
}

// DefaultManager implements Manager over concrete tier stores.
type DefaultManager struct {
	stores consolidate.Stores
	engine *consolidate.Engine
	locks  *locking.KeyedMutex
	retry  *resilience.RetryConfig
	logger *observability.TracedLogger
	opts   Options
	now    func() time.Time

	closeMu sync.Mutex
	closed  bool
}

// NewManager creates a manager over the given tier stores. The engine and
// lock registry must be the instances shared with the handoff coordinator
// so per-lead serialization holds across subsystems.
func NewManager(stores consolidate.Stores, engine *consolidate.Engine, locks *locking.KeyedMutex, logger *observability.TracedLogger, opts Options) *DefaultManager {
	if locks == nil {
		locks = locking.NewKeyedMutex()
	}
	return &DefaultManager{
		stores: stores,
		engine: engine,
		locks:  locks,
		retry:  resilience.DefaultRetryConfig(),
		logger: logger.WithComponent("memory"),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Put validates and stores a record in its tier.
func (m *DefaultManager) Put(ctx context.Context, tier types.Tier, key string, payload types.Payload, opts PutOptions) error {
	if !tier.IsValid() {
		return types.NewError(types.VALIDATION_ERROR, fmt.Sprintf("unknown memory tier %q", tier))
	}
	if err := payload.Validate(tier); err != nil {
		return err
	}

	canonical := canonicalKey(payload)
	switch {
	case key == "":
		key = canonical
	case canonical != "" && key != canonical:
		return types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("key %q does not match payload identity %q", key, canonical))
	}
	if key == "" {
		return types.NewError(types.VALIDATION_ERROR, "record key is required")
	}

	if tier == types.TierShortTerm && opts.TTL <= 0 {
		return types.NewError(types.VALIDATION_ERROR, "short-term records require a TTL")
	}
	if tier != types.TierShortTerm && opts.TTL > 0 {
		return types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("tier %q records never expire; TTL is not accepted", tier))
	}

	// Writes to records belonging to a lead serialize on the lead's lock,
	// so they never interleave with consolidation or a handoff for that
	// lead. Everything else locks on its own key.
	release, err := m.locks.Lock(ctx, writeLockKey(tier, key, payload))
	if err != nil {
		return err
	}
	defer release()

	now := m.now()
	switch tier {
	case types.TierShortTerm:
		expires := now.Add(opts.TTL)
		record := types.MemoryRecord{
			Tier:           tier,
			Key:            key,
			Payload:        payload,
			CreatedAt:      now,
			LastAccessedAt: now,
			ExpiresAt:      &expires,
			Tags:           opts.Tags,
		}
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.stores.ShortTerm.Put(ctx, record)
		})

	case types.TierLongTerm:
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.stores.LongTerm.Put(ctx, *payload.Profile)
		})

	case types.TierEpisodic:
		episode := *payload.Episode
		if episode.EpisodeID.IsZero() {
			// A caller-supplied key becomes the episode id so Get
			// round-trips on the same key.
			id, parseErr := types.ParseID(key)
			if parseErr != nil {
				return types.WrapError(types.VALIDATION_ERROR, "episode key must be a UUID", parseErr)
			}
			episode.EpisodeID = id
		}
		if episode.CreatedAt.IsZero() {
			episode.CreatedAt = now
		}
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.stores.Episodic.Put(ctx, episode)
		})

	case types.TierSemantic:
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			if payload.Kind == types.KindConceptNode {
				return m.stores.Semantic.UpsertNode(ctx, *payload.Node)
			}
			return m.stores.Semantic.UpsertEdge(ctx, *payload.Edge)
		})
	}

	return types.NewError(types.INTERNAL_ERROR, fmt.Sprintf("unhandled tier %q", tier))
}

// Get retrieves one record by key.
func (m *DefaultManager) Get(ctx context.Context, tier types.Tier, key string) (types.MemoryRecord, error) {
	if !tier.IsValid() {
		return types.MemoryRecord{}, types.NewError(types.VALIDATION_ERROR, fmt.Sprintf("unknown memory tier %q", tier))
	}
	if key == "" {
		return types.MemoryRecord{}, types.NewError(types.VALIDATION_ERROR, "record key is required")
	}

	switch tier {
	case types.TierShortTerm:
		var record types.MemoryRecord
		err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			var getErr error
			record, getErr = m.stores.ShortTerm.Get(ctx, key)
			return getErr
		})
		return record, err

	case types.TierLongTerm:
		var stored longterm.Record
		err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			var getErr error
			stored, getErr = m.stores.LongTerm.Get(ctx, key)
			return getErr
		})
		if err != nil {
			return types.MemoryRecord{}, err
		}
		return m.profileRecord(stored), nil

	case types.TierEpisodic:
		var episode types.Episode
		err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			var getErr error
			episode, getErr = m.stores.Episodic.Get(ctx, key)
			return getErr
		})
		if err != nil {
			return types.MemoryRecord{}, err
		}
		return m.episodeRecord(episode), nil

	case types.TierSemantic:
		var node types.ConceptNode
		err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			var getErr error
			node, getErr = m.stores.Semantic.GetNode(ctx, key)
			return getErr
		})
		if err != nil {
			return types.MemoryRecord{}, err
		}
		return types.MemoryRecord{
			Tier:           tier,
			Key:            node.Name,
			Payload:        types.Payload{Kind: types.KindConceptNode, Node: &node},
			LastAccessedAt: m.now(),
		}, nil
	}

	return types.MemoryRecord{}, types.NewError(types.INTERNAL_ERROR, fmt.Sprintf("unhandled tier %q", tier))
}

// Query returns a lazy sequence over the tier. The fetch runs when the
// sequence is iterated, not when Query is called, and re-runs on every
// iteration.
func (m *DefaultManager) Query(ctx context.Context, tier types.Tier, criteria Criteria) Sequence {
	return func(yield func(types.MemoryRecord, error) bool) {
		records, err := m.fetch(ctx, tier, criteria)
		if err != nil {
			yield(types.MemoryRecord{}, err)
			return
		}
		for _, record := range records {
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (m *DefaultManager) fetch(ctx context.Context, tier types.Tier, criteria Criteria) ([]types.MemoryRecord, error) {
	switch tier {
	case types.TierShortTerm:
		return m.fetchShortTerm(ctx, criteria)
	case types.TierLongTerm:
		return m.fetchLongTerm(ctx, criteria)
	case types.TierEpisodic:
		return m.fetchEpisodic(ctx, criteria)
	case types.TierSemantic:
		return m.fetchSemantic(ctx, criteria)
	default:
		return nil, types.NewError(types.VALIDATION_ERROR, fmt.Sprintf("unknown memory tier %q", tier))
	}
}

// fetchShortTerm lists live records, most recently touched first.
func (m *DefaultManager) fetchShortTerm(ctx context.Context, criteria Criteria) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
		var listErr error
		records, listErr = m.stores.ShortTerm.List(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	if criteria.KeyPrefix != "" {
		filtered := records[:0]
		for _, record := range records {
			if strings.HasPrefix(record.Key, criteria.KeyPrefix) {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastAccessedAt.After(records[j].LastAccessedAt)
	})
	return capRecords(records, criteria.Limit), nil
}

func (m *DefaultManager) fetchLongTerm(ctx context.Context, criteria Criteria) ([]types.MemoryRecord, error) {
	var stored []longterm.Record
	err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
		var queryErr error
		stored, queryErr = m.stores.LongTerm.Query(ctx, longterm.Criteria{
			LeadIDs:       criteria.LeadIDs,
			MinEngagement: criteria.MinEngagement,
			UpdatedSince:  criteria.UpdatedSince,
			Limit:         criteria.Limit,
		})
		return queryErr
	})
	if err != nil {
		return nil, err
	}

	records := make([]types.MemoryRecord, 0, len(stored))
	for _, rec := range stored {
		records = append(records, m.profileRecord(rec))
	}
	return records, nil
}

func (m *DefaultManager) fetchEpisodic(ctx context.Context, criteria Criteria) ([]types.MemoryRecord, error) {
	if len(criteria.Fingerprint) == 0 {
		return nil, types.NewError(types.VALIDATION_ERROR, "episodic queries require a fingerprint")
	}

	minScore := criteria.MinScore
	if minScore <= 0 {
		minScore = m.opts.SimilarityFloor
	}

	var matches []episodic.Match
	err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
		var searchErr error
		matches, searchErr = m.stores.Episodic.Search(ctx, episodic.Query{
			Fingerprint: criteria.Fingerprint,
			ScenarioTag: criteria.ScenarioTag,
			TopK:        criteria.Limit,
			MinScore:    minScore,
		})
		return searchErr
	})
	if err != nil {
		return nil, err
	}

	records := make([]types.MemoryRecord, 0, len(matches))
	for _, match := range matches {
		records = append(records, m.episodeRecord(match.Episode))
	}
	return records, nil
}

func (m *DefaultManager) fetchSemantic(ctx context.Context, criteria Criteria) ([]types.MemoryRecord, error) {
	if criteria.Concept == "" {
		return nil, types.NewError(types.VALIDATION_ERROR, "semantic queries require a concept")
	}

	depth := criteria.MaxDepth
	if depth <= 0 {
		depth = m.opts.TraversalDepth
	}

	var relations []semantic.Relation
	err := resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
		var relatedErr error
		relations, relatedErr = m.stores.Semantic.Related(ctx, criteria.Concept, depth)
		return relatedErr
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	records := make([]types.MemoryRecord, 0, len(relations))
	for _, relation := range relations {
		edge := relation.Edge
		records = append(records, types.MemoryRecord{
			Tier:           types.TierSemantic,
			Key:            edgeKey(edge),
			Payload:        types.Payload{Kind: types.KindConceptEdge, Edge: &edge},
			LastAccessedAt: now,
		})
	}
	return capRecords(records, criteria.Limit), nil
}

// Consolidate runs one consolidation cycle.
func (m *DefaultManager) Consolidate(ctx context.Context) (consolidate.Summary, error) {
	if m.engine == nil {
		return consolidate.Summary{}, types.NewError(types.INTERNAL_ERROR, "no consolidation engine configured")
	}
	return m.engine.Run(ctx)
}

// Health probes every tier with a cheap representative read. A NOT_FOUND
// answer proves the tier responded; anything else marks it unhealthy.
func (m *DefaultManager) Health(ctx context.Context) map[types.Tier]types.HealthStatus {
	status := make(map[types.Tier]types.HealthStatus, 4)

	_, err := m.stores.ShortTerm.Get(ctx, healthProbeKey)
	status[types.TierShortTerm] = probeStatus(err)

	_, err = m.stores.LongTerm.Get(ctx, healthProbeKey)
	status[types.TierLongTerm] = probeStatus(err)

	_, err = m.stores.Episodic.Count(ctx)
	status[types.TierEpisodic] = probeStatus(err)

	_, err = m.stores.Semantic.GetNode(ctx, healthProbeKey)
	status[types.TierSemantic] = probeStatus(err)

	return status
}

const healthProbeKey = "__relay_health_probe__"

func probeStatus(err error) types.HealthStatus {
	if err == nil || types.CodeOf(err) == types.NOT_FOUND {
		return types.Healthy("tier responding")
	}
	return types.Unhealthy(err.Error())
}

// Close releases all tier stores. Safe to call more than once.
func (m *DefaultManager) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, closer := range []interface{ Close() error }{
		m.stores.ShortTerm, m.stores.LongTerm, m.stores.Episodic, m.stores.Semantic,
	} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// canonicalKey is the identity a payload defines for itself; the record key
// must agree with it so Get round-trips.
func canonicalKey(payload types.Payload) string {
	switch {
	case payload.Conversation != nil:
		return payload.Conversation.ConversationID
	case payload.Profile != nil:
		return payload.Profile.LeadID
	case payload.Episode != nil:
		return payload.Episode.EpisodeID.String()
	case payload.Node != nil:
		return payload.Node.Name
	case payload.Edge != nil:
		return edgeKey(*payload.Edge)
	default:
		return ""
	}
}

func edgeKey(edge types.ConceptEdge) string {
	return edge.FromConcept + "->" + edge.ToConcept
}

// writeLockKey picks the serialization key for a write: the owning lead
// when the payload names one, otherwise the record key itself.
func writeLockKey(tier types.Tier, key string, payload types.Payload) string {
	switch {
	case payload.Conversation != nil:
		return payload.Conversation.LeadID
	case payload.Profile != nil:
		return payload.Profile.LeadID
	default:
		return string(tier) + "/" + key
	}
}

func (m *DefaultManager) profileRecord(stored longterm.Record) types.MemoryRecord {
	profile := stored.Profile
	return types.MemoryRecord{
		Tier:           types.TierLongTerm,
		Key:            profile.LeadID,
		Payload:        types.Payload{Kind: types.KindLeadProfile, Profile: &profile},
		CreatedAt:      stored.CreatedAt,
		LastAccessedAt: stored.UpdatedAt,
	}
}

func (m *DefaultManager) episodeRecord(episode types.Episode) types.MemoryRecord {
	return types.MemoryRecord{
		Tier:           types.TierEpisodic,
		Key:            episode.EpisodeID.String(),
		Payload:        types.Payload{Kind: types.KindEpisode, Episode: &episode},
		CreatedAt:      episode.CreatedAt,
		LastAccessedAt: m.now(),
	}
}

func capRecords(records []types.MemoryRecord, limit int) []types.MemoryRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
