// Package consolidate moves knowledge between memory tiers in the
// background: frequently-touched conversations fold into lead profiles,
// successful interactions become recallable episodes, and completed
// conversations strengthen the concept graph. Runs are idempotent; every
// destination write records a per-conversation mark so repeated cycles
// skip work already done.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/memory/shortterm"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/resilience"
	"github.com/inflo-ai/relay/internal/types"
)

// Rule names identify the three migration rules in run summaries and logs.
const (
	RuleLongTerm = "short_term_to_long_term"
	RuleEpisodic = "outcome_to_episodic"
	RuleSemantic = "relationship_to_semantic"
)

// monetaryScale normalizes accumulated deal value into the [0,1] monetary
// component of the engagement score. Deals at or above this value count as
// fully engaged on the monetary axis.
const monetaryScale = 10000

// Config carries the consolidation thresholds. Zero values are replaced by
// defaults on first use.
type Config struct {
	// InteractionThreshold is the interaction count at which a conversation
	// folds into the lead profile.
	InteractionThreshold int

	// OutcomeThreshold is the minimum outcome score for episode capture.
	OutcomeThreshold float64

	// ConceptStrengthThreshold is the minimum outcome score for concept
	// edges to be created or strengthened.
	ConceptStrengthThreshold float64

	// DuplicateSimilarity is the cosine similarity at which a candidate
	// episode counts as a duplicate of a stored one.
	DuplicateSimilarity float64

	// EdgeSmoothing is the exponential moving average factor applied when
	// strengthening concept edges.
	EdgeSmoothing float64

	// FingerprintDimension is the width of context fingerprints.
	FingerprintDimension int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		InteractionThreshold:     5,
		OutcomeThreshold:         0.8,
		ConceptStrengthThreshold: 0.7,
		DuplicateSimilarity:      0.95,
		EdgeSmoothing:            0.3,
		FingerprintDimension:     DefaultFingerprintDimension,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.InteractionThreshold <= 0 {
		c.InteractionThreshold = defaults.InteractionThreshold
	}
	if c.OutcomeThreshold <= 0 {
		c.OutcomeThreshold = defaults.OutcomeThreshold
	}
	if c.ConceptStrengthThreshold <= 0 {
		c.ConceptStrengthThreshold = defaults.ConceptStrengthThreshold
	}
	if c.DuplicateSimilarity <= 0 {
		c.DuplicateSimilarity = defaults.DuplicateSimilarity
	}
	if c.EdgeSmoothing <= 0 {
		c.EdgeSmoothing = defaults.EdgeSmoothing
	}
	if c.FingerprintDimension <= 0 {
		c.FingerprintDimension = defaults.FingerprintDimension
	}
	return c
}

// Stores groups the four tier stores the engine reads from and writes to.
type Stores struct {
	ShortTerm shortterm.Store
	LongTerm  longterm.Store
	Episodic  episodic.Store
	Semantic  semantic.Store
}

// Summary reports what one consolidation run did. Migrated counts
// destination writes, Skipped counts candidates whose work a previous run
// already recorded, Failed counts rule applications that errored. Rule
// failures never abort the run; they are collected here and logged.
type Summary struct {
	StartedAt  time.Time           `json:"started_at"`
	Duration   time.Duration       `json:"duration"`
	Examined   int                 `json:"examined"`
	Migrated   int                 `json:"migrated"`
	Skipped    int                 `json:"skipped"`
	Failed     int                 `json:"failed"`
	RuleErrors map[string][]string `json:"rule_errors,omitempty"`
}

func (s *Summary) recordError(rule string, err error) {
	s.Failed++
	if s.RuleErrors == nil {
		s.RuleErrors = make(map[string][]string)
	}
	s.RuleErrors[rule] = append(s.RuleErrors[rule], err.Error())
}

// Engine applies the three consolidation rules across every live
// conversation. It holds the per-lead lock while working on a lead, so a
// consolidation pass never interleaves with an in-flight handoff for the
// same lead.
type Engine struct {
	stores Stores
	locks  *locking.KeyedMutex
	logger *observability.TracedLogger
	retry  *resilience.RetryConfig
	config Config

	// runMu serializes full runs; a trigger arriving mid-run waits here
	// while the cron schedule skips instead.
	runMu sync.Mutex

	now func() time.Time
}

// NewEngine creates a consolidation engine over the given tier stores. The
// keyed mutex must be the same instance the handoff coordinator locks lead
// ids on.
func NewEngine(stores Stores, locks *locking.KeyedMutex, logger *observability.TracedLogger, config Config) *Engine {
	if locks == nil {
		locks = locking.NewKeyedMutex()
	}
	return &Engine{
		stores: stores,
		locks:  locks,
		logger: logger.WithComponent("consolidation"),
		retry:  resilience.DefaultRetryConfig(),
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// Run executes one consolidation cycle: list live conversations, group them
// by lead, and apply the three rules to each conversation in fixed order
// under the lead's lock. Rule failures are isolated per conversation and
// rule; only an unreadable short-term tier or context cancellation aborts
// the run.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	summary := Summary{StartedAt: e.now()}

	records, err := e.listConversations(ctx)
	if err != nil {
		return summary, err
	}

	byLead := groupByLead(records)
	leads := make([]string, 0, len(byLead))
	for leadID := range byLead {
		leads = append(leads, leadID)
	}
	sort.Strings(leads)

	for _, leadID := range leads {
		release, err := e.locks.Lock(ctx, leadID)
		if err != nil {
			summary.Duration = e.now().Sub(summary.StartedAt)
			return summary, err
		}

		for _, record := range byLead[leadID] {
			summary.Examined++
			e.consolidateConversation(ctx, record, &summary)
		}
		release()
	}

	summary.Duration = e.now().Sub(summary.StartedAt)
	e.logger.Info(ctx, "consolidation cycle complete",
		"examined", summary.Examined,
		"migrated", summary.Migrated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// listConversations snapshots the short-term tier. Expired records never
// come back from List, so everything here is live.
func (e *Engine) listConversations(ctx context.Context) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	err := resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
		var listErr error
		records, listErr = e.stores.ShortTerm.List(ctx)
		return listErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, types.WrapError(types.CodeOf(err), "consolidation cannot list short-term records", err)
	}
	return records, nil
}

func groupByLead(records []types.MemoryRecord) map[string][]types.MemoryRecord {
	byLead := make(map[string][]types.MemoryRecord)
	for _, record := range records {
		if record.Payload.Kind != types.KindConversationContext || record.Payload.Conversation == nil {
			continue
		}
		leadID := record.Payload.Conversation.LeadID
		byLead[leadID] = append(byLead[leadID], record)
	}
	for leadID := range byLead {
		group := byLead[leadID]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Payload.Conversation.ConversationID < group[j].Payload.Conversation.ConversationID
		})
	}
	return byLead
}

// consolidateConversation applies the three rules to one conversation.
// Caller holds the lead lock.
func (e *Engine) consolidateConversation(ctx context.Context, record types.MemoryRecord, summary *Summary) {
	conv := *record.Payload.Conversation

	rules := []struct {
		name  string
		apply func(context.Context, types.MemoryRecord, types.ConversationContext) (outcome, error)
	}{
		{RuleLongTerm, e.foldToLongTerm},
		{RuleEpisodic, e.captureEpisode},
		{RuleSemantic, e.strengthenConcepts},
	}

	for _, rule := range rules {
		result, err := rule.apply(ctx, record, conv)
		if err != nil {
			summary.recordError(rule.name, fmt.Errorf("%s: conversation %s: %w", rule.name, conv.ConversationID, err))
			e.logger.Error(ctx, "consolidation rule failed",
				"rule", rule.name,
				"lead_id", conv.LeadID,
				"conversation_id", conv.ConversationID,
				"error", err.Error(),
			)
			continue
		}
		switch result {
		case outcomeMigrated:
			summary.Migrated++
		case outcomeSkipped:
			summary.Skipped++
		}
	}
}

// outcome classifies what a rule did with one conversation.
type outcome int

const (
	// outcomeNotCandidate means the conversation did not meet the rule's
	// threshold; it is not counted.
	outcomeNotCandidate outcome = iota
	// outcomeMigrated means the rule performed its destination write.
	outcomeMigrated
	// outcomeSkipped means a previous run already recorded this work.
	outcomeSkipped
)

// foldToLongTerm is rule one: a conversation with enough interactions folds
// into the lead profile. The consolidation mark travels in the same profile
// write as the folded data, so the fold is recorded exactly when it is
// durable.
func (e *Engine) foldToLongTerm(ctx context.Context, record types.MemoryRecord, conv types.ConversationContext) (outcome, error) {
	if conv.InteractionCount < e.config.InteractionThreshold {
		return outcomeNotCandidate, nil
	}

	profile, err := e.loadProfile(ctx, conv.LeadID)
	if err != nil {
		return outcomeNotCandidate, err
	}

	mark := profile.MarkFor(conv.ConversationID)
	if mark.FoldedInteractions >= conv.InteractionCount {
		return outcomeSkipped, nil
	}

	foldProfile(&profile, record, conv, mark.FoldedInteractions, e.now())
	mark.FoldedInteractions = conv.InteractionCount
	profile.SetMark(conv.ConversationID, mark)

	if err := e.putProfile(ctx, profile); err != nil {
		return outcomeNotCandidate, err
	}

	e.logger.Info(ctx, "conversation folded into lead profile",
		"lead_id", conv.LeadID,
		"conversation_id", conv.ConversationID,
		"interaction_count", conv.InteractionCount,
		"engagement_score", profile.EngagementScore,
	)
	return outcomeMigrated, nil
}

// captureEpisode is rule two: a conversation whose outcome clears the
// success threshold is preserved as an episode. Near-duplicates of stored
// episodes are skipped but still marked so later runs short-circuit.
func (e *Engine) captureEpisode(ctx context.Context, record types.MemoryRecord, conv types.ConversationContext) (outcome, error) {
	if conv.LastOutcomeScore < e.config.OutcomeThreshold {
		return outcomeNotCandidate, nil
	}

	profile, err := e.loadProfile(ctx, conv.LeadID)
	if err != nil {
		return outcomeNotCandidate, err
	}

	mark := profile.MarkFor(conv.ConversationID)
	if mark.EpisodeCreated {
		return outcomeSkipped, nil
	}

	fingerprint := Fingerprint(e.config.FingerprintDimension, conv)
	scenario := ScenarioTag(conv)

	duplicate, err := e.hasDuplicate(ctx, scenario, fingerprint)
	if err != nil {
		return outcomeNotCandidate, err
	}

	result := outcomeSkipped
	if !duplicate {
		episode := types.Episode{
			EpisodeID:          types.NewID(),
			ScenarioTag:        scenario,
			ContextFingerprint: fingerprint,
			ActionSequence:     conv.AgentActions(),
			OutcomeScore:       conv.LastOutcomeScore,
			Metadata: map[string]any{
				"lead_id":         conv.LeadID,
				"conversation_id": conv.ConversationID,
				"source":          conv.Attributes.Source,
				"triage_category": string(conv.Attributes.TriageCategory),
			},
			CreatedAt: e.now(),
		}
		err = resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
			return e.stores.Episodic.Put(ctx, episode)
		})
		if err != nil {
			return outcomeNotCandidate, err
		}
		result = outcomeMigrated

		e.logger.Info(ctx, "episode captured",
			"lead_id", conv.LeadID,
			"conversation_id", conv.ConversationID,
			"scenario_tag", scenario,
			"outcome_score", conv.LastOutcomeScore,
		)
	}

	// The mark is written after the episode so a crash between the two
	// re-runs the duplicate check, never loses the episode.
	mark.EpisodeCreated = true
	profile.SetMark(conv.ConversationID, mark)
	if err := e.putProfile(ctx, profile); err != nil {
		return outcomeNotCandidate, err
	}

	return result, nil
}

func (e *Engine) hasDuplicate(ctx context.Context, scenario string, fingerprint []float64) (bool, error) {
	var matches []episodic.Match
	err := resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
		var searchErr error
		matches, searchErr = e.stores.Episodic.Search(ctx, episodic.Query{
			Fingerprint: fingerprint,
			ScenarioTag: scenario,
			TopK:        1,
			MinScore:    e.config.DuplicateSimilarity,
		})
		return searchErr
	})
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// strengthenConcepts is rule three: concept pairs extracted from a
// conversation with a strong enough outcome create or strengthen graph
// edges via exponential smoothing. The per-conversation mark keeps the
// smoothing from compounding on re-runs.
func (e *Engine) strengthenConcepts(ctx context.Context, record types.MemoryRecord, conv types.ConversationContext) (outcome, error) {
	if conv.LastOutcomeScore < e.config.ConceptStrengthThreshold {
		return outcomeNotCandidate, nil
	}

	pairs := conceptPairs(conv)
	if len(pairs) == 0 {
		return outcomeNotCandidate, nil
	}

	profile, err := e.loadProfile(ctx, conv.LeadID)
	if err != nil {
		return outcomeNotCandidate, err
	}

	mark := profile.MarkFor(conv.ConversationID)
	if mark.SemanticApplied {
		return outcomeSkipped, nil
	}

	for _, pair := range pairs {
		edge := types.ConceptEdge{
			FromConcept:  pair[0],
			ToConcept:    pair[1],
			RelationType: "related_to",
			Strength:     conv.LastOutcomeScore,
		}
		err := resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
			_, strengthenErr := e.stores.Semantic.StrengthenEdge(ctx, edge, e.config.EdgeSmoothing)
			return strengthenErr
		})
		if err != nil {
			return outcomeNotCandidate, err
		}
	}

	mark.SemanticApplied = true
	profile.SetMark(conv.ConversationID, mark)
	if err := e.putProfile(ctx, profile); err != nil {
		return outcomeNotCandidate, err
	}

	e.logger.Info(ctx, "concept edges strengthened",
		"lead_id", conv.LeadID,
		"conversation_id", conv.ConversationID,
		"edges", len(pairs),
	)
	return outcomeMigrated, nil
}

// conceptPairs extracts the relationships a conversation evidences: where
// the lead came from and how triage classified it, what scenario led to
// which actions, and which industry showed which interests.
func conceptPairs(conv types.ConversationContext) [][2]string {
	attrs := conv.Attributes
	var pairs [][2]string

	add := func(from, to string) {
		from, to = normalizeConcept(from), normalizeConcept(to)
		if from == "" || to == "" || from == to {
			return
		}
		pairs = append(pairs, [2]string{from, to})
	}

	if attrs.Source != "" && attrs.TriageCategory != "" {
		add(attrs.Source, string(attrs.TriageCategory))
	}

	scenario := ScenarioTag(conv)
	for _, action := range conv.AgentActions() {
		add(scenario, action)
	}

	for _, interest := range attrs.Interests {
		if attrs.Industry != "" {
			add(attrs.Industry, interest)
		}
	}

	return pairs
}

// loadProfile fetches the lead profile, returning an empty one for leads
// consolidation has not reached before.
func (e *Engine) loadProfile(ctx context.Context, leadID string) (types.LeadProfile, error) {
	var stored longterm.Record
	err := resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
		var getErr error
		stored, getErr = e.stores.LongTerm.Get(ctx, leadID)
		return getErr
	})
	if err != nil {
		if types.CodeOf(err) == types.NOT_FOUND {
			return types.LeadProfile{LeadID: leadID}, nil
		}
		return types.LeadProfile{}, err
	}
	return stored.Profile, nil
}

func (e *Engine) putProfile(ctx context.Context, profile types.LeadProfile) error {
	return resilience.Retry(ctx, e.retry, func(ctx context.Context) error {
		return e.stores.LongTerm.Put(ctx, profile)
	})
}

// foldProfile merges a conversation into the profile: numeric aggregates
// weighted by accumulated vs. incoming interaction counts, preference
// collections unioned, scalars overwritten by fresher values, and the
// engagement score recomputed.
func foldProfile(profile *types.LeadProfile, record types.MemoryRecord, conv types.ConversationContext, alreadyFolded int, now time.Time) {
	incoming := conv.InteractionCount - alreadyFolded
	if incoming <= 0 {
		return
	}

	accumulated := profile.TotalInteractions
	total := accumulated + incoming

	profile.AvgOutcomeScore = weightedAverage(
		profile.AvgOutcomeScore, accumulated,
		conv.LastOutcomeScore, incoming,
	)
	if monetary := monetaryValue(conv.Attributes); monetary > 0 {
		profile.MonetaryValue = weightedAverage(
			profile.MonetaryValue, accumulated,
			monetary, incoming,
		)
	}
	profile.TotalInteractions = total

	mergePreferences(&profile.Preferences, conv.Attributes)

	interactionAt := record.LastAccessedAt
	if interactionAt.IsZero() {
		interactionAt = now
	}
	if interactionAt.After(profile.LastInteractionAt) {
		profile.LastInteractionAt = interactionAt
	}

	profile.InteractionSummaries = append(profile.InteractionSummaries, summarizeInteraction(conv))
	profile.EngagementScore = engagementScore(*profile, now)
}

func weightedAverage(accumulated float64, accumulatedWeight int, incoming float64, incomingWeight int) float64 {
	totalWeight := accumulatedWeight + incomingWeight
	if totalWeight == 0 {
		return 0
	}
	return (accumulated*float64(accumulatedWeight) + incoming*float64(incomingWeight)) / float64(totalWeight)
}

func monetaryValue(attrs types.LeadAttributes) float64 {
	if attrs.DealSize > 0 {
		return attrs.DealSize
	}
	return attrs.PredictedValue
}

// mergePreferences folds conversation attributes into the durable
// preference block: collections union, scalars take the incoming value
// when one is present.
func mergePreferences(prefs *types.Preferences, attrs types.LeadAttributes) {
	if attrs.PreferredChannel != "" {
		prefs.PreferredChannel = attrs.PreferredChannel
	}
	if attrs.ContactTime != "" {
		prefs.ContactTime = attrs.ContactTime
	}
	if attrs.CommunicationStyle != "" {
		prefs.CommunicationStyle = attrs.CommunicationStyle
	}
	prefs.Interests = unionStrings(prefs.Interests, attrs.Interests)
	prefs.ProductInterests = unionStrings(prefs.ProductInterests, attrs.ProductInterests)
}

func unionStrings(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	merged := existing
	for _, v := range incoming {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		merged = append(merged, v)
	}
	return merged
}

// summarizeInteraction renders the one-line record appended to the profile
// history: "Source: X | Type: Y | Outcome: Z".
func summarizeInteraction(conv types.ConversationContext) string {
	var parts []string
	if conv.Attributes.Source != "" {
		parts = append(parts, "Source: "+conv.Attributes.Source)
	}
	if conv.Attributes.TriageCategory != "" {
		parts = append(parts, "Type: "+string(conv.Attributes.TriageCategory))
	}
	if conv.LastOutcomeScore > 0 {
		parts = append(parts, fmt.Sprintf("Outcome: %.2f", conv.LastOutcomeScore))
	}
	if len(parts) == 0 {
		return "General interaction"
	}
	return strings.Join(parts, " | ")
}

// engagementScore is the recency/frequency/monetary mix, each component in
// [0,1], averaged and rounded to three decimals. Recency decays linearly
// over thirty days; frequency saturates at ten folded interactions.
func engagementScore(profile types.LeadProfile, now time.Time) float64 {
	if profile.TotalInteractions == 0 {
		return 0
	}

	recency := 0.0
	if !profile.LastInteractionAt.IsZero() {
		days := now.Sub(profile.LastInteractionAt).Hours() / 24
		recency = math.Max(0, 1-days/30)
	}

	frequency := math.Min(1, float64(len(profile.InteractionSummaries))/10)

	monetary := 0.5
	if profile.MonetaryValue > 0 {
		monetary = math.Min(1, profile.MonetaryValue/monetaryScale)
	}

	score := (recency + frequency + monetary) / 3
	return math.Round(score*1000) / 1000
}
