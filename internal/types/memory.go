package types

import (
	"fmt"
	"time"
)

// Tier identifies one of the four memory categories, each with its own
// consistency and latency profile.
type Tier string

const (
	TierShortTerm Tier = "short_term"
	TierLongTerm  Tier = "long_term"
	TierEpisodic  Tier = "episodic"
	TierSemantic  Tier = "semantic"
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// IsValid checks if the Tier is a known value.
func (t Tier) IsValid() bool {
	switch t {
	case TierShortTerm, TierLongTerm, TierEpisodic, TierSemantic:
		return true
	default:
		return false
	}
}

// PayloadKind tags the closed set of record variants accepted across tiers.
type PayloadKind string

const (
	KindConversationContext PayloadKind = "conversation_context"
	KindLeadProfile         PayloadKind = "lead_profile"
	KindEpisode             PayloadKind = "episode"
	KindConceptNode         PayloadKind = "concept_node"
	KindConceptEdge         PayloadKind = "concept_edge"
)

// allowedKinds maps each tier to the payload kinds it accepts. Anything
// outside this table is rejected at the memory manager boundary.
var allowedKinds = map[Tier][]PayloadKind{
	TierShortTerm: {KindConversationContext},
	TierLongTerm:  {KindLeadProfile},
	TierEpisodic:  {KindEpisode},
	TierSemantic:  {KindConceptNode, KindConceptEdge},
}

// KindAllowed reports whether kind is storable in tier.
func KindAllowed(tier Tier, kind PayloadKind) bool {
	for _, k := range allowedKinds[tier] {
		if k == kind {
			return true
		}
	}
	return false
}

// Payload is the tagged union of storable record variants. Exactly one
// variant field must be set and it must match Kind.
type Payload struct {
	Kind         PayloadKind          `json:"kind"`
	Conversation *ConversationContext `json:"conversation,omitempty"`
	Profile      *LeadProfile         `json:"profile,omitempty"`
	Episode      *Episode             `json:"episode,omitempty"`
	Node         *ConceptNode         `json:"node,omitempty"`
	Edge         *ConceptEdge         `json:"edge,omitempty"`
}

// Validate checks the payload shape against the tier's closed variant set.
func (p *Payload) Validate(tier Tier) error {
	if p == nil {
		return NewError(VALIDATION_ERROR, "payload is required")
	}
	if !KindAllowed(tier, p.Kind) {
		return NewError(VALIDATION_ERROR,
			fmt.Sprintf("payload kind %q is not storable in tier %q", p.Kind, tier))
	}
	set := 0
	for _, present := range []bool{
		p.Conversation != nil, p.Profile != nil, p.Episode != nil,
		p.Node != nil, p.Edge != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return NewError(VALIDATION_ERROR, "payload must carry exactly one variant")
	}

	switch p.Kind {
	case KindConversationContext:
		if p.Conversation == nil {
			return NewError(VALIDATION_ERROR, "conversation variant missing for kind conversation_context")
		}
		return p.Conversation.Validate()
	case KindLeadProfile:
		if p.Profile == nil {
			return NewError(VALIDATION_ERROR, "profile variant missing for kind lead_profile")
		}
		return p.Profile.Validate()
	case KindEpisode:
		if p.Episode == nil {
			return NewError(VALIDATION_ERROR, "episode variant missing for kind episode")
		}
		return p.Episode.Validate()
	case KindConceptNode:
		if p.Node == nil {
			return NewError(VALIDATION_ERROR, "node variant missing for kind concept_node")
		}
		return p.Node.Validate()
	case KindConceptEdge:
		if p.Edge == nil {
			return NewError(VALIDATION_ERROR, "edge variant missing for kind concept_edge")
		}
		return p.Edge.Validate()
	default:
		return NewError(VALIDATION_ERROR, fmt.Sprintf("unknown payload kind %q", p.Kind))
	}
}

// MemoryRecord is a stored entry in one tier. Keys are unique per tier.
// Short-term records carry a mandatory expiry; other tiers never expire
// automatically.
type MemoryRecord struct {
	Tier           Tier       `json:"tier"`
	Key            string     `json:"key"`
	Payload        Payload    `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
}

// Expired reports whether the record has passed its expiry at the given
// instant. Records without an expiry never expire.
func (r *MemoryRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// LeadEventType classifies entries in a conversation's event history.
type LeadEventType string

const (
	EventMessage      LeadEventType = "message"
	EventAgentAction  LeadEventType = "agent_action"
	EventStatusChange LeadEventType = "status_change"
	EventHandoff      LeadEventType = "handoff"
)

// LeadEvent is one entry in the append-only conversation history. Events
// reference each other by id only; there are no object-graph cycles even
// for A->B->A handoff chains.
type LeadEvent struct {
	EventID   ID             `json:"event_id"`
	Type      LeadEventType  `json:"type"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// TriageCategory is the classification assigned by the triage agent.
type TriageCategory string

const (
	TriageCampaignQualified TriageCategory = "Campaign Qualified"
	TriageGeneralInquiry    TriageCategory = "General Inquiry"
	TriageColdLead          TriageCategory = "Cold Lead"
)

// LeadAttributes carries the lead facts agents accumulate during a
// conversation. Consolidation folds these into the LeadProfile.
type LeadAttributes struct {
	Source             string         `json:"source,omitempty"`
	TriageCategory     TriageCategory `json:"triage_category,omitempty"`
	Industry           string         `json:"industry,omitempty"`
	Interests          []string       `json:"interests,omitempty"`
	PreferredChannel   string         `json:"preferred_channel,omitempty"`
	ContactTime        string         `json:"contact_time,omitempty"`
	CommunicationStyle string         `json:"communication_style,omitempty"`
	ProductInterests   []string       `json:"product_interests,omitempty"`
	PredictedValue     float64        `json:"predicted_value,omitempty"`
	DealSize           float64        `json:"deal_size,omitempty"`
}

// ConversationContext is the live working state for one lead. It has at
// most one owning agent at any time; ownership transfers atomically at
// handoff through the coordinator, never by editing this record.
type ConversationContext struct {
	LeadID           string         `json:"lead_id"`
	ConversationID   string         `json:"conversation_id"`
	CurrentAgent     string         `json:"current_agent"`
	InteractionCount int            `json:"interaction_count"`
	LastOutcomeScore float64        `json:"last_outcome_score"`
	History          []LeadEvent    `json:"history,omitempty"`
	Attributes       LeadAttributes `json:"attributes"`
}

// Validate checks required fields and score bounds.
func (c *ConversationContext) Validate() error {
	if c.LeadID == "" {
		return NewError(VALIDATION_ERROR, "conversation context requires lead_id")
	}
	if c.ConversationID == "" {
		return NewError(VALIDATION_ERROR, "conversation context requires conversation_id")
	}
	if c.InteractionCount < 0 {
		return NewError(VALIDATION_ERROR, "interaction_count cannot be negative")
	}
	if c.LastOutcomeScore < 0 || c.LastOutcomeScore > 1 {
		return NewError(VALIDATION_ERROR, "last_outcome_score must be within [0, 1]")
	}
	return nil
}

// AgentActions returns the action names from history entries recorded by
// agents, in order. This is the action sequence an episode preserves.
func (c *ConversationContext) AgentActions() []string {
	var actions []string
	for _, ev := range c.History {
		if ev.Type == EventAgentAction && ev.Action != "" {
			actions = append(actions, ev.Action)
		}
	}
	return actions
}

// Preferences is the durable preference block of a LeadProfile, keyed the
// way downstream campaign tooling expects.
type Preferences struct {
	PreferredChannel   string   `json:"preferred_channel,omitempty"`
	ContactTime        string   `json:"contact_time,omitempty"`
	Interests          []string `json:"interests,omitempty"`
	CommunicationStyle string   `json:"communication_style,omitempty"`
	ProductInterests   []string `json:"product_interests,omitempty"`
}

// ConsolidationMark records what consolidation has already derived from a
// conversation, keeping repeated passes idempotent. Marks are written as
// part of the destination write, so a source record is never considered
// consumed before its derived data is durably stored.
type ConsolidationMark struct {
	FoldedInteractions int  `json:"folded_interactions"`
	EpisodeCreated     bool `json:"episode_created"`
	SemanticApplied    bool `json:"semantic_applied"`
}

// LeadProfile is the long-lived per-lead aggregate. It is mutated only by
// consolidation folding conversation contexts in; agents never write it
// directly mid-conversation.
type LeadProfile struct {
	LeadID               string                       `json:"lead_id"`
	Preferences          Preferences                  `json:"preferences"`
	EngagementScore      float64                      `json:"engagement_score"`
	TotalInteractions    int                          `json:"total_interactions"`
	AvgOutcomeScore      float64                      `json:"avg_outcome_score"`
	MonetaryValue        float64                      `json:"monetary_value"`
	LastInteractionAt    time.Time                    `json:"last_interaction_at"`
	InteractionSummaries []string                     `json:"interaction_summaries,omitempty"`
	Marks                map[string]ConsolidationMark `json:"marks,omitempty"`
}

// Validate checks required fields.
func (p *LeadProfile) Validate() error {
	if p.LeadID == "" {
		return NewError(VALIDATION_ERROR, "lead profile requires lead_id")
	}
	if p.TotalInteractions < 0 {
		return NewError(VALIDATION_ERROR, "total_interactions cannot be negative")
	}
	return nil
}

// MarkFor returns the consolidation mark for a conversation, zero-valued
// if none has been recorded yet.
func (p *LeadProfile) MarkFor(conversationID string) ConsolidationMark {
	if p.Marks == nil {
		return ConsolidationMark{}
	}
	return p.Marks[conversationID]
}

// SetMark stores the consolidation mark for a conversation.
func (p *LeadProfile) SetMark(conversationID string, mark ConsolidationMark) {
	if p.Marks == nil {
		p.Marks = make(map[string]ConsolidationMark)
	}
	p.Marks[conversationID] = mark
}

// Episode captures a successful interaction pattern for later recall:
// what scenario it was, what the context looked like, and which actions
// led to the outcome.
type Episode struct {
	EpisodeID          ID             `json:"episode_id"`
	ScenarioTag        string         `json:"scenario_tag"`
	ContextFingerprint []float64      `json:"context_fingerprint"`
	ActionSequence     []string       `json:"action_sequence,omitempty"`
	OutcomeScore       float64        `json:"outcome_score"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Validate checks required fields and score bounds.
func (e *Episode) Validate() error {
	if e.ScenarioTag == "" {
		return NewError(VALIDATION_ERROR, "episode requires scenario_tag")
	}
	if len(e.ContextFingerprint) == 0 {
		return NewError(VALIDATION_ERROR, "episode requires a context fingerprint")
	}
	if e.OutcomeScore < 0 || e.OutcomeScore > 1 {
		return NewError(VALIDATION_ERROR, "outcome_score must be within [0, 1]")
	}
	return nil
}

// ConceptNode is a named concept in the semantic graph.
type ConceptNode struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Validate checks required fields.
func (n *ConceptNode) Validate() error {
	if n.Name == "" {
		return NewError(VALIDATION_ERROR, "concept node requires a name")
	}
	return nil
}

// ConceptEdge is a typed, weighted relationship between two concepts.
// Strength is maintained by exponential moving average, never overwritten
// wholesale by consolidation.
type ConceptEdge struct {
	FromConcept  string  `json:"from_concept"`
	ToConcept    string  `json:"to_concept"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength"`
}

// Validate checks required fields and strength bounds.
func (e *ConceptEdge) Validate() error {
	if e.FromConcept == "" || e.ToConcept == "" {
		return NewError(VALIDATION_ERROR, "concept edge requires both endpoints")
	}
	if e.FromConcept == e.ToConcept {
		return NewError(VALIDATION_ERROR, "concept edge endpoints must differ")
	}
	if e.Strength < 0 || e.Strength > 1 {
		return NewError(VALIDATION_ERROR, "edge strength must be within [0, 1]")
	}
	return nil
}
