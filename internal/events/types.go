package events

import "time"

// EventType identifies the category of an event on the relay bus.
type EventType string

// Pipeline notification events. These are the asynchronous notifications
// the coordinator and directory fan out to subscribed agents; delivery is
// at-least-once and consumers must tolerate duplicates.
const (
	// EventLeadProcessed fires when a conversation closes with an outcome.
	EventLeadProcessed EventType = "lead.processed"

	// EventAgentStatus fires when an agent registers or its reported
	// status or load changes.
	EventAgentStatus EventType = "agent.status"

	// EventHandoffFailed fires when delivery retries are exhausted and a
	// conversation parks pending operator remediation.
	EventHandoffFailed EventType = "handoff.failed"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// Event is one notification on the relay bus. Broadcast callers may publish
// types beyond the canonical constants; filtering treats the type as an
// opaque string.
type Event struct {
	// Type identifies the category of the event.
	Type EventType `json:"type"`

	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// LeadID associates the event with a lead (empty for agent-only events).
	LeadID string `json:"lead_id,omitempty"`

	// ConversationID associates the event with a conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// AgentID identifies the agent the event concerns or originates from.
	AgentID string `json:"agent_id,omitempty"`

	// TraceID and SpanID carry OpenTelemetry correlation from the
	// operation that published the event.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`

	// Payload contains event-specific data: one of the typed payload
	// structs for canonical events, or the caller's map for broadcasts.
	Payload any `json:"payload,omitempty"`
}

// Filter defines subscription criteria. All fields use AND logic; empty
// fields act as wildcards.
type Filter struct {
	// Types filters by event types (empty = all types).
	Types []EventType `json:"types,omitempty"`

	// LeadID filters by lead (empty = all leads).
	LeadID string `json:"lead_id,omitempty"`

	// AgentID filters by agent (empty = all agents).
	AgentID string `json:"agent_id,omitempty"`
}

// Matches reports whether the event satisfies every non-empty criterion.
func (f *Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.LeadID != "" && event.LeadID != f.LeadID {
		return false
	}

	if f.AgentID != "" && event.AgentID != f.AgentID {
		return false
	}

	return true
}

// LeadProcessedPayload contains data for lead.processed events.
type LeadProcessedPayload struct {
	LeadID         string  `json:"lead_id"`
	ConversationID string  `json:"conversation_id"`
	Outcome        float64 `json:"outcome"`
	FinalAgent     string  `json:"final_agent,omitempty"`
}

// AgentStatusPayload contains data for agent.status events.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Load    int    `json:"load"`
}

// HandoffFailedPayload contains data for handoff.failed events.
type HandoffFailedPayload struct {
	HandoffID      string `json:"handoff_id"`
	LeadID         string `json:"lead_id"`
	ConversationID string `json:"conversation_id"`
	SourceAgent    string `json:"source_agent"`
	TargetAgent    string `json:"target_agent,omitempty"`
	Reason         string `json:"reason"`
}
