package types

import (
	"fmt"
	"time"
)

// ConversationState is the lifecycle state of a lead conversation.
type ConversationState string

const (
	StateCreated   ConversationState = "created"
	StateTriaged   ConversationState = "triaged"
	StateEngaged   ConversationState = "engaged"
	StateEscalated ConversationState = "escalated"
	StateClosed    ConversationState = "closed"
)

// String returns the string representation of the state.
func (s ConversationState) String() string {
	return string(s)
}

// IsValid checks if the ConversationState is a known value.
func (s ConversationState) IsValid() bool {
	switch s {
	case StateCreated, StateTriaged, StateEngaged, StateEscalated, StateClosed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions leave this state.
func (s ConversationState) IsTerminal() bool {
	return s == StateClosed
}

// validTransitions is the complete edge set of the conversation state
// machine. Escalated returns to Engaged only through human resolution.
var validTransitions = map[ConversationState][]ConversationState{
	StateCreated:   {StateTriaged},
	StateTriaged:   {StateEngaged},
	StateEngaged:   {StateEscalated, StateClosed},
	StateEscalated: {StateEngaged},
	StateClosed:    {},
}

// CanTransitionTo reports whether the move from s to target is legal.
func (s ConversationState) CanTransitionTo(target ConversationState) bool {
	for _, next := range validTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// NextOnHandoff returns the state a conversation enters when work is
// handed to another automated agent. While Engaged, a handoff transfers
// ownership without changing state, which is how cyclic A->B->A chains
// are represented.
func (s ConversationState) NextOnHandoff() (ConversationState, error) {
	switch s {
	case StateCreated:
		return StateTriaged, nil
	case StateTriaged:
		return StateEngaged, nil
	case StateEngaged:
		return StateEngaged, nil
	default:
		return s, NewError(INVALID_STATE,
			fmt.Sprintf("conversation in state %q cannot be handed off", s))
	}
}

// Priority orders handoff deliveries.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// IsValid checks if the Priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	default:
		return false
	}
}

// HandoffRequest asks the coordinator to transfer a conversation from one
// agent to another. HandoffID is the idempotency key: replaying a request
// with an already-processed id returns the original result unchanged.
// TargetAgent is a preference, not a demand; when empty or unavailable the
// escalation policy picks the target.
type HandoffRequest struct {
	HandoffID      string              `json:"handoff_id"`
	LeadID         string              `json:"lead_id"`
	ConversationID string              `json:"conversation_id"`
	SourceAgent    string              `json:"source_agent"`
	TargetAgent    string              `json:"target_agent"`
	Context        ConversationContext `json:"context"`
	Priority       Priority            `json:"priority"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Validate checks required fields.
func (r *HandoffRequest) Validate() error {
	if r.HandoffID == "" {
		return NewError(VALIDATION_ERROR, "handoff requires handoff_id")
	}
	if r.LeadID == "" {
		return NewError(VALIDATION_ERROR, "handoff requires lead_id")
	}
	if r.ConversationID == "" {
		return NewError(VALIDATION_ERROR, "handoff requires conversation_id")
	}
	if r.SourceAgent == "" {
		return NewError(VALIDATION_ERROR, "handoff requires source_agent")
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return NewError(VALIDATION_ERROR, fmt.Sprintf("unknown priority %q", r.Priority))
	}
	return nil
}

// HandoffResult is the recorded outcome of a processed handoff. It is
// persisted per handoff id so idempotent replays see the first outcome.
type HandoffResult struct {
	HandoffID     string            `json:"handoff_id"`
	Accepted      bool              `json:"accepted"`
	NewState      ConversationState `json:"new_state"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	TicketID      ID                `json:"ticket_id,omitempty"`
	Escalated     bool              `json:"escalated"`
	ProcessedAt   time.Time         `json:"processed_at"`
}

// TicketState is the lifecycle state of an escalation ticket.
type TicketState string

const (
	TicketOpen     TicketState = "open"
	TicketResolved TicketState = "resolved"
)

// EscalationTicket tracks a conversation routed to a human operator.
type EscalationTicket struct {
	TicketID           ID          `json:"ticket_id"`
	LeadID             string      `json:"lead_id"`
	ConversationID     string      `json:"conversation_id"`
	Reason             string      `json:"reason"`
	RecommendedActions []string    `json:"recommended_actions,omitempty"`
	State              TicketState `json:"state"`
	CreatedAt          time.Time   `json:"created_at"`
	ResolvedAt         *time.Time  `json:"resolved_at,omitempty"`
}
