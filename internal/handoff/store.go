package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inflo-ai/relay/internal/database"
	"github.com/inflo-ai/relay/internal/types"
)

// Conversation is the coordinator's persistent record for one lead
// conversation: its lifecycle state, its owning agent, and whether a failed
// delivery has parked it.
type Conversation struct {
	ConversationID string                  `json:"conversation_id"`
	LeadID         string                  `json:"lead_id"`
	State          types.ConversationState `json:"state"`
	OwnerAgent     string                  `json:"owner_agent"`
	Parked         bool                    `json:"parked"`
	ParkedReason   string                  `json:"parked_reason,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Event is one entry in a conversation's append-only event log. Entries
// reference conversations and each other by id only.
type Event struct {
	EventID        types.ID            `json:"event_id"`
	ConversationID string              `json:"conversation_id"`
	Type           types.LeadEventType `json:"type"`
	Actor          string              `json:"actor"`
	Action         string              `json:"action,omitempty"`
	RecordedAt     time.Time           `json:"recorded_at"`
	Data           map[string]any      `json:"data,omitempty"`
}

// Store persists coordinator state on the shared relay database:
// conversations, their event logs, processed handoff results, and
// escalation tickets. Rows carry the timestamps the coordinator stamps;
// mutations that must land together run through WithTx.
type Store struct {
	db *database.DB
}

// NewStore creates a coordinator store. The database is shared with the
// long-term tier and owned by the composition root.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Tx is an open transaction over the coordinator's tables. The mutations a
// caller composes on it commit or roll back as a unit.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// WithTx runs fn inside a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithTx(ctx, func(sqlTx *sql.Tx) error {
		return fn(&Tx{tx: sqlTx, ctx: ctx})
	})
}

// InsertConversation creates a conversation row, failing with INVALID_STATE
// when the id is already taken.
func (t *Tx) InsertConversation(conv Conversation) error {
	var existing string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT conversation_id FROM conversations WHERE conversation_id = ?`,
		conv.ConversationID,
	).Scan(&existing)
	if err == nil {
		return types.NewError(types.INVALID_STATE,
			fmt.Sprintf("conversation already exists: %s", conv.ConversationID))
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to check conversation", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO conversations (conversation_id, lead_id, state, owner_agent, parked, parked_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ConversationID, conv.LeadID, string(conv.State), conv.OwnerAgent,
		conv.Parked, conv.ParkedReason, conv.CreatedAt.UTC(), conv.UpdatedAt.UTC())
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to insert conversation", err)
	}
	return nil
}

// UpdateConversation rewrites the mutable columns of a conversation row.
func (t *Tx) UpdateConversation(conv Conversation) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE conversations
		SET state = ?, owner_agent = ?, parked = ?, parked_reason = ?, updated_at = ?
		WHERE conversation_id = ?
	`, string(conv.State), conv.OwnerAgent, conv.Parked, conv.ParkedReason,
		conv.UpdatedAt.UTC(), conv.ConversationID)
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to update conversation", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to confirm conversation update", err)
	}
	if affected == 0 {
		return types.NewError(types.NOT_FOUND,
			fmt.Sprintf("conversation not found: %s", conv.ConversationID))
	}
	return nil
}

// AppendEvent adds one entry to the conversation's event log.
func (t *Tx) AppendEvent(event Event) error {
	var data any
	if len(event.Data) > 0 {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return types.WrapError(types.INTERNAL_ERROR, "failed to encode event data", err)
		}
		data = string(encoded)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO conversation_events (event_id, conversation_id, event_type, actor, action, recorded_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.EventID.String(), event.ConversationID, string(event.Type),
		event.Actor, event.Action, event.RecordedAt.UTC(), data)
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to append conversation event", err)
	}
	return nil
}

// SaveResult persists the outcome of a processed handoff. Saving again
// under the same handoff id replaces the stored outcome, which is how a
// delivery failure discovered after the transition updates the record the
// original caller and every replay will see.
func (t *Tx) SaveResult(leadID, conversationID string, result types.HandoffResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "failed to encode handoff result", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO handoff_results (handoff_id, conversation_id, lead_id, result, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(handoff_id) DO UPDATE SET
			result = excluded.result,
			processed_at = excluded.processed_at
	`, result.HandoffID, conversationID, leadID, string(doc), result.ProcessedAt.UTC())
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to save handoff result", err)
	}
	return nil
}

// InsertTicket creates an escalation ticket row.
func (t *Tx) InsertTicket(ticket types.EscalationTicket) error {
	var actions any
	if len(ticket.RecommendedActions) > 0 {
		encoded, err := json.Marshal(ticket.RecommendedActions)
		if err != nil {
			return types.WrapError(types.INTERNAL_ERROR, "failed to encode recommended actions", err)
		}
		actions = string(encoded)
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO escalation_tickets (ticket_id, lead_id, conversation_id, reason, recommended_actions, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ticket.TicketID.String(), ticket.LeadID, ticket.ConversationID,
		ticket.Reason, actions, string(ticket.State), ticket.CreatedAt.UTC())
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to insert escalation ticket", err)
	}
	return nil
}

// ResolveTicket marks a ticket resolved.
func (t *Tx) ResolveTicket(ticketID types.ID, resolvedAt time.Time) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE escalation_tickets
		SET state = ?, resolved_at = ?
		WHERE ticket_id = ?
	`, string(types.TicketResolved), resolvedAt.UTC(), ticketID.String())
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to resolve ticket", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to confirm ticket resolution", err)
	}
	if affected == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("escalation ticket not found: %s", ticketID))
	}
	return nil
}

const conversationColumns = `conversation_id, lead_id, state, owner_agent, parked, parked_reason, created_at, updated_at`

// GetConversation retrieves a conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "conversation id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`,
		conversationID)

	conv, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, types.NewError(types.NOT_FOUND,
			fmt.Sprintf("conversation not found: %s", conversationID))
	}
	return conv, err
}

// ActiveConversationByLead returns the lead's most recently opened
// conversation that has not closed.
func (s *Store) ActiveConversationByLead(ctx context.Context, leadID string) (Conversation, error) {
	if leadID == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "lead id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE lead_id = ? AND state != ?
		ORDER BY created_at DESC, conversation_id DESC
		LIMIT 1
	`, leadID, string(types.StateClosed))

	conv, err := scanConversation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, types.NewError(types.NOT_FOUND,
			fmt.Sprintf("no active conversation for lead: %s", leadID))
	}
	return conv, err
}

// ListParked returns the conversations parked by failed deliveries, oldest
// first, which is the order operators should work them in.
func (s *Store) ListParked(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE parked = ? ORDER BY updated_at ASC`,
		true)
	if err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to query parked conversations", err)
	}
	defer rows.Close()

	var parked []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		parked = append(parked, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan parked conversations", err)
	}
	return parked, nil
}

// GetResult retrieves the stored outcome of a processed handoff.
func (s *Store) GetResult(ctx context.Context, handoffID string) (types.HandoffResult, error) {
	if handoffID == "" {
		return types.HandoffResult{}, types.NewError(types.VALIDATION_ERROR, "handoff id is required")
	}

	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM handoff_results WHERE handoff_id = ?`, handoffID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return types.HandoffResult{}, types.NewError(types.NOT_FOUND,
			fmt.Sprintf("handoff result not found: %s", handoffID))
	}
	if err != nil {
		return types.HandoffResult{}, types.WrapRetryableError(types.UNAVAILABLE, "failed to read handoff result", err)
	}

	var result types.HandoffResult
	if err := json.Unmarshal([]byte(doc), &result); err != nil {
		return types.HandoffResult{}, types.WrapError(types.INTERNAL_ERROR, "failed to decode handoff result", err)
	}
	return result, nil
}

// GetTicket retrieves an escalation ticket by id.
func (s *Store) GetTicket(ctx context.Context, ticketID types.ID) (types.EscalationTicket, error) {
	if ticketID.IsZero() {
		return types.EscalationTicket{}, types.NewError(types.VALIDATION_ERROR, "ticket id is required")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_id, lead_id, conversation_id, reason, recommended_actions, state, created_at, resolved_at
		FROM escalation_tickets
		WHERE ticket_id = ?
	`, ticketID.String())

	ticket, err := scanTicket(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.EscalationTicket{}, types.NewError(types.NOT_FOUND,
			fmt.Sprintf("escalation ticket not found: %s", ticketID))
	}
	return ticket, err
}

// OpenTickets returns unresolved tickets, oldest first.
func (s *Store) OpenTickets(ctx context.Context) ([]types.EscalationTicket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id, lead_id, conversation_id, reason, recommended_actions, state, created_at, resolved_at
		FROM escalation_tickets
		WHERE state = ?
		ORDER BY created_at ASC
	`, string(types.TicketOpen))
	if err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to query open tickets", err)
	}
	defer rows.Close()

	var tickets []types.EscalationTicket
	for rows.Next() {
		ticket, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan open tickets", err)
	}
	return tickets, nil
}

// UpdateTicketRecommendations attaches recommended actions to a ticket after
// the fact. Recall runs outside the escalation transaction so the lead lock
// is never held across a store round trip.
func (s *Store) UpdateTicketRecommendations(ctx context.Context, ticketID types.ID, actions []string) error {
	encoded, err := json.Marshal(actions)
	if err != nil {
		return types.WrapError(types.INTERNAL_ERROR, "failed to encode recommended actions", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE escalation_tickets SET recommended_actions = ? WHERE ticket_id = ?`,
		string(encoded), ticketID.String())
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to update ticket recommendations", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapRetryableError(types.UNAVAILABLE, "failed to confirm ticket update", err)
	}
	if affected == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("escalation ticket not found: %s", ticketID))
	}
	return nil
}

// Events returns a conversation's event log in arrival order.
func (s *Store) Events(ctx context.Context, conversationID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, conversation_id, event_type, actor, action, recorded_at, data
		FROM conversation_events
		WHERE conversation_id = ?
		ORDER BY rowid ASC
	`, conversationID)
	if err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to query conversation events", err)
	}
	defer rows.Close()

	var log []Event
	for rows.Next() {
		var (
			event  Event
			id     string
			etype  string
			action sql.NullString
			data   sql.NullString
		)
		if err := rows.Scan(&id, &event.ConversationID, &etype, &event.Actor, &action, &event.RecordedAt, &data); err != nil {
			return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan conversation event", err)
		}
		event.EventID = types.ID(id)
		event.Type = types.LeadEventType(etype)
		event.Action = action.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, types.WrapError(types.INTERNAL_ERROR, "failed to decode event data", err)
			}
		}
		log = append(log, event)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan conversation events", err)
	}
	return log, nil
}

func scanConversation(scan func(dest ...any) error) (Conversation, error) {
	var (
		conv   Conversation
		state  string
		reason sql.NullString
	)
	err := scan(&conv.ConversationID, &conv.LeadID, &state, &conv.OwnerAgent,
		&conv.Parked, &reason, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan conversation row", err)
	}
	conv.State = types.ConversationState(state)
	conv.ParkedReason = reason.String
	return conv, nil
}

func scanTicket(scan func(dest ...any) error) (types.EscalationTicket, error) {
	var (
		ticket     types.EscalationTicket
		id         string
		actions    sql.NullString
		state      string
		resolvedAt sql.NullTime
	)
	err := scan(&id, &ticket.LeadID, &ticket.ConversationID, &ticket.Reason,
		&actions, &state, &ticket.CreatedAt, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.EscalationTicket{}, err
		}
		return types.EscalationTicket{}, types.WrapRetryableError(types.UNAVAILABLE, "failed to scan ticket row", err)
	}

	ticket.TicketID = types.ID(id)
	ticket.State = types.TicketState(state)
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &ticket.RecommendedActions); err != nil {
			return types.EscalationTicket{}, types.WrapError(types.INTERNAL_ERROR, "failed to decode recommended actions", err)
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		ticket.ResolvedAt = &t
	}
	return ticket, nil
}
