// Package handoff coordinates conversation ownership across the agent
// fleet. A conversation moves Created -> Triaged -> Engaged and ends
// Closed or detours through Escalated when a human takes over; every
// move is decided here, persisted in SQLite, and appended to the
// conversation's event log.
//
// Handoffs are idempotent. The handoff id is the idempotency key: the
// first request to process it transitions state and ownership exactly
// once, and every replay, including replays racing the original, returns
// the stored outcome without touching the conversation again.
//
// Delivery to the target agent happens after the transition commits and
// after the lead lock is released. When delivery retries exhaust, the
// conversation parks: ownership reverts to the source agent, automated
// transfer is blocked until an operator unparks it, and a handoff.failed
// notification fans out.
package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/directory"
	"github.com/inflo-ai/relay/internal/escalate"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/resilience"
	"github.com/inflo-ai/relay/internal/types"
)

// Options carries the coordinator's optional collaborators and tuning.
type Options struct {
	// Queue receives escalation tickets for human pickup. Nil disables
	// the live feed; tickets still persist and remain listable.
	Queue *HumanQueue

	// Bus carries lead.processed and handoff.failed notifications. Nil
	// disables publishing.
	Bus events.Bus

	// Memory supplies episodic recall for ticket recommendations. Nil
	// leaves tickets without recommended actions.
	Memory memory.Manager

	// Retry governs inbox delivery attempts. Nil uses the default
	// policy of 3 attempts with exponential backoff.
	Retry *resilience.RetryConfig

	// FingerprintDimension is the recall probe width. Zero uses the
	// consolidation default.
	FingerprintDimension int
}

// Coordinator is the single writer for conversation state and ownership.
// It shares its keyed lock registry with the memory manager, so a handoff
// for a lead never overlaps consolidation for the same lead.
type Coordinator struct {
	store    *Store
	registry *directory.Registry
	policy   escalate.Policy
	locks    *locking.KeyedMutex
	logger   *observability.TracedLogger

	queue          *HumanQueue
	bus            events.Bus
	memory         memory.Manager
	retry          *resilience.RetryConfig
	fingerprintDim int

	now func() time.Time
}

// NewCoordinator creates a coordinator. store, registry, and locks are
// required; everything in opts degrades gracefully when absent.
func NewCoordinator(store *Store, registry *directory.Registry, policy escalate.Policy,
	locks *locking.KeyedMutex, logger *observability.TracedLogger, opts Options) *Coordinator {
	if locks == nil {
		locks = locking.NewKeyedMutex()
	}
	retry := opts.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	dim := opts.FingerprintDimension
	if dim <= 0 {
		dim = consolidate.DefaultFingerprintDimension
	}

	return &Coordinator{
		store:          store,
		registry:       registry,
		policy:         policy,
		locks:          locks,
		logger:         logger.WithComponent("handoff"),
		queue:          opts.Queue,
		bus:            opts.Bus,
		memory:         opts.Memory,
		retry:          retry,
		fingerprintDim: dim,
		now:            time.Now,
	}
}

// OpenConversation registers a new conversation in state Created with the
// given agent as owner.
func (c *Coordinator) OpenConversation(ctx context.Context, leadID, conversationID, ownerAgent string) (Conversation, error) {
	if leadID == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "conversation requires lead_id")
	}
	if conversationID == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "conversation requires conversation_id")
	}
	if ownerAgent == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "conversation requires an owning agent")
	}

	release, err := c.locks.Lock(ctx, leadID)
	if err != nil {
		return Conversation{}, err
	}
	defer release()

	now := c.now().UTC()
	conv := Conversation{
		ConversationID: conversationID,
		LeadID:         leadID,
		State:          types.StateCreated,
		OwnerAgent:     ownerAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertConversation(conv); err != nil {
			return err
		}
		return tx.AppendEvent(c.newEvent(conversationID, types.EventStatusChange, ownerAgent,
			"conversation_opened", map[string]any{"state": string(types.StateCreated)}))
	})
	if err != nil {
		return Conversation{}, err
	}

	c.adjustLoad(ctx, ownerAgent, 1)
	c.logger.Info(ctx, "conversation opened",
		"lead_id", leadID,
		"conversation_id", conversationID,
		"owner", ownerAgent)
	return conv, nil
}

// RequestHandoff transfers a conversation to the next agent, or escalates
// it to a human when the policy says so. Replaying an already-processed
// handoff id returns the stored result without re-executing anything.
func (c *Coordinator) RequestHandoff(ctx context.Context, req types.HandoffRequest) (types.HandoffResult, error) {
	if err := req.Validate(); err != nil {
		return types.HandoffResult{}, err
	}

	// Fast path for replays; re-checked under the lock before committing.
	if result, err := c.replayedResult(ctx, req.HandoffID); err != nil {
		return types.HandoffResult{}, err
	} else if result != nil {
		return *result, nil
	}

	release, err := c.locks.Lock(ctx, req.LeadID)
	if err != nil {
		return types.HandoffResult{}, err
	}
	defer release()

	if result, err := c.replayedResult(ctx, req.HandoffID); err != nil {
		return types.HandoffResult{}, err
	} else if result != nil {
		return *result, nil
	}

	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return types.HandoffResult{}, err
	}
	if conv.LeadID != req.LeadID {
		return types.HandoffResult{}, types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("conversation %s belongs to lead %s, not %s",
				req.ConversationID, conv.LeadID, req.LeadID))
	}
	if conv.Parked {
		return types.HandoffResult{}, types.NewError(types.HANDOFF_FAILED,
			fmt.Sprintf("conversation %s is parked after a failed delivery; unpark it before handing off",
				req.ConversationID))
	}
	if conv.OwnerAgent != req.SourceAgent {
		return types.HandoffResult{}, types.NewError(types.OWNERSHIP_ERROR,
			fmt.Sprintf("agent %q does not own conversation %s (owner is %q)",
				req.SourceAgent, req.ConversationID, conv.OwnerAgent))
	}

	next, err := conv.State.NextOnHandoff()
	if err != nil {
		return types.HandoffResult{}, err
	}

	candidates := c.handoffCandidates(ctx, req)
	decision := c.policy.Decide(req.Context, req.TargetAgent, candidates)

	if decision.Escalated() {
		return c.escalateHandoff(ctx, req, conv, decision, release)
	}
	return c.assignHandoff(ctx, req, conv, next, decision.AgentID, release)
}

// handoffCandidates snapshots the agents the policy may route to. The
// source is excluded; handing a conversation back to its requester is
// never a transfer.
func (c *Coordinator) handoffCandidates(ctx context.Context, req types.HandoffRequest) []types.Candidate {
	category := string(req.Context.Attributes.TriageCategory)
	all := c.registry.CandidatesFor(ctx, category)

	candidates := all[:0]
	for _, candidate := range all {
		if candidate.AgentID != req.SourceAgent {
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

// escalateHandoff commits the escalation branch of a handoff: ticket
// created, state Escalated, source ownership released.
func (c *Coordinator) escalateHandoff(ctx context.Context, req types.HandoffRequest,
	conv Conversation, decision escalate.Decision, release func()) (types.HandoffResult, error) {
	now := c.now().UTC()
	ticket := types.EscalationTicket{
		TicketID:       types.NewID(),
		LeadID:         req.LeadID,
		ConversationID: req.ConversationID,
		Reason:         decision.Reason,
		State:          types.TicketOpen,
		CreatedAt:      now,
	}

	updated := conv
	updated.State = types.StateEscalated
	updated.OwnerAgent = ""
	updated.UpdatedAt = now

	result := types.HandoffResult{
		HandoffID:   req.HandoffID,
		Accepted:    true,
		NewState:    types.StateEscalated,
		TicketID:    ticket.TicketID,
		Escalated:   true,
		ProcessedAt: now,
	}

	err := c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		if err := tx.InsertTicket(ticket); err != nil {
			return err
		}
		if err := tx.AppendEvent(c.newEvent(req.ConversationID, types.EventHandoff, req.SourceAgent,
			"handoff_escalated", map[string]any{
				"ticket_id": ticket.TicketID.String(),
				"reason":    decision.Reason,
			})); err != nil {
			return err
		}
		return tx.SaveResult(req.LeadID, req.ConversationID, result)
	})
	if err != nil {
		return types.HandoffResult{}, err
	}

	c.adjustLoad(ctx, req.SourceAgent, -1)

	// Recall and the queue hand-off are store round trips; the lead lock
	// must not cover them.
	release()
	c.enrichAndQueueTicket(ctx, ticket, req.Context, true)

	c.logger.Info(ctx, "handoff escalated to human",
		"handoff_id", req.HandoffID,
		"lead_id", req.LeadID,
		"conversation_id", req.ConversationID,
		"ticket_id", ticket.TicketID,
		"reason", decision.Reason)
	return result, nil
}

// assignHandoff commits the agent branch of a handoff and delivers the
// payload to the target's inbox after releasing the lead lock.
func (c *Coordinator) assignHandoff(ctx context.Context, req types.HandoffRequest,
	conv Conversation, next types.ConversationState, target string, release func()) (types.HandoffResult, error) {
	now := c.now().UTC()

	updated := conv
	updated.State = next
	updated.OwnerAgent = target
	updated.UpdatedAt = now

	result := types.HandoffResult{
		HandoffID:     req.HandoffID,
		Accepted:      true,
		NewState:      next,
		AssignedAgent: target,
		ProcessedAt:   now,
	}

	err := c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		if err := tx.AppendEvent(c.newEvent(req.ConversationID, types.EventHandoff, req.SourceAgent,
			"handoff_accepted", map[string]any{
				"target_agent": target,
				"state":        string(next),
			})); err != nil {
			return err
		}
		return tx.SaveResult(req.LeadID, req.ConversationID, result)
	})
	if err != nil {
		return types.HandoffResult{}, err
	}

	c.adjustLoad(ctx, req.SourceAgent, -1)
	c.adjustLoad(ctx, target, 1)

	// Delivery happens outside the lead lock so a slow or offline target
	// never stalls other work on this lead.
	release()

	delivery := directory.Delivery{
		HandoffID:      req.HandoffID,
		LeadID:         req.LeadID,
		ConversationID: req.ConversationID,
		SourceAgent:    req.SourceAgent,
		Priority:       priorityOrDefault(req.Priority),
		Context:        req.Context,
	}
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.registry.Deliver(ctx, target, delivery)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-retry: the transition stands, nothing is
			// parked, and a replay of this handoff id sees the stored
			// result.
			return types.HandoffResult{}, ctx.Err()
		}
		return c.parkHandoff(ctx, req, target, err)
	}

	c.logger.Info(ctx, "handoff delivered",
		"handoff_id", req.HandoffID,
		"lead_id", req.LeadID,
		"conversation_id", req.ConversationID,
		"source", req.SourceAgent,
		"target", target,
		"state", string(next))
	return result, nil
}

// parkHandoff records delivery exhaustion: ownership reverts to the source
// agent, the conversation parks until an operator intervenes, and the
// stored result flips to not accepted so the caller and every replay see
// the real outcome.
func (c *Coordinator) parkHandoff(ctx context.Context, req types.HandoffRequest,
	target string, deliveryErr error) (types.HandoffResult, error) {
	release, err := c.locks.Lock(ctx, req.LeadID)
	if err != nil {
		return types.HandoffResult{}, err
	}
	defer release()

	conv, err := c.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return types.HandoffResult{}, err
	}

	now := c.now().UTC()
	updated := conv
	updated.OwnerAgent = req.SourceAgent
	updated.Parked = true
	updated.ParkedReason = fmt.Sprintf("delivery to agent %q failed: %v", target, deliveryErr)
	updated.UpdatedAt = now

	result := types.HandoffResult{
		HandoffID:   req.HandoffID,
		Accepted:    false,
		NewState:    conv.State,
		ProcessedAt: now,
	}

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		if err := tx.AppendEvent(c.newEvent(req.ConversationID, types.EventHandoff, req.SourceAgent,
			"delivery_failed", map[string]any{
				"target_agent": target,
				"error":        deliveryErr.Error(),
			})); err != nil {
			return err
		}
		return tx.SaveResult(req.LeadID, req.ConversationID, result)
	})
	if err != nil {
		return types.HandoffResult{}, err
	}

	c.adjustLoad(ctx, target, -1)
	c.adjustLoad(ctx, req.SourceAgent, 1)

	release()
	c.publish(ctx, events.Event{
		Type:           events.EventHandoffFailed,
		LeadID:         req.LeadID,
		ConversationID: req.ConversationID,
		AgentID:        req.SourceAgent,
		Payload: events.HandoffFailedPayload{
			HandoffID:      req.HandoffID,
			LeadID:         req.LeadID,
			ConversationID: req.ConversationID,
			SourceAgent:    req.SourceAgent,
			TargetAgent:    target,
			Reason:         deliveryErr.Error(),
		},
	})

	c.logger.Error(ctx, "handoff delivery failed, conversation parked",
		"handoff_id", req.HandoffID,
		"lead_id", req.LeadID,
		"conversation_id", req.ConversationID,
		"target", target,
		"error", deliveryErr)
	return result, nil
}

// Escalate routes a conversation to a human at its owner's request. Either
// identifier resolves the conversation: a conversation id directly, a lead
// id through the lead's active conversation.
func (c *Coordinator) Escalate(ctx context.Context, leadID, conversationID, reason, requestedBy string) (types.EscalationTicket, error) {
	if reason == "" {
		return types.EscalationTicket{}, types.NewError(types.VALIDATION_ERROR, "escalation requires a reason")
	}
	if requestedBy == "" {
		return types.EscalationTicket{}, types.NewError(types.VALIDATION_ERROR, "escalation requires the requesting agent")
	}
	if leadID == "" && conversationID == "" {
		return types.EscalationTicket{}, types.NewError(types.VALIDATION_ERROR,
			"escalation requires lead_id or conversation_id")
	}

	conv, release, err := c.resolveAndLock(ctx, leadID, conversationID)
	if err != nil {
		return types.EscalationTicket{}, err
	}
	defer release()

	// State checks come first: an escalated conversation has no owner, so
	// the ownership error would mislead.
	if conv.State == types.StateEscalated {
		return types.EscalationTicket{}, types.NewError(types.INVALID_STATE,
			fmt.Sprintf("conversation %s is already escalated", conv.ConversationID))
	}
	if conv.State.IsTerminal() {
		return types.EscalationTicket{}, types.NewError(types.INVALID_STATE,
			fmt.Sprintf("closed conversation %s cannot be escalated", conv.ConversationID))
	}
	if conv.OwnerAgent != requestedBy {
		return types.EscalationTicket{}, types.NewError(types.OWNERSHIP_ERROR,
			fmt.Sprintf("agent %q does not own conversation %s (owner is %q)",
				requestedBy, conv.ConversationID, conv.OwnerAgent))
	}

	now := c.now().UTC()
	ticket := types.EscalationTicket{
		TicketID:       types.NewID(),
		LeadID:         conv.LeadID,
		ConversationID: conv.ConversationID,
		Reason:         reason,
		State:          types.TicketOpen,
		CreatedAt:      now,
	}

	updated := conv
	updated.State = types.StateEscalated
	updated.OwnerAgent = ""
	updated.Parked = false
	updated.ParkedReason = ""
	updated.UpdatedAt = now

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		if err := tx.InsertTicket(ticket); err != nil {
			return err
		}
		return tx.AppendEvent(c.newEvent(conv.ConversationID, types.EventStatusChange, requestedBy,
			"escalated", map[string]any{
				"ticket_id": ticket.TicketID.String(),
				"reason":    reason,
			}))
	})
	if err != nil {
		return types.EscalationTicket{}, err
	}

	c.adjustLoad(ctx, requestedBy, -1)

	release()
	snapshot, haveSnapshot := c.contextSnapshot(ctx, conv.ConversationID)
	ticket = c.enrichAndQueueTicket(ctx, ticket, snapshot, haveSnapshot)

	c.logger.Info(ctx, "conversation escalated",
		"lead_id", conv.LeadID,
		"conversation_id", conv.ConversationID,
		"ticket_id", ticket.TicketID,
		"requested_by", requestedBy,
		"reason", reason)
	return ticket, nil
}

// ResolveEscalation hands an escalated conversation back to the automated
// pipeline: the ticket resolves, the conversation returns to Engaged, and
// the chosen agent takes ownership.
func (c *Coordinator) ResolveEscalation(ctx context.Context, ticketID types.ID, targetAgent string) (Conversation, error) {
	if ticketID.IsZero() {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "resolution requires ticket_id")
	}
	if targetAgent == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "resolution requires target_agent")
	}

	// The unlocked read only discovers the lock key; everything is
	// re-read under the lock before being trusted.
	peek, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return Conversation{}, err
	}

	release, err := c.locks.Lock(ctx, peek.LeadID)
	if err != nil {
		return Conversation{}, err
	}
	defer release()

	ticket, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return Conversation{}, err
	}
	if ticket.State == types.TicketResolved {
		return Conversation{}, types.NewError(types.INVALID_STATE,
			fmt.Sprintf("escalation ticket %s is already resolved", ticketID))
	}

	conv, err := c.store.GetConversation(ctx, ticket.ConversationID)
	if err != nil {
		return Conversation{}, err
	}
	if conv.State != types.StateEscalated {
		return Conversation{}, types.NewError(types.INVALID_STATE,
			fmt.Sprintf("conversation %s is not escalated (state %q)", conv.ConversationID, conv.State))
	}

	now := c.now().UTC()
	updated := conv
	updated.State = types.StateEngaged
	updated.OwnerAgent = targetAgent
	updated.UpdatedAt = now

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		if err := tx.ResolveTicket(ticketID, now); err != nil {
			return err
		}
		return tx.AppendEvent(c.newEvent(conv.ConversationID, types.EventStatusChange, "operator",
			"escalation_resolved", map[string]any{
				"ticket_id":    ticketID.String(),
				"target_agent": targetAgent,
			}))
	})
	if err != nil {
		return Conversation{}, err
	}

	c.adjustLoad(ctx, targetAgent, 1)
	c.logger.Info(ctx, "escalation resolved",
		"ticket_id", ticketID,
		"lead_id", conv.LeadID,
		"conversation_id", conv.ConversationID,
		"target", targetAgent)
	return updated, nil
}

// Close ends a conversation. Only the owning agent may close, and only
// from Engaged; the recorded outcome feeds the lead.processed event.
func (c *Coordinator) Close(ctx context.Context, conversationID, closedBy string, outcome float64) error {
	if conversationID == "" {
		return types.NewError(types.VALIDATION_ERROR, "close requires conversation_id")
	}
	if closedBy == "" {
		return types.NewError(types.VALIDATION_ERROR, "close requires the closing agent")
	}
	if outcome < 0 || outcome > 1 {
		return types.NewError(types.VALIDATION_ERROR, "outcome must be within [0, 1]")
	}

	conv, release, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	if conv.OwnerAgent != closedBy {
		return types.NewError(types.OWNERSHIP_ERROR,
			fmt.Sprintf("agent %q does not own conversation %s (owner is %q)",
				closedBy, conversationID, conv.OwnerAgent))
	}
	if !conv.State.CanTransitionTo(types.StateClosed) {
		return types.NewError(types.INVALID_STATE,
			fmt.Sprintf("conversation in state %q cannot be closed", conv.State))
	}

	now := c.now().UTC()
	updated := conv
	updated.State = types.StateClosed
	updated.Parked = false
	updated.ParkedReason = ""
	updated.UpdatedAt = now

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		return tx.AppendEvent(c.newEvent(conversationID, types.EventStatusChange, closedBy,
			"closed", map[string]any{"outcome": outcome}))
	})
	if err != nil {
		return err
	}

	c.adjustLoad(ctx, closedBy, -1)

	release()
	c.publish(ctx, events.Event{
		Type:           events.EventLeadProcessed,
		LeadID:         conv.LeadID,
		ConversationID: conversationID,
		AgentID:        closedBy,
		Payload: events.LeadProcessedPayload{
			LeadID:         conv.LeadID,
			ConversationID: conversationID,
			Outcome:        outcome,
			FinalAgent:     closedBy,
		},
	})

	c.logger.Info(ctx, "conversation closed",
		"lead_id", conv.LeadID,
		"conversation_id", conversationID,
		"closed_by", closedBy,
		"outcome", outcome)
	return nil
}

// Unpark lifts the delivery-failure block so the owner can retry a handoff
// with a fresh handoff id.
func (c *Coordinator) Unpark(ctx context.Context, conversationID, operator string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, types.NewError(types.VALIDATION_ERROR, "unpark requires conversation_id")
	}
	if operator == "" {
		operator = "operator"
	}

	conv, release, err := c.lockConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	defer release()

	if !conv.Parked {
		return Conversation{}, types.NewError(types.INVALID_STATE,
			fmt.Sprintf("conversation %s is not parked", conversationID))
	}

	updated := conv
	updated.Parked = false
	updated.ParkedReason = ""
	updated.UpdatedAt = c.now().UTC()

	err = c.store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateConversation(updated); err != nil {
			return err
		}
		return tx.AppendEvent(c.newEvent(conversationID, types.EventStatusChange, operator,
			"unparked", nil))
	})
	if err != nil {
		return Conversation{}, err
	}

	c.logger.Info(ctx, "conversation unparked",
		"lead_id", conv.LeadID,
		"conversation_id", conversationID,
		"operator", operator)
	return updated, nil
}

// FailedHandoffs lists the conversations parked by delivery failures,
// oldest first.
func (c *Coordinator) FailedHandoffs(ctx context.Context) ([]Conversation, error) {
	return c.store.ListParked(ctx)
}

// Events returns a conversation's append-only event log in arrival order.
func (c *Coordinator) Events(ctx context.Context, conversationID string) ([]Event, error) {
	if conversationID == "" {
		return nil, types.NewError(types.VALIDATION_ERROR, "conversation id is required")
	}
	return c.store.Events(ctx, conversationID)
}

// replayedResult returns the stored outcome for a handoff id, nil when the
// id has never been processed.
func (c *Coordinator) replayedResult(ctx context.Context, handoffID string) (*types.HandoffResult, error) {
	result, err := c.store.GetResult(ctx, handoffID)
	if err != nil {
		if types.CodeOf(err) == types.NOT_FOUND {
			return nil, nil
		}
		return nil, err
	}
	c.logger.Debug(ctx, "handoff replayed", "handoff_id", handoffID)
	return &result, nil
}

// resolveAndLock finds the conversation by whichever identifier the caller
// gave and returns it re-read under its lead's lock.
func (c *Coordinator) resolveAndLock(ctx context.Context, leadID, conversationID string) (Conversation, func(), error) {
	if conversationID != "" {
		conv, release, err := c.lockConversation(ctx, conversationID)
		if err != nil {
			return Conversation{}, nil, err
		}
		if leadID != "" && conv.LeadID != leadID {
			release()
			return Conversation{}, nil, types.NewError(types.VALIDATION_ERROR,
				fmt.Sprintf("conversation %s belongs to lead %s, not %s",
					conversationID, conv.LeadID, leadID))
		}
		return conv, release, nil
	}

	release, err := c.locks.Lock(ctx, leadID)
	if err != nil {
		return Conversation{}, nil, err
	}
	conv, err := c.store.ActiveConversationByLead(ctx, leadID)
	if err != nil {
		release()
		return Conversation{}, nil, err
	}
	return conv, release, nil
}

// lockConversation resolves the conversation's lead, takes the lead lock,
// and reloads the row under it. The unlocked read only discovers the lock
// key; the locked reload is what callers may trust.
func (c *Coordinator) lockConversation(ctx context.Context, conversationID string) (Conversation, func(), error) {
	peek, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, nil, err
	}

	release, err := c.locks.Lock(ctx, peek.LeadID)
	if err != nil {
		return Conversation{}, nil, err
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		release()
		return Conversation{}, nil, err
	}
	return conv, release, nil
}

// enrichAndQueueTicket attaches recommended actions from episodic recall
// and offers the ticket to the human queue. Both steps are best-effort:
// the persisted ticket is already authoritative, and operators who miss
// the live feed find it through OpenTickets.
func (c *Coordinator) enrichAndQueueTicket(ctx context.Context, ticket types.EscalationTicket,
	snapshot types.ConversationContext, haveSnapshot bool) types.EscalationTicket {
	if haveSnapshot {
		if actions := c.recommendActions(ctx, snapshot); len(actions) > 0 {
			if err := c.store.UpdateTicketRecommendations(ctx, ticket.TicketID, actions); err != nil {
				c.logger.Warn(ctx, "failed to persist ticket recommendations",
					"ticket_id", ticket.TicketID, "error", err)
			} else {
				ticket.RecommendedActions = actions
			}
		}
	}

	if c.queue != nil {
		if err := c.queue.Enqueue(ticket); err != nil {
			c.logger.Warn(ctx, "human queue rejected ticket",
				"ticket_id", ticket.TicketID, "error", err)
		}
	}
	return ticket
}

// recommendActions pulls the action sequence of the most similar past
// successful episode so the operator starts from what worked before.
// Recall failures only cost the recommendation.
func (c *Coordinator) recommendActions(ctx context.Context, snapshot types.ConversationContext) []string {
	if c.memory == nil {
		return nil
	}

	probe := consolidate.Fingerprint(c.fingerprintDim, snapshot)
	records, err := c.memory.Query(ctx, types.TierEpisodic, memory.Criteria{
		Fingerprint: probe,
		Limit:       3,
	}).Collect()
	if err != nil {
		c.logger.Warn(ctx, "episode recall for escalation failed",
			"lead_id", snapshot.LeadID, "error", err)
		return nil
	}

	for _, record := range records {
		if episode := record.Payload.Episode; episode != nil && len(episode.ActionSequence) > 0 {
			return episode.ActionSequence
		}
	}
	return nil
}

// contextSnapshot fetches the conversation's working context from the
// short-term tier. It may already have expired or been consolidated away,
// which is fine; recall is optional.
func (c *Coordinator) contextSnapshot(ctx context.Context, conversationID string) (types.ConversationContext, bool) {
	if c.memory == nil {
		return types.ConversationContext{}, false
	}

	record, err := c.memory.Get(ctx, types.TierShortTerm, conversationID)
	if err != nil || record.Payload.Conversation == nil {
		return types.ConversationContext{}, false
	}
	return *record.Payload.Conversation, true
}

// adjustLoad keeps directory load advisory. Registry failures are logged
// and swallowed; conversation ownership in SQLite is the authority.
func (c *Coordinator) adjustLoad(ctx context.Context, agentID string, delta int) {
	if c.registry == nil || agentID == "" {
		return
	}

	var err error
	if delta > 0 {
		err = c.registry.IncrementLoad(ctx, agentID)
	} else {
		err = c.registry.DecrementLoad(ctx, agentID)
	}
	if err != nil {
		c.logger.Debug(ctx, "load adjustment skipped",
			"agent_id", agentID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn(ctx, "event publish failed",
			"event_type", string(event.Type), "error", err)
	}
}

func (c *Coordinator) newEvent(conversationID string, eventType types.LeadEventType,
	actor, action string, data map[string]any) Event {
	return Event{
		EventID:        types.NewID(),
		ConversationID: conversationID,
		Type:           eventType,
		Actor:          actor,
		Action:         action,
		RecordedAt:     c.now().UTC(),
		Data:           data,
	}
}

func priorityOrDefault(priority types.Priority) types.Priority {
	if priority == "" {
		return types.PriorityNormal
	}
	return priority
}
