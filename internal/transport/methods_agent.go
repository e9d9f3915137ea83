package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inflo-ai/relay/internal/contextkeys"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/types"
)

func (s *Server) handleAgentRegister(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
	var info types.AgentInfo
	if err := decodeParams(params, &info); err != nil {
		return nil, err
	}
	if err := s.directory.Register(ctx, info); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// agentStatusParams is the wire shape of the agent.status heartbeat.
type agentStatusParams struct {
	AgentID string            `json:"agent_id,omitempty"`
	Status  types.AgentStatus `json:"status"`
}

func (s *Server) handleAgentStatus(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p agentStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = caller.AgentID
	}
	if err := s.directory.Heartbeat(ctx, agentID, p.Status); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleAgentHandoff(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var req types.HandoffRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	// The source agent is the verified caller; a request claiming a
	// different source is a stale or forged view of ownership.
	if req.SourceAgent == "" {
		req.SourceAgent = caller.AgentID
	} else if caller.AgentID != "internal" && req.SourceAgent != caller.AgentID {
		return nil, types.NewError(types.OWNERSHIP_ERROR,
			fmt.Sprintf("caller %q cannot hand off on behalf of %q", caller.AgentID, req.SourceAgent))
	}

	ctx = contextkeys.WithHandoffID(ctx, req.HandoffID)
	result, err := s.coordinator.RequestHandoff(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"accepted":       result.Accepted,
		"new_state":      result.NewState,
		"assigned_agent": result.AssignedAgent,
		"escalated":      result.Escalated,
		"ticket_id":      result.TicketID,
		"processed_at":   result.ProcessedAt,
	}, nil
}

// escalateParams is the wire shape of agent.escalate.
type escalateParams struct {
	LeadID         string `json:"lead_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason"`
}

func (s *Server) handleAgentEscalate(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p escalateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ticket, err := s.coordinator.Escalate(ctx, p.LeadID, p.ConversationID, p.Reason, caller.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ticket_id": ticket.TicketID}, nil
}

// resolveParams is the wire shape of agent.resolve, the human-resolution
// entry point that returns an escalated conversation to an agent.
type resolveParams struct {
	TicketID    types.ID `json:"ticket_id"`
	TargetAgent string   `json:"target_agent"`
}

func (s *Server) handleAgentResolve(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
	var p resolveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	conv, err := s.coordinator.ResolveEscalation(ctx, p.TicketID, p.TargetAgent)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// broadcastParams is the wire shape of agent.broadcast, the fire-and-
// forget notification publish.
type broadcastParams struct {
	Type           string         `json:"type"`
	LeadID         string         `json:"lead_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleAgentBroadcast(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p broadcastParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		return nil, types.NewError(types.VALIDATION_ERROR, "broadcast requires a type")
	}

	err := s.bus.Publish(ctx, events.Event{
		Type:           events.EventType(p.Type),
		Timestamp:      time.Now(),
		LeadID:         p.LeadID,
		ConversationID: p.ConversationID,
		AgentID:        caller.AgentID,
		Payload:        p.Payload,
	})
	if err != nil {
		return nil, types.WrapError(types.UNAVAILABLE, "event bus rejected broadcast", err)
	}
	return map[string]any{"ok": true}, nil
}

// conversationOpenParams is the wire shape of conversation.open.
type conversationOpenParams struct {
	LeadID         string `json:"lead_id"`
	ConversationID string `json:"conversation_id"`
	OwnerAgent     string `json:"owner_agent,omitempty"`
}

func (s *Server) handleConversationOpen(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p conversationOpenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	owner := p.OwnerAgent
	if owner == "" {
		owner = caller.AgentID
	}
	conv, err := s.coordinator.OpenConversation(ctx, p.LeadID, p.ConversationID, owner)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// conversationCloseParams is the wire shape of conversation.close.
type conversationCloseParams struct {
	ConversationID string  `json:"conversation_id"`
	Outcome        float64 `json:"outcome"`
}

func (s *Server) handleConversationClose(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p conversationCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.coordinator.Close(ctx, p.ConversationID, caller.AgentID, p.Outcome); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// conversationIDParams is the wire shape of methods keyed by conversation.
type conversationIDParams struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleConversationUnpark(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error) {
	var p conversationIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	conv, err := s.coordinator.Unpark(ctx, p.ConversationID, caller.AgentID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Server) handleConversationEvents(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
	var p conversationIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	history, err := s.coordinator.Events(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": history}, nil
}

func (s *Server) handleSystemHealth(ctx context.Context, _ types.Caller, _ json.RawMessage) (any, error) {
	health := map[string]any{
		"tiers":     s.memory.Health(ctx),
		"directory": s.directory.Health(ctx),
	}
	return health, nil
}
