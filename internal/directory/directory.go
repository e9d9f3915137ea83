// Package directory tracks the agents that can take work: who is registered,
// what they are good at, how loaded they are, and a bounded inbox per agent
// for handoff deliveries. The coordinator consults it for candidates and
// delivers accepted handoffs through it.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
)

const defaultInboxSize = 32

// Delivery is the payload placed in a target agent's inbox when a handoff
// is accepted. It carries everything the receiving agent needs to pick the
// conversation up.
type Delivery struct {
	HandoffID      string                    `json:"handoff_id"`
	LeadID         string                    `json:"lead_id"`
	ConversationID string                    `json:"conversation_id"`
	SourceAgent    string                    `json:"source_agent"`
	Priority       types.Priority            `json:"priority"`
	Context        types.ConversationContext `json:"context"`
	DeliveredAt    time.Time                 `json:"delivered_at"`
}

// Registry is the in-process agent directory. All methods are safe for
// concurrent use. Status changes publish agent.status events; the bus may
// be nil in tests.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry

	bus       events.Bus
	logger    *observability.TracedLogger
	inboxSize int
	now       func() time.Time
}

// entry pairs the advertised agent info with its delivery inbox. The inbox
// survives re-registration so queued deliveries are never lost.
type entry struct {
	info  types.AgentInfo
	inbox chan Delivery
}

// NewRegistry creates an empty directory. inboxSize bounds each agent's
// pending-delivery queue; zero or negative uses the default.
func NewRegistry(bus events.Bus, logger *observability.TracedLogger, inboxSize int) *Registry {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &Registry{
		agents:    make(map[string]*entry),
		bus:       bus,
		logger:    logger.WithComponent("directory"),
		inboxSize: inboxSize,
		now:       time.Now,
	}
}

// Register adds an agent or updates its advertised capabilities. On
// re-registration the current load and any queued deliveries are kept; the
// agent still owns whatever it owned.
func (r *Registry) Register(ctx context.Context, info types.AgentInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	if info.Status == "" {
		info.Status = types.AgentAvailable
	}

	r.mu.Lock()
	existing, ok := r.agents[info.AgentID]
	if ok {
		info.Load = existing.info.Load
		existing.info = info
	} else {
		r.agents[info.AgentID] = &entry{
			info:  info,
			inbox: make(chan Delivery, r.inboxSize),
		}
	}
	r.mu.Unlock()

	r.logger.Info(ctx, "agent registered",
		"agent_id", info.AgentID,
		"agent_type", string(info.Type),
		"status", string(info.Status),
	)
	r.publishStatus(ctx, info)
	return nil
}

// Heartbeat records the status an agent reports about itself.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, status types.AgentStatus) error {
	if status != types.AgentAvailable && status != types.AgentBusy && status != types.AgentOffline {
		return types.NewError(types.VALIDATION_ERROR, fmt.Sprintf("unknown agent status %q", status))
	}

	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("agent not registered: %s", agentID))
	}
	changed := e.info.Status != status
	e.info.Status = status
	info := e.info
	r.mu.Unlock()

	if changed {
		r.publishStatus(ctx, info)
	}
	return nil
}

// Get returns the directory entry for one agent.
func (r *Registry) Get(ctx context.Context, agentID string) (types.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return types.AgentInfo{}, types.NewError(types.NOT_FOUND, fmt.Sprintf("agent not registered: %s", agentID))
	}
	return e.info, nil
}

// List returns all registered agents ordered by agent id.
func (r *Registry) List(ctx context.Context) []types.AgentInfo {
	r.mu.RLock()
	infos := make([]types.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].AgentID < infos[j].AgentID
	})
	return infos
}

// CandidatesFor returns the agents eligible to take a conversation in the
// given triage category: available and below their load limit. The score is
// the agent's advertised success probability for the category, zero when it
// advertises none. Results are ordered by agent id; ranking is the policy
// engine's job.
func (r *Registry) CandidatesFor(ctx context.Context, category string) []types.Candidate {
	r.mu.RLock()
	candidates := make([]types.Candidate, 0, len(r.agents))
	for _, e := range r.agents {
		info := e.info
		if info.Status != types.AgentAvailable {
			continue
		}
		if info.MaxLoad > 0 && info.Load >= info.MaxLoad {
			continue
		}
		candidates = append(candidates, types.Candidate{
			AgentID: info.AgentID,
			Score:   info.CategoryScores[category],
			Load:    info.Load,
		})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AgentID < candidates[j].AgentID
	})
	return candidates
}

// IncrementLoad records that the agent took ownership of a conversation.
func (r *Registry) IncrementLoad(ctx context.Context, agentID string) error {
	return r.adjustLoad(ctx, agentID, 1)
}

// DecrementLoad records that the agent released a conversation.
func (r *Registry) DecrementLoad(ctx context.Context, agentID string) error {
	return r.adjustLoad(ctx, agentID, -1)
}

func (r *Registry) adjustLoad(ctx context.Context, agentID string, delta int) error {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("agent not registered: %s", agentID))
	}
	e.info.Load += delta
	if e.info.Load < 0 {
		e.info.Load = 0
	}
	info := e.info
	r.mu.Unlock()

	r.publishStatus(ctx, info)
	return nil
}

// Deliver places a handoff in the target agent's inbox without blocking.
// Unknown agents are NOT_FOUND; offline agents and full inboxes fail
// retryable so the coordinator's delivery backoff can try again.
func (r *Registry) Deliver(ctx context.Context, agentID string, delivery Delivery) error {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.RUnlock()
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("agent not registered: %s", agentID))
	}
	if e.info.Status == types.AgentOffline {
		r.mu.RUnlock()
		return types.NewRetryableError(types.UNAVAILABLE, fmt.Sprintf("agent offline: %s", agentID))
	}
	inbox := e.inbox
	r.mu.RUnlock()

	delivery.DeliveredAt = r.now()

	select {
	case inbox <- delivery:
		return nil
	default:
		return types.NewRetryableError(types.UNAVAILABLE, fmt.Sprintf("inbox full for agent %s", agentID))
	}
}

// Inbox returns the agent's delivery channel. Receiving from it is how an
// agent consumes handoffs addressed to it.
func (r *Registry) Inbox(agentID string) (<-chan Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("agent not registered: %s", agentID))
	}
	return e.inbox, nil
}

// Health reports the directory state for the health endpoint.
func (r *Registry) Health(ctx context.Context) types.HealthStatus {
	r.mu.RLock()
	total := len(r.agents)
	available := 0
	for _, e := range r.agents {
		if e.info.Status == types.AgentAvailable {
			available++
		}
	}
	r.mu.RUnlock()

	msg := fmt.Sprintf("%d agents registered, %d available", total, available)
	if total > 0 && available == 0 {
		return types.Degraded(msg)
	}
	return types.Healthy(msg)
}

// publishStatus emits an agent.status event. Publishing never blocks and a
// nil bus is a no-op.
func (r *Registry) publishStatus(ctx context.Context, info types.AgentInfo) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, events.Event{
		Type:    events.EventAgentStatus,
		AgentID: info.AgentID,
		Payload: events.AgentStatusPayload{
			AgentID: info.AgentID,
			Status:  string(info.Status),
			Load:    info.Load,
		},
	})
	if err != nil {
		r.logger.Warn(ctx, "agent status event not published",
			"agent_id", info.AgentID,
			"error", err,
		)
	}
}
