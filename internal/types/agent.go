package types

import "fmt"

// AgentType classifies the specialized agents in the lead pipeline.
type AgentType string

const (
	AgentLeadTriage           AgentType = "lead_triage"
	AgentEngagement           AgentType = "engagement"
	AgentCampaignOptimization AgentType = "campaign_optimization"
)

// IsValid checks if the AgentType is a known value.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentLeadTriage, AgentEngagement, AgentCampaignOptimization:
		return true
	default:
		return false
	}
}

// AgentStatus is the availability an agent last reported.
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

// AgentInfo is a directory entry for one registered agent. Load counts
// conversations the agent currently owns; CategoryScores are the agent's
// advertised success probabilities per triage category.
type AgentInfo struct {
	AgentID        string             `json:"agent_id"`
	Type           AgentType          `json:"type"`
	Status         AgentStatus        `json:"status"`
	Load           int                `json:"load"`
	MaxLoad        int                `json:"max_load"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
}

// Validate checks required fields.
func (a *AgentInfo) Validate() error {
	if a.AgentID == "" {
		return NewError(VALIDATION_ERROR, "agent registration requires agent_id")
	}
	if !a.Type.IsValid() {
		return NewError(VALIDATION_ERROR, fmt.Sprintf("unknown agent type %q", a.Type))
	}
	return nil
}

// Candidate is one agent the escalation policy engine may route to,
// snapshotted with its score for the conversation at hand and its load at
// decision time.
type Candidate struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	Load    int     `json:"load"`
}

// Scope is a permission grant attached to a verified caller identity.
// Verification itself happens at the transport boundary; these components
// only consume the already-annotated result.
type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeExecute Scope = "execute"
	ScopeSearch  Scope = "search"
)

// Caller is the verified identity annotation every inbound call carries.
type Caller struct {
	AgentID     string  `json:"agent_id"`
	Permissions []Scope `json:"permissions"`
}

// HasScope reports whether the caller holds the given permission.
func (c Caller) HasScope(scope Scope) bool {
	for _, s := range c.Permissions {
		if s == scope {
			return true
		}
	}
	return false
}
