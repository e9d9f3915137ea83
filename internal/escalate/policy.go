// Package escalate decides where a conversation goes next: to another
// automated agent or to a human operator. The decision is a pure function of
// the conversation snapshot, the candidate scores, and the configured
// thresholds. No I/O, no clocks, no randomness, so the same inputs always
// produce the same route.
package escalate

import (
	"fmt"
	"sort"

	"github.com/inflo-ai/relay/internal/types"
)

// RouteKind says which kind of destination a decision picked.
type RouteKind string

const (
	RouteAgent RouteKind = "agent"
	RouteHuman RouteKind = "human"
)

// Decision is the outcome of a policy evaluation. AgentID is set for agent
// routes; Reason explains human routes and becomes the escalation ticket
// reason.
type Decision struct {
	Route   RouteKind `json:"route"`
	AgentID string    `json:"agent_id,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Escalated reports whether the decision routes to a human.
func (d Decision) Escalated() bool {
	return d.Route == RouteHuman
}

// Policy holds the thresholds that separate automated routing from human
// escalation.
type Policy struct {
	// ValueThreshold is the predicted deal value above which low-confidence
	// conversations go to a human instead of the best-scoring agent.
	ValueThreshold float64

	// ConfidenceFloor is the minimum best-candidate score that keeps a
	// high-value conversation in the automated pipeline.
	ConfidenceFloor float64
}

// NewPolicy creates a policy with the given thresholds.
func NewPolicy(valueThreshold, confidenceFloor float64) Policy {
	return Policy{
		ValueThreshold:  valueThreshold,
		ConfidenceFloor: confidenceFloor,
	}
}

// Decide routes a conversation. requestedTarget is the agent the caller
// asked for; it is honored when it is among the candidates and the value
// rule does not force escalation. With no candidates the only destination
// is a human.
func (p Policy) Decide(conv types.ConversationContext, requestedTarget string, candidates []types.Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{
			Route:  RouteHuman,
			Reason: "no candidate agents available",
		}
	}

	best := bestCandidate(candidates)

	value := dealValue(conv)
	if value > p.ValueThreshold && best.Score < p.ConfidenceFloor {
		return Decision{
			Route: RouteHuman,
			Reason: fmt.Sprintf(
				"predicted value %.0f exceeds threshold %.0f and best automated confidence %.2f is below floor %.2f",
				value, p.ValueThreshold, best.Score, p.ConfidenceFloor),
		}
	}

	if requestedTarget != "" {
		for _, c := range candidates {
			if c.AgentID == requestedTarget {
				return Decision{Route: RouteAgent, AgentID: requestedTarget}
			}
		}
	}

	return Decision{Route: RouteAgent, AgentID: best.AgentID}
}

// bestCandidate orders by descending score, then ascending load, then
// ascending agent id. The last key makes the pick total, so equal inputs
// can never route differently between evaluations.
func bestCandidate(candidates []types.Candidate) types.Candidate {
	ranked := make([]types.Candidate, len(candidates))
	copy(ranked, candidates)

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Load != ranked[j].Load {
			return ranked[i].Load < ranked[j].Load
		}
		return ranked[i].AgentID < ranked[j].AgentID
	})

	return ranked[0]
}

// dealValue is the monetary stake of the conversation: the quoted deal size
// when one exists, otherwise the model's predicted value.
func dealValue(conv types.ConversationContext) float64 {
	if conv.Attributes.DealSize > 0 {
		return conv.Attributes.DealSize
	}
	return conv.Attributes.PredictedValue
}
