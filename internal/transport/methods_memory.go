package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inflo-ai/relay/internal/memory"
	"github.com/inflo-ai/relay/internal/types"
)

// memoryPutParams is the wire shape of memory.<tier>.put.
type memoryPutParams struct {
	Key        string        `json:"key"`
	Payload    types.Payload `json:"payload"`
	TTLSeconds int           `json:"ttl_seconds,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
}

// memoryKeyParams is the wire shape of memory.<tier>.get.
type memoryKeyParams struct {
	Key string `json:"key"`
}

// memoryQueryParams is the wire shape of memory.<tier>.query. Each tier
// reads the criteria fields relevant to it and ignores the rest.
type memoryQueryParams struct {
	KeyPrefix     string     `json:"key_prefix,omitempty"`
	LeadIDs       []string   `json:"lead_ids,omitempty"`
	MinEngagement float64    `json:"min_engagement,omitempty"`
	UpdatedSince  *time.Time `json:"updated_since,omitempty"`
	Fingerprint   []float64  `json:"fingerprint,omitempty"`
	ScenarioTag   string     `json:"scenario_tag,omitempty"`
	MinScore      float64    `json:"min_score,omitempty"`
	Concept       string     `json:"concept,omitempty"`
	MaxDepth      int        `json:"max_depth,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

func (p memoryQueryParams) criteria() memory.Criteria {
	criteria := memory.Criteria{
		KeyPrefix:     p.KeyPrefix,
		LeadIDs:       p.LeadIDs,
		MinEngagement: p.MinEngagement,
		Fingerprint:   p.Fingerprint,
		ScenarioTag:   p.ScenarioTag,
		MinScore:      p.MinScore,
		Concept:       p.Concept,
		MaxDepth:      p.MaxDepth,
		Limit:         p.Limit,
	}
	if p.UpdatedSince != nil {
		criteria.UpdatedSince = *p.UpdatedSince
	}
	return criteria
}

func (s *Server) memoryPutHandler(tier types.Tier) handlerFunc {
	return func(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
		var p memoryPutParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}

		opts := memory.PutOptions{Tags: p.Tags}
		if p.TTLSeconds > 0 {
			opts.TTL = time.Duration(p.TTLSeconds) * time.Second
		}
		if err := s.memory.Put(ctx, tier, p.Key, p.Payload, opts); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}
}

func (s *Server) memoryGetHandler(tier types.Tier) handlerFunc {
	return func(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
		var p memoryKeyParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}

		record, err := s.memory.Get(ctx, tier, p.Key)
		if err != nil {
			// Absence is an ordinary answer for get, not an error.
			if types.CodeOf(err) == types.NOT_FOUND {
				return map[string]any{"not_found": true}, nil
			}
			return nil, err
		}

		result := map[string]any{"payload": record.Payload}
		if record.ExpiresAt != nil {
			result["expires_at"] = record.ExpiresAt
		}
		if len(record.Tags) > 0 {
			result["tags"] = record.Tags
		}
		return result, nil
	}
}

func (s *Server) memoryQueryHandler(tier types.Tier) handlerFunc {
	return func(ctx context.Context, _ types.Caller, params json.RawMessage) (any, error) {
		var p memoryQueryParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}

		records, err := s.memory.Query(ctx, tier, p.criteria()).Collect()
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []types.MemoryRecord{}
		}
		return map[string]any{
			"records": records,
			"count":   len(records),
		}, nil
	}
}

func (s *Server) handleConsolidationTrigger(ctx context.Context, caller types.Caller, _ json.RawMessage) (any, error) {
	s.logger.Info(ctx, "manual consolidation triggered", "requested_by", caller.AgentID)
	summary, err := s.scheduler.TriggerNow(ctx)
	if err != nil {
		return nil, err
	}
	return summary, nil
}
