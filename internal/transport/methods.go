package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/inflo-ai/relay/internal/types"
)

// handlerFunc executes one RPC method. The caller is already verified and
// scope-checked by the time a handler runs.
type handlerFunc func(ctx context.Context, caller types.Caller, params json.RawMessage) (any, error)

// method pairs a handler with the permission scope it requires.
type method struct {
	scope   types.Scope
	handler handlerFunc
}

// methods builds the dispatch table. Memory methods are registered per
// tier so the method namespace matches the tiers exactly; unknown names
// fail with the protocol's method-not-found code.
func (s *Server) methods() map[string]method {
	table := map[string]method{
		"agent.register":        {types.ScopeWrite, s.handleAgentRegister},
		"agent.status":          {types.ScopeWrite, s.handleAgentStatus},
		"agent.handoff":         {types.ScopeExecute, s.handleAgentHandoff},
		"agent.escalate":        {types.ScopeExecute, s.handleAgentEscalate},
		"agent.resolve":         {types.ScopeExecute, s.handleAgentResolve},
		"agent.broadcast":       {types.ScopeWrite, s.handleAgentBroadcast},
		"conversation.open":     {types.ScopeExecute, s.handleConversationOpen},
		"conversation.close":    {types.ScopeExecute, s.handleConversationClose},
		"conversation.unpark":   {types.ScopeExecute, s.handleConversationUnpark},
		"conversation.events":   {types.ScopeRead, s.handleConversationEvents},
		"consolidation.trigger": {types.ScopeExecute, s.handleConsolidationTrigger},
		"system.health":         {types.ScopeRead, s.handleSystemHealth},
	}

	for alias, tier := range tierAliases {
		tier := tier
		table["memory."+alias+".put"] = method{types.ScopeWrite, s.memoryPutHandler(tier)}
		table["memory."+alias+".get"] = method{types.ScopeRead, s.memoryGetHandler(tier)}
		table["memory."+alias+".query"] = method{types.ScopeSearch, s.memoryQueryHandler(tier)}
	}
	// The episodic tier's query is a similarity search; both names work.
	table["memory.episodic.search"] = table["memory.episodic.query"]

	return table
}

// tierAliases maps the wire tier segment onto the internal tier.
var tierAliases = map[string]types.Tier{
	"short_term": types.TierShortTerm,
	"long_term":  types.TierLongTerm,
	"episodic":   types.TierEpisodic,
	"semantic":   types.TierSemantic,
}

// dispatch resolves and runs one request against the table.
func (s *Server) dispatch(ctx context.Context, caller types.Caller, req Request) Response {
	m, ok := s.table[req.Method]
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}

	if !caller.HasScope(m.scope) {
		return domainResponse(req.ID, types.NewError(types.VALIDATION_ERROR,
			fmt.Sprintf("caller %q lacks required scope %q", caller.AgentID, m.scope)))
	}

	result, err := m.handler(ctx, caller, req.Params)
	if err != nil {
		s.logError(ctx, req.Method, err)
		return domainResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

func (s *Server) logError(ctx context.Context, methodName string, err error) {
	code := types.CodeOf(err)
	if code == types.NOT_FOUND {
		// Absence is an answer, not a failure.
		s.logger.Debug(ctx, "rpc method returned not found", "method", methodName)
		return
	}
	s.logger.Warn(ctx, "rpc method failed",
		"method", methodName,
		"code", string(code),
		"error", err.Error(),
	)
}

// decodeParams unmarshals params into dst, treating malformed input as a
// validation failure.
func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return types.NewError(types.VALIDATION_ERROR, "params are required")
	}
	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return types.WrapError(types.VALIDATION_ERROR, "malformed params", err)
	}
	return nil
}
