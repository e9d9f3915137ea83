package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/database"
	"github.com/inflo-ai/relay/internal/directory"
	"github.com/inflo-ai/relay/internal/escalate"
	"github.com/inflo-ai/relay/internal/events"
	"github.com/inflo-ai/relay/internal/handoff"
	"github.com/inflo-ai/relay/internal/locking"
	"github.com/inflo-ai/relay/internal/memory"
	"github.com/inflo-ai/relay/internal/memory/episodic"
	"github.com/inflo-ai/relay/internal/memory/longterm"
	"github.com/inflo-ai/relay/internal/memory/semantic"
	"github.com/inflo-ai/relay/internal/memory/shortterm"
	"github.com/inflo-ai/relay/internal/observability"
	"github.com/inflo-ai/relay/internal/types"
)

const testDimension = 32

func testLogger() *observability.TracedLogger {
	handler := observability.NewTextHandler(io.Discard, slog.LevelError)
	return observability.NewTracedLogger(handler, "relay-test", "transport")
}

type serverFixture struct {
	server   *Server
	http     *httptest.Server
	auth     *Authenticator
	bus      events.Bus
	registry *directory.Registry
}

func newServerFixture(t *testing.T, authEnabled bool) *serverFixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })

	stores := consolidate.Stores{
		ShortTerm: shortterm.NewMemoryStore(0),
		LongTerm:  longterm.NewSQLiteStore(db),
		Episodic:  episodic.NewEmbeddedStore(testDimension),
		Semantic:  semantic.NewMemoryGraph(),
	}
	locks := locking.NewKeyedMutex()
	engineConfig := consolidate.DefaultConfig()
	engineConfig.FingerprintDimension = testDimension
	engine := consolidate.NewEngine(stores, locks, testLogger(), engineConfig)

	manager := memory.NewManager(stores, engine, locks, testLogger(), memory.Options{})
	t.Cleanup(func() { manager.Close() })

	registry := directory.NewRegistry(bus, testLogger(), 8)
	coordinator := handoff.NewCoordinator(handoff.NewStore(db), registry,
		escalate.NewPolicy(10000, 0.4), locks, testLogger(), handoff.Options{
			Queue: handoff.NewHumanQueue(8),
			Bus:   bus,
		})
	scheduler := consolidate.NewScheduler(manager, "", testLogger())

	auth := NewAuthenticator(config.AuthConfig{
		Enabled:   authEnabled,
		JWTSecret: "test-secret",
		TokenTTL:  time.Minute,
	})

	server := NewServer(config.ServerConfig{}, auth, manager, coordinator,
		registry, scheduler, bus, nil, testLogger())

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &serverFixture{server: server, http: ts, auth: auth, bus: bus, registry: registry}
}

// call posts one JSON-RPC request and decodes the reply.
func (fx *serverFixture) call(t *testing.T, token, method string, params any) Response {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, fx.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := fx.http.Client().Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var resp Response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	return resp
}

// result re-decodes a response result into dst.
func result(t *testing.T, resp Response, dst any) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func shortTermParams(key string, interactions int) map[string]any {
	return map[string]any{
		"key":         key,
		"ttl_seconds": 60,
		"payload": types.Payload{
			Kind: types.KindConversationContext,
			Conversation: &types.ConversationContext{
				LeadID:           "lead-1",
				ConversationID:   key,
				CurrentAgent:     "triage-1",
				InteractionCount: interactions,
			},
		},
	}
}

func TestRPC_ShortTermRoundTrip(t *testing.T) {
	fx := newServerFixture(t, false)

	resp := fx.call(t, "", "memory.short_term.put", shortTermParams("conv-1", 2))
	var putResult struct {
		OK bool `json:"ok"`
	}
	result(t, resp, &putResult)
	assert.True(t, putResult.OK)

	resp = fx.call(t, "", "memory.short_term.get", map[string]any{"key": "conv-1"})
	var getResult struct {
		Payload  *types.Payload `json:"payload"`
		NotFound bool           `json:"not_found"`
	}
	result(t, resp, &getResult)
	assert.False(t, getResult.NotFound)
	require.NotNil(t, getResult.Payload)
	require.NotNil(t, getResult.Payload.Conversation)
	assert.Equal(t, "lead-1", getResult.Payload.Conversation.LeadID)
}

func TestRPC_GetMissingReturnsNotFound(t *testing.T) {
	fx := newServerFixture(t, false)

	resp := fx.call(t, "", "memory.short_term.get", map[string]any{"key": "absent"})
	var getResult struct {
		NotFound bool `json:"not_found"`
	}
	result(t, resp, &getResult)
	assert.True(t, getResult.NotFound)
}

func TestRPC_PutWithoutTTLRejected(t *testing.T) {
	fx := newServerFixture(t, false)

	params := shortTermParams("conv-1", 1)
	delete(params, "ttl_seconds")
	resp := fx.call(t, "", "memory.short_term.put", params)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, types.VALIDATION_ERROR, resp.Error.Data.Code)
}

func TestRPC_MethodNotFound(t *testing.T) {
	fx := newServerFixture(t, false)

	resp := fx.call(t, "", "memory.working.get", map[string]any{"key": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestRPC_UnknownParamFieldRejected(t *testing.T) {
	fx := newServerFixture(t, false)

	resp := fx.call(t, "", "memory.short_term.get", map[string]any{"key": "x", "bogus": true})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestRPC_ScopeEnforcement(t *testing.T) {
	fx := newServerFixture(t, true)

	readOnly, err := fx.auth.IssueToken("engage-1", []types.Scope{types.ScopeRead})
	require.NoError(t, err)

	resp := fx.call(t, readOnly, "memory.short_term.put", shortTermParams("conv-1", 1))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	// The same caller may still read.
	resp = fx.call(t, readOnly, "memory.short_term.get", map[string]any{"key": "conv-1"})
	assert.Nil(t, resp.Error)
}

func TestRPC_Unauthenticated(t *testing.T) {
	fx := newServerFixture(t, true)

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"system.health"}`)
	httpResp, err := fx.http.Client().Post(fx.http.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
}

func TestRPC_HandoffFlow(t *testing.T) {
	fx := newServerFixture(t, false)

	for _, agent := range []map[string]any{
		{"agent_id": "triage-1", "type": "lead_triage", "status": "available", "max_load": 10},
		{"agent_id": "engage-1", "type": "engagement", "status": "available", "max_load": 10,
			"category_scores": map[string]float64{string(types.TriageCampaignQualified): 0.8}},
	} {
		resp := fx.call(t, "", "agent.register", agent)
		require.Nil(t, resp.Error)
	}

	resp := fx.call(t, "", "conversation.open", map[string]any{
		"lead_id":         "lead-1",
		"conversation_id": "conv-1",
		"owner_agent":     "triage-1",
	})
	require.Nil(t, resp.Error)

	handoffParams := map[string]any{
		"handoff_id":      "h-1",
		"lead_id":         "lead-1",
		"conversation_id": "conv-1",
		"source_agent":    "triage-1",
		"context": map[string]any{
			"lead_id":         "lead-1",
			"conversation_id": "conv-1",
			"current_agent":   "triage-1",
			"attributes": map[string]any{
				"source":          "website",
				"triage_category": string(types.TriageCampaignQualified),
			},
		},
	}

	resp = fx.call(t, "", "agent.handoff", handoffParams)
	var handoffResult struct {
		Accepted      bool   `json:"accepted"`
		NewState      string `json:"new_state"`
		AssignedAgent string `json:"assigned_agent"`
	}
	result(t, resp, &handoffResult)
	assert.True(t, handoffResult.Accepted)
	assert.Equal(t, string(types.StateTriaged), handoffResult.NewState)
	assert.Equal(t, "engage-1", handoffResult.AssignedAgent)

	// Idempotent replay returns the first result without moving state.
	resp = fx.call(t, "", "agent.handoff", handoffParams)
	var replay struct {
		Accepted      bool   `json:"accepted"`
		NewState      string `json:"new_state"`
		AssignedAgent string `json:"assigned_agent"`
	}
	result(t, resp, &replay)
	assert.Equal(t, handoffResult, replay)
}

func TestRPC_HandoffSourceMustMatchCaller(t *testing.T) {
	fx := newServerFixture(t, true)

	token, err := fx.auth.IssueToken("engage-1",
		[]types.Scope{types.ScopeRead, types.ScopeWrite, types.ScopeExecute})
	require.NoError(t, err)

	resp := fx.call(t, token, "agent.handoff", map[string]any{
		"handoff_id":      "h-1",
		"lead_id":         "lead-1",
		"conversation_id": "conv-1",
		"source_agent":    "triage-1",
		"context":         map[string]any{"lead_id": "lead-1", "conversation_id": "conv-1", "current_agent": "triage-1"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, applicationError, resp.Error.Code)
	require.NotNil(t, resp.Error.Data)
	assert.Equal(t, types.OWNERSHIP_ERROR, resp.Error.Data.Code)
}

func TestRPC_ConsolidationTrigger(t *testing.T) {
	fx := newServerFixture(t, false)

	resp := fx.call(t, "", "consolidation.trigger", map[string]any{})
	var summary consolidate.Summary
	result(t, resp, &summary)
	assert.Zero(t, summary.Migrated)
}

func TestRPC_Notification(t *testing.T) {
	fx := newServerFixture(t, false)

	body := []byte(`{"jsonrpc":"2.0","method":"agent.broadcast","params":{"type":"agent.status","payload":{"note":"warmup"}}}`)
	httpResp, err := fx.http.Client().Post(fx.http.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, httpResp.StatusCode)
}

func TestHealthz(t *testing.T) {
	fx := newServerFixture(t, true)

	// Health stays reachable without a token.
	httpResp, err := fx.http.Client().Get(fx.http.URL + "/healthz")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)

	var health struct {
		Healthy bool `json:"healthy"`
	}
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&health))
	assert.True(t, health.Healthy)
}

func TestRPC_BroadcastReachesSubscribers(t *testing.T) {
	fx := newServerFixture(t, false)

	ch, unsubscribe := fx.bus.Subscribe(context.Background(),
		events.Filter{Types: []events.EventType{"campaign.refresh"}}, 4)
	defer unsubscribe()

	resp := fx.call(t, "", "agent.broadcast", map[string]any{
		"type":    "campaign.refresh",
		"lead_id": "lead-9",
		"payload": map[string]any{"campaign": "spring"},
	})
	require.Nil(t, resp.Error)

	select {
	case event := <-ch:
		assert.Equal(t, events.EventType("campaign.refresh"), event.Type)
		assert.Equal(t, "lead-9", event.LeadID)
		assert.Equal(t, "internal", event.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached the subscriber")
	}
}
