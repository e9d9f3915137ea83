// Package contextkeys provides shared context key definitions used across
// Relay packages. This package exists to avoid circular imports between
// packages that need to read/write context values (e.g., transport and
// observability).
package contextkeys

import (
	"context"

	"github.com/inflo-ai/relay/internal/types"
)

// Key is the type for all Relay context keys.
type Key string

const (
	// CallerKey stores the verified caller identity the transport layer
	// annotates every inbound request with.
	CallerKey Key = "relay.caller"

	// RequestID stores the unique identifier for one inbound request.
	RequestID Key = "relay.request_id"

	// HandoffID stores the idempotency key of the handoff a request is
	// part of, for log correlation below the coordinator.
	HandoffID Key = "relay.handoff_id"
)

// WithCaller returns a new context carrying the verified caller identity.
func WithCaller(ctx context.Context, caller types.Caller) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// Caller retrieves the verified caller from context. The second return
// value is false when the request never passed the auth boundary.
func Caller(ctx context.Context) (types.Caller, bool) {
	if v := ctx.Value(CallerKey); v != nil {
		caller, ok := v.(types.Caller)
		return caller, ok
	}
	return types.Caller{}, false
}

// WithRequestID returns a new context with the request ID set.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestID, requestID)
}

// GetRequestID retrieves the request ID from context.
// Returns empty string if not set.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(RequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithHandoffID returns a new context with the handoff ID set.
func WithHandoffID(ctx context.Context, handoffID string) context.Context {
	return context.WithValue(ctx, HandoffID, handoffID)
}

// GetHandoffID retrieves the handoff ID from context.
// Returns empty string if not set.
func GetHandoffID(ctx context.Context) string {
	if v := ctx.Value(HandoffID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
