// Package transport exposes the memory manager, the handoff coordinator,
// and the agent directory over a JSON-RPC 2.0 call protocol, plus a
// websocket stream for asynchronous notifications. Authentication runs at
// this boundary: every call that reaches a handler is already annotated
// with a verified caller identity and permission scopes.
package transport

import (
	"encoding/json"
	"errors"

	"github.com/inflo-ai/relay/internal/types"
)

// jsonrpcVersion is the only protocol version accepted.
const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes. Codes below -32000 are reserved by the
// protocol; application failures surface as applicationError with the
// relay error code carried in the data field.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	applicationError = -32000
)

// Request is one JSON-RPC 2.0 call. Notifications (absent id) receive no
// response body.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request expects no response.
func (r *Request) Notification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. Data carries the relay error code
// so callers can branch on the taxonomy without parsing messages.
type Error struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the structured detail attached to application errors.
type ErrorData struct {
	Code      types.ErrorCode `json:"code"`
	Retryable bool            `json:"retryable,omitempty"`
}

func resultResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// domainResponse converts a component error into the wire error shape.
// Validation failures map onto the protocol's invalid-params code; the
// transient infrastructure code maps onto internal-error; everything else
// in the taxonomy is an application error with the code in data.
func domainResponse(id json.RawMessage, err error) Response {
	var relayErr *types.RelayError
	if !errors.As(err, &relayErr) {
		return errorResponse(id, codeInternalError, err.Error())
	}

	resp := Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &Error{
			Message: relayErr.Error(),
			Data: &ErrorData{
				Code:      relayErr.Code,
				Retryable: relayErr.Retryable,
			},
		},
	}

	switch relayErr.Code {
	case types.VALIDATION_ERROR:
		resp.Error.Code = codeInvalidParams
	case types.UNAVAILABLE, types.INTERNAL_ERROR:
		resp.Error.Code = codeInternalError
	default:
		resp.Error.Code = applicationError
	}
	return resp
}
