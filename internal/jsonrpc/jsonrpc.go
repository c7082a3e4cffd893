// Package jsonrpc implements the JSON-RPC 2.0 message envelope used by the
// SourceCheck server on both the synchronous and SSE transports.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted or emitted.
const Version = "2.0"

// Reserved JSON-RPC 2.0 error codes, plus the application error code used for
// tool execution failures.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeApplicationError = -32000
)

// Request is an incoming JSON-RPC 2.0 request envelope.
//
// The id is kept as raw JSON so the response echoes it byte for byte; the
// protocol correlates responses solely by id, never by arrival order.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 response envelope. Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates a JSON-RPC error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData creates a JSON-RPC error object carrying extra data.
func NewErrorWithData(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// IsNotification reports whether the request carries no id and therefore
// expects no response. The defined methods all expect responses, but
// notifications must be tolerated per the protocol.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

var nullID = json.RawMessage("null")

// ParseRequest decodes and validates a JSON-RPC 2.0 request envelope.
// On failure it returns an *Error with the appropriate reserved code:
// -32700 when the payload is not well-formed JSON, -32600 when the envelope
// is structurally invalid (wrong version, missing method, malformed id).
func ParseRequest(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(CodeParseError, fmt.Sprintf("Parse error: %v", err))
	}
	if req.JSONRPC != Version {
		return nil, NewError(CodeInvalidRequest, fmt.Sprintf("Invalid request: jsonrpc must be %q", Version))
	}
	if req.Method == "" {
		return nil, NewError(CodeInvalidRequest, "Invalid request: method is required")
	}
	if len(req.ID) > 0 && !validID(req.ID) {
		return nil, NewError(CodeInvalidRequest, "Invalid request: id must be a string, number, or null")
	}
	// A JSON null id is treated as absent.
	if bytes.Equal(bytes.TrimSpace(req.ID), nullID) {
		req.ID = nil
	}
	return &req, nil
}

// validID accepts string, number, and null ids.
func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '"':
		return json.Valid(trimmed)
	case 'n':
		return bytes.Equal(trimmed, nullID)
	default:
		var n json.Number
		return json.Unmarshal(trimmed, &n) == nil
	}
}

// NewResultResponse builds a success response echoing the request id.
func NewResultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// EncodeResponse serializes a response envelope. The version field is always
// stamped and a missing id is rendered as a JSON null, matching the error
// responses the protocol requires for unparseable requests.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp.Error != nil && resp.Result != nil {
		return nil, fmt.Errorf("response must not carry both result and error")
	}
	if resp.Error == nil && resp.Result == nil {
		return nil, fmt.Errorf("response must carry either result or error")
	}
	resp.JSONRPC = Version
	if len(resp.ID) == 0 {
		resp.ID = nullID
	}
	return json.Marshal(resp)
}
