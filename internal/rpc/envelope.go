// Package rpc implements the JSON-RPC envelope codec used at every hop of
// the proxy. Decoding fails closed: undecodable input becomes a well-formed
// error envelope instead of an error escaping the codec boundary.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version stamped on every envelope.
const Version = "2.0"

// Error codes surfaced to callers.
const (
	// CodeMethodNotFound is returned for unknown methods and tools.
	CodeMethodNotFound = -32601

	// CodeInvalidParams is returned when params cannot carry a tool call.
	CodeInvalidParams = -32602

	// CodeTransport is the generic transport, parse, and upstream
	// failure code.
	CodeTransport = -32000
)

// Methods the proxy understands.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
)

// Request is an inbound or outbound request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a success or error response envelope. Exactly one of Result
// and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsError reports whether the envelope carries an error instead of a result.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Encode serializes the envelope for the wire.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Error is the error member of a response envelope.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToolCall is the logical unit carried inside a tools/call envelope.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// InjectIdentity force-writes the resolved identity into the call arguments,
// overriding any caller-supplied value so the remote host cannot be steered
// onto another user's data by a forged argument.
func (tc *ToolCall) InjectIdentity(userID string) {
	if tc.Arguments == nil {
		tc.Arguments = make(map[string]any, 1)
	}
	tc.Arguments["user_id"] = userID
}

// ParseToolCall decodes the params member of a tools/call request.
func ParseToolCall(params json.RawMessage) (*ToolCall, error) {
	var tc ToolCall
	if len(params) > 0 {
		if err := json.Unmarshal(params, &tc); err != nil {
			return nil, fmt.Errorf("malformed tools/call params: %w", err)
		}
	}
	if tc.Name == "" {
		return nil, fmt.Errorf("missing tool name")
	}
	return &tc, nil
}

// NewToolCall builds an outbound tools/call request with a freshly generated
// unique id.
func NewToolCall(name string, arguments map[string]any) (*Request, error) {
	params, err := json.Marshal(ToolCall{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("encoding tool call %q: %w", name, err)
	}
	return &Request{
		JSONRPC: Version,
		ID:      uuid.NewString(),
		Method:  MethodCallTool,
		Params:  params,
	}, nil
}

// NewResult builds a success response echoing the given request id. A result
// that cannot be marshaled degrades to a transport error envelope rather
// than failing.
func NewResult(id any, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewError(id, CodeTransport, fmt.Sprintf("encoding result: %v", err))
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}
}

// NewError builds an error response echoing the given request id.
func NewError(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// DecodeRequest parses an inbound request envelope. On undecodable input it
// returns a nil request and a ready-to-send error envelope; it never panics
// and never lets a raw decode error reach the transport layer.
func DecodeRequest(data []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewError(nil, CodeTransport, fmt.Sprintf("parse failure: %v", err))
	}
	if req.Method == "" {
		return nil, NewError(req.ID, CodeTransport, "parse failure: missing method")
	}
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	return &req, nil
}

// DecodeResponse parses a response envelope received from the remote tool
// host. Garbage input yields a transport error envelope for the given
// request id; a decoded envelope without an id is stamped with it so the
// response always echoes the request it answers.
func DecodeResponse(data []byte, id any) *Response {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return NewError(id, CodeTransport, fmt.Sprintf("parse failure: %v", err))
	}
	if resp.JSONRPC == "" {
		resp.JSONRPC = Version
	}
	if resp.ID == nil {
		resp.ID = id
	}
	return &resp
}
