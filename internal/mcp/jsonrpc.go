package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// ID is a JSON-RPC message id: either a string or a 64-bit integer.
// The zero value is the integer id 0. IDs are comparable and may be
// used as map keys.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// Int64ID returns an integer message id.
func Int64ID(n int64) ID {
	return ID{num: n}
}

// StringID returns a string message id.
func StringID(s string) ID {
	return ID{str: s, isStr: true}
}

// IsString reports whether the id was carried as a JSON string.
func (id ID) IsString() bool {
	return id.isStr
}

// String renders the id for logs.
func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON encodes the id as a JSON string or integer.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON accepts a JSON string or integer. Null, booleans,
// fractional numbers and structured values are rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or integer, got %s", data)
	}
	*id = Int64ID(n)
	return nil
}

// ErrorCode is a JSON-RPC error code. The standard range is extended
// with MCP-specific codes starting at -32000.
type ErrorCode int

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// MCP-specific error codes.
const (
	CodeInvalidMessageType  ErrorCode = -32000
	CodeInvalidCapabilities ErrorCode = -32001
	CodeInvalidServerState  ErrorCode = -32002
	CodeResourceNotFound    ErrorCode = -32003
	CodeToolNotFound        ErrorCode = -32004
	CodePromptNotFound      ErrorCode = -32005
)

var codeNames = map[ErrorCode]string{
	CodeParseError:          "parse error",
	CodeInvalidRequest:      "invalid request",
	CodeMethodNotFound:      "method not found",
	CodeInvalidParams:       "invalid params",
	CodeInternalError:       "internal error",
	CodeInvalidMessageType:  "invalid message type",
	CodeInvalidCapabilities: "invalid capabilities",
	CodeInvalidServerState:  "invalid server state",
	CodeResourceNotFound:    "resource not found",
	CodeToolNotFound:        "tool not found",
	CodePromptNotFound:      "prompt not found",
}

// String returns a short human-readable name for known codes.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "error " + strconv.Itoa(int(c))
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON omits data that is absent or JSON null.
func (e RPCError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code    ErrorCode       `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}{e.Code, e.Message, optional(e.Data)})
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// NewRequest creates a request. Params are marshaled eagerly; a nil
// params value produces a request without a params member.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// MarshalJSON always emits the version tag and omits absent or null
// params.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{jsonrpcVersion, r.ID, r.Method, optional(r.Params)})
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set in a well-formed response.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *RPCError
}

// NewResultResponse builds a successful response for id.
func NewResultResponse(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id ID, code ErrorCode, message string) *Response {
	return &Response{ID: id, Error: &RPCError{Code: code, Message: message}}
}

// MarshalJSON emits exactly one of result or error.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string    `json:"jsonrpc"`
			ID      ID        `json:"id"`
			Error   *RPCError `json:"error"`
		}{jsonrpcVersion, r.ID, r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{jsonrpcVersion, r.ID, result})
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	Method string
	Params json.RawMessage
}

// NewNotification creates a notification, marshaling params eagerly.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// MarshalJSON always emits the version tag and omits absent or null
// params.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{jsonrpcVersion, n.Method, optional(n.Params)})
}

// Kind identifies which variant a [Message] holds.
type Kind int

// Message kinds.
const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is a parsed frame. Exactly one of Request, Response or
// Notification is non-nil, matching Kind.
type Message struct {
	Kind         Kind
	Request      *Request
	Response     *Response
	Notification *Notification
}

// Marshal serializes whichever variant the message holds.
func (m Message) Marshal() ([]byte, error) {
	switch m.Kind {
	case KindRequest:
		if m.Request != nil {
			return json.Marshal(m.Request)
		}
	case KindResponse:
		if m.Response != nil {
			return json.Marshal(m.Response)
		}
	case KindNotification:
		if m.Notification != nil {
			return json.Marshal(m.Notification)
		}
	}
	return nil, fmt.Errorf("marshal message: empty %s", m.Kind)
}

// ParseMessage decodes one frame, dispatching purely on which members
// are present: id+method is a request, method alone a notification,
// and id with exactly one of result or error a response. Raw members
// are compacted so that parsing a serialized message yields an equal
// message.
func ParseMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, &ParseError{Reason: "frame is not a JSON object", Err: err}
	}

	rawVersion, ok := fields["jsonrpc"]
	if !ok {
		return Message{}, &ParseError{Reason: "missing jsonrpc version tag"}
	}
	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil || version != jsonrpcVersion {
		return Message{}, &ParseError{Reason: fmt.Sprintf("unsupported jsonrpc version %s", rawVersion)}
	}

	rawID, hasID := fields["id"]
	rawMethod, hasMethod := fields["method"]
	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]

	var id ID
	if hasID {
		if err := json.Unmarshal(rawID, &id); err != nil {
			return Message{}, &ParseError{Reason: "invalid id", Err: err}
		}
	}

	var method string
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return Message{}, &ParseError{Reason: fmt.Sprintf("method must be a non-empty string, got %s", rawMethod)}
		}
	}

	switch {
	case hasMethod:
		if hasResult || hasError {
			return Message{}, &ParseError{Reason: "request or notification carries result or error"}
		}
		params, err := compactParams(fields["params"])
		if err != nil {
			return Message{}, &ParseError{Reason: "invalid params", Err: err}
		}
		if hasID {
			return Message{Kind: KindRequest, Request: &Request{ID: id, Method: method, Params: params}}, nil
		}
		return Message{Kind: KindNotification, Notification: &Notification{Method: method, Params: params}}, nil

	case hasID:
		if hasResult && hasError {
			return Message{}, &ParseError{Reason: "response carries both result and error"}
		}
		if !hasResult && !hasError {
			return Message{}, &ParseError{Reason: "response carries neither result nor error"}
		}
		resp := &Response{ID: id}
		if hasResult {
			result, err := compact(rawResult)
			if err != nil {
				return Message{}, &ParseError{Reason: "invalid result", Err: err}
			}
			resp.Result = result
		} else {
			rpcErr, err := parseErrorObject(rawError)
			if err != nil {
				return Message{}, err
			}
			resp.Error = rpcErr
		}
		return Message{Kind: KindResponse, Response: resp}, nil

	default:
		return Message{}, &ParseError{Reason: "frame has neither method nor id"}
	}
}

func parseErrorObject(raw json.RawMessage) (*RPCError, error) {
	var obj struct {
		Code    *int            `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &ParseError{Reason: "error member is not an object", Err: err}
	}
	if obj.Code == nil || obj.Message == nil {
		return nil, &ParseError{Reason: "error object requires code and message"}
	}
	data, err := compactParams(obj.Data)
	if err != nil {
		return nil, &ParseError{Reason: "invalid error data", Err: err}
	}
	return &RPCError{Code: ErrorCode(*obj.Code), Message: *obj.Message, Data: data}, nil
}

// marshalParams encodes params, mapping nil to an absent member.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return compactParams(raw)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return compactParams(data)
}

// compactParams compacts an optional member; JSON null counts as absent.
func compactParams(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	return compact(raw)
}

// optional maps JSON null to an absent member on output.
func optional(raw json.RawMessage) json.RawMessage {
	if string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	return raw
}

func compact(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
