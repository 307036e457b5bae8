package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by clients and transports. Wrapped forms
// are matched with [errors.Is].
var (
	// ErrTimeout is returned when a request receives no response
	// within its deadline. The request is abandoned; no cancellation
	// is sent to the server.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrInvalidState is returned when an operation is not legal in
	// the connection's current state.
	ErrInvalidState = errors.New("mcp: invalid connection state")

	// ErrTransportClosed is returned to in-flight and subsequent
	// requests once the transport has gone away.
	ErrTransportClosed = errors.New("mcp: transport closed")

	// ErrProcessSpawn is wrapped by [SpawnError].
	ErrProcessSpawn = errors.New("mcp: process spawn failed")

	// ErrInitialization is wrapped by [InitError].
	ErrInitialization = errors.New("mcp: initialization failed")
)

// ParseError describes a frame that is not a well-formed JSON-RPC
// message.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse message: %s: %v", e.Reason, e.Err)
	}
	return "parse message: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError reports a failure to connect, send or receive.
type TransportError struct {
	Op  string // "connect", "send", "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SpawnError reports that a server subprocess could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *SpawnError) Unwrap() []error { return []error{ErrProcessSpawn, e.Err} }

// InitError reports a failed initialize handshake.
type InitError struct {
	Server string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Server, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *InitError) Unwrap() []error { return []error{ErrInitialization, e.Err} }

// ToolError is returned when a tool call completes but the server
// flags the result with isError. Result carries the full payload.
type ToolError struct {
	Tool   string
	Text   string
	Result *CallToolResult
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Text)
}

// capabilityError is returned by managers when the server did not
// negotiate the capability they depend on.
func capabilityError(server, capability string) *RPCError {
	return &RPCError{
		Code:    CodeInvalidCapabilities,
		Message: fmt.Sprintf("server %s does not support %s", server, capability),
	}
}
