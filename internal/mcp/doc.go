// Package mcp implements the client side of the Model Context Protocol:
// JSON-RPC 2.0 framing, request correlation, the per-server connection
// state machine, and the tool, resource and prompt managers.
//
// Three transports are provided: a local subprocess reached over a
// stdin/stdout pipe pair ([StdioTransport] over a [Process]), a
// persistent WebSocket ([WebSocketTransport]), and streamable HTTP
// ([HTTPTransport]). Each moves whole frames; the [Client] parses and
// routes them from a single receive goroutine it owns.
//
// A Client is in exactly one [State] at a time and only moves along the
// edges listed by [CanTransition]. Calls made before the handshake
// completes fail with [ErrInvalidState] rather than queueing.
package mcp
