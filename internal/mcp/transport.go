package mcp

import "context"

// Transport moves complete frames between the client and one MCP
// server. Implementations handle delimiting; the client handles
// parsing and routing.
//
// Receive is called from a single goroutine owned by the [Client] and
// blocks until a frame arrives. It returns [io.EOF] once the transport
// is closed, locally or by the peer. Send may be called concurrently.
type Transport interface {
	// Start brings the channel up. It is called once per connect and
	// again after Close when the client reconnects; transports that
	// cannot reopen return an error.
	Start(ctx context.Context) error

	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error

	// Receive blocks for the next inbound frame.
	Receive() ([]byte, error)

	// Close releases the current channel and unblocks Receive. It is
	// safe to call more than once.
	Close() error
}
