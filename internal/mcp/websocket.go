package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// WebSocketConfig configures a WebSocket MCP transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the upgrade request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport carries one JSON-RPC frame per text message over
// a persistent WebSocket connection. After Close, Start dials a fresh
// connection, so one transport can back successive client sessions.
type WebSocketTransport struct {
	url     string
	headers map[string]string
	logger  *slog.Logger

	connMu sync.Mutex // serializes writes and guards conn/closed
	conn   *websocket.Conn
	closed chan struct{} // closed by Close for the current conn
}

// NewWebSocketTransport creates a transport. No connection is made
// until Start.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Start dials the server.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range t.headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		ReadBufferSize:   1024 * 1024, // 1MB for large tool catalogs
		WriteBufferSize:  64 * 1024,
	}

	t.logger.Debug("dialing MCP WebSocket", "url", t.url)

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &TransportError{Op: "connect", Err: fmt.Errorf("dial %s: %w", t.url, err)}
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	t.connMu.Lock()
	if t.conn != nil {
		t.connMu.Unlock()
		conn.Close()
		return &TransportError{Op: "connect", Err: errors.New("already connected")}
	}
	t.conn = conn
	t.closed = make(chan struct{})
	t.connMu.Unlock()

	t.logger.Info("MCP WebSocket connected", "url", t.url)
	return nil
}

// Send writes frame as a single text message. The context deadline,
// if any, becomes the write deadline.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks for the next text message. A normal close from
// either side is reported as [io.EOF].
func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.connMu.Lock()
	conn, closed := t.conn, t.closed
	t.connMu.Unlock()
	if conn == nil {
		return nil, io.EOF
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
				return nil, io.EOF
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &TransportError{Op: "receive", Err: fmt.Errorf("connection lost: %w", err)}
			}
			return nil, &TransportError{Op: "receive", Err: err}
		}
		if msgType != websocket.TextMessage {
			t.logger.Debug("ignoring non-text WebSocket message", "type", msgType)
			continue
		}
		return data, nil
	}
}

// Close sends a close frame and tears down the current connection.
// Closing a transport with no connection is a no-op.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return nil
	}
	close(t.closed)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}
