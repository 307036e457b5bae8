package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	sse "github.com/tmaxmax/go-sse"

	"github.com/nugget/mcplink/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on streamable
// HTTP transports.
const sessionHeader = "Mcp-Session-Id"

// maxHTTPFrame bounds a single JSON body or SSE event.
const maxHTTPFrame = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Every outbound frame is an HTTP POST. The reply is either empty
// (202/204), a single JSON body, or a text/event-stream whose message
// events each carry one frame. Reply frames are queued for Receive.
// Start after Close opens a new session.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
	inbound   chan []byte
	closed    chan struct{}
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Request deadlines come from the caller's context; event streams
	// may legitimately outlive a fixed client timeout.
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithHeaders(cfg.Headers),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		httpClient: client,
		logger:     logger,
		inbound:    make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

// queues returns the inbound queue and closed signal of the current
// session.
func (t *HTTPTransport) queues() (chan []byte, chan struct{}) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inbound, t.closed
}

// Start opens a new session if the previous one was closed. HTTP has
// no persistent channel to establish.
func (t *HTTPTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		t.sessionID = ""
		t.inbound = make(chan []byte, 64)
		t.closed = make(chan struct{})
	default:
	}
	return nil
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send POSTs frame and queues any frames carried by the reply. For a
// request answered with an event stream, Send returns as soon as the
// response to that request is queued.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	_, closed := t.queues()
	select {
	case <-closed:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("create HTTP request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(httpReq)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("HTTP request to %s: %w", t.url, err)}
	}
	stream := isEventStream(httpResp.Header.Get("Content-Type"))
	defer func() {
		// An open stream is never drained; closing it ends the reply.
		if stream {
			httpResp.Body.Close()
			return
		}
		httpkit.DrainAndClose(httpResp.Body, 1<<20)
	}()

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case httpResp.StatusCode == http.StatusAccepted, httpResp.StatusCode == http.StatusNoContent:
		return nil
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 4096)
		return &TransportError{Op: "send", Err: fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)}
	}

	if stream {
		return t.readStream(ctx, httpResp.Body, replyTo(frame))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxHTTPFrame))
	if err != nil {
		return &TransportError{Op: "receive", Err: fmt.Errorf("read response body: %w", err)}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	return t.enqueue(ctx, body)
}

// replyTo returns the id of frame when it is a request.
func replyTo(frame []byte) *ID {
	msg, err := ParseMessage(frame)
	if err != nil || msg.Kind != KindRequest {
		return nil
	}
	return &msg.Request.ID
}

// readStream queues the data of every message event in an SSE reply
// until the stream ends or, when want is set, the response with that
// id has been queued.
func (t *HTTPTransport) readStream(ctx context.Context, body io.Reader, want *ID) error {
	cfg := &sse.ReadConfig{MaxEventSize: maxHTTPFrame}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return &TransportError{Op: "receive", Err: fmt.Errorf("read event stream: %w", err)}
		}
		if ev.Type != "" && ev.Type != "message" {
			t.logger.Debug("ignoring SSE event", "type", ev.Type)
			continue
		}
		if ev.Data == "" {
			continue
		}
		data := []byte(ev.Data)
		if err := t.enqueue(ctx, data); err != nil {
			return err
		}
		if want != nil {
			if msg, err := ParseMessage(data); err == nil && msg.Kind == KindResponse && msg.Response.ID == *want {
				return nil
			}
		}
	}
	return nil
}

func (t *HTTPTransport) enqueue(ctx context.Context, frame []byte) error {
	inbound, closed := t.queues()
	select {
	case inbound <- frame:
		return nil
	case <-closed:
		return &TransportError{Op: "receive", Err: ErrTransportClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next queued reply frame.
func (t *HTTPTransport) Receive() ([]byte, error) {
	inbound, closed := t.queues()
	select {
	case frame := <-inbound:
		return frame, nil
	case <-closed:
		return nil, io.EOF
	}
}

// Close ends Receive and, when the server assigned a session, asks it
// to discard the session. The DELETE is best-effort. Closing an
// already closed transport is a no-op.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return nil
	default:
	}
	close(t.closed)
	sid := t.sessionID
	t.mu.Unlock()

	if sid == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

var eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

// isEventStream reports whether a Content-Type header names an SSE
// stream. Parameters such as charset are ignored.
func isEventStream(header string) bool {
	mt := contenttype.NewMediaType(header)
	return strings.EqualFold(mt.Type, eventStreamMediaType.Type) &&
		strings.EqualFold(mt.Subtype, eventStreamMediaType.Subtype)
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	if sid := t.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
}
