package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// mockTransport is an in-memory Transport backed by a scripted server.
// Requests are answered from canned results or errors; methods in hold
// are recorded but left unanswered until the test calls reply.
type mockTransport struct {
	mu        sync.Mutex
	results   map[string]json.RawMessage
	errs      map[string]*RPCError
	hold      map[string]bool
	handlers  map[string]func(Request) any
	sent      []Request
	held      []Request
	notifs    []Notification
	replies   []Response
	counts    map[string]int
	startErr  error
	sendErr   error
	closes    int
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		results:  make(map[string]json.RawMessage),
		errs:     make(map[string]*RPCError),
		hold:     make(map[string]bool),
		handlers: make(map[string]func(Request) any),
		counts:   make(map[string]int),
		inbound:  make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

// newServerTransport returns a mock that completes the handshake with
// the given capabilities.
func newServerTransport(caps Capabilities) *mockTransport {
	mt := newMockTransport()
	mt.addResult(MethodInitialize, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      Implementation{Name: "test-server", Version: "1.0.0"},
	})
	mt.addResult(MethodPing, struct{}{})
	mt.addResult(MethodShutdown, struct{}{})
	return mt
}

func (m *mockTransport) addResult(method string, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	m.results[method] = data
	m.mu.Unlock()
}

func (m *mockTransport) addError(method string, code ErrorCode, msg string) {
	m.mu.Lock()
	m.errs[method] = &RPCError{Code: code, Message: msg}
	m.mu.Unlock()
}

// handle answers method by calling fn with the request.
func (m *mockTransport) handle(method string, fn func(Request) any) {
	m.mu.Lock()
	m.handlers[method] = fn
	m.mu.Unlock()
}

func (m *mockTransport) holdMethod(method string) {
	m.mu.Lock()
	m.hold[method] = true
	m.mu.Unlock()
}

func (m *mockTransport) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

func (m *mockTransport) heldRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.held...)
}

func (m *mockTransport) sentRequests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.sent...)
}

func (m *mockTransport) sentNotifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifs...)
}

func (m *mockTransport) clientReplies() []Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Response(nil), m.replies...)
}

func (m *mockTransport) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *mockTransport) Start(context.Context) error {
	return m.startErr
}

func (m *mockTransport) Send(_ context.Context, frame []byte) error {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return &TransportError{Op: "send", Err: err}
	}
	m.mu.Unlock()

	msg, err := ParseMessage(frame)
	if err != nil {
		return fmt.Errorf("mock: client sent malformed frame: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Kind {
	case KindNotification:
		m.notifs = append(m.notifs, *msg.Notification)
		return nil
	case KindResponse:
		m.replies = append(m.replies, *msg.Response)
		return nil
	}

	req := *msg.Request
	m.sent = append(m.sent, req)
	m.counts[req.Method]++

	if m.hold[req.Method] {
		m.held = append(m.held, req)
		return nil
	}

	var resp *Response
	switch {
	case m.handlers[req.Method] != nil:
		var err error
		if resp, err = NewResultResponse(req.ID, m.handlers[req.Method](req)); err != nil {
			panic(err)
		}
	case m.errs[req.Method] != nil:
		resp = &Response{ID: req.ID, Error: m.errs[req.Method]}
	case m.results[req.Method] != nil:
		resp = &Response{ID: req.ID, Result: m.results[req.Method]}
	default:
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
	m.pushLocked(resp)
	return nil
}

// reply answers a held request.
func (m *mockTransport) reply(req Request, result any) {
	resp, err := NewResultResponse(req.ID, result)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(resp)
}

// push injects a server-originated message.
func (m *mockTransport) push(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushLocked(v)
}

func (m *mockTransport) pushRaw(frame string) {
	select {
	case m.inbound <- []byte(frame):
	case <-m.closed:
	}
}

func (m *mockTransport) pushLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	select {
	case m.inbound <- data:
	case <-m.closed:
	}
}

func (m *mockTransport) Receive() ([]byte, error) {
	select {
	case frame := <-m.inbound:
		return frame, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

// hangup simulates the peer going away.
func (m *mockTransport) hangup() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.hangup()
	return nil
}

// observed is one Observer callback.
type observed struct {
	kind string
	tool string
	text string
}

// recordingObserver captures Observer callbacks in order.
type recordingObserver struct {
	mu     sync.Mutex
	events []observed
}

func (r *recordingObserver) add(o observed) {
	r.mu.Lock()
	r.events = append(r.events, o)
	r.mu.Unlock()
}

func (r *recordingObserver) ToolCallStart(_, tool string, _ map[string]any) {
	r.add(observed{kind: "start", tool: tool})
}

func (r *recordingObserver) ToolCallSuccess(_, tool string, result *CallToolResult) {
	r.add(observed{kind: "success", tool: tool, text: result.Text()})
}

func (r *recordingObserver) ToolCallError(_, tool string, errText string) {
	r.add(observed{kind: "error", tool: tool, text: errText})
}

func (r *recordingObserver) Activity(_, text string) {
	r.add(observed{kind: "activity", text: text})
}

func (r *recordingObserver) snapshot() []observed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observed(nil), r.events...)
}

// connectedClient returns a client that has completed the handshake
// against mt.
func connectedClient(t *testing.T, mt *mockTransport, obs Observer) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Name:           "test",
		Transport:      mt,
		Observer:       obs,
		RequestTimeout: 2 * time.Second,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
