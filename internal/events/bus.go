// Package events carries MCP activity from the client core to its
// sinks: the audit store, the MQTT publisher, and any UI listening in.
// Publishing never blocks; a subscriber that falls behind misses
// events. A nil *Bus discards everything, so components can publish
// unconditionally.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceMCP identifies events raised by a single server connection.
	SourceMCP = "mcp"
	// SourceOrchestrator identifies fleet lifecycle events.
	SourceOrchestrator = "orchestrator"
)

// Kinds. Every event carries a "server" key in Data.
const (
	// KindToolCallStart: tool, args.
	KindToolCallStart = "tool_call_start"
	// KindToolCallSuccess: tool, result.
	KindToolCallSuccess = "tool_call_success"
	// KindToolCallError: tool, error.
	KindToolCallError = "tool_call_error"
	// KindActivity: text.
	KindActivity = "activity"

	// KindServerConnected: server_name, server_version, protocol_version.
	KindServerConnected = "server_connected"
	// KindServerDisconnected: reason (optional).
	KindServerDisconnected = "server_disconnected"
	// KindServerUnhealthy: error.
	KindServerUnhealthy = "server_unhealthy"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Server returns the "server" entry of Data, or "".
func (e Event) Server() string {
	s, _ := e.Data["server"].(string)
	return s
}

// Bus is a non-blocking broadcast bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to
	// the channel the bus writes to.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer. A
// zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event for server built from key/value pairs.
func (b *Bus) Emit(source, kind, server string, kv ...any) {
	if b == nil {
		return
	}
	data := make(map[string]any, len(kv)/2+1)
	data["server"] = server
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			data[k] = kv[i+1]
		}
	}
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given
// buffer. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
