package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
)

// recordingClient captures published messages.
type recordingClient struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (c *recordingClient) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.msgs = append(c.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (c *recordingClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Topic
	}
	return out
}

func (c *recordingClient) last(topic string) *paho.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Topic == topic {
			return c.msgs[i]
		}
	}
	return nil
}

func testPublisher(cfg config.MQTTConfig) (*Publisher, *recordingClient) {
	p := New(cfg, "instance-123", slog.New(slog.NewTextHandler(io.Discard, nil)))
	rc := &recordingClient{}
	p.client = rc
	return p, rc
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
}

func TestLoadOrCreateInstanceID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "not-a-uuid" {
		t.Fatal("invalid instance id was kept")
	}
	again, _ := LoadOrCreateInstanceID(dir)
	if again != id {
		t.Errorf("replacement id not persisted: %q then %q", id, again)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "den")
	if info.Name != "den" {
		t.Errorf("Name = %q, want %q", info.Name, "den")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Model != "mcplink" {
		t.Errorf("Model = %q, want mcplink", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p, _ := testPublisher(config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den",
		DiscoveryPrefix: "homeassistant",
	})

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "mcplink/den"},
		{"availabilityTopic", p.availabilityTopic(), "mcplink/den/availability"},
		{"eventTopic", p.eventTopic(events.KindToolCallStart), "mcplink/den/events/tool_call_start"},
		{"serverStateTopic", p.serverStateTopic("brave-search"), "mcplink/den/servers/brave-search/state"},
		{"serverStateTopic unsafe", p.serverStateTopic("a/b+c#"), "mcplink/den/servers/a_b_c_/state"},
		{"discoveryTopic", p.discoveryTopic("sensor", "mcp_github"), "homeassistant/sensor/den/mcp_github/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_ForwardsEvents(t *testing.T) {
	p, rc := testPublisher(config.MQTTConfig{Broker: "mqtt://x", DeviceName: "den"})

	bus := events.New()
	ch := bus.Subscribe(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.forward(ctx, ch)
		close(done)
	}()

	bus.Emit(events.SourceMCP, events.KindToolCallStart, "github", "tool", "create_issue")
	bus.Emit(events.SourceOrchestrator, events.KindServerConnected, "github", "server_version", "1.2.0")
	bus.Emit(events.SourceOrchestrator, events.KindServerUnhealthy, "github", "error", "ping timeout")
	bus.Unsubscribe(ch)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after the channel closed")
	}

	ev := rc.last("mcplink/den/events/tool_call_start")
	if ev == nil {
		t.Fatalf("no tool_call_start event; topics = %v", rc.topics())
	}
	if ev.Retain {
		t.Error("events must not be retained")
	}
	var decoded events.Event
	if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != events.KindToolCallStart || decoded.Data["tool"] != "create_issue" {
		t.Errorf("event payload = %s", ev.Payload)
	}

	st := rc.last("mcplink/den/servers/github/state")
	if st == nil || string(st.Payload) != StateUnhealthy || !st.Retain {
		t.Errorf("server state = %+v", st)
	}
}

func TestPublisher_Discovery(t *testing.T) {
	p, rc := testPublisher(config.MQTTConfig{Broker: "mqtt://x", DeviceName: "den", DiscoveryPrefix: "homeassistant"})
	ctx := context.Background()

	p.setServerState(ctx, "github", StateConnected)
	p.setServerState(ctx, "github", StateDisconnected)

	var discovery int
	for _, topic := range rc.topics() {
		if topic == "homeassistant/sensor/den/mcp_github/config" {
			discovery++
		}
	}
	if discovery != 1 {
		t.Errorf("discovery published %d times, want once per new server", discovery)
	}

	msg := rc.last("homeassistant/sensor/den/mcp_github/config")
	var sc SensorConfig
	if err := json.Unmarshal(msg.Payload, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.UniqueID != "instance-123_mcp_github" || sc.StateTopic != "mcplink/den/servers/github/state" {
		t.Errorf("sensor config = %+v", sc)
	}
	if sc.AvailabilityTopic != "mcplink/den/availability" {
		t.Errorf("AvailabilityTopic = %q", sc.AvailabilityTopic)
	}

	// A reconnect replays discovery and the latest state.
	p.replayStates(ctx)
	if st := rc.last("mcplink/den/servers/github/state"); string(st.Payload) != StateDisconnected {
		t.Errorf("replayed state = %q", st.Payload)
	}
}

func TestPublisher_NoDiscoveryWithoutPrefix(t *testing.T) {
	p, rc := testPublisher(config.MQTTConfig{Broker: "mqtt://x", DeviceName: "den"})
	p.setServerState(context.Background(), "github", StateConnected)

	for _, topic := range rc.topics() {
		if strings.HasSuffix(topic, "/config") {
			t.Errorf("discovery published without a prefix: %s", topic)
		}
	}
}

func TestPublisher_PublishFailure(t *testing.T) {
	p, rc := testPublisher(config.MQTTConfig{Broker: "mqtt://x", DeviceName: "den"})
	rc.err = errors.New("not connected")

	if p.publish(context.Background(), &paho.Publish{Topic: "t"}) {
		t.Error("publish reported success on error")
	}

	p.client = nil
	if p.publish(context.Background(), &paho.Publish{Topic: "t"}) {
		t.Error("publish reported success without a client")
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{}, "id", nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
}
