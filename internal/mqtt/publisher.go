package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
)

// Server states published to the per-server state topic.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateUnhealthy    = "unhealthy"
)

// publishClient is the part of the connection manager the publisher
// uses to send messages.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and forwards MCP events to the
// broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	client publishClient
	// states remembers the last state of every server seen so it can
	// be replayed after a reconnect.
	states map[string]string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		logger:     logger,
		states:     make(map[string]string),
	}
}

// Start connects to the MQTT broker and forwards events from ch until
// ctx is cancelled or ch is closed. On every (re-)connect it publishes
// a birth message and replays known server states.
func (p *Publisher) Start(ctx context.Context, ch <-chan events.Event) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.replayStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcplink-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// The client must be set before the first OnConnectionUp runs.
	var cm *autopaho.ConnectionManager
	p.mu.Lock()
	cm, err = autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.forward(ctx, ch)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// MQTT connection. The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return p.cfg.Topic()
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) eventTopic(kind string) string {
	return p.baseTopic() + "/events/" + kind
}

func (p *Publisher) serverStateTopic(server string) string {
	return p.baseTopic() + "/servers/" + topicSafe(server) + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + topicSafe(p.cfg.DeviceName) + "/" + entity + "/config"
}

// topicSafe replaces characters with meaning in MQTT topic filters.
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(s)
}

// --- Forwarding ---

func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handle(ctx, e)
		}
	}
}

// handle publishes e to its event topic and, for lifecycle events,
// updates the retained server state.
func (p *Publisher) handle(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	p.publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	})

	if state, ok := serverState(e.Kind); ok && e.Server() != "" {
		p.setServerState(ctx, e.Server(), state)
	}
}

// serverState maps a lifecycle event kind to a server state.
func serverState(kind string) (string, bool) {
	switch kind {
	case events.KindServerConnected:
		return StateConnected, true
	case events.KindServerDisconnected:
		return StateDisconnected, true
	case events.KindServerUnhealthy:
		return StateUnhealthy, true
	}
	return "", false
}

func (p *Publisher) setServerState(ctx context.Context, server, state string) {
	p.mu.Lock()
	_, known := p.states[server]
	p.states[server] = state
	p.mu.Unlock()

	if !known {
		p.publishDiscovery(ctx, server)
	}
	p.publishState(ctx, server, state)
}

func (p *Publisher) publishState(ctx context.Context, server, state string) {
	p.publish(ctx, &paho.Publish{
		Topic:   p.serverStateTopic(server),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	})
}

// replayStates republishes every known server state, with discovery,
// after a reconnect.
func (p *Publisher) replayStates(ctx context.Context) {
	p.mu.Lock()
	states := make(map[string]string, len(p.states))
	for k, v := range p.states {
		states[k] = v
	}
	p.mu.Unlock()

	for server, state := range states {
		p.publishDiscovery(ctx, server)
		p.publishState(ctx, server, state)
	}
}

// --- Discovery ---

// serverSensor returns the discovery config of the state sensor for
// one MCP server.
func (p *Publisher) serverSensor(server string) SensorConfig {
	entity := "mcp_" + topicSafe(server)
	return SensorConfig{
		Name:              "MCP " + server,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.serverStateTopic(server),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              "mdi:server-network",
		EntityCategory:    "diagnostic",
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, server string) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	entity := "mcp_" + topicSafe(server)
	topic := p.discoveryTopic("sensor", entity)
	payload, err := json.Marshal(p.serverSensor(server))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
		return
	}
	p.publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	})
	p.logger.Debug("mqtt discovery published", "entity", entity, "topic", topic)
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	if p.publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}) {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// publish sends msg and reports whether it was accepted. Failures are
// logged at debug; autopaho reconnects on its own.
func (p *Publisher) publish(ctx context.Context, msg *paho.Publish) bool {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return false
	}
	if _, err := c.Publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", msg.Topic, "error", err)
		return false
	}
	return true
}
