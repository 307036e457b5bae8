package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
)

// HealthConfig controls Monitor.
type HealthConfig struct {
	// Interval is how often a connected server is pinged (default: 60s).
	Interval time.Duration

	// Reconnect retries enabled servers that are down, with
	// exponential backoff.
	Reconnect bool

	// InitialDelay and MaxDelay bound the reconnect backoff
	// (defaults: 2s and 60s).
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxRetries is how many reconnect attempts use the backoff
	// schedule before falling back to Interval. Zero means no limit.
	MaxRetries int
}

// HealthCheck pings every registered server. A server that is no
// longer Connected, or does not answer within the probe timeout, is
// disconnected and its subprocess reaped. The result maps each
// checked server to its error, nil when healthy.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]error {
	o.mu.RLock()
	snapshot := make(map[string]*conn, len(o.conns))
	for name, c := range o.conns {
		snapshot[name] = c
	}
	o.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]error, len(snapshot))
	)
	for name, c := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := o.check(ctx, name, c)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// check probes one connection and demotes it on failure.
func (o *Orchestrator) check(ctx context.Context, name string, c *conn) error {
	if st := c.client.State(); st != mcp.Connected {
		err := fmt.Errorf("connection %s", st)
		if last := c.client.LastError(); last != nil {
			err = fmt.Errorf("connection %s: %w", st, last)
		}
		// The state change was already reported.
		o.demote(ctx, name, c, err, false)
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	err := c.client.Ping(pctx)
	cancel()
	if err != nil {
		err = fmt.Errorf("ping %s: %w", name, err)
		o.demote(ctx, name, c, err, true)
		return err
	}
	return nil
}

// demote removes an unhealthy connection and reaps its subprocess.
func (o *Orchestrator) demote(ctx context.Context, name string, c *conn, cause error, publish bool) {
	unlock := o.lockServer(name)
	defer unlock()

	if !o.drop(name, c) {
		return
	}
	o.logger.Warn("MCP server failed health check, disconnecting",
		"mcp_server", name,
		"error", cause,
	)
	if publish {
		o.bus.Emit(events.SourceOrchestrator, events.KindServerUnhealthy, name, "error", cause.Error())
	}
	o.observer.Activity(name, "Server unhealthy: "+cause.Error())

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.teardown(tctx, name, c, cause); err != nil {
		o.logger.Debug("teardown of unhealthy MCP server", "mcp_server", name, "error", err)
	}
}

// Monitor watches every enabled server until ctx ends or Shutdown is
// called. Connected servers are pinged every Interval; a failed ping
// disconnects the server. With Reconnect set, servers that are down
// are reconnected with exponential backoff. Catalog changes made
// through the orchestrator are picked up automatically.
//
// Only one Monitor may run at a time.
func (o *Orchestrator) Monitor(ctx context.Context, cfg HealthConfig) error {
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := connwatch.NewManager(o.logger)
	done := make(chan struct{})
	defer close(done)

	o.monitorMu.Lock()
	if o.watch != nil {
		o.monitorMu.Unlock()
		return errors.New("health monitor already running")
	}
	o.watch = m
	o.stopMonitor = func() {
		cancel()
		<-done
	}
	o.monitorMu.Unlock()

	defer func() {
		m.Stop()
		o.monitorMu.Lock()
		o.watch = nil
		o.stopMonitor = nil
		o.monitorMu.Unlock()
	}()

	o.logger.Info("MCP health monitor started",
		"interval", cfg.backoff(o).PollInterval.String(),
		"reconnect", cfg.Reconnect,
	)
	o.syncWatchers(mctx, m, cfg)
	for {
		select {
		case <-mctx.Done():
			o.logger.Info("MCP health monitor stopped")
			return nil
		case <-o.resync:
			o.syncWatchers(mctx, m, cfg)
		}
	}
}

// backoff converts cfg to a connwatch schedule. Each probe may
// include a full connect, so it gets the request timeout when that is
// longer than the ping timeout.
func (cfg HealthConfig) backoff(o *Orchestrator) connwatch.BackoffConfig {
	b := connwatch.DefaultBackoffConfig()
	if cfg.Interval > 0 {
		b.PollInterval = cfg.Interval
	}
	if cfg.InitialDelay > 0 {
		b.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxDelay = cfg.MaxDelay
	}
	b.MaxRetries = cfg.MaxRetries
	b.ProbeTimeout = max(o.probeTimeout, o.timeout)
	return b
}

// syncWatchers starts a watcher for each enabled server and stops the
// watchers of servers that were removed or disabled.
func (o *Orchestrator) syncWatchers(ctx context.Context, m *connwatch.Manager, cfg HealthConfig) {
	enabled := make(map[string]bool)
	for _, name := range o.catalog.Enabled() {
		enabled[name] = true
	}
	for _, name := range m.Names() {
		if !enabled[name] {
			m.Unwatch(name)
		}
	}

	watched := make(map[string]bool)
	for _, name := range m.Names() {
		watched[name] = true
	}
	for name := range enabled {
		if watched[name] {
			continue
		}
		m.Watch(ctx, connwatch.WatcherConfig{
			Name:           name,
			Probe:          o.probe(name, cfg.Reconnect),
			Backoff:        cfg.backoff(o),
			InitiallyReady: o.IsConnected(name),
			OnReady: func() {
				o.logger.Info("MCP server healthy", "mcp_server", name)
			},
		})
	}
}

// notifyMonitor asks a running Monitor to re-read the catalog.
func (o *Orchestrator) notifyMonitor() {
	select {
	case o.resync <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) probe(name string, reconnect bool) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if c := o.get(name); c != nil {
			return o.check(ctx, name, c)
		}
		if !reconnect {
			return fmt.Errorf("%w: %s", ErrNotConnected, name)
		}
		return o.ConnectServer(ctx, name)
	}
}
