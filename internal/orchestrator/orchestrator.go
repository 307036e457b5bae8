// Package orchestrator owns the fleet of MCP server connections named
// in a catalog. It starts and stops server subprocesses, connects and
// disconnects clients, checks their health, and routes capability
// calls by server name so callers never handle a client directly.
//
// An Orchestrator is constructed explicitly by the application root
// and passed to whoever needs it; there is no package-level instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
)

// DefaultProbeTimeout bounds each health-check ping.
const DefaultProbeTimeout = 10 * time.Second

// Config configures an [Orchestrator].
type Config struct {
	// Catalog lists the servers. Required.
	Catalog *catalog.Catalog

	// Logger is the structured logger. Uses slog.Default() if nil.
	Logger *slog.Logger

	// Observer receives tool-call and activity reports from every
	// client. When Bus is also set, reports go to both.
	Observer mcp.Observer

	// Bus receives fleet lifecycle events and, through an
	// events.Observer, every client report. Optional.
	Bus *events.Bus

	// RequestTimeout bounds each client request, including the
	// initialize handshake. Zero means mcp.DefaultRequestTimeout.
	RequestTimeout time.Duration

	// StopTimeout is how long a subprocess gets after SIGTERM before
	// it is killed. Zero means mcp.DefaultStopTimeout.
	StopTimeout time.Duration

	// ProbeTimeout bounds each health-check ping. Zero means
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// ClientInfo identifies this client to servers. Zero uses the
	// mcp package default.
	ClientInfo mcp.Implementation

	// Roots are offered to servers that ask for them.
	Roots []mcp.Root

	// Launcher builds transports. Nil means DefaultLauncher.
	Launcher Launcher
}

// conn is one live server connection.
type conn struct {
	server      catalog.Server
	client      *mcp.Client
	proc        *mcp.Process
	connectedAt time.Time
}

// Orchestrator manages connections to the servers in a catalog. All
// methods are safe for concurrent use. Lifecycle operations on one
// server are serialized; operations on different servers run in
// parallel.
type Orchestrator struct {
	catalog      *catalog.Catalog
	logger       *slog.Logger
	observer     mcp.Observer
	bus          *events.Bus
	timeout      time.Duration
	stopTimeout  time.Duration
	probeTimeout time.Duration
	clientInfo   mcp.Implementation
	roots        []mcp.Root
	launcher     Launcher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu    sync.RWMutex
	conns map[string]*conn

	monitorMu   sync.Mutex
	watch       *connwatch.Manager
	stopMonitor func()
	resync      chan struct{}
}

// New creates an orchestrator. Call Init to load the catalog.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var observer mcp.Observer
	switch {
	case cfg.Observer != nil && cfg.Bus != nil:
		observer = mcp.MultiObserver{cfg.Observer, events.NewObserver(cfg.Bus)}
	case cfg.Bus != nil:
		observer = events.NewObserver(cfg.Bus)
	case cfg.Observer != nil:
		observer = cfg.Observer
	default:
		observer = mcp.NopObserver{}
	}

	launcher := cfg.Launcher
	if launcher == nil {
		launcher = DefaultLauncher{}
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = mcp.DefaultStopTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = mcp.DefaultRequestTimeout
	}

	return &Orchestrator{
		catalog:      cfg.Catalog,
		logger:       logger,
		observer:     observer,
		bus:          cfg.Bus,
		timeout:      timeout,
		stopTimeout:  stopTimeout,
		probeTimeout: probeTimeout,
		clientInfo:   cfg.ClientInfo,
		roots:        cfg.Roots,
		launcher:     launcher,
		locks:        make(map[string]*sync.Mutex),
		conns:        make(map[string]*conn),
		resync:       make(chan struct{}, 1),
	}
}

// Catalog returns the catalog the orchestrator reads.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.catalog }

// Init loads the catalog, writing the default one if the file does
// not exist.
func (o *Orchestrator) Init() error {
	if err := o.catalog.Load(); err != nil {
		return fmt.Errorf("load MCP catalog: %w", err)
	}
	o.logger.Info("MCP orchestrator initialized",
		"catalog", o.catalog.Path(),
		"servers", len(o.catalog.Names()),
		"enabled", len(o.catalog.Enabled()),
	)
	return nil
}

// lockServer serializes lifecycle operations on one server name.
func (o *Orchestrator) lockServer(name string) func() {
	o.locksMu.Lock()
	l, ok := o.locks[name]
	if !ok {
		l = &sync.Mutex{}
		o.locks[name] = l
	}
	o.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (o *Orchestrator) get(name string) *conn {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.conns[name]
}

// ConnectAll connects every enabled server concurrently. One server
// failing does not stop the others; failures are returned together
// as a *ConnectError.
func (o *Orchestrator) ConnectAll(ctx context.Context) error {
	names := o.catalog.Enabled()
	o.logger.Info("connecting to enabled MCP servers", "count", len(names))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.ConnectServer(ctx, name); err != nil {
				mu.Lock()
				failures[name] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	o.logger.Info("MCP servers connected",
		"connected", len(names)-len(failures),
		"failed", len(failures),
	)
	if len(failures) > 0 {
		return &ConnectError{Failures: failures}
	}
	return nil
}

// ConnectServer connects one catalog server. A disabled server is
// skipped without error, and an already-connected one is left alone.
// If negotiation fails after a subprocess was started, the subprocess
// is stopped and reaped before returning.
func (o *Orchestrator) ConnectServer(ctx context.Context, name string) error {
	srv, err := o.catalog.Get(name)
	if err != nil {
		o.logger.Error("MCP server not found in catalog", "mcp_server", name)
		return err
	}
	logger := o.logger.With("mcp_server", name)

	if !srv.Enabled {
		logger.Info("MCP server is disabled, skipping connection")
		return nil
	}

	unlock := o.lockServer(name)
	defer unlock()

	if c := o.get(name); c != nil {
		if c.client.State() == mcp.Connected {
			return nil
		}
		// A connection that failed since it was registered.
		o.drop(name, c)
		if err := o.teardown(ctx, name, c, c.client.LastError()); err != nil {
			logger.Debug("stale MCP connection teardown", "error", err)
		}
	}

	logger.Info("connecting to MCP server",
		"transport", srv.TransportKind(),
		"description", srv.Description,
	)

	transport, proc, err := o.launcher.Launch(ctx, srv, logger)
	if err != nil {
		logger.Error("failed to launch MCP server", "error", err)
		return fmt.Errorf("connect %s: %w", name, err)
	}

	client := mcp.NewClient(mcp.ClientConfig{
		Name:           name,
		Transport:      transport,
		Logger:         o.logger,
		Observer:       o.observer,
		RequestTimeout: o.timeout,
		ClientInfo:     o.clientInfo,
		Roots:          o.roots,
		OnStateChange:  o.stateChanged,
	})

	if err := client.Connect(ctx); err != nil {
		logger.Error("MCP server negotiation failed", "error", err)
		if proc != nil {
			if st, serr := proc.Stop(o.stopTimeout); serr != nil {
				logger.Warn("stop MCP subprocess after failed connect", "error", serr)
			} else {
				logger.Debug("MCP subprocess reaped after failed connect", "status", st.String())
			}
		}
		return fmt.Errorf("connect %s: %w", name, err)
	}

	c := &conn{
		server:      srv,
		client:      client,
		proc:        proc,
		connectedAt: time.Now(),
	}
	o.mu.Lock()
	o.conns[name] = c
	o.mu.Unlock()

	info := client.ServerInfo()
	o.bus.Emit(events.SourceOrchestrator, events.KindServerConnected, name,
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", client.ProtocolVersion(),
		"transport", srv.TransportKind(),
	)
	o.observer.Activity(name, fmt.Sprintf("Connected to %s %s", info.Name, info.Version))
	return nil
}

// stateChanged reports a connection that failed on its own, such as a
// subprocess that exited. The health check reaps it.
func (o *Orchestrator) stateChanged(server string, from, to mcp.State) {
	if from != mcp.Connected || to != mcp.Error {
		return
	}
	var reason string
	if c := o.get(server); c != nil {
		if err := c.client.LastError(); err != nil {
			reason = err.Error()
		}
	}
	o.logger.Warn("MCP server connection failed", "mcp_server", server, "error", reason)
	o.bus.Emit(events.SourceOrchestrator, events.KindServerUnhealthy, server, "error", reason)
}

// drop removes c from the connection table if it is still the
// registered connection for name.
func (o *Orchestrator) drop(name string, c *conn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conns[name] != c {
		return false
	}
	delete(o.conns, name)
	return true
}

// teardown disconnects the client, then stops and reaps the
// subprocess. Both steps always run.
func (o *Orchestrator) teardown(ctx context.Context, name string, c *conn, reason error) error {
	var errs []error
	if err := c.client.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
	}
	if c.proc != nil {
		st, err := c.proc.Stop(o.stopTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("stop %s subprocess: %w", name, err))
		}
		o.logger.Debug("MCP subprocess reaped", "mcp_server", name, "status", st.String())
	}

	kv := []any{"uptime", time.Since(c.connectedAt).Round(time.Second).String()}
	if reason != nil {
		kv = append(kv, "reason", reason.Error())
	}
	o.bus.Emit(events.SourceOrchestrator, events.KindServerDisconnected, name, kv...)
	return errors.Join(errs...)
}

// DisconnectServer disconnects one server and reaps its subprocess.
// Disconnecting a server that is not connected is a no-op.
func (o *Orchestrator) DisconnectServer(ctx context.Context, name string) error {
	unlock := o.lockServer(name)
	defer unlock()

	c := o.get(name)
	if c == nil {
		o.logger.Debug("MCP server not connected, nothing to disconnect", "mcp_server", name)
		return nil
	}
	o.drop(name, c)

	err := o.teardown(ctx, name, c, nil)
	if err != nil {
		o.logger.Warn("MCP server disconnect failed", "mcp_server", name, "error", err)
		return err
	}
	o.logger.Info("MCP server disconnected", "mcp_server", name)
	return nil
}

// DisconnectAll disconnects every server concurrently. It is
// best-effort: failures are logged and returned joined, but the
// connection table is always emptied and every subprocess reaped
// before it returns.
func (o *Orchestrator) DisconnectAll(ctx context.Context) error {
	o.mu.RLock()
	names := make([]string, 0, len(o.conns))
	for name := range o.conns {
		names = append(names, name)
	}
	o.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.DisconnectServer(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Anything registered while we were tearing down goes too.
	o.mu.Lock()
	leftover := o.conns
	o.conns = make(map[string]*conn)
	o.mu.Unlock()
	for name, c := range leftover {
		if err := o.teardown(ctx, name, c, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		o.logger.Warn("some MCP servers did not disconnect cleanly", "failures", len(errs))
	}
	return errors.Join(errs...)
}

// Shutdown stops health monitoring and disconnects every server.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.monitorMu.Lock()
	stop := o.stopMonitor
	o.monitorMu.Unlock()
	if stop != nil {
		stop()
	}

	err := o.DisconnectAll(ctx)
	o.logger.Info("MCP orchestrator shut down")
	return err
}

// ReloadConfig disconnects every server and re-reads the catalog.
// Servers are not reconnected; call ConnectAll for that.
func (o *Orchestrator) ReloadConfig(ctx context.Context) error {
	if err := o.DisconnectAll(ctx); err != nil {
		o.logger.Warn("disconnect before catalog reload", "error", err)
	}
	if err := o.catalog.Load(); err != nil {
		return fmt.Errorf("reload MCP catalog: %w", err)
	}
	o.logger.Info("MCP catalog reloaded", "servers", len(o.catalog.Names()))
	o.notifyMonitor()
	return nil
}

// AddServer adds or replaces a catalog entry and saves the catalog.
func (o *Orchestrator) AddServer(srv catalog.Server) error {
	if err := o.catalog.Add(srv); err != nil {
		return err
	}
	if err := o.catalog.Save(); err != nil {
		return err
	}
	o.notifyMonitor()
	return nil
}

// RemoveServer disconnects a server, removes it from the catalog and
// saves the catalog.
func (o *Orchestrator) RemoveServer(ctx context.Context, name string) error {
	if _, err := o.catalog.Get(name); err != nil {
		return err
	}
	if err := o.DisconnectServer(ctx, name); err != nil {
		o.logger.Warn("disconnect before removal", "mcp_server", name, "error", err)
	}
	o.catalog.Remove(name)
	if err := o.catalog.Save(); err != nil {
		return err
	}
	o.notifyMonitor()
	return nil
}

// ConnectedServers returns the names of servers whose connection is
// up, sorted.
func (o *Orchestrator) ConnectedServers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var names []string
	for name, c := range o.conns {
		if c.client.State() == mcp.Connected {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// AvailableServers returns every catalog server name, sorted.
func (o *Orchestrator) AvailableServers() []string {
	return o.catalog.Names()
}

// IsConnected reports whether the named server's connection is up.
func (o *Orchestrator) IsConnected(name string) bool {
	c := o.get(name)
	return c != nil && c.client.State() == mcp.Connected
}

// client returns the connected client for name.
func (o *Orchestrator) client(name string) (*mcp.Client, error) {
	if c := o.get(name); c != nil {
		return c.client, nil
	}
	if _, err := o.catalog.Get(name); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
}
