// Package connwatch keeps MCP server connections alive.
//
// A [Watcher] probes one server in a loop. While the server is up it
// probes every PollInterval. When a probe fails it retries on an
// exponential schedule (2s, 4s, 8s, ... capped at 60s by default) and,
// once MaxRetries consecutive probes have failed, falls back to
// PollInterval. Transitions are reported through OnReady and OnDown.
//
// Request-level retries live in httpkit; connwatch handles outages
// measured in seconds to minutes, such as a crashed subprocess or a
// restarting remote server.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ProbeFunc checks a server and, for a down server, may try to bring
// it back. Return nil if the server is usable.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the probe schedule.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// MaxRetries is how many consecutive failures use the backoff
	// schedule before the watcher drops to PollInterval. Zero means
	// back off indefinitely.
	MaxRetries int

	// PollInterval is the probe interval while the server is up, and
	// while it is down once MaxRetries is exhausted (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s..60s backoff with 10 fast retries
// and 60-second polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero or invalid fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// delay returns the wait after the given number of consecutive
// failures (1-based).
func (b BackoffConfig) delay(failures int) time.Duration {
	if b.MaxRetries > 0 && failures > b.MaxRetries {
		return b.PollInterval
	}
	d := b.InitialDelay
	for i := 1; i < failures && d < b.MaxDelay; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
	}
	return min(d, b.MaxDelay)
}

// WatcherConfig configures a single server watcher.
type WatcherConfig struct {
	// Name is the server name; it keys the watcher in a Manager.
	Name string

	// Probe checks server health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero fields take defaults.
	Backoff BackoffConfig

	// InitiallyReady marks the server as already up, so the first
	// successful probe does not fire OnReady.
	InitiallyReady bool

	// OnReady is called in its own goroutine when the server goes
	// from down to up.
	OnReady func()

	// OnDown is called in its own goroutine when the server goes from
	// up to down.
	OnDown func(err error)

	// Logger defaults to the Manager's logger.
	Logger *slog.Logger
}

// Status is the health of a watched server.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single server.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	status  Status
	lastErr error
}

func newWatcher(cfg WatcherConfig, cancel context.CancelFunc) *Watcher {
	return &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With("mcp_server", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name, Ready: cfg.InitiallyReady},
	}
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns a snapshot of the server's health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
		err := w.cfg.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		timer.Reset(w.observe(err))
	}
}

// observe records a probe result, fires transition callbacks, and
// returns how long to wait before the next probe.
func (w *Watcher) observe(err error) time.Duration {
	w.mu.Lock()
	was := w.status.Ready
	w.status.LastCheck = time.Now()
	w.lastErr = err
	if err == nil {
		w.status.Ready = true
		w.status.LastError = ""
		attempts := w.status.Failures + 1
		w.status.Failures = 0
		w.mu.Unlock()

		if !was {
			w.logger.Info("MCP server ready", "after_attempts", attempts)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		}
		return w.cfg.Backoff.PollInterval
	}

	w.status.Ready = false
	w.status.LastError = err.Error()
	w.status.Failures++
	failures := w.status.Failures
	w.mu.Unlock()

	b := w.cfg.Backoff
	next := b.delay(failures)
	switch {
	case was:
		w.logger.Warn("MCP server became unhealthy", "error", err)
		if w.cfg.OnDown != nil {
			go w.cfg.OnDown(err)
		}
	case b.MaxRetries > 0 && failures == b.MaxRetries+1:
		w.logger.Info("MCP server still down, falling back to polling",
			"attempts", failures,
			"poll_interval", b.PollInterval.String(),
			"error", err,
		)
	default:
		w.logger.Debug("MCP server probe failed, retrying",
			"attempt", failures,
			"next_delay", next.String(),
			"error", err,
		)
	}
	return next
}

// Manager owns the watchers of a server fleet, one per name.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewManager creates a Manager. A nil logger means slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx is cancelled or the
// watcher is stopped. A watcher already registered under the same name
// is stopped first.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := newWatcher(cfg, cancel)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and forgets the named watcher. It reports whether one
// was registered.
func (m *Manager) Unwatch(name string) bool {
	m.mu.Lock()
	w, ok := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()
	if ok {
		w.Stop()
	}
	return ok
}

// Names returns the watched server names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.watchers))
	for name := range m.watchers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Status returns the health of every watched server.
func (m *Manager) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	clear(m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
