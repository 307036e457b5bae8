package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/mcp/mcptest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLauncher connects catalog entries to in-process mcptest servers.
type fakeLauncher struct {
	mu       sync.Mutex
	servers  map[string]*mcptest.Server
	fail     map[string]error
	conns    map[string][]*mcptest.Conn
	launches map[string]int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		servers:  make(map[string]*mcptest.Server),
		fail:     make(map[string]error),
		conns:    make(map[string][]*mcptest.Conn),
		launches: make(map[string]int),
	}
}

func (f *fakeLauncher) Launch(ctx context.Context, srv catalog.Server, logger *slog.Logger) (mcp.Transport, *mcp.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches[srv.Name]++
	if err := f.fail[srv.Name]; err != nil {
		return nil, nil, err
	}
	s, ok := f.servers[srv.Name]
	if !ok {
		s = &mcptest.Server{}
		f.servers[srv.Name] = s
	}
	c := s.Transport()
	f.conns[srv.Name] = append(f.conns[srv.Name], c)
	return c, nil, nil
}

func (f *fakeLauncher) add(name string, s *mcptest.Server) {
	f.mu.Lock()
	f.servers[name] = s
	f.mu.Unlock()
}

// last returns the most recent connection handed out for name.
func (f *fakeLauncher) last(name string) *mcptest.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[name]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *fakeLauncher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[name]
}

// testFleet is an orchestrator over a temp catalog and a fake launcher.
type testFleet struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	catalog  *catalog.Catalog
	bus      *events.Bus
	events   <-chan events.Event
}

// newTestFleet creates a fleet whose catalog holds one enabled stdio
// entry per server in servers, plus any extra entries.
func newTestFleet(t *testing.T, servers map[string]*mcptest.Server, extra ...catalog.Server) *testFleet {
	t.Helper()

	cat := catalog.New(filepath.Join(t.TempDir(), "mcp.yaml"), discardLogger())
	for name := range servers {
		if err := cat.Add(catalog.Server{Name: name, Command: name + "-server", Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range extra {
		if err := cat.Add(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := cat.Save(); err != nil {
		t.Fatal(err)
	}

	fl := newFakeLauncher()
	for name, s := range servers {
		fl.servers[name] = s
	}

	bus := events.New()
	ch := bus.Subscribe(256)
	t.Cleanup(func() { bus.Unsubscribe(ch) })

	orch := New(Config{
		Catalog:        cat,
		Logger:         discardLogger(),
		Bus:            bus,
		RequestTimeout: 2 * time.Second,
		ProbeTimeout:   500 * time.Millisecond,
		Launcher:       fl,
	})
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &testFleet{orch: orch, launcher: fl, catalog: cat, bus: bus, events: ch}
}

// drainEvents returns every event published so far.
func (f *testFleet) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// findEvent reports whether events holds kind for server.
func findEvent(evts []events.Event, kind, server string) (events.Event, bool) {
	for _, e := range evts {
		if e.Kind == kind && e.Server() == server {
			return e, true
		}
	}
	return events.Event{}, false
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func catalogServer(name string) catalog.Server {
	return catalog.Server{Name: name, Command: name + "-server", Enabled: true}
}

func echoServer(tools ...string) *mcptest.Server {
	s := &mcptest.Server{Tools: []mcp.Tool{}}
	for _, name := range tools {
		s.Tools = append(s.Tools, mcp.Tool{
			Name:        name,
			Description: "The " + name + " tool",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
			},
		})
	}
	return s
}
