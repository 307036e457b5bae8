// Package catalog persists the set of named MCP servers a client may
// connect to. The file is YAML with a top-level mcpServers mapping;
// JSON files (a YAML subset) load the same way and are written back as
// JSON when the path ends in .json.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

var (
	// ErrConfigNotFound means the catalog file exists but cannot be
	// read or written.
	ErrConfigNotFound = errors.New("catalog file not accessible")

	// ErrConfigParse means the catalog file is not valid YAML/JSON.
	ErrConfigParse = errors.New("catalog parse error")

	// ErrServerNotFound means no server has the requested name.
	ErrServerNotFound = errors.New("server not found")
)

// Server is one catalog entry.
type Server struct {
	// Name is the mapping key; it is not stored inside the entry.
	Name string `yaml:"-" json:"-"`

	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir         string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`

	// Transport is stdio, websocket or http. Empty means stdio.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`

	// URL and Headers apply to remote transports.
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// UnmarshalYAML applies defaults: enabled unless stated otherwise,
// stdio unless a transport is named. The older connection_type key is
// accepted as a spelling of transport.
func (s *Server) UnmarshalYAML(node *yaml.Node) error {
	type plain Server
	aux := struct {
		plain          `yaml:",inline"`
		ConnectionType string `yaml:"connection_type"`
	}{plain: plain{Enabled: true}}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*s = Server(aux.plain)
	if s.Transport == "" {
		s.Transport = aux.ConnectionType
	}
	if s.Transport == "" {
		s.Transport = TransportStdio
	}
	return nil
}

// Validate reports whether the entry has what its transport needs.
func (s Server) Validate() error {
	switch s.TransportKind() {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", s.Name)
		}
	case TransportWebSocket, TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a url", s.Name, s.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", s.Name, s.Transport)
	}
	return nil
}

// TransportKind returns the normalized transport name.
func (s Server) TransportKind() string {
	switch t := strings.ToLower(s.Transport); t {
	case "", TransportStdio:
		return TransportStdio
	case "ws", "wss", TransportWebSocket:
		return TransportWebSocket
	case "https", "streamable-http", TransportHTTP:
		return TransportHTTP
	default:
		return t
	}
}

// Environ returns Env as sorted KEY=VALUE pairs with ${VAR} references
// expanded from the host environment.
func (s Server) Environ() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+os.ExpandEnv(v))
	}
	sort.Strings(out)
	return out
}

// ExpandedHeaders returns Headers with ${VAR} references expanded.
func (s Server) ExpandedHeaders() map[string]string {
	if len(s.Headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

type file struct {
	Servers map[string]Server `yaml:"mcpServers" json:"mcpServers"`
}

// Catalog is the in-memory copy of a catalog file. Safe for concurrent
// use.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]Server
}

// New creates an empty catalog bound to path. Call Load to read it.
func New(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		path:    path,
		logger:  logger.With("catalog", path),
		servers: make(map[string]Server),
	}
}

// Path returns the file the catalog reads and writes.
func (c *Catalog) Path() string { return c.path }

// Load replaces the in-memory servers with the file contents. A
// missing file is created from Default.
func (c *Catalog) Load() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Info("MCP catalog not found, writing default")
		c.replace(Default())
		return c.Save()
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigParse, c.path, err)
	}

	servers := make([]Server, 0, len(f.Servers))
	for name, s := range f.Servers {
		s.Name = name
		if s.Transport == "" {
			s.Transport = TransportStdio
		}
		servers = append(servers, s)
		c.logger.Debug("loaded MCP server", "server", name, "description", s.Description)
	}
	c.replace(servers)
	c.logger.Info("MCP catalog loaded", "servers", len(servers))
	return nil
}

func (c *Catalog) replace(servers []Server) {
	m := make(map[string]Server, len(servers))
	for _, s := range servers {
		m[s.Name] = s
	}
	c.mu.Lock()
	c.servers = m
	c.mu.Unlock()
}

// Save writes the catalog atomically: a temp file in the same
// directory is renamed over the target.
func (c *Catalog) Save() error {
	c.mu.RLock()
	f := file{Servers: make(map[string]Server, len(c.servers))}
	for name, s := range c.servers {
		f.Servers[name] = s
	}
	c.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(c.path), ".json") {
		data, err = json.MarshalIndent(f, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigNotFound, err)
	}
	c.logger.Info("MCP catalog saved", "servers", len(f.Servers))
	return nil
}

// Get returns the named server.
func (c *Catalog) Get(name string) (Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[name]
	if !ok {
		return Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return s, nil
}

// Add inserts or replaces a server. It does not save.
func (c *Catalog) Add(s Server) error {
	if s.Name == "" {
		return errors.New("server name is required")
	}
	if s.Transport == "" {
		s.Transport = TransportStdio
	}
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.servers[s.Name] = s
	c.mu.Unlock()
	c.logger.Info("MCP server added", "server", s.Name)
	return nil
}

// Remove deletes a server and reports whether it existed. It does not
// save.
func (c *Catalog) Remove(name string) bool {
	c.mu.Lock()
	_, ok := c.servers[name]
	delete(c.servers, name)
	c.mu.Unlock()
	if ok {
		c.logger.Info("MCP server removed", "server", name)
	}
	return ok
}

// Names returns every server name, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Enabled returns the names of enabled servers, sorted.
func (c *Catalog) Enabled() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name, s := range c.servers {
		if s.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Servers returns a copy of every entry, sorted by name.
func (c *Catalog) Servers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Server) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Default returns the catalog written when none exists. Servers that
// need credentials start disabled.
func Default() []Server {
	npx := func(name, pkg, desc string, enabled bool, extra ...string) Server {
		return Server{
			Name:        name,
			Command:     "npx",
			Args:        append([]string{"-y", "@modelcontextprotocol/" + pkg}, extra...),
			Description: desc,
			Enabled:     enabled,
			Transport:   TransportStdio,
		}
	}
	return []Server{
		npx("filesystem", "server-filesystem", "Local filesystem access", true, "/tmp"),
		npx("github", "server-github", "GitHub repository access", false),
		npx("brave-search", "server-brave-search", "Web search via Brave Search API", false),
		npx("sequential-thinking", "server-sequential-thinking", "Step-by-step reasoning capabilities", true),
		npx("playwright", "server-playwright", "Web browser automation", false),
	}
}
