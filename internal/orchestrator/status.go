package orchestrator

import (
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/mcp"
)

// ServerStatus describes one catalog server and, when connected, what
// it negotiated.
type ServerStatus struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Transport   string `json:"transport"`
	Enabled     bool   `json:"enabled"`
	State       string `json:"state"`

	ServerName      string    `json:"server_name,omitempty"`
	ServerVersion   string    `json:"server_version,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	Instructions    string    `json:"instructions,omitempty"`
	PID             int       `json:"pid,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitzero"`
	LastError       string    `json:"last_error,omitempty"`

	// Health is set while Monitor is watching the server.
	Health *connwatch.Status `json:"health,omitempty"`
}

// ServerInfo returns the status of one catalog server.
func (o *Orchestrator) ServerInfo(name string) (ServerStatus, error) {
	srv, err := o.catalog.Get(name)
	if err != nil {
		return ServerStatus{}, err
	}
	return o.status(srv, o.healthStatus()), nil
}

// Status returns the status of every catalog server, sorted by name.
func (o *Orchestrator) Status() []ServerStatus {
	health := o.healthStatus()
	servers := o.catalog.Servers()
	out := make([]ServerStatus, 0, len(servers))
	for _, srv := range servers {
		out = append(out, o.status(srv, health))
	}
	return out
}

func (o *Orchestrator) healthStatus() map[string]connwatch.Status {
	o.monitorMu.Lock()
	watch := o.watch
	o.monitorMu.Unlock()
	if watch == nil {
		return nil
	}
	return watch.Status()
}

func (o *Orchestrator) status(srv catalog.Server, health map[string]connwatch.Status) ServerStatus {
	s := ServerStatus{
		Name:        srv.Name,
		Description: srv.Description,
		Transport:   srv.TransportKind(),
		Enabled:     srv.Enabled,
		State:       mcp.Disconnected.String(),
	}
	if h, ok := health[srv.Name]; ok {
		s.Health = &h
	}

	c := o.get(srv.Name)
	if c == nil {
		return s
	}
	s.State = c.client.State().String()
	info := c.client.ServerInfo()
	s.ServerName = info.Name
	s.ServerVersion = info.Version
	s.ProtocolVersion = c.client.ProtocolVersion()
	s.Capabilities = c.client.ServerCapabilities().Names()
	s.Instructions = c.client.Instructions()
	s.ConnectedAt = c.connectedAt
	if c.proc != nil {
		s.PID = c.proc.PID()
	}
	if err := c.client.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
