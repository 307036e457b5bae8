package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/mcp"
)

// Launcher builds the transport for a catalog entry. For stdio servers
// it also starts the subprocess and returns its handle; the
// orchestrator stops and reaps it on disconnect. Remote servers return
// a nil process.
type Launcher interface {
	Launch(ctx context.Context, srv catalog.Server, logger *slog.Logger) (mcp.Transport, *mcp.Process, error)
}

// LauncherFunc adapts a function to the [Launcher] interface.
type LauncherFunc func(ctx context.Context, srv catalog.Server, logger *slog.Logger) (mcp.Transport, *mcp.Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, srv catalog.Server, logger *slog.Logger) (mcp.Transport, *mcp.Process, error) {
	return f(ctx, srv, logger)
}

// DefaultLauncher starts subprocesses for stdio entries and dials
// WebSocket or streamable HTTP endpoints for remote ones.
type DefaultLauncher struct{}

// Launch implements [Launcher].
func (DefaultLauncher) Launch(ctx context.Context, srv catalog.Server, logger *slog.Logger) (mcp.Transport, *mcp.Process, error) {
	if err := srv.Validate(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	switch srv.TransportKind() {
	case catalog.TransportStdio:
		proc, err := mcp.StartProcess(mcp.ProcessConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Environ(),
			Dir:     srv.Dir,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return mcp.NewStdioTransport(proc, logger), proc, nil

	case catalog.TransportWebSocket:
		return mcp.NewWebSocketTransport(mcp.WebSocketConfig{
			URL:     srv.URL,
			Headers: srv.ExpandedHeaders(),
			Logger:  logger,
		}), nil, nil

	case catalog.TransportHTTP:
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     srv.URL,
			Headers: srv.ExpandedHeaders(),
			Logger:  logger,
		}), nil, nil
	}
	return nil, nil, fmt.Errorf("server %s: unsupported transport %q", srv.Name, srv.Transport)
}
