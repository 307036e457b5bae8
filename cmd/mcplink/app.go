package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/orchestrator"
)

// shutdownTimeout bounds disconnecting the fleet on exit.
const shutdownTimeout = 15 * time.Second

// app is the wiring shared by every command that talks to servers.
type app struct {
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	closeLog io.Closer
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
}

// newApp loads configuration and the catalog and builds an
// orchestrator. Nothing is connected yet. Logs go to logOut; one-shot
// commands raise the default info level to warn so their output stays
// readable.
func newApp(logOut io.Writer, opts options, oneShot bool) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if oneShot && (cfg.LogLevel == "" || cfg.LogLevel == "info") {
		cfg.LogLevel = "warn"
	}

	logger, closeLog, err := config.NewLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	bus := events.New()
	cat := catalog.New(cfg.Catalog, logger)
	orch := orchestrator.New(orchestrator.Config{
		Catalog:        cat,
		Logger:         logger,
		Bus:            bus,
		RequestTimeout: cfg.Timeouts.Request,
		StopTimeout:    cfg.Timeouts.Stop,
		ProbeTimeout:   cfg.Timeouts.Probe,
		ClientInfo:     mcp.Implementation{Name: buildinfo.Name, Version: buildinfo.Version},
	})
	if err := orch.Init(); err != nil {
		closeLog.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		closeLog: closeLog,
		bus:      bus,
		orch:     orch,
	}, nil
}

// close disconnects every server and releases the log sink.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.orch.Shutdown(ctx)
	if cerr := a.closeLog.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// withApp runs fn with a one-shot app and always shuts it down.
func withApp(ctx context.Context, logOut io.Writer, opts options, fn func(*app) error) error {
	a, err := newApp(logOut, opts, true)
	if err != nil {
		return err
	}
	err = fn(a)
	if cerr := a.close(); cerr != nil {
		a.logger.Warn("shutdown incomplete", "error", cerr)
	}
	return err
}

// connect brings up one server, or every enabled server when name is
// empty. With every server, partial failure is tolerated as long as
// something connected; the failures are logged.
func (a *app) connect(ctx context.Context, name string) error {
	if name != "" {
		if _, err := a.orch.Catalog().Get(name); err != nil {
			return err
		}
		if err := a.orch.ConnectServer(ctx, name); err != nil {
			return err
		}
		if !a.orch.IsConnected(name) {
			return fmt.Errorf("server %s is disabled in %s", name, a.orch.Catalog().Path())
		}
		return nil
	}

	err := a.orch.ConnectAll(ctx)
	if err == nil {
		return nil
	}
	if len(a.orch.ConnectedServers()) == 0 {
		return err
	}
	var ce *orchestrator.ConnectError
	if errors.As(err, &ce) {
		for server, ferr := range ce.Failures {
			a.logger.Warn("MCP server unavailable", "mcp_server", server, "error", ferr)
		}
	}
	return nil
}

// targets returns the servers a listing command covers.
func (a *app) targets(args []string) []string {
	if len(args) > 0 {
		return args[:1]
	}
	return a.orch.ConnectedServers()
}

// loadConfig locates and parses the YAML configuration file, then
// applies environment overrides, the -catalog flag and the env file.
// A missing config file is not an error unless -config named one.
func loadConfig(opts options) (*config.Config, string, error) {
	cfg := config.Default()
	cfgPath, err := config.FindConfig(opts.configPath)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case errors.Is(err, config.ErrNoConfig):
		cfgPath = ""
	default:
		return nil, "", err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, cfgPath, err
	}
	if opts.catalogPath != "" {
		cfg.Catalog = opts.catalogPath
	}
	if err := cfg.LoadEnvFile(); err != nil {
		return nil, cfgPath, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}
