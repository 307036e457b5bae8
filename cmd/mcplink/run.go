package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mqtt"
	"github.com/nugget/mcplink/internal/orchestrator"
)

// eventBuffer is the per-sink subscription buffer.
const eventBuffer = 256

// runServe keeps every enabled server connected until ctx is cancelled
// or the process receives SIGINT/SIGTERM. Tool calls and lifecycle
// events flow to the audit store and the MQTT publisher when those are
// configured.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(stdout, opts, false)
	if err != nil {
		return err
	}
	logger := a.logger
	cfg := a.cfg
	logger.Info("starting mcplink", "version", buildinfo.Version, "catalog", cfg.Catalog)

	// Sinks outlive ctx so the disconnect events emitted during
	// shutdown still reach them. They stop when their subscription is
	// closed.
	sinkCtx := context.WithoutCancel(ctx)
	var sinks sync.WaitGroup
	var subs []<-chan events.Event

	// --- Audit ---
	var store *audit.Store
	if cfg.Audit.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			a.close()
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := audit.Open(cfg.AuditPath())
		if err != nil {
			a.close()
			return err
		}
		store, err = audit.NewStore(db, logger)
		if err != nil {
			db.Close()
			a.close()
			return err
		}
		ch := a.bus.Subscribe(eventBuffer)
		subs = append(subs, ch)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			_ = store.Consume(sinkCtx, ch)
		}()
		logger.Info("audit log enabled", "path", cfg.AuditPath())
	}

	// --- MQTT ---
	var pub *mqtt.Publisher
	mqttCtx, mqttCancel := context.WithCancel(sinkCtx)
	defer mqttCancel()
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			logger.Error("mqtt disabled: instance id unavailable", "error", err)
		} else {
			pub = mqtt.New(cfg.MQTT, instanceID, logger)
			ch := a.bus.Subscribe(eventBuffer)
			subs = append(subs, ch)
			sinks.Add(1)
			go func() {
				defer sinks.Done()
				if err := pub.Start(mqttCtx, ch); err != nil {
					logger.Error("mqtt publisher failed", "error", err)
				}
			}()
			logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic())
		}
	}

	// --- Fleet ---
	if err := a.orch.ConnectAll(ctx); err != nil {
		logger.Warn("some MCP servers failed to connect", "error", err)
	}
	logger.Info("MCP fleet up", "connected", len(a.orch.ConnectedServers()), "available", len(a.orch.AvailableServers()))

	var background sync.WaitGroup
	if cfg.Health.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			err := a.orch.Monitor(ctx, orchestrator.HealthConfig{
				Interval:     cfg.Health.Interval,
				Reconnect:    cfg.Health.Reconnect,
				InitialDelay: cfg.Health.InitialDelay,
				MaxDelay:     cfg.Health.MaxDelay,
				MaxRetries:   cfg.Health.MaxRetries,
			})
			if err != nil {
				logger.Error("health monitor stopped", "error", err)
			}
		}()
	}

	if cfg.WatchCatalog {
		err := catalog.Watch(ctx, cfg.Catalog, catalog.DefaultDebounce, logger, func() {
			if err := a.orch.ReloadConfig(ctx); err != nil {
				logger.Error("catalog reload failed", "error", err)
				return
			}
			if err := a.orch.ConnectAll(ctx); err != nil {
				logger.Warn("some MCP servers failed to connect after reload", "error", err)
			}
		})
		if err != nil {
			logger.Warn("catalog watch unavailable", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("MCP shutdown incomplete", "error", err)
	}
	background.Wait()

	// Closing the subscriptions drains the sinks.
	for _, ch := range subs {
		a.bus.Unsubscribe(ch)
	}
	sinks.Wait()

	if pub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("audit close failed", "error", err)
		}
	}

	logger.Info("mcplink stopped")
	return a.closeLog.Close()
}
