// File: internal/service/factory.go

// Package service is the composition root: it wires the event bus, the
// connection pool, the resource manager, and the target manager into one
// component set with ordered teardown.
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pagecast/pagecast-cli/internal/cdp/client"
	"github.com/pagecast/pagecast-cli/internal/config"
	"github.com/pagecast/pagecast-cli/internal/convert"
	"github.com/pagecast/pagecast-cli/internal/events"
	"github.com/pagecast/pagecast-cli/internal/pool"
	"github.com/pagecast/pagecast-cli/internal/resources"
	"github.com/pagecast/pagecast-cli/internal/target"
)

// Components is the wired application. Construct it with Build and tear it
// down exactly once with Shutdown.
type Components struct {
	Config    *config.Config
	Logger    *zap.Logger
	Bus       *events.Bus
	Pool      *pool.Pool
	Resources *resources.Manager
	Targets   *target.Manager

	undoHooks    func()
	shutdownOnce sync.Once
}

// Build wires the component set. Protocol events from every pooled
// connection land on the shared bus. On a partial failure everything built
// so far is torn down before the error is returned.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *Components, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c = &Components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Shutdown(context.Background())
		}
	}()

	c.Bus = events.New(logger, cfg.Events.MaxHistorySize)

	factory := func(wsURL string) pool.ProtocolClient {
		return client.New(wsURL, logger, client.WithEventSink(c.Bus))
	}
	c.Pool = pool.New(pool.Config{
		MaxConnections:      cfg.Pool.MaxConnections,
		ConnectionTimeout:   cfg.Pool.ConnectionTimeout,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		EnableHealthChecks:  cfg.Pool.EnableHealthChecks,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
	}, factory, logger)

	c.Resources = resources.NewManager(resources.Config{
		MaxCleanupAttempts: cfg.Resources.MaxCleanupAttempts,
		CleanupBaseDelay:   cfg.Resources.CleanupBaseDelay,
	}, logger)
	undo, err := c.Resources.InstallProcessHooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("installing process hooks: %w", err)
	}
	c.undoHooks = undo

	c.Targets = target.NewManager(c.Pool, c.Bus, c.Resources, cfg.Browser.RemoteURL, logger)

	logger.Info("Components wired.",
		zap.String("browser_url", cfg.Browser.RemoteURL),
		zap.Int("max_connections", cfg.Pool.MaxConnections))
	return c, nil
}

// NewConverter builds a converter for the given format, falling back to the
// configured default, over the wired target manager.
func (c *Components) NewConverter(format string) (convert.Converter, error) {
	if format == "" {
		format = c.Config.Convert.Format
	}
	opts := convert.Options{NavigationTimeout: c.Config.Convert.NavigationTimeout}
	return convert.NewConverter(format, c.Targets, c.Bus, opts, c.Logger)
}

// Shutdown tears the components down in dependency order: sessions first,
// then tracked resources, then the pool. Safe to call more than once.
func (c *Components) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		if c.undoHooks != nil {
			c.undoHooks()
		}
		if c.Targets != nil {
			if err := c.Targets.Close(ctx); err != nil {
				c.Logger.Warn("Error closing target manager.", zap.Error(err))
			}
		}
		if c.Resources != nil {
			if err := c.Resources.CleanupAll(ctx); err != nil {
				c.Logger.Warn("Errors during resource cleanup.", zap.Error(err))
			}
		}
		if c.Pool != nil {
			c.Pool.CloseAll()
		}
		if c.Bus != nil {
			c.Bus.RemoveAllListeners()
		}
	})
}
