// Package engine wires the cachemesh components into one explicitly
// constructed service with a deterministic lifecycle: New, Initialize,
// Shutdown. Callers hold the engine instead of reaching for globals, so
// tests get isolation and orchestration code gets clean teardown.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/config"
	"github.com/deskmesh/cachemesh/pkg/invalidation"
	"github.com/deskmesh/cachemesh/pkg/monitoring"
	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/ratelimit"
	"github.com/deskmesh/cachemesh/pkg/redis"
	"github.com/deskmesh/cachemesh/pkg/warming"
)

// Engine owns every cachemesh component for one process
type Engine struct {
	cfg    config.EngineConfig
	logger observability.Logger

	Store       *redis.Client
	Cache       *cache.TieredCache
	Broadcaster *invalidation.Broadcaster
	Limiter     *ratelimit.Limiter
	Warmer      *warming.Warmer
	Monitor     *monitoring.Monitor

	initialized bool
}

// New creates an engine from a validated configuration. No connections
// are opened until Initialize.
func New(cfg config.EngineConfig, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewStandardLogger("engine")
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Initialize connects to the store and builds every component. The
// monitor doubles as the cache's metrics sink, so it is created first
// and bound once the cache and broadcaster exist.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized {
		return fmt.Errorf("engine already initialized")
	}

	store, err := redis.NewClient(e.cfg.Redis, e.logger.WithPrefix("redis"), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize store client: %w", err)
	}
	e.Store = store

	e.Monitor = monitoring.New(e.cfg.Monitoring, nil, store, nil, e.logger.WithPrefix("monitoring"))

	tiered, err := cache.New(e.cfg.Cache, store, e.logger.WithPrefix("cache"), e.Monitor)
	if err != nil {
		e.teardown()
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	e.Cache = tiered

	e.Broadcaster = invalidation.New(e.cfg.Invalidation, store, tiered, e.logger.WithPrefix("invalidation"))
	if err := e.Broadcaster.Initialize(ctx); err != nil {
		e.teardown()
		return fmt.Errorf("failed to initialize invalidation: %w", err)
	}

	e.Monitor.Bind(tiered, e.Broadcaster)
	e.Limiter = ratelimit.New(store, e.logger.WithPrefix("ratelimit"), e.Monitor)
	e.Warmer = warming.New(e.cfg.Warming, tiered, e.logger.WithPrefix("warming"))

	e.Monitor.Start()
	e.initialized = true

	e.logger.Info("Engine initialized", map[string]interface{}{
		"instance_id": e.Broadcaster.InstanceID(),
		"prefix":      e.cfg.Cache.Prefix,
	})
	return nil
}

// teardown releases whatever Initialize managed to build before failing
func (e *Engine) teardown() {
	if e.Broadcaster != nil {
		_ = e.Broadcaster.Shutdown()
		e.Broadcaster = nil
	}
	if e.Monitor != nil {
		e.Monitor.Stop()
		e.Monitor = nil
	}
	if e.Store != nil {
		_ = e.Store.Close()
		e.Store = nil
	}
	e.Cache = nil
}

// Shutdown stops background work and closes the store connection.
// Errors are aggregated and returned so orchestration code can detect
// an unclean shutdown.
func (e *Engine) Shutdown() error {
	if !e.initialized {
		return nil
	}
	e.initialized = false

	var errs []error

	e.Warmer.StopAllSchedules()
	e.Monitor.Stop()

	if err := e.Broadcaster.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("broadcaster shutdown: %w", err))
	}
	if err := e.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.logger.Error("Engine shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	e.logger.Info("Engine shut down", nil)
	return nil
}
