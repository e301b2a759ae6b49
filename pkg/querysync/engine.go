// Package querysync is the engine presentation code talks to. It owns one
// cache store per session and exposes keyed reads (with fetch-on-miss and
// subscriptions) and mutations that invalidate the right views before they
// return.
package querysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/catalog"
	"github.com/illmade-knight/go-querysync/pkg/config"
	"github.com/illmade-knight/go-querysync/pkg/fetch"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/moderation"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/rs/zerolog"
)

// DefaultGCInterval is how often idle entries are swept.
const DefaultGCInterval = time.Minute

// EngineConfig holds the timing and retry policy of an Engine.
type EngineConfig struct {
	Store cache.StoreConfig
	// ReadRetries is the number of retries after a failed read. Zero means
	// fetch.DefaultReadRetries; set NoReadRetry to disable retries.
	ReadRetries int
	NoReadRetry bool
	GCInterval  time.Duration
}

// EngineConfigFrom maps loaded configuration onto an EngineConfig.
func EngineConfigFrom(cfg config.Config) *EngineConfig {
	return &EngineConfig{
		Store: cache.StoreConfig{
			DefaultStaleness: cfg.StaleTime,
			Staleness:        cfg.KindStaleTime,
			Retention:        cfg.GCTime,
		},
		ReadRetries: cfg.ReadRetries,
		NoReadRetry: cfg.ReadRetries == 0,
		GCInterval:  cfg.GCInterval,
	}
}

// Engine wires the cache store, fetch coordinator, invalidation bus and
// mutation services around one resource API.
type Engine struct {
	api        resource.API
	store      *cache.Store
	coord      *fetch.Coordinator
	bus        *invalidation.Bus
	guard      *mutation.Guard
	moderation *moderation.Machine
	catalog    *catalog.Service
	relay      invalidation.Relay
	gcInterval time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates an engine. relay may be nil for a single-session engine.
func New(cfg *EngineConfig, api resource.API, relay invalidation.Relay, logger zerolog.Logger) (*Engine, error) {
	if api == nil {
		return nil, errors.New("resource API cannot be nil")
	}
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = DefaultGCInterval
	}
	now := time.Now
	if cfg.Store.Now != nil {
		now = cfg.Store.Now
	}

	store := cache.NewStore(&cfg.Store, logger)
	coord := fetch.NewCoordinator(&fetch.CoordinatorConfig{
		ReadRetries: cfg.ReadRetries,
		NoReadRetry: cfg.NoReadRetry,
	}, store, logger)
	bus := invalidation.NewBus(store, relay, logger)
	guard := mutation.NewGuard(logger)

	e := &Engine{
		api:        api,
		store:      store,
		coord:      coord,
		bus:        bus,
		guard:      guard,
		catalog:    catalog.NewService(api, guard, bus, logger),
		relay:      relay,
		gcInterval: gcInterval,
		now:        now,
		logger:     logger.With().Str("component", "QuerySyncEngine").Logger(),
	}
	e.moderation = moderation.NewMachine(api, guard, bus, e.currentStatus, logger)
	return e, nil
}

// Start launches the garbage-collection sweeper and, when a relay is
// configured, the listener for effects from other sessions. Calling Start
// again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := e.bus.Listen(runCtx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.Sweep()
			}
		}
	}()
	e.logger.Info().Dur("gc_interval", e.gcInterval).Bool("relay", e.relay != nil).Msg("Engine started.")
	return nil
}

// Close stops background work, waits for in-flight fetches (bounded by
// ctx), closes the relay and clears the store. It is safe to call more
// than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			e.bus.Wait()
			e.coord.Wait()
			close(done)
		}()

		var errs []error
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("engine close: %w", ctx.Err()))
		}
		if e.relay != nil {
			if err := e.relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close relay: %w", err))
			}
		}
		e.store.Clear()
		e.closeErr = errors.Join(errs...)
		e.logger.Info().Msg("Engine closed.")
	})
	return e.closeErr
}

// Sweep removes idle entries past their retention window.
func (e *Engine) Sweep() int {
	return e.store.Sweep(e.now())
}

// Snapshot returns every cache entry.
func (e *Engine) Snapshot() []cache.Entry {
	return e.store.Snapshot()
}

// Peek returns the cached entry for key without fetching.
func (e *Engine) Peek(key querykey.Key) (cache.Entry, bool) {
	return e.store.Get(key)
}

// InFlight lists mutations that have been submitted and not yet finished.
func (e *Engine) InFlight() []mutation.Pending {
	return e.guard.Pending()
}

// InvalidateAll marks every entry stale and refetches the observed ones.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.bus.InvalidateAll(ctx)
}
