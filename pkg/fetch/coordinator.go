// Package fetch resolves query keys against the cache store, collapsing
// concurrent identical requests into a single underlying fetch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultReadRetries is the number of automatic retries for a failed read.
const DefaultReadRetries = 1

// ErrNothingRequested is returned for a search without a keyword. It means
// no results were asked for, which is different from an empty result page.
var ErrNothingRequested = errors.New("no results requested")

// Fetcher loads the value for a key from the source of truth.
type Fetcher[V any] func(ctx context.Context) (V, error)

type anyFetcher func(ctx context.Context) (any, error)

// CoordinatorConfig holds the read retry policy. Mutations are never retried
// by the coordinator.
type CoordinatorConfig struct {
	// ReadRetries is the number of retries after a failed read. Zero means
	// DefaultReadRetries.
	ReadRetries int
	// NoReadRetry turns automatic read retries off.
	NoReadRetry bool
}

func (c *CoordinatorConfig) retries() int {
	switch {
	case c == nil:
		return DefaultReadRetries
	case c.NoReadRetry:
		return 0
	case c.ReadRetries > 0:
		return c.ReadRetries
	default:
		return DefaultReadRetries
	}
}

type watch struct {
	fetch anyFetcher
	refs  int
}

// Coordinator is the only reader-side writer of the cache store.
type Coordinator struct {
	store       *cache.Store
	readRetries int
	now         func() time.Time
	logger      zerolog.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	mu      sync.Mutex
	watched map[string]*watch
}

// NewCoordinator creates a coordinator over store and installs itself as the
// store's refetcher for actively observed keys.
func NewCoordinator(cfg *CoordinatorConfig, store *cache.Store, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		store:       store,
		readRetries: cfg.retries(),
		now:         time.Now,
		logger:      logger.With().Str("component", "FetchCoordinator").Logger(),
		watched:     make(map[string]*watch),
	}
	store.SetRefetcher(c.Refetch)
	return c
}

// NothingRequested reports whether key is a search with no keyword.
func NothingRequested(key querykey.Key) bool {
	return key.Operation() == querykey.OpSearch && !key.Has(querykey.ParamKeyword)
}

// Resolve returns the value for key. A fresh cached value is returned
// without calling fetcher. Otherwise exactly one fetch runs per key at a
// time; concurrent callers share its result. A caller whose ctx ends stops
// waiting, but the shared fetch runs to completion for everyone else.
func Resolve[V any](ctx context.Context, c *Coordinator, key querykey.Key, fetcher Fetcher[V]) (V, error) {
	var zero V
	v, err := c.resolve(ctx, key, erase(fetcher))
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("cached value for %s is %T, not %T", key, v, zero)
	}
	return typed, nil
}

// Watch subscribes listener to key, registers fetcher so invalidations can
// refetch the key while it is observed, and starts a background fetch when
// the entry is absent, stale, or failed. It returns the entry as it stood
// when the watch began.
func Watch[V any](ctx context.Context, c *Coordinator, key querykey.Key, fetcher Fetcher[V], listener cache.Listener) (cache.Entry, func()) {
	unsubscribe := c.store.Subscribe(key, listener)
	c.register(key, erase(fetcher))

	current, ok := c.store.Get(key)
	if !ok {
		current = cache.Entry{Key: key, Status: cache.StatusEmpty}
	}
	current.Observers = c.store.Observers(key)

	needsFetch := !ok || (current.Status != cache.StatusFresh && current.Status != cache.StatusFetching)
	if needsFetch && !NothingRequested(key) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.resolve(ctx, key, erase(fetcher)); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug().Err(err).Str("key", key.ID()).Msg("Background fetch for watcher failed.")
			}
		}()
	}

	var once sync.Once
	return current, func() {
		once.Do(func() {
			unsubscribe()
			c.unregister(key)
		})
	}
}

// Refetch re-runs the fetcher registered by Watch for key. Keys nobody
// watches are ignored.
func (c *Coordinator) Refetch(ctx context.Context, key querykey.Key) error {
	c.mu.Lock()
	w, ok := c.watched[key.ID()]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := c.resolve(ctx, key, w.fetch); err != nil {
		return fmt.Errorf("refetch %s: %w", key, err)
	}
	// Joining a flight that started before the invalidation yields a stale
	// entry; run one more fetch so observers end up with current data.
	if e, ok := c.store.Get(key); ok && e.Status == cache.StatusStale {
		if _, err := c.resolve(ctx, key, w.fetch); err != nil {
			return fmt.Errorf("refetch %s: %w", key, err)
		}
	}
	return nil
}

// Wait blocks until background fetches started by Watch have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) resolve(ctx context.Context, key querykey.Key, fetcher anyFetcher) (any, error) {
	if NothingRequested(key) {
		return nil, ErrNothingRequested
	}
	if e, ok := c.store.Get(key); ok && e.Status == cache.StatusFresh && e.HasValue {
		c.logger.Debug().Str("key", key.ID()).Msg("Cache hit.")
		return e.Value, nil
	}

	ch := c.group.DoChan(key.ID(), func() (any, error) {
		// Another flight may have filled the entry between our check and now.
		if e, ok := c.store.Get(key); ok && e.Status == cache.StatusFresh && e.HasValue {
			return e.Value, nil
		}
		fetchCtx := context.WithoutCancel(ctx)
		ticket := c.store.BeginFetch(key)
		value, err := c.fetchWithRetry(fetchCtx, key, fetcher)
		if err != nil {
			c.store.Fail(ticket, err)
			return nil, err
		}
		c.store.Complete(ticket, value, c.now())
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.logger.Debug().Str("key", key.ID()).Msg("Joined in-flight fetch.")
		}
		return res.Val, res.Err
	}
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, key querykey.Key, fetcher anyFetcher) (any, error) {
	attempts := 1 + c.readRetries
	for attempt := 1; ; attempt++ {
		value, err := fetcher(ctx)
		if err == nil {
			return value, nil
		}
		if attempt >= attempts || !failure.Retryable(err) {
			c.logger.Error().Err(err).Str("key", key.ID()).Int("attempts", attempt).Msg("Fetch failed.")
			return nil, err
		}
		c.logger.Warn().Err(err).Str("key", key.ID()).Int("attempt", attempt).Msg("Fetch failed, retrying.")
	}
}

func (c *Coordinator) register(key querykey.Key, fetcher anyFetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watched[key.ID()]
	if !ok {
		w = &watch{}
		c.watched[key.ID()] = w
	}
	w.fetch = fetcher
	w.refs++
}

func (c *Coordinator) unregister(key querykey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watched[key.ID()]
	if !ok {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(c.watched, key.ID())
	}
}

func erase[V any](fetcher Fetcher[V]) anyFetcher {
	return func(ctx context.Context) (any, error) {
		return fetcher(ctx)
	}
}
