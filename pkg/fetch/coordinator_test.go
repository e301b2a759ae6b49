package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/fetch"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher is a test double that counts calls and can block until released.
type countingFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	value   string
	errs    []error // returned in order, one per call, before value
	ctxErrs chan error
}

func newCountingFetcher(value string) *countingFetcher {
	return &countingFetcher{value: value, started: make(chan struct{}, 16), ctxErrs: make(chan error, 16)}
}

func (f *countingFetcher) Fetch(ctx context.Context) (string, error) {
	n := int(f.calls.Add(1))
	f.started <- struct{}{}
	if f.release != nil {
		<-f.release
	}
	f.ctxErrs <- ctx.Err()
	if n <= len(f.errs) {
		return "", f.errs[n-1]
	}
	return f.value, nil
}

func newCoordinator(t *testing.T, retries int) (*fetch.Coordinator, *cache.Store) {
	t.Helper()
	store := cache.NewStore(nil, zerolog.Nop())
	cfg := &fetch.CoordinatorConfig{ReadRetries: retries, NoReadRetry: retries == 0}
	return fetch.NewCoordinator(cfg, store, zerolog.Nop()), store
}

var listKey = querykey.MustMake(querykey.KindProduct, querykey.OpList, querykey.Params{"page": 0})

func TestResolve_FreshHit(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, 1)
	source := newCountingFetcher("page-0")

	v1, err := fetch.Resolve(ctx, c, listKey, source.Fetch)
	require.NoError(t, err)
	v2, err := fetch.Resolve(ctx, c, listKey, source.Fetch)
	require.NoError(t, err)

	assert.Equal(t, "page-0", v1)
	assert.Equal(t, "page-0", v2)
	assert.Equal(t, int32(1), source.calls.Load(), "second resolve must be served from the fresh entry")
}

func TestResolve_ConcurrentCallersShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t, 1)
	source := newCountingFetcher("page-0")
	source.release = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = fetch.Resolve(ctx, c, listKey, source.Fetch)
	}()
	<-source.started

	e, ok := store.Get(listKey)
	require.True(t, ok)
	assert.Equal(t, cache.StatusFetching, e.Status)

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fetch.Resolve(ctx, c, listKey, source.Fetch)
		}(i)
	}
	// Give the joiners time to attach before the fetch completes.
	time.Sleep(50 * time.Millisecond)
	close(source.release)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "page-0", results[i])
	}
}

func TestResolve_RetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("Read retries once and succeeds", func(t *testing.T) {
		c, store := newCoordinator(t, 1)
		source := newCountingFetcher("page-0")
		source.errs = []error{failure.New(failure.KindNetwork, "connection reset")}

		v, err := fetch.Resolve(ctx, c, listKey, source.Fetch)

		require.NoError(t, err)
		assert.Equal(t, "page-0", v)
		assert.Equal(t, int32(2), source.calls.Load())
		e, _ := store.Get(listKey)
		assert.Equal(t, cache.StatusFresh, e.Status)
	})

	t.Run("Read surfaces the error after one retry", func(t *testing.T) {
		c, store := newCoordinator(t, 1)
		serverErr := failure.New(failure.KindServer, "internal error")
		source := newCountingFetcher("page-0")
		source.errs = []error{serverErr, serverErr, serverErr}

		_, err := fetch.Resolve(ctx, c, listKey, source.Fetch)

		assert.ErrorIs(t, err, serverErr)
		assert.Equal(t, int32(2), source.calls.Load())
		e, _ := store.Get(listKey)
		assert.Equal(t, cache.StatusError, e.Status)
		assert.False(t, e.HasValue)
	})

	t.Run("Definitive answers are not retried", func(t *testing.T) {
		c, _ := newCoordinator(t, 1)
		source := newCountingFetcher("page-0")
		source.errs = []error{failure.New(failure.KindNotFound, "no such product")}

		_, err := fetch.Resolve(ctx, c, listKey, source.Fetch)

		assert.True(t, failure.Is(err, failure.KindNotFound))
		assert.Equal(t, int32(1), source.calls.Load())
	})

	t.Run("Failed entry is refetched on the next resolve", func(t *testing.T) {
		c, _ := newCoordinator(t, 0)
		source := newCountingFetcher("page-0")
		source.errs = []error{errors.New("flaky")}

		_, err := fetch.Resolve(ctx, c, listKey, source.Fetch)
		require.Error(t, err)
		v, err := fetch.Resolve(ctx, c, listKey, source.Fetch)
		require.NoError(t, err)
		assert.Equal(t, "page-0", v)
		assert.Equal(t, int32(2), source.calls.Load())
	})
}

func TestResolve_NilValue(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t, 1)
	var calls atomic.Int32
	fetcher := func(context.Context) (fmt.Stringer, error) {
		calls.Add(1)
		return nil, nil
	}

	t.Run("Nil result from the fetcher", func(t *testing.T) {
		v, err := fetch.Resolve[fmt.Stringer](ctx, c, listKey, fetcher)
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("Nil result from the cache", func(t *testing.T) {
		e, ok := store.Get(listKey)
		require.True(t, ok)
		assert.Equal(t, cache.StatusFresh, e.Status)

		v, err := fetch.Resolve[fmt.Stringer](ctx, c, listKey, fetcher)
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestResolve_BlankSearchShortCircuits(t *testing.T) {
	c, store := newCoordinator(t, 1)
	source := newCountingFetcher("results")

	for _, kw := range []string{"", "   "} {
		key := querykey.MustMake(querykey.KindProduct, querykey.OpSearch, querykey.Params{"keyword": kw, "page": 0})
		_, err := fetch.Resolve(context.Background(), c, key, source.Fetch)
		assert.ErrorIs(t, err, fetch.ErrNothingRequested)
		_, ok := store.Get(key)
		assert.False(t, ok, "short-circuited searches never create entries")
	}
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestResolve_CallerCancellationDoesNotCancelSharedFetch(t *testing.T) {
	c, store := newCoordinator(t, 1)
	source := newCountingFetcher("page-0")
	source.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fetch.Resolve(ctx, c, listKey, source.Fetch)
		done <- err
	}()
	<-source.started

	// Act: the first reader navigates away.
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// A second reader joins and the fetch finishes.
	second := make(chan string, 1)
	go func() {
		v, _ := fetch.Resolve(context.Background(), c, listKey, source.Fetch)
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(source.release)

	assert.Equal(t, "page-0", <-second)
	assert.NoError(t, <-source.ctxErrs, "the shared fetch must not see the cancellation")
	e, _ := store.Get(listKey)
	assert.Equal(t, cache.StatusFresh, e.Status)
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestResolve_UndefinedAndAbsentShareEntry(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t, 1)
	withUndefined := querykey.MustMake(querykey.KindProduct, querykey.OpList, querykey.Params{"status": nil})
	withoutStatus := querykey.MustMake(querykey.KindProduct, querykey.OpList, querykey.Params{})

	store.Put(withoutStatus, "old", time.Now())
	store.MarkStale(withoutStatus)

	source := newCountingFetcher("new")
	v, err := fetch.Resolve(ctx, c, withUndefined, source.Fetch)
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	e, ok := store.Get(withoutStatus)
	require.True(t, ok)
	assert.Equal(t, cache.StatusFresh, e.Status, "refetching one spelling refreshes the other")
	assert.Equal(t, "new", e.Value)
}

func TestResolve_TypeMismatch(t *testing.T) {
	c, store := newCoordinator(t, 1)
	store.Put(listKey, 42, time.Now())

	_, err := fetch.Resolve(context.Background(), c, listKey, newCountingFetcher("x").Fetch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is int, not string")
}

func TestWatch_RefetchesWhileObserved(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t, 1)
	source := newCountingFetcher("page-0")

	var notified atomic.Int32
	entry, unsubscribe := fetch.Watch(ctx, c, listKey, source.Fetch, func(cache.Entry) { notified.Add(1) })
	assert.Equal(t, cache.StatusEmpty, entry.Status)
	assert.Equal(t, 1, entry.Observers)

	// Act 1: the watch fetches on miss.
	c.Wait()
	e, _ := store.Get(listKey)
	assert.Equal(t, cache.StatusFresh, e.Status)
	assert.Equal(t, int32(1), source.calls.Load())
	assert.GreaterOrEqual(t, notified.Load(), int32(2), "fetching and fresh transitions are observed")

	// Act 2: invalidation refetches observed keys.
	err := store.InvalidateAndRefetchActive(ctx, querykey.OperationPrefix(querykey.KindProduct, querykey.OpList))
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
	e, _ = store.Get(listKey)
	assert.Equal(t, cache.StatusFresh, e.Status)

	// Act 3: after unsubscribing, invalidation only marks stale.
	unsubscribe()
	err = store.InvalidateAndRefetchActive(ctx, querykey.OperationPrefix(querykey.KindProduct, querykey.OpList))
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
	e, _ = store.Get(listKey)
	assert.Equal(t, cache.StatusStale, e.Status)
}

func TestWatch_FreshEntryDoesNotFetch(t *testing.T) {
	c, store := newCoordinator(t, 1)
	store.Put(listKey, "cached", time.Now())
	source := newCountingFetcher("page-0")

	entry, unsubscribe := fetch.Watch(context.Background(), c, listKey, source.Fetch, func(cache.Entry) {})
	defer unsubscribe()
	c.Wait()

	assert.Equal(t, cache.StatusFresh, entry.Status)
	assert.Equal(t, "cached", entry.Value)
	assert.Equal(t, int32(0), source.calls.Load())
}
