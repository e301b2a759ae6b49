package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for staleness and retention tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock) *cache.Store {
	return cache.NewStore(&cache.StoreConfig{
		DefaultStaleness: 5 * time.Minute,
		Staleness:        map[querykey.Kind]time.Duration{querykey.KindCart: 30 * time.Second},
		Now:              clock.Now,
	}, zerolog.Nop())
}

var (
	pendingList = querykey.MustMake(querykey.KindProduct, querykey.OpList, querykey.Params{"status": "PENDING"})
	allList     = querykey.MustMake(querykey.KindProduct, querykey.OpList, nil)
	detailP1    = querykey.Detail(querykey.KindProduct, "p-1")
	listPrefix  = querykey.OperationPrefix(querykey.KindProduct, querykey.OpList)
)

func TestStore_PutAndGet(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	t.Run("Get on absent key", func(t *testing.T) {
		_, ok := store.Get(detailP1)
		assert.False(t, ok)
	})

	t.Run("Put sets fresh with per-kind staleness", func(t *testing.T) {
		// Act
		store.Put(detailP1, "v1", clock.Now())

		// Assert
		e, ok := store.Get(detailP1)
		require.True(t, ok)
		assert.Equal(t, cache.StatusFresh, e.Status)
		assert.Equal(t, "v1", e.Value)
		assert.True(t, e.HasValue)
		assert.Equal(t, clock.Now().Add(5*time.Minute), e.StaleAt)

		cartKey := querykey.MustMake(querykey.KindCart, "current", nil)
		store.Put(cartKey, 3, clock.Now())
		cartEntry, _ := store.Get(cartKey)
		assert.Equal(t, clock.Now().Add(30*time.Second), cartEntry.StaleAt)
	})

	t.Run("Entry ages to stale without mutation", func(t *testing.T) {
		clock.Advance(5*time.Minute + time.Second)
		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusStale, e.Status)
		assert.Equal(t, "v1", e.Value, "stale entries keep serving the last value")
	})
}

func TestStore_MarkStaleAndRemove(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Put(pendingList, "pending-page", clock.Now())
	store.Put(allList, "all-page", clock.Now())
	store.Put(detailP1, "detail", clock.Now())

	t.Run("Prefix marks every list view stale", func(t *testing.T) {
		keys := store.MarkStale(listPrefix)

		assert.Len(t, keys, 2)
		for _, k := range []querykey.Key{pendingList, allList} {
			e, _ := store.Get(k)
			assert.Equal(t, cache.StatusStale, e.Status)
			assert.True(t, e.HasValue)
		}
		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusFresh, e.Status, "detail is outside the list prefix")
	})

	t.Run("Remove discards the entry", func(t *testing.T) {
		keys := store.Remove(detailP1)
		assert.Len(t, keys, 1)
		_, ok := store.Get(detailP1)
		assert.False(t, ok)
	})
}

func TestStore_FetchTickets(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	t.Run("Fetching with no prior value exposes no value", func(t *testing.T) {
		store.BeginFetch(detailP1)
		e, ok := store.Get(detailP1)
		require.True(t, ok)
		assert.Equal(t, cache.StatusFetching, e.Status)
		assert.False(t, e.HasValue)
		assert.Nil(t, e.Value)
	})

	t.Run("Complete marks fresh", func(t *testing.T) {
		ticket := store.BeginFetch(detailP1)
		store.Complete(ticket, "v1", clock.Now())
		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusFresh, e.Status)
	})

	t.Run("Invalidation during fetch lands stale", func(t *testing.T) {
		ticket := store.BeginFetch(detailP1)
		store.MarkStale(detailP1)

		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusFetching, e.Status)
		assert.Equal(t, "v1", e.Value, "prior value stays readable while refetching")

		store.Complete(ticket, "pre-mutation", clock.Now())
		e, _ = store.Get(detailP1)
		assert.Equal(t, cache.StatusStale, e.Status)
		assert.Equal(t, "pre-mutation", e.Value)
	})

	t.Run("Fail keeps the last good value", func(t *testing.T) {
		store.Put(detailP1, "good", clock.Now())
		ticket := store.BeginFetch(detailP1)
		fetchErr := errors.New("server down")
		store.Fail(ticket, fetchErr)

		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusError, e.Status)
		assert.ErrorIs(t, e.Err, fetchErr)
		assert.Equal(t, "good", e.Value)
	})
}

func TestStore_RemoveDuringFetch(t *testing.T) {
	clock := newFakeClock()

	t.Run("Complete after Remove leaves the key absent", func(t *testing.T) {
		store := newTestStore(clock)
		store.Put(detailP1, "before-delete", clock.Now())
		ticket := store.BeginFetch(detailP1)

		store.Remove(detailP1)
		store.Complete(ticket, "before-delete", clock.Now())

		_, ok := store.Get(detailP1)
		assert.False(t, ok)
	})

	t.Run("Fail after Remove leaves the key absent", func(t *testing.T) {
		store := newTestStore(clock)
		ticket := store.BeginFetch(detailP1)

		store.Remove(detailP1)
		store.Fail(ticket, errors.New("not found"))

		_, ok := store.Get(detailP1)
		assert.False(t, ok)
	})

	t.Run("Old ticket does not write into a newer entry", func(t *testing.T) {
		store := newTestStore(clock)
		old := store.BeginFetch(detailP1)
		store.Remove(detailP1)
		current := store.BeginFetch(detailP1)

		store.Complete(old, "old", clock.Now())
		e, _ := store.Get(detailP1)
		assert.Equal(t, cache.StatusFetching, e.Status)
		assert.False(t, e.HasValue)

		store.Complete(current, "new", clock.Now())
		e, _ = store.Get(detailP1)
		assert.Equal(t, cache.StatusFresh, e.Status)
		assert.Equal(t, "new", e.Value)
	})
}

func TestStore_Subscribe(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	var mu sync.Mutex
	var seen []cache.Status
	unsubscribe := store.Subscribe(detailP1, func(e cache.Entry) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Status)
	})
	assert.Equal(t, 1, store.Observers(detailP1))

	ticket := store.BeginFetch(detailP1)
	store.Complete(ticket, "v1", clock.Now())
	store.MarkStale(detailP1)
	store.Remove(detailP1)

	mu.Lock()
	assert.Equal(t, []cache.Status{cache.StatusFetching, cache.StatusFresh, cache.StatusStale, cache.StatusEmpty}, seen)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, store.Observers(detailP1))

	store.Put(detailP1, "v2", clock.Now())
	mu.Lock()
	assert.Len(t, seen, 4, "no notifications after unsubscribe")
	mu.Unlock()
}

func TestStore_InvalidateAndRefetchActive(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Put(pendingList, "pending-page", clock.Now())
	store.Put(allList, "all-page", clock.Now())

	var refetched []string
	var mu sync.Mutex
	store.SetRefetcher(func(_ context.Context, key querykey.Key) error {
		mu.Lock()
		defer mu.Unlock()
		refetched = append(refetched, key.ID())
		return nil
	})

	unsubscribe := store.Subscribe(pendingList, func(cache.Entry) {})
	defer unsubscribe()
	unrelated := store.Subscribe(detailP1, func(cache.Entry) {})
	defer unrelated()

	// Act
	err := store.InvalidateAndRefetchActive(context.Background(), listPrefix)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{pendingList.ID()}, refetched, "only observed keys under the prefix are refetched")
	e, _ := store.Get(allList)
	assert.Equal(t, cache.StatusStale, e.Status)

	t.Run("Refetch errors are joined", func(t *testing.T) {
		boom := errors.New("refetch failed")
		store.SetRefetcher(func(context.Context, querykey.Key) error { return boom })
		err := store.InvalidateAndRefetchActive(context.Background(), listPrefix)
		assert.ErrorIs(t, err, boom)
	})
}

func TestStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	store.Put(pendingList, "observed", clock.Now())
	store.Put(allList, "idle", clock.Now())
	inFlight := querykey.Detail(querykey.KindProduct, "p-2")
	store.BeginFetch(inFlight)

	var calls atomic.Int32
	unsubscribe := store.Subscribe(pendingList, func(cache.Entry) { calls.Add(1) })

	t.Run("Nothing is removed inside the retention window", func(t *testing.T) {
		clock.Advance(9 * time.Minute)
		assert.Equal(t, 0, store.Sweep(clock.Now()))
	})

	t.Run("Idle entries past 2x staleness are removed", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, store.Sweep(clock.Now()))
		_, ok := store.Get(allList)
		assert.False(t, ok)
		_, ok = store.Get(pendingList)
		assert.True(t, ok, "observed entries are never swept")
		_, ok = store.Get(inFlight)
		assert.True(t, ok, "fetching entries are never swept")
	})

	t.Run("Retention restarts when the last observer leaves", func(t *testing.T) {
		unsubscribe()
		clock.Advance(9 * time.Minute)
		assert.Equal(t, 0, store.Sweep(clock.Now()))
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 1, store.Sweep(clock.Now()))
	})

	assert.Equal(t, 15*time.Second*4, store.RetentionFor(querykey.KindCart))
}
