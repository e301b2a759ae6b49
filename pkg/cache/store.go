// Package cache provides the process-scoped store of query results.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultStaleness is the staleness window used when a kind has no override.
const DefaultStaleness = 5 * time.Minute

// StoreConfig holds the timing policy for a Store.
type StoreConfig struct {
	// DefaultStaleness applies to kinds without an entry in Staleness.
	DefaultStaleness time.Duration
	// Staleness overrides the window per resource kind.
	Staleness map[querykey.Kind]time.Duration
	// Retention is how long an unobserved entry survives a sweep. Zero means
	// twice the staleness window of the entry's kind.
	Retention time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Refetcher re-runs the fetch registered for an actively observed key.
type Refetcher func(ctx context.Context, key querykey.Key) error

// Ticket identifies one fetch attempt. Completing a ticket whose entry was
// invalidated after BeginFetch stores the value but leaves the entry stale.
// Completing or failing a ticket whose entry was removed does nothing.
type Ticket struct {
	Key        querykey.Key
	entry      *entry
	generation uint64
}

type entry struct {
	key        querykey.Key
	value      any
	hasValue   bool
	fetchedAt  time.Time
	staleAt    time.Time
	status     Status
	err        error
	generation uint64
	touchedAt  time.Time
}

type subscription struct {
	key       querykey.Key
	listeners map[uint64]Listener
}

// Store holds cache entries keyed by canonical query key. It is safe for
// concurrent use. Only the fetch coordinator and the invalidation bus are
// expected to write to it.
type Store struct {
	staleness        map[querykey.Kind]time.Duration
	defaultStaleness time.Duration
	retention        time.Duration
	now              func() time.Time
	logger           zerolog.Logger

	mu           sync.RWMutex
	entries      map[string]*entry
	subs         map[string]*subscription
	generation   uint64
	nextListener uint64
	refetch      Refetcher
}

// NewStore creates an empty store.
func NewStore(cfg *StoreConfig, logger zerolog.Logger) *Store {
	s := &Store{
		defaultStaleness: DefaultStaleness,
		staleness:        make(map[querykey.Kind]time.Duration),
		now:              time.Now,
		logger:           logger.With().Str("component", "CacheStore").Logger(),
		entries:          make(map[string]*entry),
		subs:             make(map[string]*subscription),
	}
	if cfg != nil {
		if cfg.DefaultStaleness > 0 {
			s.defaultStaleness = cfg.DefaultStaleness
		}
		for kind, d := range cfg.Staleness {
			if d > 0 {
				s.staleness[kind] = d
			}
		}
		s.retention = cfg.Retention
		if cfg.Now != nil {
			s.now = cfg.Now
		}
	}
	return s
}

// SetRefetcher installs the hook used by InvalidateAndRefetchActive.
func (s *Store) SetRefetcher(r Refetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refetch = r
}

// StalenessFor returns the staleness window for a kind.
func (s *Store) StalenessFor(kind querykey.Kind) time.Duration {
	if d, ok := s.staleness[kind]; ok {
		return d
	}
	return s.defaultStaleness
}

// RetentionFor returns how long an unobserved entry of kind is kept.
func (s *Store) RetentionFor(kind querykey.Kind) time.Duration {
	if s.retention > 0 {
		return s.retention
	}
	return 2 * s.StalenessFor(kind)
}

// Get returns the entry for key. A fresh entry past its stale-at time is
// reported as stale; the stored entry is not modified.
func (s *Store) Get(key querykey.Key) (Entry, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.ID()]
	if !ok {
		return Entry{}, false
	}
	return s.snapshotLocked(e, now), true
}

// Put overwrites the value for key and marks it fresh.
func (s *Store) Put(key querykey.Key, value any, fetchedAt time.Time) {
	s.mu.Lock()
	e := s.entryLocked(key)
	s.fillLocked(e, value, fetchedAt, StatusFresh)
	notify := s.collectLocked(e)
	s.mu.Unlock()
	notify()
}

// BeginFetch moves key into the fetching state, creating the entry if
// needed. Any previously fetched value stays readable.
func (s *Store) BeginFetch(key querykey.Key) Ticket {
	s.mu.Lock()
	e := s.entryLocked(key)
	e.status = StatusFetching
	e.err = nil
	e.touchedAt = s.now()
	t := Ticket{Key: key, entry: e, generation: e.generation}
	notify := s.collectLocked(e)
	s.mu.Unlock()
	notify()
	return t
}

// Complete records a successful fetch for t.
func (s *Store) Complete(t Ticket, value any, fetchedAt time.Time) {
	s.mu.Lock()
	e, ok := s.ticketEntryLocked(t)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("key", t.Key.ID()).Msg("Fetch completed after removal, dropping result.")
		return
	}
	status := StatusFresh
	if e.generation != t.generation {
		status = StatusStale
		s.logger.Debug().Str("key", t.Key.ID()).Msg("Fetch completed after invalidation, keeping entry stale.")
	}
	s.fillLocked(e, value, fetchedAt, status)
	notify := s.collectLocked(e)
	s.mu.Unlock()
	notify()
}

// Fail records a failed fetch for t. The last good value, if any, is kept.
func (s *Store) Fail(t Ticket, err error) {
	s.mu.Lock()
	e, ok := s.ticketEntryLocked(t)
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("key", t.Key.ID()).Err(err).Msg("Fetch failed after removal, dropping error.")
		return
	}
	e.status = StatusError
	e.err = err
	e.touchedAt = s.now()
	notify := s.collectLocked(e)
	s.mu.Unlock()
	notify()
}

// MarkStale marks every entry matched by m as stale without discarding its
// value, and returns the matched keys. Entries that are mid-fetch stay
// fetching, but their in-flight result will land stale.
func (s *Store) MarkStale(m querykey.Matcher) []querykey.Key {
	s.mu.Lock()
	var keys []querykey.Key
	var notifiers []func()
	for _, e := range s.entries {
		if !m.Match(e.key) {
			continue
		}
		s.generation++
		e.generation = s.generation
		if e.status == StatusFresh {
			e.status = StatusStale
		}
		keys = append(keys, e.key)
		notifiers = append(notifiers, s.collectLocked(e))
	}
	s.mu.Unlock()
	for _, n := range notifiers {
		n()
	}
	if len(keys) > 0 {
		s.logger.Debug().Str("matcher", m.String()).Int("count", len(keys)).Msg("Marked entries stale.")
	}
	return keys
}

// Remove discards every entry matched by m. Subscriptions survive and are
// notified with an empty entry.
func (s *Store) Remove(m querykey.Matcher) []querykey.Key {
	s.mu.Lock()
	var keys []querykey.Key
	var notifiers []func()
	for id, e := range s.entries {
		if !m.Match(e.key) {
			continue
		}
		delete(s.entries, id)
		keys = append(keys, e.key)
		if sub, ok := s.subs[id]; ok && len(sub.listeners) > 0 {
			snap := Entry{Key: e.key, Status: StatusEmpty, Observers: len(sub.listeners)}
			notifiers = append(notifiers, fanOut(sub, snap))
		}
	}
	s.mu.Unlock()
	for _, n := range notifiers {
		n()
	}
	if len(keys) > 0 {
		s.logger.Debug().Str("matcher", m.String()).Int("count", len(keys)).Msg("Removed entries.")
	}
	return keys
}

// InvalidateAndRefetchActive marks matched entries stale and re-runs the
// fetch of every matched key that has at least one observer. It waits for
// the refetches and returns their joined errors.
func (s *Store) InvalidateAndRefetchActive(ctx context.Context, m querykey.Matcher) error {
	s.MarkStale(m)

	s.mu.RLock()
	refetch := s.refetch
	var active []querykey.Key
	for _, sub := range s.subs {
		if len(sub.listeners) > 0 && m.Match(sub.key) {
			active = append(active, sub.key)
		}
	}
	s.mu.RUnlock()

	if refetch == nil || len(active) == 0 {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, key := range active {
		key := key
		g.Go(func() error {
			if err := refetch(gctx, key); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Subscribe registers listener for key. The returned func is safe to call
// more than once.
func (s *Store) Subscribe(key querykey.Key, listener Listener) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	sub, ok := s.subs[key.ID()]
	if !ok {
		sub = &subscription{key: key, listeners: make(map[uint64]Listener)}
		s.subs[key.ID()] = sub
	}
	sub.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(key, id) })
	}
}

func (s *Store) unsubscribe(key querykey.Key, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key.ID()]
	if !ok {
		return
	}
	delete(sub.listeners, id)
	if len(sub.listeners) == 0 {
		delete(s.subs, key.ID())
		if e, ok := s.entries[key.ID()]; ok {
			e.touchedAt = s.now()
		}
	}
}

// Observers returns the number of active listeners on key.
func (s *Store) Observers(key querykey.Key) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subs[key.ID()]; ok {
		return len(sub.listeners)
	}
	return 0
}

// Sweep removes unobserved, idle entries older than their retention window
// and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if sub, ok := s.subs[id]; ok && len(sub.listeners) > 0 {
			continue
		}
		if e.status == StatusFetching {
			continue
		}
		if now.Sub(e.touchedAt) > s.RetentionFor(e.key.Kind()) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Swept idle cache entries.")
	}
	return removed
}

// Snapshot returns every entry, in no particular order.
func (s *Store) Snapshot() []Entry {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, s.snapshotLocked(e, now))
	}
	return out
}

// Clear drops all entries and subscriptions.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.subs = make(map[string]*subscription)
}

func (s *Store) entryLocked(key querykey.Key) *entry {
	e, ok := s.entries[key.ID()]
	if !ok {
		s.generation++
		e = &entry{key: key, status: StatusEmpty, generation: s.generation, touchedAt: s.now()}
		s.entries[key.ID()] = e
	}
	return e
}

// ticketEntryLocked returns the entry t was issued for, unless that entry has
// since been removed or replaced.
func (s *Store) ticketEntryLocked(t Ticket) (*entry, bool) {
	e, ok := s.entries[t.Key.ID()]
	if !ok || e != t.entry {
		return nil, false
	}
	return e, true
}

func (s *Store) fillLocked(e *entry, value any, fetchedAt time.Time, status Status) {
	e.value = value
	e.hasValue = true
	e.fetchedAt = fetchedAt
	e.staleAt = fetchedAt.Add(s.StalenessFor(e.key.Kind()))
	e.status = status
	e.err = nil
	e.touchedAt = s.now()
}

func (s *Store) snapshotLocked(e *entry, now time.Time) Entry {
	status := e.status
	if status == StatusFresh && now.After(e.staleAt) {
		status = StatusStale
	}
	observers := 0
	if sub, ok := s.subs[e.key.ID()]; ok {
		observers = len(sub.listeners)
	}
	return Entry{
		Key:       e.key,
		Value:     e.value,
		HasValue:  e.hasValue,
		FetchedAt: e.fetchedAt,
		StaleAt:   e.staleAt,
		Status:    status,
		Err:       e.err,
		Observers: observers,
	}
}

// collectLocked captures the listeners of e together with its current
// snapshot. The returned func must be called after the lock is released.
func (s *Store) collectLocked(e *entry) func() {
	sub, ok := s.subs[e.key.ID()]
	if !ok || len(sub.listeners) == 0 {
		return func() {}
	}
	return fanOut(sub, s.snapshotLocked(e, s.now()))
}

func fanOut(sub *subscription, snap Entry) func() {
	listeners := make([]Listener, 0, len(sub.listeners))
	for _, l := range sub.listeners {
		listeners = append(listeners, l)
	}
	return func() {
		for _, l := range listeners {
			l(snap)
		}
	}
}
