package cache

import (
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusEmpty    Status = "empty"
	StatusFetching Status = "fetching"
	StatusFresh    Status = "fresh"
	StatusStale    Status = "stale"
	StatusError    Status = "error"
)

// Entry is a point-in-time snapshot of a cached result. Value is only
// meaningful when HasValue is true; a fetching entry with no prior value
// never exposes a partial one.
type Entry struct {
	Key       querykey.Key
	Value     any
	HasValue  bool
	FetchedAt time.Time
	StaleAt   time.Time
	Status    Status
	Err       error
	Observers int
}

// Listener is notified with the new snapshot whenever an observed entry
// changes.
type Listener func(Entry)

// Reader is the read-only view of the store handed to presentation code.
type Reader interface {
	// Get returns the current entry for key without side effects.
	Get(key querykey.Key) (Entry, bool)
	// Subscribe registers a listener for key and returns its cancel func.
	Subscribe(key querykey.Key, listener Listener) (unsubscribe func())
}
