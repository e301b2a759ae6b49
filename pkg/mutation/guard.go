// Package mutation tracks in-flight write operations so that a duplicate
// request for the same product and operation kind is rejected immediately
// instead of being queued behind the first.
package mutation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/rs/zerolog"
)

// Kind groups operations that must not overlap on the same product.
// Approve and reject share KindModeration.
type Kind string

const (
	KindModeration Kind = "moderation"
	KindUpdate     Kind = "update"
	KindDelete     Kind = "delete"
	KindCreate     Kind = "create"
)

// Pending describes one in-flight mutation.
type Pending struct {
	ID        string
	ProductID string
	Kind      Kind
	Operation string
	StartedAt time.Time
}

type slot struct {
	productID string
	kind      Kind
}

// Guard admits at most one in-flight mutation per (product id, kind).
type Guard struct {
	mu       sync.Mutex
	inflight map[slot]Pending
	now      func() time.Time
	logger   zerolog.Logger
}

func NewGuard(logger zerolog.Logger) *Guard {
	return &Guard{
		inflight: make(map[slot]Pending),
		now:      time.Now,
		logger:   logger.With().Str("component", "MutationGuard").Logger(),
	}
}

// Acquire claims the slot for productID and kind. It fails with a conflict
// error if the slot is taken. The returned release func frees the slot and
// is safe to call more than once.
func (g *Guard) Acquire(productID string, kind Kind, operation string) (Pending, func(), error) {
	s := slot{productID: productID, kind: kind}

	g.mu.Lock()
	if current, busy := g.inflight[s]; busy {
		g.mu.Unlock()
		g.logger.Warn().
			Str("product_id", productID).
			Str("kind", string(kind)).
			Str("in_flight", current.Operation).
			Str("requested", operation).
			Msg("Rejected duplicate mutation.")
		return Pending{}, func() {}, failure.Conflict(
			fmt.Sprintf("%s already in progress for product %s", current.Operation, productID))
	}
	p := Pending{
		ID:        uuid.NewString(),
		ProductID: productID,
		Kind:      kind,
		Operation: operation,
		StartedAt: g.now(),
	}
	g.inflight[s] = p
	g.mu.Unlock()

	var once sync.Once
	return p, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if held, ok := g.inflight[s]; ok && held.ID == p.ID {
				delete(g.inflight, s)
			}
		})
	}, nil
}

// InFlight reports the mutation currently holding productID's kind slot.
func (g *Guard) InFlight(productID string, kind Kind) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.inflight[slot{productID: productID, kind: kind}]
	return p, ok
}

// Pending lists every in-flight mutation, oldest first.
func (g *Guard) Pending() []Pending {
	g.mu.Lock()
	out := make([]Pending, 0, len(g.inflight))
	for _, p := range g.inflight {
		out = append(out, p)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
