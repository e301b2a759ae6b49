package invalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/rs/zerolog"
)

// Relay carries effects between engine instances that share a backend, so
// a moderation decision taken in one session invalidates the views held by
// the others.
type Relay interface {
	// Publish broadcasts e to every other subscriber.
	Publish(ctx context.Context, e Effect) error
	// Subscribe returns once the subscription is live. The channel is closed
	// when ctx ends or the relay is closed. Effects published by this relay
	// are not delivered back to it.
	Subscribe(ctx context.Context) (<-chan Effect, error)
	Close() error
}

// Bus applies mutation effects to the cache store. It is, together with the
// fetch coordinator, the only writer of the store.
type Bus struct {
	store  *cache.Store
	relay  Relay
	now    func() time.Time
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewBus creates a bus over store. relay may be nil.
func NewBus(store *cache.Store, relay Relay, logger zerolog.Logger) *Bus {
	return &Bus{
		store:  store,
		relay:  relay,
		now:    time.Now,
		logger: logger.With().Str("component", "InvalidationBus").Logger(),
	}
}

// OnMutationSucceeded applies e and returns once the store no longer
// presents pre-mutation data as fresh. Active views under the affected keys
// have been refetched by the time it returns; a failed refetch leaves its
// entry in the error state and is logged, it does not fail the mutation.
func (b *Bus) OnMutationSucceeded(ctx context.Context, e Effect) error {
	if err := b.apply(ctx, e, "local"); err != nil {
		return err
	}
	if b.relay != nil {
		if err := b.relay.Publish(ctx, e); err != nil {
			b.logger.Warn().Err(err).Str("mutation", string(e.Mutation)).Str("product_id", e.ProductID).Msg("Failed to relay mutation effect.")
		}
	}
	return nil
}

// InvalidateAll marks every entry stale and refetches the observed ones.
func (b *Bus) InvalidateAll(ctx context.Context) error {
	b.logger.Info().Msg("Invalidating all cache entries.")
	return b.store.InvalidateAndRefetchActive(ctx, querykey.Everything)
}

// Listen subscribes to the relay and applies remote effects until ctx ends.
// It returns once the subscription is live. Without a relay it is a no-op.
func (b *Bus) Listen(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	effects, err := b.relay.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range effects {
			if err := b.apply(ctx, e, "relay"); err != nil {
				b.logger.Error().Err(err).Str("mutation", string(e.Mutation)).Msg("Dropped invalid relayed effect.")
			}
		}
		b.logger.Info().Msg("Relay listener stopped.")
	}()
	return nil
}

// Wait blocks until the relay listener has stopped.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) apply(ctx context.Context, e Effect, source string) error {
	targets, err := Plan(e)
	if err != nil {
		return err
	}

	// A cached detail takes the server's answer first; the targets below then
	// mark it stale so readers still refetch it.
	if e.Record != nil && e.Mutation != MutationDelete && e.ProductID != "" {
		detail := querykey.Detail(querykey.KindProduct, e.ProductID)
		if _, cached := b.store.Get(detail); cached {
			b.store.Put(detail, *e.Record, b.now())
		}
	}

	var stale []querykey.Matcher
	for _, t := range targets {
		if t.Remove {
			b.store.Remove(t.Match)
			continue
		}
		stale = append(stale, t.Match)
	}
	// One pass over the union so a view matched by several targets is
	// refetched once.
	err = b.store.InvalidateAndRefetchActive(ctx, querykey.AnyOf(stale...))

	log := b.logger.Debug()
	if err != nil {
		log = b.logger.Warn().Err(err)
	}
	log.Str("mutation", string(e.Mutation)).
		Str("product_id", e.ProductID).
		Str("source", source).
		Int("targets", len(targets)).
		Msg("Applied mutation effect.")
	return nil
}
