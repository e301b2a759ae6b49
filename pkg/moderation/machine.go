package moderation

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/rs/zerolog"
)

// Fallback messages used when the server gives no reason for a failure.
const (
	ApproveFailedMessage = "Failed to approve product"
	RejectFailedMessage  = "Failed to reject product"
)

// StatusLookup returns the current review status of a product.
type StatusLookup func(ctx context.Context, productID string) (resource.ProductStatus, error)

// Machine performs approve and reject against the API. A transition is
// checked locally before any network call, at most one moderation action
// per product is in flight, and on success the effect is applied to the
// cache before the caller sees the result.
type Machine struct {
	api    resource.API
	guard  *mutation.Guard
	bus    *invalidation.Bus
	lookup StatusLookup
	logger zerolog.Logger
}

func NewMachine(api resource.API, guard *mutation.Guard, bus *invalidation.Bus, lookup StatusLookup, logger zerolog.Logger) *Machine {
	return &Machine{
		api:    api,
		guard:  guard,
		bus:    bus,
		lookup: lookup,
		logger: logger.With().Str("component", "ModerationMachine").Logger(),
	}
}

// Approve moves a PENDING product to APPROVED.
func (m *Machine) Approve(ctx context.Context, productID string) (resource.Product, error) {
	return m.transition(ctx, productID, resource.ActionApprove, nil, ApproveFailedMessage)
}

// Reject moves a PENDING product to REJECTED. A blank reason fails before
// anything else happens.
func (m *Machine) Reject(ctx context.Context, productID, reason string) (resource.Product, error) {
	payload := resource.RejectPayload{Reason: reason}
	if err := payload.Validate(); err != nil {
		return resource.Product{}, err
	}
	return m.transition(ctx, productID, resource.ActionReject, payload, RejectFailedMessage)
}

func (m *Machine) transition(ctx context.Context, productID string, action resource.Action, payload any, fallback string) (resource.Product, error) {
	if productID == "" {
		return resource.Product{}, failure.Validation("product id is required")
	}
	log := m.logger.With().Str("product_id", productID).Str("action", string(action)).Logger()

	_, release, err := m.guard.Acquire(productID, mutation.KindModeration, string(action))
	if err != nil {
		return resource.Product{}, err
	}
	defer release()

	current, err := m.lookup(ctx, productID)
	if err != nil {
		return resource.Product{}, fmt.Errorf("failed to look up status of product %s: %w", productID, err)
	}
	next, err := Next(current, action)
	if err != nil {
		log.Warn().Str("status", string(current)).Msg("Rejected invalid transition.")
		return resource.Product{}, err
	}

	// Once submitted, a moderation call runs to completion.
	runCtx := context.WithoutCancel(ctx)
	record, err := m.api.Mutate(runCtx, productID, action, payload)
	if err != nil {
		log.Error().Err(err).Msg("Moderation call failed.")
		return resource.Product{}, failure.WithFallback(err, fallback)
	}
	if record.ID == "" {
		record.ID = productID
	}
	if record.Status == "" {
		record.Status = next
	}

	effect := invalidation.Effect{
		Mutation:  invalidation.Mutation(action),
		ProductID: productID,
		SellerID:  record.SellerID,
		Record:    &record,
	}
	if err := m.bus.OnMutationSucceeded(runCtx, effect); err != nil {
		return resource.Product{}, fmt.Errorf("failed to apply %s effect: %w", action, err)
	}
	log.Info().Str("status", string(record.Status)).Msg("Moderation succeeded.")
	return record, nil
}
