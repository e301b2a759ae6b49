// Package catalog implements the seller-side product mutations: create,
// update and delete.
package catalog

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/invalidation"
	"github.com/illmade-knight/go-querysync/pkg/mutation"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/rs/zerolog"
)

const (
	CreateFailedMessage = "Failed to create product"
	UpdateFailedMessage = "Failed to update product"
	DeleteFailedMessage = "Failed to delete product"
)

// Service runs seller mutations. Like moderation, each one is submitted at
// most once per product at a time, is never retried, and applies its
// invalidation before returning.
type Service struct {
	api    resource.API
	guard  *mutation.Guard
	bus    *invalidation.Bus
	logger zerolog.Logger
}

func NewService(api resource.API, guard *mutation.Guard, bus *invalidation.Bus, logger zerolog.Logger) *Service {
	return &Service{
		api:    api,
		guard:  guard,
		bus:    bus,
		logger: logger.With().Str("component", "CatalogService").Logger(),
	}
}

// Create submits a new product. It starts in review.
func (s *Service) Create(ctx context.Context, draft resource.ProductDraft) (resource.Product, error) {
	if err := draft.Validate(); err != nil {
		return resource.Product{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	p, err := s.api.Create(runCtx, draft)
	if err != nil {
		s.logger.Error().Err(err).Str("name", draft.Name).Msg("Create failed.")
		return resource.Product{}, failure.WithFallback(err, CreateFailedMessage)
	}
	err = s.bus.OnMutationSucceeded(runCtx, invalidation.Effect{
		Mutation:  invalidation.MutationCreate,
		ProductID: p.ID,
		SellerID:  p.SellerID,
	})
	if err != nil {
		return resource.Product{}, fmt.Errorf("failed to apply create effect: %w", err)
	}
	s.logger.Info().Str("product_id", p.ID).Msg("Product created.")
	return p, nil
}

// Update replaces the editable fields of product id.
func (s *Service) Update(ctx context.Context, id string, draft resource.ProductDraft) (resource.Product, error) {
	if id == "" {
		return resource.Product{}, failure.Validation("product id is required")
	}
	if err := draft.Validate(); err != nil {
		return resource.Product{}, err
	}
	_, release, err := s.guard.Acquire(id, mutation.KindUpdate, string(resource.ActionUpdate))
	if err != nil {
		return resource.Product{}, err
	}
	defer release()

	runCtx := context.WithoutCancel(ctx)
	p, err := s.api.Mutate(runCtx, id, resource.ActionUpdate, draft)
	if err != nil {
		s.logger.Error().Err(err).Str("product_id", id).Msg("Update failed.")
		return resource.Product{}, failure.WithFallback(err, UpdateFailedMessage)
	}
	if p.ID == "" {
		p.ID = id
	}
	err = s.bus.OnMutationSucceeded(runCtx, invalidation.Effect{
		Mutation:  invalidation.MutationUpdate,
		ProductID: id,
		SellerID:  p.SellerID,
		Record:    &p,
	})
	if err != nil {
		return resource.Product{}, fmt.Errorf("failed to apply update effect: %w", err)
	}
	return p, nil
}

// Delete removes product id and drops its cached detail.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return failure.Validation("product id is required")
	}
	_, release, err := s.guard.Acquire(id, mutation.KindDelete, "delete")
	if err != nil {
		return err
	}
	defer release()

	runCtx := context.WithoutCancel(ctx)
	if err := s.api.Delete(runCtx, id); err != nil {
		s.logger.Error().Err(err).Str("product_id", id).Msg("Delete failed.")
		return failure.WithFallback(err, DeleteFailedMessage)
	}
	if err := s.bus.OnMutationSucceeded(runCtx, invalidation.Effect{Mutation: invalidation.MutationDelete, ProductID: id}); err != nil {
		return fmt.Errorf("failed to apply delete effect: %w", err)
	}
	s.logger.Info().Str("product_id", id).Msg("Product deleted.")
	return nil
}

// PageAfterDelete returns the page a list view should show after deleting
// an item from page, which held contentLen items before the delete. Only
// removing the last item of a page past the first steps back one page.
func PageAfterDelete(page, contentLen int) int {
	if page > 0 && contentLen == 1 {
		return page - 1
	}
	return page
}
