package querysync

import (
	"context"

	"github.com/illmade-knight/go-querysync/pkg/resource"
)

// Approve moves a pending product to approved. When it returns nil, no
// cached view presents the pre-approval record as fresh.
func (e *Engine) Approve(ctx context.Context, id string) (resource.Product, error) {
	return e.moderation.Approve(ctx, id)
}

// Reject moves a pending product to rejected with a mandatory reason.
func (e *Engine) Reject(ctx context.Context, id, reason string) (resource.Product, error) {
	return e.moderation.Reject(ctx, id, reason)
}

// Create submits a new product for review.
func (e *Engine) Create(ctx context.Context, draft resource.ProductDraft) (resource.Product, error) {
	return e.catalog.Create(ctx, draft)
}

// Update replaces the editable fields of a product.
func (e *Engine) Update(ctx context.Context, id string, draft resource.ProductDraft) (resource.Product, error) {
	return e.catalog.Update(ctx, id, draft)
}

// Delete removes a product and drops its cached detail.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.catalog.Delete(ctx, id)
}
