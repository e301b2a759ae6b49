package querysync

import (
	"context"

	"github.com/illmade-knight/go-querysync/pkg/cache"
	"github.com/illmade-knight/go-querysync/pkg/fetch"
	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/illmade-knight/go-querysync/pkg/resource"
)

// ProductPage is a page of product summaries.
type ProductPage = resource.Page[resource.ProductSummary]

// Products returns the list view for req.
func (e *Engine) Products(ctx context.Context, req resource.ListRequest) (ProductPage, error) {
	key, err := req.Key()
	if err != nil {
		return ProductPage{}, err
	}
	return fetch.Resolve(ctx, e.coord, key, e.listFetcher(req))
}

// Product returns the detail view of product id.
func (e *Engine) Product(ctx context.Context, id string) (resource.Product, error) {
	return fetch.Resolve(ctx, e.coord, querykey.Detail(querykey.KindProduct, id), e.detailFetcher(id))
}

// Search runs a keyword search. A blank keyword returns
// fetch.ErrNothingRequested without touching the network.
func (e *Engine) Search(ctx context.Context, req resource.SearchRequest) (ProductPage, error) {
	key, err := req.Key()
	if err != nil {
		return ProductPage{}, err
	}
	return fetch.Resolve(ctx, e.coord, key, func(ctx context.Context) (ProductPage, error) {
		return e.api.Search(ctx, req)
	})
}

// WatchProducts subscribes listener to the list view for req and fetches it
// if needed. While the subscription lasts, invalidations refetch the view.
func (e *Engine) WatchProducts(ctx context.Context, req resource.ListRequest, listener cache.Listener) (cache.Entry, func(), error) {
	key, err := req.Key()
	if err != nil {
		return cache.Entry{}, func() {}, err
	}
	entry, unsubscribe := fetch.Watch(ctx, e.coord, key, e.listFetcher(req), listener)
	return entry, unsubscribe, nil
}

// WatchProduct subscribes listener to the detail view of product id.
func (e *Engine) WatchProduct(ctx context.Context, id string, listener cache.Listener) (cache.Entry, func()) {
	return fetch.Watch(ctx, e.coord, querykey.Detail(querykey.KindProduct, id), e.detailFetcher(id), listener)
}

// Wait blocks until background fetches started by watches have finished.
func (e *Engine) Wait() {
	e.coord.Wait()
}

func (e *Engine) listFetcher(req resource.ListRequest) fetch.Fetcher[ProductPage] {
	return func(ctx context.Context) (ProductPage, error) {
		return e.api.List(ctx, req)
	}
}

func (e *Engine) detailFetcher(id string) fetch.Fetcher[resource.Product] {
	return func(ctx context.Context) (resource.Product, error) {
		return e.api.Detail(ctx, id)
	}
}

// currentStatus finds the review status of a product: from a fresh cached
// detail, then from a fresh cached list page, then by resolving the detail.
func (e *Engine) currentStatus(ctx context.Context, id string) (resource.ProductStatus, error) {
	if entry, ok := e.store.Get(querykey.Detail(querykey.KindProduct, id)); ok && entry.Status == cache.StatusFresh {
		if p, ok := entry.Value.(resource.Product); ok && p.Status != "" {
			return p.Status, nil
		}
	}
	for _, entry := range e.store.Snapshot() {
		if entry.Status != cache.StatusFresh || entry.Key.Operation() != querykey.OpList {
			continue
		}
		page, ok := entry.Value.(ProductPage)
		if !ok {
			continue
		}
		for _, s := range page.Content {
			if s.ID == id && s.Status != "" {
				return s.Status, nil
			}
		}
	}
	p, err := e.Product(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// StatusCounts tallies the review statuses in a page.
type StatusCounts struct {
	Pending  int
	Approved int
	Rejected int
	Other    int
}

// CountStatuses tallies the review statuses of the products in page.
func CountStatuses(page ProductPage) StatusCounts {
	var c StatusCounts
	for _, s := range page.Content {
		switch s.Status {
		case resource.StatusPending:
			c.Pending++
		case resource.StatusApproved:
			c.Approved++
		case resource.StatusRejected:
			c.Rejected++
		default:
			c.Other++
		}
	}
	return c
}
