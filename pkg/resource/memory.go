package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querysync/pkg/failure"
)

// Operation names reported by InMemoryAPI.Calls and passed to Hook.
const (
	OpList   = "list"
	OpSearch = "search"
	OpDetail = "detail"
	OpCreate = "create"
	OpMutate = "mutate"
	OpDelete = "delete"
)

// InMemoryAPI is a thread-safe API backed by a map. It enforces the same
// moderation rules the server does, which makes it useful both for local
// runs and as a test double.
type InMemoryAPI struct {
	// SellerID is the identity used for the ScopeMine view and for created
	// products.
	SellerID string
	// Hook, if set, runs before every operation. A non-nil error is returned
	// to the caller instead of performing the operation. Tests use it to
	// inject failures or to block an operation mid-flight.
	Hook func(ctx context.Context, op, id string) error

	mu       sync.RWMutex
	products map[string]Product
	calls    map[string]int
	now      func() time.Time
}

// NewInMemoryAPI creates an API seeded with products.
func NewInMemoryAPI(sellerID string, seed ...Product) *InMemoryAPI {
	api := &InMemoryAPI{
		SellerID: sellerID,
		products: make(map[string]Product, len(seed)),
		calls:    make(map[string]int),
		now:      time.Now,
	}
	for _, p := range seed {
		api.products[p.ID] = p
	}
	return api
}

// Calls returns how many times op has been invoked, including calls that
// the Hook failed.
func (a *InMemoryAPI) Calls(op string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[op]
}

// TotalCalls returns the number of invocations across all operations.
func (a *InMemoryAPI) TotalCalls() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, n := range a.calls {
		total += n
	}
	return total
}

// Product returns the stored record, bypassing counters and hooks.
func (a *InMemoryAPI) Product(id string) (Product, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.products[id]
	return p, ok
}

func (a *InMemoryAPI) enter(ctx context.Context, op, id string) error {
	a.mu.Lock()
	a.calls[op]++
	hook := a.Hook
	a.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op, id); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (a *InMemoryAPI) List(ctx context.Context, req ListRequest) (Page[ProductSummary], error) {
	if err := a.enter(ctx, OpList, ""); err != nil {
		return Page[ProductSummary]{}, err
	}
	return a.list(req), nil
}

func (a *InMemoryAPI) list(req ListRequest) Page[ProductSummary] {
	keyword := strings.ToLower(strings.TrimSpace(req.Keyword))

	a.mu.RLock()
	var matched []Product
	for _, p := range a.products {
		if !a.inScope(p, req) {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(p.Name), keyword) {
			continue
		}
		if req.CategoryID != "" && (p.Category == nil || p.Category.ID != req.CategoryID) {
			continue
		}
		if req.BrandID != "" && (p.Brand == nil || p.Brand.ID != req.BrandID) {
			continue
		}
		if req.MinPrice != nil && p.BasePrice < *req.MinPrice {
			continue
		}
		if req.MaxPrice != nil && p.BasePrice > *req.MaxPrice {
			continue
		}
		matched = append(matched, p)
	}
	a.mu.RUnlock()

	return paginate(matched, intOr(req.Page, DefaultPage), intOr(req.Size, DefaultSize))
}

func (a *InMemoryAPI) inScope(p Product, req ListRequest) bool {
	switch req.Scope {
	case ScopePending:
		return p.Status == StatusPending
	case ScopeMine:
		if p.SellerID != a.SellerID {
			return false
		}
	case ScopeAdmin:
	default:
		if req.Status == "" {
			return p.Status == StatusApproved || p.Status == StatusActive
		}
	}
	return req.Status == "" || p.Status == req.Status
}

func (a *InMemoryAPI) Search(ctx context.Context, req SearchRequest) (Page[ProductSummary], error) {
	if err := a.enter(ctx, OpSearch, ""); err != nil {
		return Page[ProductSummary]{}, err
	}
	return a.list(ListRequest{Keyword: req.Keyword, Page: req.Page, Size: req.Size}), nil
}

func (a *InMemoryAPI) Detail(ctx context.Context, id string) (Product, error) {
	if err := a.enter(ctx, OpDetail, id); err != nil {
		return Product{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.products[id]
	if !ok {
		return Product{}, failure.New(failure.KindNotFound, fmt.Sprintf("Product not found with id: %s", id))
	}
	return p, nil
}

func (a *InMemoryAPI) Create(ctx context.Context, draft ProductDraft) (Product, error) {
	if err := a.enter(ctx, OpCreate, ""); err != nil {
		return Product{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p := Product{
		ID:        uuid.NewString(),
		SellerID:  a.SellerID,
		Status:    StatusPending,
		CreatedAt: a.now(),
	}
	applyDraft(&p, draft)
	a.products[p.ID] = p
	return p, nil
}

func (a *InMemoryAPI) Mutate(ctx context.Context, id string, action Action, payload any) (Product, error) {
	if err := a.enter(ctx, OpMutate, id); err != nil {
		return Product{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.products[id]
	if !ok {
		return Product{}, failure.New(failure.KindNotFound, fmt.Sprintf("Product not found with id: %s", id))
	}

	switch action {
	case ActionApprove:
		if p.Status != StatusPending {
			return Product{}, failure.InvalidTransition("Only pending products can be approved")
		}
		now := a.now()
		p.Status = StatusApproved
		p.ApprovedAt = &now
		p.RejectionReason = ""
	case ActionReject:
		if p.Status != StatusPending {
			return Product{}, failure.InvalidTransition("Only pending products can be rejected")
		}
		reason, ok := payload.(RejectPayload)
		if !ok || strings.TrimSpace(reason.Reason) == "" {
			return Product{}, failure.Validation("Rejection reason is required")
		}
		p.Status = StatusRejected
		p.RejectionReason = reason.Reason
	case ActionUpdate:
		draft, ok := payload.(ProductDraft)
		if !ok {
			return Product{}, failure.Validation("update requires a product draft")
		}
		applyDraft(&p, draft)
	default:
		return Product{}, failure.Validation(fmt.Sprintf("unsupported action %q", action))
	}
	a.products[id] = p
	return p, nil
}

func (a *InMemoryAPI) Delete(ctx context.Context, id string) error {
	if err := a.enter(ctx, OpDelete, id); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.products[id]; !ok {
		return failure.New(failure.KindNotFound, fmt.Sprintf("Product not found with id: %s", id))
	}
	delete(a.products, id)
	return nil
}

func applyDraft(p *Product, d ProductDraft) {
	p.Name = d.Name
	p.Slug = slugify(d.Name)
	p.Description = d.Description
	p.BasePrice = d.BasePrice
	p.Tags = d.Tags
	p.Variants = d.Variants
	p.Category = &Category{ID: d.CategoryID}
	if d.BrandID != "" {
		p.Brand = &Brand{ID: d.BrandID}
	} else {
		p.Brand = nil
	}
	p.TotalStock = 0
	for _, v := range d.Variants {
		p.TotalStock += v.Stock
	}
}

func slugify(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

func paginate(products []Product, page, size int) Page[ProductSummary] {
	sort.Slice(products, func(i, j int) bool {
		if products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].ID < products[j].ID
		}
		return products[i].CreatedAt.After(products[j].CreatedAt)
	})
	if size <= 0 {
		size = DefaultSize
	}
	if page < 0 {
		page = 0
	}
	total := len(products)
	pages := (total + size - 1) / size
	out := Page[ProductSummary]{
		Content:       []ProductSummary{},
		PageNumber:    page,
		PageSize:      size,
		TotalElements: int64(total),
		TotalPages:    pages,
		Last:          page >= pages-1,
	}
	start := page * size
	if start >= total {
		return out
	}
	end := min(start+size, total)
	for _, p := range products[start:end] {
		out.Content = append(out.Content, Summarize(p))
	}
	return out
}

var _ API = (*InMemoryAPI)(nil)
