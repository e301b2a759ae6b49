// Package resource defines the boundary to the marketplace product API and
// ships two implementations: an HTTP client and an in-memory API for local
// development and tests.
package resource

import (
	"context"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
)

// ProductStatus is the review and lifecycle status of a product.
type ProductStatus string

const (
	StatusPending    ProductStatus = "PENDING"
	StatusApproved   ProductStatus = "APPROVED"
	StatusRejected   ProductStatus = "REJECTED"
	StatusActive     ProductStatus = "ACTIVE"
	StatusInactive   ProductStatus = "INACTIVE"
	StatusOutOfStock ProductStatus = "OUT_OF_STOCK"
)

// Action is a state-changing operation on a single product.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionUpdate  Action = "update"
)

// Scope selects which population of products a list view shows.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopeMine    Scope = "mine"
	ScopePending Scope = "pending"
	ScopeAdmin   Scope = "admin"
)

type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type Brand struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Variant struct {
	ID    string  `json:"id"`
	SKU   string  `json:"sku"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

type Image struct {
	ID        string `json:"id"`
	URL       string `json:"imageUrl"`
	IsPrimary bool   `json:"isPrimary"`
}

// Product is the full read-side record of a product.
type Product struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Slug            string        `json:"slug"`
	Description     string        `json:"description"`
	Category        *Category     `json:"category,omitempty"`
	Brand           *Brand        `json:"brand,omitempty"`
	SellerID        string        `json:"sellerId"`
	SellerName      string        `json:"sellerName"`
	BasePrice       float64       `json:"basePrice"`
	Status          ProductStatus `json:"status"`
	RejectionReason string        `json:"rejectionReason,omitempty"`
	Tags            []string      `json:"tags"`
	TotalStock      int           `json:"totalStock"`
	Variants        []Variant     `json:"variants"`
	Images          []Image       `json:"images"`
	CreatedAt       time.Time     `json:"createdAt"`
	ApprovedAt      *time.Time    `json:"approvedAt,omitempty"`
}

// ProductSummary is the list-view projection of a product.
type ProductSummary struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	CategoryName string        `json:"categoryName"`
	BrandName    string        `json:"brandName"`
	SellerID     string        `json:"sellerId,omitempty"`
	BasePrice    float64       `json:"basePrice"`
	MinPrice     float64       `json:"minPrice"`
	MaxPrice     float64       `json:"maxPrice"`
	Status       ProductStatus `json:"status"`
	PrimaryImage string        `json:"primaryImage"`
	TotalStock   int           `json:"totalStock"`
	HasStock     bool          `json:"hasStock"`
}

// Page is one page of a paginated listing.
type Page[T any] struct {
	Content       []T   `json:"content"`
	PageNumber    int   `json:"pageNumber"`
	PageSize      int   `json:"pageSize"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	Last          bool  `json:"last"`
}

// ProductDraft is the seller-editable payload for create and update.
type ProductDraft struct {
	Name        string    `json:"name" validate:"required,max=255"`
	Description string    `json:"description" validate:"max=5000"`
	CategoryID  string    `json:"categoryId" validate:"required"`
	BrandID     string    `json:"brandId,omitempty"`
	BasePrice   float64   `json:"basePrice" validate:"gt=0"`
	Tags        []string  `json:"tags,omitempty"`
	Variants    []Variant `json:"variants,omitempty" validate:"dive"`
}

// RejectPayload carries the mandatory rejection reason.
type RejectPayload struct {
	Reason string `json:"reason" validate:"required"`
}

// ListRequest is the filter, pagination and sort state of a list view.
// Nil and empty fields are undefined and drop out of the query key.
type ListRequest struct {
	Scope      Scope
	Keyword    string
	CategoryID string
	BrandID    string
	MinPrice   *float64
	MaxPrice   *float64
	Status     ProductStatus
	Page       *int
	Size       *int
	Sort       string
}

// Params maps the request onto query key parameters.
func (r ListRequest) Params() querykey.Params {
	return querykey.Params{
		querykey.ParamScope:   optional(string(r.Scope)),
		querykey.ParamKeyword: optional(r.Keyword),
		"categoryId":          optional(r.CategoryID),
		"brandId":             optional(r.BrandID),
		"minPrice":            r.MinPrice,
		"maxPrice":            r.MaxPrice,
		querykey.ParamStatus:  optional(string(r.Status)),
		querykey.ParamPage:    r.Page,
		querykey.ParamSize:    r.Size,
		querykey.ParamSort:    optional(r.Sort),
	}
}

// Key returns the product.list key for the request.
func (r ListRequest) Key() (querykey.Key, error) {
	return querykey.Make(querykey.KindProduct, querykey.OpList, r.Params())
}

// SearchRequest is a keyword search over approved products.
type SearchRequest struct {
	Keyword string
	Page    *int
	Size    *int
}

// Key returns the product.search key for the request. A blank keyword
// yields a key that asks for nothing.
func (r SearchRequest) Key() (querykey.Key, error) {
	return querykey.Make(querykey.KindProduct, querykey.OpSearch, querykey.Params{
		querykey.ParamKeyword: r.Keyword,
		querykey.ParamPage:    r.Page,
		querykey.ParamSize:    r.Size,
	})
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// API is the resource boundary the engine consumes.
type API interface {
	List(ctx context.Context, req ListRequest) (Page[ProductSummary], error)
	Search(ctx context.Context, req SearchRequest) (Page[ProductSummary], error)
	Detail(ctx context.Context, id string) (Product, error)
	Create(ctx context.Context, draft ProductDraft) (Product, error)
	Mutate(ctx context.Context, id string, action Action, payload any) (Product, error)
	Delete(ctx context.Context, id string) error
}

// Summarize projects a full record onto its list-view shape.
func Summarize(p Product) ProductSummary {
	s := ProductSummary{
		ID:         p.ID,
		Name:       p.Name,
		Slug:       p.Slug,
		SellerID:   p.SellerID,
		BasePrice:  p.BasePrice,
		MinPrice:   p.BasePrice,
		MaxPrice:   p.BasePrice,
		Status:     p.Status,
		TotalStock: p.TotalStock,
		HasStock:   p.TotalStock > 0,
	}
	if p.Category != nil {
		s.CategoryName = p.Category.Name
	}
	if p.Brand != nil {
		s.BrandName = p.Brand.Name
	}
	for i, v := range p.Variants {
		if i == 0 || v.Price < s.MinPrice {
			s.MinPrice = v.Price
		}
		if i == 0 || v.Price > s.MaxPrice {
			s.MaxPrice = v.Price
		}
	}
	for _, img := range p.Images {
		if img.IsPrimary || s.PrimaryImage == "" {
			s.PrimaryImage = img.URL
		}
	}
	return s
}
