// Package invalidation maps the known effect of a successful mutation onto
// the cache entries it makes obsolete, and applies it to the store.
package invalidation

import (
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/illmade-knight/go-querysync/pkg/resource"
)

// Mutation names a write whose effect the bus knows how to apply.
type Mutation string

const (
	MutationCreate  Mutation = "create"
	MutationUpdate  Mutation = "update"
	MutationDelete  Mutation = "delete"
	MutationApprove Mutation = "approve"
	MutationReject  Mutation = "reject"
)

// Effect is the semantic outcome of a mutation that the server accepted.
type Effect struct {
	Mutation  Mutation `json:"mutation"`
	ProductID string   `json:"productId,omitempty"`
	SellerID  string   `json:"sellerId,omitempty"`
	// Record is the updated record the server returned, if any.
	Record *resource.Product `json:"record,omitempty"`
}

// Validate checks that e carries what its mutation needs.
func (e Effect) Validate() error {
	switch e.Mutation {
	case MutationCreate:
		return nil
	case MutationUpdate, MutationDelete, MutationApprove, MutationReject:
		if e.ProductID == "" {
			return fmt.Errorf("%s effect requires a product id", e.Mutation)
		}
		return nil
	default:
		return fmt.Errorf("unknown mutation %q", e.Mutation)
	}
}

// Target is one group of entries to invalidate. Remove discards the entries
// instead of marking them stale.
type Target struct {
	Match  querykey.Matcher
	Remove bool
}

// Lists matches every product list view, whatever its filters or scope.
var Lists = querykey.OperationPrefix(querykey.KindProduct, querykey.OpList)

// SellerLists matches the seller's own list views.
var SellerLists = querykey.MustPrefix(querykey.KindProduct, querykey.OpList, querykey.Params{
	querykey.ParamScope: string(resource.ScopeMine),
})

// DetailOf matches every detail entry for product id.
func DetailOf(id string) querykey.Matcher {
	return querykey.MustPrefix(querykey.KindProduct, querykey.OpDetail, querykey.Params{querykey.ParamID: id})
}

// Plan returns the targets invalidated by e. The mapping is exact: list
// views are filter-parameterized and cannot be patched selectively, so the
// whole list prefix is always invalidated; detail views are targeted by id.
func Plan(e Effect) ([]Target, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	switch e.Mutation {
	case MutationCreate:
		return []Target{{Match: Lists}, {Match: SellerLists}}, nil
	case MutationDelete:
		return []Target{{Match: DetailOf(e.ProductID), Remove: true}, {Match: Lists}}, nil
	default:
		return []Target{{Match: DetailOf(e.ProductID)}, {Match: Lists}}, nil
	}
}
