// Package moderation drives the review state machine of a product:
// PENDING moves to APPROVED or REJECTED, and neither is left again here.
package moderation

import (
	"fmt"

	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/resource"
)

var transitions = map[resource.ProductStatus]map[resource.Action]resource.ProductStatus{
	resource.StatusPending: {
		resource.ActionApprove: resource.StatusApproved,
		resource.ActionReject:  resource.StatusRejected,
	},
}

// Next returns the status reached by applying action to current, or an
// invalid-transition error.
func Next(current resource.ProductStatus, action resource.Action) (resource.ProductStatus, error) {
	if next, ok := transitions[current][action]; ok {
		return next, nil
	}
	return "", failure.InvalidTransition(fmt.Sprintf("cannot %s a product in status %s", action, displayStatus(current)))
}

// Allowed lists the moderation actions available from current.
func Allowed(current resource.ProductStatus) []resource.Action {
	var out []resource.Action
	for _, a := range []resource.Action{resource.ActionApprove, resource.ActionReject} {
		if _, ok := transitions[current][a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Terminal reports whether no moderation action leaves current.
func Terminal(current resource.ProductStatus) bool {
	return len(transitions[current]) == 0
}

func displayStatus(s resource.ProductStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
