package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/illmade-knight/go-querysync/pkg/failure"
)

var validate = validator.New()

// Validate checks the draft before it is sent to the server.
func (d *ProductDraft) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	return validationError(validate.Struct(d))
}

// Validate trims the reason and rejects a blank one.
func (p *RejectPayload) Validate() error {
	p.Reason = strings.TrimSpace(p.Reason)
	if err := validate.Struct(p); err != nil {
		return failure.Validation("Rejection reason is required")
	}
	return nil
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return failure.Wrap(failure.KindValidation, "invalid payload", err)
	}
	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", f.Namespace(), f.Tag()))
	}
	return failure.Validation(strings.Join(msgs, "; "))
}
