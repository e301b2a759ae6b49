package resource_test

import (
	"testing"

	"github.com/illmade-knight/go-querysync/pkg/failure"
	"github.com/illmade-knight/go-querysync/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectPayload_Validate(t *testing.T) {
	for _, reason := range []string{"", "   ", "\t\n"} {
		p := resource.RejectPayload{Reason: reason}
		err := p.Validate()
		assert.True(t, failure.Is(err, failure.KindValidation), "reason %q", reason)
	}

	p := resource.RejectPayload{Reason: "  blurry photos "}
	require.NoError(t, p.Validate())
	assert.Equal(t, "blurry photos", p.Reason)
}

func TestProductDraft_Validate(t *testing.T) {
	t.Run("Valid draft", func(t *testing.T) {
		d := resource.ProductDraft{Name: " Lamp ", CategoryID: "c-1", BasePrice: 10}
		require.NoError(t, d.Validate())
		assert.Equal(t, "Lamp", d.Name)
	})

	t.Run("Missing fields are reported together", func(t *testing.T) {
		d := resource.ProductDraft{Name: "  "}
		err := d.Validate()
		require.True(t, failure.Is(err, failure.KindValidation))
		assert.Contains(t, err.Error(), "ProductDraft.Name failed on required")
		assert.Contains(t, err.Error(), "ProductDraft.CategoryID failed on required")
		assert.Contains(t, err.Error(), "ProductDraft.BasePrice failed on gt")
	})
}
