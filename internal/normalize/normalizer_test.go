package normalize

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

func TestFieldNormalizer_CleansExtractedFields(t *testing.T) {
	n := NewFieldNormalizer()

	got, err := n.Normalize(context.Background(), Request{
		RawText: "KS ORG WHOLE MILK 2GAL",
		Extracted: &model.ExtractedFields{
			Name:     "  organic   whole milk ",
			Brand:    " Kirkland ",
			Category: "Dairy",
			Unit:     "Gallons",
			Quantity: 2,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Organic Whole Milk", got.Name)
	assert.Equal(t, "Kirkland", got.Brand)
	assert.Equal(t, "dairy", got.Category)
	assert.Equal(t, "gal", got.Unit)
	assert.InDelta(t, 2.0, got.Quantity, 0.001)
}

func TestFieldNormalizer_ParsesRawText(t *testing.T) {
	tests := []struct {
		raw  string
		name string
		unit string
		qty  float64
	}{
		{raw: "2 gal milk", name: "Milk", unit: "gal", qty: 2},
		{raw: "Eggs 12", name: "Eggs", unit: "each", qty: 12},
		{raw: "paper towels 6 rolls", name: "Paper Towels", unit: "roll", qty: 6},
		{raw: "bananas x3", name: "Bananas", unit: "each", qty: 3},
		{raw: "coffee beans", name: "Coffee Beans", unit: "each", qty: 1},
	}
	n := NewFieldNormalizer()
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := n.Normalize(context.Background(), Request{RawText: tt.raw})
			require.NoError(t, err)
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.unit, got.Unit)
			assert.InDelta(t, tt.qty, got.Quantity, 0.001)
		})
	}
}

func TestFieldNormalizer_RejectsEmpty(t *testing.T) {
	n := NewFieldNormalizer()

	_, err := n.Normalize(context.Background(), Request{RawText: "   "})
	assert.True(t, common.IsValidation(err))

	_, err = n.Normalize(context.Background(), Request{RawText: "12"})
	assert.ErrorIs(t, err, common.ErrUnparseableInput)
}

func TestCanonicalUnit(t *testing.T) {
	assert.Equal(t, "lb", CanonicalUnit("LBS."))
	assert.Equal(t, "each", CanonicalUnit("ct"))
	assert.Equal(t, "jar", CanonicalUnit(" Jar "))
}

func TestFieldNormalizer_IgnoresNonFiniteQuantityTokens(t *testing.T) {
	n := NewFieldNormalizer()

	got, err := n.Normalize(context.Background(), Request{RawText: "Eggs inf"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Quantity, 0.001)

	got, err = n.Normalize(context.Background(), Request{RawText: "NaN bananas"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Quantity, 0.001)
}

func TestFieldNormalizer_RejectsNonFiniteExtractedNumbers(t *testing.T) {
	n := NewFieldNormalizer()

	_, err := n.Normalize(context.Background(), Request{
		RawText:   "eggs",
		Extracted: &model.ExtractedFields{Name: "eggs", Quantity: math.Inf(1)},
	})
	assert.True(t, common.IsValidation(err))

	_, err = n.Normalize(context.Background(), Request{
		RawText:   "eggs",
		Extracted: &model.ExtractedFields{Name: "eggs", Quantity: 1, PackageSize: math.NaN()},
	})
	assert.True(t, common.IsValidation(err))
}
