package normalize

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

// Request is one line to normalize. Extracted carries the upstream
// extractor's fields when it produced any.
type Request struct {
	Extracted *model.ExtractedFields
	RawText   string
	Context   Context
}

// Normalizer produces structured fields for a line.
type Normalizer interface {
	Normalize(ctx context.Context, req Request) (model.NormalizedItem, error)
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(ctx context.Context, req Request) (model.NormalizedItem, error)

// Normalize calls f.
func (f NormalizerFunc) Normalize(ctx context.Context, req Request) (model.NormalizedItem, error) {
	return f(ctx, req)
}

var unitAliases = map[string]string{
	"ea": "each", "each": "each", "ct": "each", "count": "each", "pc": "each", "pcs": "each",
	"lb": "lb", "lbs": "lb", "pound": "lb", "pounds": "lb",
	"oz": "oz", "ounce": "oz", "ounces": "oz",
	"floz": "fl oz", "fl oz": "fl oz",
	"gal": "gal", "gallon": "gal", "gallons": "gal",
	"l": "l", "liter": "l", "liters": "l", "litre": "l", "litres": "l",
	"ml": "ml",
	"g": "g", "gram": "g", "grams": "g",
	"kg": "kg",
	"pk": "pack", "pack": "pack", "packs": "pack",
	"dz": "dozen", "doz": "dozen", "dozen": "dozen",
	"roll": "roll", "rolls": "roll",
	"box": "box", "boxes": "box",
	"bottle": "bottle", "bottles": "bottle",
	"can": "can", "cans": "can",
	"bag": "bag", "bags": "bag",
}

// CanonicalUnit maps a unit spelling to its canonical form. Unknown units are
// lower-cased and returned as is.
func CanonicalUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.TrimSuffix(u, ".")
	if canonical, ok := unitAliases[u]; ok {
		return canonical
	}
	return u
}

// FieldNormalizer cleans extractor fields, or parses the raw text when the
// extractor gave none. Raw text is read as "[qty] [unit] name" or
// "name [qty] [unit]".
type FieldNormalizer struct {
	lang language.Tag
}

// NewFieldNormalizer creates a FieldNormalizer that title-cases names in
// English.
func NewFieldNormalizer() *FieldNormalizer {
	return &FieldNormalizer{lang: language.English}
}

// Normalize implements Normalizer.
func (f *FieldNormalizer) Normalize(_ context.Context, req Request) (model.NormalizedItem, error) {
	var out model.NormalizedItem
	if req.Extracted != nil && strings.TrimSpace(req.Extracted.Name) != "" {
		ex := req.Extracted
		out = model.NormalizedItem{
			Name:        ex.Name,
			Brand:       strings.TrimSpace(ex.Brand),
			Category:    strings.ToLower(strings.TrimSpace(ex.Category)),
			Unit:        ex.Unit,
			PackageUnit: ex.PackageUnit,
			Quantity:    ex.Quantity,
			PackageSize: ex.PackageSize,
		}
	} else {
		parsed, err := parseRaw(req.RawText)
		if err != nil {
			return model.NormalizedItem{}, err
		}
		out = parsed
	}

	// Casers carry state; one per call keeps Normalize safe for concurrent use.
	out.Name = cases.Title(f.lang).String(model.CanonicalName(out.Name))
	out.Unit = CanonicalUnit(out.Unit)
	out.PackageUnit = CanonicalUnit(out.PackageUnit)
	if out.Quantity <= 0 {
		out.Quantity = 1
	}
	if out.Unit == "" {
		out.Unit = "each"
	}
	if math.IsNaN(out.Quantity) || math.IsInf(out.Quantity, 0) {
		return model.NormalizedItem{}, common.NewValidationError("quantity", "must be a finite number")
	}
	if math.IsNaN(out.PackageSize) || math.IsInf(out.PackageSize, 0) || out.PackageSize < 0 {
		return model.NormalizedItem{}, common.NewValidationError("package_size", "must be a non-negative number")
	}
	if out.Name == "" {
		return model.NormalizedItem{}, common.NewValidationError("name", "required")
	}

	return out, nil
}

func parseRaw(raw string) (model.NormalizedItem, error) {
	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		return model.NormalizedItem{}, common.NewValidationError("raw_text", "empty line")
	}

	var out model.NormalizedItem
	if qty, ok := parseQuantity(tokens[0]); ok {
		out.Quantity = qty
		tokens = tokens[1:]
		if len(tokens) > 1 && isUnit(tokens[0]) {
			out.Unit = tokens[0]
			tokens = tokens[1:]
		}
	} else if n := len(tokens); n >= 2 {
		if qty, ok := parseQuantity(tokens[n-1]); ok {
			out.Quantity = qty
			tokens = tokens[:n-1]
		} else if n >= 3 && isUnit(tokens[n-1]) {
			if qty, ok := parseQuantity(tokens[n-2]); ok {
				out.Quantity = qty
				out.Unit = tokens[n-1]
				tokens = tokens[:n-2]
			}
		}
	}

	if len(tokens) == 0 {
		return model.NormalizedItem{}, fmt.Errorf("%w: no item name in %q", common.ErrUnparseableInput, raw)
	}
	out.Name = strings.Join(tokens, " ")
	return out, nil
}

// parseQuantity accepts "2", "2.5" and "x2".
func parseQuantity(tok string) (float64, bool) {
	tok = strings.TrimPrefix(strings.ToLower(tok), "x")
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

func isUnit(tok string) bool {
	_, ok := unitAliases[strings.TrimSuffix(strings.ToLower(tok), ".")]
	return ok
}
