package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
)

// ItemSeed describes one item to seed.
type ItemSeed struct {
	Name          string
	Category      string
	PurchaseDays  []int // Offsets from the builder's start, one transaction each
	TeachModeDays int
}

// ItemBuilder seeds items with purchase histories. Predictions are computed
// with the default engine at the builder's clock reading.
type ItemBuilder struct {
	t         *testing.T
	start     time.Time
	now       time.Time
	household string
	seeds     []ItemSeed
}

// NewItemBuilder creates a builder for DefaultHousehold starting at
// DefaultStart.
func NewItemBuilder(t *testing.T) *ItemBuilder {
	t.Helper()
	return &ItemBuilder{
		t:         t,
		start:     DefaultStart,
		now:       DefaultStart,
		household: DefaultHousehold,
	}
}

// ForHousehold seeds into another household.
func (b *ItemBuilder) ForHousehold(id string) *ItemBuilder {
	b.household = id
	return b
}

// StartingAt sets day zero for purchase offsets.
func (b *ItemBuilder) StartingAt(start time.Time) *ItemBuilder {
	b.start = start
	return b
}

// At sets the instant predictions are computed at.
func (b *ItemBuilder) At(now time.Time) *ItemBuilder {
	b.now = now
	return b
}

// WithItem adds an item purchased on each of the given day offsets.
func (b *ItemBuilder) WithItem(name string, purchaseDays ...int) *ItemBuilder {
	b.seeds = append(b.seeds, ItemSeed{Name: name, PurchaseDays: purchaseDays})
	return b
}

// WithTeachModeItem adds a teach-mode item with a declared frequency.
func (b *ItemBuilder) WithTeachModeItem(name string, frequencyDays int) *ItemBuilder {
	b.seeds = append(b.seeds, ItemSeed{Name: name, TeachModeDays: frequencyDays})
	return b
}

// WithSeed adds a fully described item.
func (b *ItemBuilder) WithSeed(seed ItemSeed) *ItemBuilder {
	b.seeds = append(b.seeds, seed)
	return b
}

// Build writes the items and their transactions and returns the stored
// items keyed by name.
func (b *ItemBuilder) Build(ctx context.Context, st service.Storage) map[string]*model.Item {
	b.t.Helper()

	engine := prediction.NewEngine(prediction.DefaultConfig())
	out := make(map[string]*model.Item, len(b.seeds))

	for i, seed := range b.seeds {
		item := &model.Item{
			ID:                     fmt.Sprintf("item-%d", i+1),
			HouseholdID:            b.household,
			Name:                   seed.Name,
			CanonicalName:          model.CanonicalName(seed.Name),
			Category:               seed.Category,
			Quantity:               1,
			Unit:                   "each",
			CreatedAt:              b.start,
			TeachMode:              seed.TeachModeDays > 0,
			TeachModeFrequencyDays: seed.TeachModeDays,
		}

		txns := make([]model.Transaction, 0, len(seed.PurchaseDays))
		for j, d := range seed.PurchaseDays {
			txns = append(txns, model.Transaction{
				ID:          fmt.Sprintf("%s-txn-%d", item.ID, j+1),
				ItemID:      item.ID,
				HouseholdID: b.household,
				Date:        b.start.AddDate(0, 0, d),
				Quantity:    1,
				Source:      model.SourceManual,
				Confidence:  1,
			})
		}
		if n := len(txns); n > 0 {
			last := txns[n-1].Date
			item.LastPurchaseDate = &last
		}
		prediction.Apply(item, engine.Predict(prediction.InputFor(item, txns), b.now))

		if err := st.CreateItem(ctx, item); err != nil {
			b.t.Fatalf("failed to seed item %q: %v", seed.Name, err)
		}
		for k := range txns {
			if _, err := st.CreateTransaction(ctx, &txns[k]); err != nil {
				b.t.Fatalf("failed to seed transaction for %q: %v", seed.Name, err)
			}
		}
		out[seed.Name] = item
	}

	return out
}
