package inventory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
	"github.com/Veraticus/restock/internal/testutil"
	"github.com/Veraticus/restock/internal/urgency"
)

var actor = service.Actor{HouseholdID: testutil.DefaultHousehold, UserID: testutil.DefaultUser}

func newTestService(t *testing.T) (*Service, *testutil.TestDB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	seq := 0
	svc := NewService(db.Storage, prediction.NewEngine(prediction.DefaultConfig()),
		WithClock(db.Clock.Now),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
		WithRetryOptions(service.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond}),
	)
	return svc, db
}

func TestCreateItem_Manual(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	bought := db.Clock.Now()
	item, err := svc.CreateItem(ctx, actor, NewItem{Name: " Oat Milk ", Quantity: 2, Unit: "carton", Price: 4.25, PurchaseDate: &bought})
	require.NoError(t, err)

	assert.Equal(t, "Oat Milk", item.Name)
	assert.Equal(t, model.ConfidenceLow, item.PredictionConfidence)
	assert.Nil(t, item.PredictedRunOutDate)
	require.Len(t, item.PriceHistory, 1)
	assert.Equal(t, 1, db.TransactionCount(actor.HouseholdID))

	stored, err := db.Storage.GetItem(ctx, actor.HouseholdID, item.ID)
	require.NoError(t, err)
	assert.InDelta(t, 4.25, stored.LastPurchasePrice, 0.001)
}

func TestCreateItem_WithoutPurchaseHasNoConfidence(t *testing.T) {
	svc, db := newTestService(t)

	item, err := svc.CreateItem(context.Background(), actor, NewItem{Name: "Dish Soap"})
	require.NoError(t, err)
	assert.Equal(t, model.ConfidenceNone, item.PredictionConfidence)
	assert.Zero(t, db.TransactionCount(actor.HouseholdID))
}

func TestCreateItem_TeachMode(t *testing.T) {
	svc, db := newTestService(t)

	item, err := svc.CreateItem(context.Background(), actor, NewItem{Name: "Contact Lenses", TeachModeFrequencyDays: 90})
	require.NoError(t, err)

	assert.True(t, item.TeachMode)
	assert.Equal(t, model.ConfidenceLow, item.PredictionConfidence)
	require.NotNil(t, item.PredictedRunOutDate)
	assert.True(t, item.PredictedRunOutDate.Equal(db.Clock.Now().AddDate(0, 0, 90)))
}

func TestCreateItem_RejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateItem(ctx, actor, NewItem{Name: "Milk"})
	require.NoError(t, err)

	for _, name := range []string{"milk", " MILK ", "Milk"} {
		_, err := svc.CreateItem(ctx, actor, NewItem{Name: name})
		require.ErrorIs(t, err, common.ErrDuplicateEntry, name)

		var dup *DuplicateItemError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, first.ID, dup.ExistingItemID)
	}

	// Another household may use the same name.
	other := service.Actor{HouseholdID: "household-other"}
	_, err = svc.CreateItem(ctx, other, NewItem{Name: "Milk"})
	require.NoError(t, err)
}

func TestCreateItem_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewItem
	}{
		{name: "blank name", in: NewItem{Name: "  "}},
		{name: "negative quantity", in: NewItem{Name: "x", Quantity: -1}},
		{name: "negative price", in: NewItem{Name: "x", Price: -1}},
		{name: "frequency too long", in: NewItem{Name: "x", TeachModeFrequencyDays: MaxTeachModeFrequencyDays + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateItem(ctx, actor, tt.in)
			assert.True(t, common.IsValidation(err), err)
		})
	}

	_, err := svc.CreateItem(ctx, service.Actor{}, NewItem{Name: "x"})
	assert.True(t, common.IsValidation(err))
}

func TestRecordPurchase_RecomputesPrediction(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	day0 := db.Clock.Now()
	item, err := svc.CreateItem(ctx, actor, NewItem{Name: "Milk", PurchaseDate: &day0})
	require.NoError(t, err)

	db.Clock.AdvanceDays(7)
	result, err := svc.RecordPurchase(ctx, actor, item.ID, Purchase{Date: db.Clock.Now(), Quantity: 1, Price: 3.5, Source: model.SourceManual, Confidence: 1})
	require.NoError(t, err)
	require.True(t, result.Created)

	updated := result.Item
	assert.Equal(t, model.ConfidenceMedium, updated.PredictionConfidence)
	assert.InDelta(t, 7.0, updated.AvgFrequencyDays, 1e-9)
	require.NotNil(t, updated.PredictedRunOutDate)
	assert.True(t, updated.PredictedRunOutDate.Equal(day0.AddDate(0, 0, 14)))

	u := urgency.ForItem(updated, db.Clock.Now())
	assert.Equal(t, urgency.LevelLow, u.Level)
	assert.Equal(t, 7, u.DaysRemaining)
}

func TestRecordPurchase_SameIDIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, actor, NewItem{Name: "Coffee"})
	require.NoError(t, err)

	p := Purchase{ID: model.LineTransactionID("job-1", 1), Date: db.Clock.Now(), Quantity: 1, Source: model.SourceCSVImport, Confidence: 0.9}
	first, err := svc.RecordPurchase(ctx, actor, item.ID, p)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := svc.RecordPurchase(ctx, actor, item.ID, p)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Item.Version, second.Item.Version)
	assert.Equal(t, 1, db.TransactionCount(actor.HouseholdID))
}

func TestRecordPurchase_OlderPurchaseKeepsLatestDate(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	now := db.Clock.Now()
	item, err := svc.CreateItem(ctx, actor, NewItem{Name: "Rice", PurchaseDate: &now, Price: 10})
	require.NoError(t, err)

	result, err := svc.RecordPurchase(ctx, actor, item.ID, Purchase{Date: now.AddDate(0, 0, -30), Quantity: 1, Price: 9, Source: model.SourceManual, Confidence: 1})
	require.NoError(t, err)

	require.NotNil(t, result.Item.LastPurchaseDate)
	assert.True(t, result.Item.LastPurchaseDate.Equal(now))
	assert.InDelta(t, 10.0, result.Item.LastPurchasePrice, 0.001)
	assert.Len(t, result.Item.PriceHistory, 2)
}

func TestRecordPurchase_RetriesStaleWrites(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, actor, NewItem{Name: "Tea"})
	require.NoError(t, err)

	// A stale copy cannot clobber the newer row.
	stale, err := db.Storage.GetItem(ctx, actor.HouseholdID, item.ID)
	require.NoError(t, err)
	_, err = svc.QuickRestock(ctx, actor, item.ID)
	require.NoError(t, err)

	stale.Quantity = 99
	err = db.Storage.UpdateItem(ctx, stale)
	require.ErrorIs(t, err, common.ErrVersionConflict)

	// The service reads fresh and succeeds.
	again, err := svc.QuickRestock(ctx, actor, item.ID)
	require.NoError(t, err)
	assert.Greater(t, again.Item.Version, stale.Version)
}

func TestQuickRestock(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	items := testutil.NewItemBuilder(t).WithItem("Paper Towels", -14, -7).Build(ctx, db.Storage)
	towels := items["Paper Towels"]

	result, err := svc.QuickRestock(ctx, actor, towels.ID)
	require.NoError(t, err)
	assert.True(t, result.Transaction.QuickRestock)
	assert.Equal(t, model.SourceQuickRestock, result.Transaction.Source)
	assert.Equal(t, model.ConfidenceHigh, result.Item.PredictionConfidence)
}

func TestDelete(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	item, err := svc.CreateItem(ctx, actor, NewItem{Name: "Milk"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, actor, item.ID))

	_, err = svc.Show(ctx, actor, item.ID)
	require.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, actor, item.ID), common.ErrNotFound)

	// The name can be reused once the old item is gone.
	_, err = svc.CreateItem(ctx, actor, NewItem{Name: "Milk"})
	require.NoError(t, err)
	stats, err := db.Storage.GetItemStats(ctx, actor.HouseholdID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
}

func TestListAndViews(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	start := db.Clock.Now().AddDate(0, 0, -30)
	// Coffee ran out ten days ago, Milk runs out today and Rice has a
	// single purchase.
	testutil.NewItemBuilder(t).
		StartingAt(start).
		At(db.Clock.Now()).
		WithItem("Coffee", 0, 5, 10, 15).
		WithItem("Milk", 2, 9, 16, 23).
		WithItem("Rice", 0).
		Build(ctx, db.Storage)

	entries, err := svc.List(ctx, actor)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Coffee", entries[0].Item.Name)
	assert.Equal(t, urgency.LevelCritical, entries[0].Urgency.Level)
	assert.Equal(t, "Ran out 10 days ago", entries[0].Urgency.Message)
	assert.Equal(t, "Milk", entries[1].Item.Name)
	assert.Equal(t, "Runs out today", entries[1].Urgency.Message)
	assert.Equal(t, "Rice", entries[2].Item.Name)
	assert.Equal(t, urgency.LevelNormal, entries[2].Urgency.Level)

	soon, err := svc.RunningOut(ctx, actor, 3)
	require.NoError(t, err)
	assert.Len(t, soon, 2)

	low, err := svc.LowConfidence(ctx, actor)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "Rice", low[0].Name)

	detail, err := svc.Show(ctx, actor, entries[0].Item.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Transactions, 4)
	require.NotNil(t, detail.Latest)
	assert.True(t, detail.Latest.Date.Equal(start.AddDate(0, 0, 15)))
}
