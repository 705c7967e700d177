package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

func TestTransactions_CreateIsIdempotent(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, newTestItem("item-1", "Milk")))

	txn := &model.Transaction{
		ID:          model.LineTransactionID("job-1", 3),
		ItemID:      "item-1",
		HouseholdID: testHousehold,
		Date:        time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Quantity:    2,
		Price:       3.99,
		Source:      model.SourceCSVImport,
		ParseJobID:  "job-1",
		LineNumber:  3,
	}

	created, err := store.CreateTransaction(ctx, txn)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.CreateTransaction(ctx, txn)
	require.NoError(t, err)
	assert.False(t, created)

	txns, err := store.ListTransactionsByItem(ctx, testHousehold, "item-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "job-1", txns[0].ParseJobID)
	assert.Equal(t, 3, txns[0].LineNumber)
}

func TestTransactions_OrderedByDate(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateItem(ctx, newTestItem("item-1", "Milk")))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []int{14, 0, 7} {
		_, err := store.CreateTransaction(ctx, &model.Transaction{
			ID:          "txn-" + string(rune('a'+i)),
			ItemID:      "item-1",
			HouseholdID: testHousehold,
			Date:        base.AddDate(0, 0, offset),
			Quantity:    1,
			Source:      model.SourceManual,
		})
		require.NoError(t, err)
	}

	txns, err := store.ListTransactionsByItem(ctx, testHousehold, "item-1")
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.True(t, txns[0].Date.Equal(base))
	assert.True(t, txns[2].Date.Equal(base.AddDate(0, 0, 14)))

	latest, err := store.GetLatestTransactionByItem(ctx, testHousehold, "item-1")
	require.NoError(t, err)
	assert.True(t, latest.Date.Equal(base.AddDate(0, 0, 14)))
}

func TestTransactions_LatestMissing(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.GetLatestTransactionByItem(context.Background(), testHousehold, "item-1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTransactions_Validation(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		txn  *model.Transaction
		name string
	}{
		{name: "nil", txn: nil},
		{name: "missing id", txn: &model.Transaction{ItemID: "i", HouseholdID: "h", Date: time.Now(), Source: model.SourceManual}},
		{name: "missing date", txn: &model.Transaction{ID: "t", ItemID: "i", HouseholdID: "h", Source: model.SourceManual}},
		{name: "bad source", txn: &model.Transaction{ID: "t", ItemID: "i", HouseholdID: "h", Date: time.Now(), Source: "fax"}},
		{name: "bad confidence", txn: &model.Transaction{ID: "t", ItemID: "i", HouseholdID: "h", Date: time.Now(), Source: model.SourceManual, Confidence: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateTransaction(ctx, tt.txn)
			assert.Error(t, err)
		})
	}
}
