package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/service"
)

func processedBatch(t *testing.T) (*fixture, *model.ParseJob, []model.ParsedItem) {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.inv.CreateItem(ctx, actor, inventory.NewItem{Name: "Milk"})
	require.NoError(t, err)

	job := f.submit(t, tenLines(), model.FormatJSONL)
	job, err = f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	pending, err := f.proc.PendingReview(ctx, actor)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	return f, job, pending
}

func TestResolve_AcceptIsExactlyOnce(t *testing.T) {
	f, job, pending := processedBatch(t)
	ctx := context.Background()

	cheese := pending[0]
	require.Equal(t, "Cheese", cheese.Extracted.Name)

	result, err := f.proc.Resolve(ctx, actor, cheese.ID, Resolution{Decision: model.DecisionAccept})
	require.NoError(t, err)
	require.NotNil(t, result.Item)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, "Cheese", result.Item.Name)
	assert.Equal(t, model.SourceReview, result.Transaction.Source)
	assert.Equal(t, model.ParsedAccepted, result.Parsed.Status)
	assert.True(t, result.Parsed.UserReviewed)
	assert.Equal(t, actor.UserID, result.Parsed.ResolvedBy)
	assert.Equal(t, 7, f.db.TransactionCount(actor.HouseholdID))

	_, err = f.proc.Resolve(ctx, actor, cheese.ID, Resolution{Decision: model.DecisionAccept})
	require.ErrorIs(t, err, common.ErrAlreadyResolved)
	_, err = f.proc.Resolve(ctx, actor, cheese.ID, Resolution{Decision: model.DecisionReject})
	require.ErrorIs(t, err, common.ErrAlreadyResolved)
	assert.Equal(t, 7, f.db.TransactionCount(actor.HouseholdID))

	// The job is not reopened and keeps its triage counters.
	after, err := f.db.Storage.GetParseJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, after.Status)
	assert.Equal(t, job.Progress, after.Progress)

	stored, err := f.db.Storage.GetParsedItem(ctx, cheese.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Item.ID, stored.ItemID)
	assert.Equal(t, result.Transaction.ID, stored.TransactionID)
	assert.True(t, stored.NeedsReview)
}

func TestResolve_RejectAndSkipWriteNothing(t *testing.T) {
	f, _, pending := processedBatch(t)
	ctx := context.Background()

	rejected, err := f.proc.Resolve(ctx, actor, pending[1].ID, Resolution{Decision: model.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, model.ParsedRejected, rejected.Parsed.Status)
	assert.Equal(t, model.ReasonRejectedByUser, rejected.Parsed.Reason.Code)
	assert.Nil(t, rejected.Item)

	skipped, err := f.proc.Resolve(ctx, actor, pending[2].ID, Resolution{Decision: model.DecisionSkip})
	require.NoError(t, err)
	assert.Equal(t, model.ParsedSkipped, skipped.Parsed.Status)

	assert.Equal(t, 6, f.db.TransactionCount(actor.HouseholdID))

	left, err := f.proc.PendingReview(ctx, actor)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestResolve_Edit(t *testing.T) {
	f, _, pending := processedBatch(t)
	ctx := context.Background()

	oranges := pending[2]
	result, err := f.proc.Resolve(ctx, actor, oranges.ID, Resolution{
		Decision: model.DecisionEdit,
		Edits:    &model.ExtractedFields{Name: "navel oranges", Quantity: 6, Category: "Produce"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Navel Oranges", result.Item.Name)
	assert.Equal(t, "produce", result.Item.Category)
	assert.InDelta(t, 6.0, result.Transaction.Quantity, 1e-9)
	assert.Equal(t, "Navel Oranges", result.Parsed.Extracted.Name)

	_, err = f.proc.Resolve(ctx, actor, pending[0].ID, Resolution{Decision: model.DecisionEdit})
	assert.True(t, common.IsValidation(err))
}

func TestResolve_DuplicateNameIsRefused(t *testing.T) {
	f, _, pending := processedBatch(t)
	ctx := context.Background()

	_, err := f.proc.Resolve(ctx, actor, pending[0].ID, Resolution{
		Decision: model.DecisionEdit,
		Edits:    &model.ExtractedFields{Name: "MILK"},
	})
	var dup *inventory.DuplicateItemError
	require.ErrorAs(t, err, &dup)

	// Nothing was resolved, so the line can still be decided.
	left, err := f.proc.PendingReview(ctx, actor)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestResolve_Isolation(t *testing.T) {
	f, _, pending := processedBatch(t)

	_, err := f.proc.Resolve(context.Background(), service.Actor{HouseholdID: "other"}, pending[0].ID,
		Resolution{Decision: model.DecisionAccept})
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = f.proc.Resolve(context.Background(), actor, pending[0].ID, Resolution{Decision: "maybe"})
	assert.True(t, common.IsValidation(err))
}
