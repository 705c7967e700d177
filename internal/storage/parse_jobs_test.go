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

func newTestJob(id string) *model.ParseJob {
	return &model.ParseJob{
		ID:          id,
		HouseholdID: testHousehold,
		CreatedBy:   "user-1",
		Source:      model.SourceCSVImport,
		Format:      model.FormatCSV,
		Status:      model.JobPending,
		Payload:     []byte("name,quantity\nmilk,1\n"),
	}
}

func TestParseJobs_CreateAndGet(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob("job-1")
	require.NoError(t, store.CreateParseJob(ctx, job))
	assert.Equal(t, int64(1), job.Version)

	got, err := store.GetParseJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, got.Status)
	assert.Equal(t, model.FormatCSV, got.Format)
	assert.Equal(t, job.Payload, got.Payload)
	assert.Nil(t, got.StartedAt)

	_, err = store.GetParseJob(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.ErrorIs(t, store.CreateParseJob(ctx, newTestJob("job-1")), common.ErrDuplicateEntry)
}

func TestParseJobs_UpdateGuardsVersion(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateParseJob(ctx, newTestJob("job-1")))

	worker, err := store.GetParseJob(ctx, "job-1")
	require.NoError(t, err)
	stale, err := store.GetParseJob(ctx, "job-1")
	require.NoError(t, err)

	started := time.Now().UTC()
	worker.Status = model.JobProcessing
	worker.StartedAt = &started
	worker.Progress = model.JobProgress{TotalLines: 4, Processed: 1, AutoAccepted: 1}
	require.NoError(t, store.UpdateParseJob(ctx, worker))
	assert.Equal(t, int64(2), worker.Version)

	stale.Status = model.JobFailed
	err = store.UpdateParseJob(ctx, stale)
	require.ErrorIs(t, err, common.ErrVersionConflict)

	got, err := store.GetParseJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, got.Status)
	assert.Equal(t, 4, got.Progress.TotalLines)
	assert.Equal(t, 1, got.Progress.AutoAccepted)
	require.NotNil(t, got.StartedAt)
}

func TestParseJobs_CancelFlagKeepsVersion(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	job := newTestJob("job-1")
	require.NoError(t, store.CreateParseJob(ctx, job))
	require.NoError(t, store.RequestJobCancel(ctx, "job-1"))

	got, err := store.GetParseJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, job.Version, got.Version)

	// An update from a processor holding the old copy still lands.
	job.Status = model.JobProcessing
	require.NoError(t, store.UpdateParseJob(ctx, job))

	assert.ErrorIs(t, store.RequestJobCancel(ctx, "missing"), common.ErrNotFound)
}

func TestParseJobs_ListResumable(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	statuses := []model.JobStatus{model.JobCompleted, model.JobQueued, model.JobPending, model.JobFailed, model.JobProcessing}
	for i, status := range statuses {
		job := newTestJob("job-" + string(rune('a'+i)))
		job.Status = status
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateParseJob(ctx, job))
	}

	jobs, err := store.ListResumableJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-b", jobs[0].ID)
	assert.Equal(t, "job-c", jobs[1].ID)
	assert.Equal(t, "job-e", jobs[2].ID)

	limited, err := store.ListResumableJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	all, err := store.ListParseJobs(ctx, testHousehold)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "job-e", all[0].ID)
}

func TestParseJobs_SumLinesStartedSince(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	start := func(id, household string, lines int, at time.Time) {
		t.Helper()
		job := newTestJob(id)
		job.HouseholdID = household
		require.NoError(t, store.CreateParseJob(ctx, job))
		job.Status = model.JobProcessing
		job.Progress.TotalLines = lines
		job.StartedAt = &at
		require.NoError(t, store.UpdateParseJob(ctx, job))
	}

	start("old", testHousehold, 50, base.Add(-2*time.Hour))
	start("first", testHousehold, 3, base.Add(10*time.Minute))
	start("second", testHousehold, 4, base.Add(20*time.Minute))
	start("other", "household-2", 9, base.Add(15*time.Minute))
	require.NoError(t, store.CreateParseJob(ctx, newTestJob("never-started")))

	lines, earliest, err := store.SumJobLinesStartedSince(ctx, testHousehold, base)
	require.NoError(t, err)
	assert.Equal(t, 7, lines)
	assert.True(t, earliest.Equal(base.Add(10*time.Minute)), "earliest %v", earliest)

	lines, earliest, err = store.SumJobLinesStartedSince(ctx, testHousehold, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, lines)
	assert.True(t, earliest.IsZero())
}
