package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/normalize"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
	"github.com/Veraticus/restock/internal/testutil"
)

var actor = service.Actor{HouseholdID: testutil.DefaultHousehold, UserID: testutil.DefaultUser}

type fixture struct {
	db   *testutil.TestDB
	inv  *inventory.Service
	proc *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	inv := inventory.NewService(db.Storage, prediction.NewEngine(prediction.DefaultConfig()),
		inventory.WithClock(db.Clock.Now))

	base := []Option{
		WithClock(db.Clock.Now),
		WithCache(normalize.NewCache(db.Storage, normalize.WithClock(db.Clock.Now))),
		WithRetryOptions(service.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond}),
	}
	return &fixture{
		db:   db,
		inv:  inv,
		proc: NewProcessor(db.Storage, inv, append(base, opts...)...),
	}
}

func record(name string, confidence float64) string {
	return fmt.Sprintf(`{"raw_text":%q,"extracted":{"name":%q},"confidence":%v}`,
		strings.ToUpper(name)+" 1", name, confidence)
}

func jsonl(records ...string) []byte {
	return []byte(strings.Join(records, "\n") + "\n")
}

// tenLines has six confident lines, three uncertain ones and a duplicate of
// an already tracked Milk.
func tenLines() []byte {
	return jsonl(
		record("Eggs", 0.95),
		record("Bread", 0.9),
		record("Butter", 0.85),
		record("Coffee", 0.99),
		record("Rice", 0.8),
		record("Apples", 0.92),
		record("Cheese", 0.5),
		record("Yogurt", 0.7),
		record("Oranges", 0.79),
		record("milk", 0.97),
	)
}

func (f *fixture) submit(t *testing.T, payload []byte, format model.InputFormat) *model.ParseJob {
	t.Helper()
	job, err := f.proc.Submit(context.Background(), actor, SubmitRequest{Format: format, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, model.JobPending, job.Status)
	return job
}

func TestProcess_TenLineBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	milk, err := f.inv.CreateItem(ctx, actor, inventory.NewItem{Name: "Milk"})
	require.NoError(t, err)

	job := f.submit(t, tenLines(), model.FormatJSONL)
	done, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.JobProgress{TotalLines: 10, Processed: 10, AutoAccepted: 6, NeedsReview: 3, Failed: 1}, done.Progress)
	assert.True(t, done.Progress.Consistent())
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 6, f.db.TransactionCount(actor.HouseholdID))

	status, err := f.proc.Status(ctx, actor, job.ID)
	require.NoError(t, err)
	assert.Equal(t, map[model.ParsedItemStatus]int{
		model.ParsedAccepted:      6,
		model.ParsedPendingReview: 3,
		model.ParsedRejected:      1,
	}, status.Counts)

	lines, err := f.proc.Lines(ctx, actor, job.ID)
	require.NoError(t, err)
	require.Len(t, lines, 10)

	dup := lines[9]
	assert.Equal(t, model.ParsedRejected, dup.Status)
	require.NotNil(t, dup.Reason)
	assert.Equal(t, model.ReasonDuplicate, dup.Reason.Code)
	assert.Equal(t, milk.ID, dup.Reason.ExistingItemID)

	eggs := lines[0]
	assert.Equal(t, model.ParsedAccepted, eggs.Status)
	assert.NotEmpty(t, eggs.ItemID)
	assert.Equal(t, model.LineTransactionID(job.ID, 1), eggs.TransactionID)

	cheese := lines[6]
	assert.True(t, cheese.NeedsReview)
	assert.False(t, cheese.UserReviewed)
	assert.Empty(t, cheese.TransactionID)
	assert.Equal(t, model.ReasonLowConfidence, cheese.Reason.Code)

	item, err := f.db.Storage.GetItem(ctx, actor.HouseholdID, eggs.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "Eggs", item.Name)
	assert.Equal(t, model.ConfidenceLow, item.PredictionConfidence)
	require.NotNil(t, item.LastPurchaseDate)
}

func TestProcess_TerminalJobIsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.submit(t, tenLines(), model.FormatJSONL)
	first, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	again, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, first.Progress, again.Progress)
	assert.Equal(t, 7, f.db.TransactionCount(actor.HouseholdID))
}

func TestProcess_ResumesAfterInterruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	fields := normalize.NewFieldNormalizer()
	f := newFixture(t, WithNormalizer(normalize.NormalizerFunc(func(ctx context.Context, req normalize.Request) (model.NormalizedItem, error) {
		calls++
		if calls == 3 {
			cancel()
		}
		return fields.Normalize(ctx, req)
	})))

	payload := jsonl(
		record("Eggs", 0.9),
		record("Bread", 0.9),
		record("Butter", 0.9),
		record("Coffee", 0.9),
		record("Rice", 0.9),
	)
	job := f.submit(t, payload, model.FormatJSONL)

	_, err := f.proc.Process(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	stalled, err := f.db.Storage.GetParseJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, stalled.Status)
	assert.Equal(t, 2, stalled.Progress.Processed)
	assert.Equal(t, 2, f.db.TransactionCount(actor.HouseholdID))

	done, err := f.proc.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.JobProgress{TotalLines: 5, Processed: 5, AutoAccepted: 5}, done.Progress)
	assert.Equal(t, 5, f.db.TransactionCount(actor.HouseholdID))

	lines, err := f.proc.Lines(context.Background(), actor, job.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 5)
}

func TestCancel_BeforeProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.submit(t, tenLines(), model.FormatJSONL)
	cancelled, err := f.proc.Cancel(ctx, actor, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)

	after, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, after.Status)
	assert.Zero(t, f.db.TransactionCount(actor.HouseholdID))

	_, err = f.proc.Cancel(ctx, actor, job.ID)
	assert.ErrorIs(t, err, common.ErrJobTerminal)
}

func TestCancel_WhileProcessing(t *testing.T) {
	var (
		proc  *Processor
		jobID string
		calls int
	)
	fields := normalize.NewFieldNormalizer()
	f := newFixture(t, WithNormalizer(normalize.NormalizerFunc(func(ctx context.Context, req normalize.Request) (model.NormalizedItem, error) {
		calls++
		if calls == 2 {
			_, _ = proc.Cancel(context.Background(), actor, jobID)
		}
		return fields.Normalize(ctx, req)
	})))
	proc = f.proc

	job := f.submit(t, tenLines(), model.FormatJSONL)
	jobID = job.ID

	done, err := f.proc.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, done.Status)
	assert.Equal(t, 1, done.Progress.Processed)
	assert.True(t, done.CancelRequested)

	// Committed lines are kept.
	assert.Equal(t, 1, f.db.TransactionCount(actor.HouseholdID))
}

func TestCancel_OtherHousehold(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, tenLines(), model.FormatJSONL)
	_, err := f.proc.Cancel(context.Background(), service.Actor{HouseholdID: "someone-else"}, job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestProcess_QueuesWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t, WithConfig(Config{
		AutoAcceptThreshold: 0.8,
		Budget:              BudgetConfig{MaxLines: 3, Period: time.Hour},
	}))
	ctx := context.Background()
	start := f.db.Clock.Now()

	first := f.submit(t, jsonl(record("Eggs", 0.9), record("Bread", 0.9), record("Butter", 0.9)), model.FormatJSONL)
	done, err := f.proc.Process(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.Status)

	second := f.submit(t, jsonl(record("Rice", 0.9), record("Coffee", 0.9)), model.FormatJSONL)
	parked, err := f.proc.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, parked.Status)
	require.NotNil(t, parked.QueuedUntil)
	assert.WithinDuration(t, start.Add(time.Hour), *parked.QueuedUntil, time.Second)
	assert.Equal(t, 3, f.db.TransactionCount(actor.HouseholdID))

	// Still inside the window.
	f.db.Clock.Advance(30 * time.Minute)
	again, err := f.proc.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, again.Status)

	f.db.Clock.Advance(31 * time.Minute)
	summary, err := NewRunner(f.proc, 2).Resume(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.ByStatus[model.JobCompleted])

	resumed, err := f.db.Storage.GetParseJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, resumed.Status)
	assert.Nil(t, resumed.QueuedUntil)
	assert.Equal(t, 5, f.db.TransactionCount(actor.HouseholdID))
}

func TestProcess_FailsUnreadablePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.submit(t, []byte("foo,bar\n1,2\n"), model.FormatCSV)
	done, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "raw_text or name")
	assert.Zero(t, f.db.TransactionCount(actor.HouseholdID))
}

func TestProcess_AllUncertainNeedsReview(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, jsonl(record("Eggs", 0.2), record("Bread", 0.3)), model.FormatJSONL)
	done, err := f.proc.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobNeedsReview, done.Status)
	assert.Equal(t, 2, done.Progress.NeedsReview)
}

func TestProcess_InvalidLinesFailIndividually(t *testing.T) {
	f := newFixture(t)

	payload := jsonl(record("Eggs", 0.9), `{not json`, `{"raw_text":"", "confidence":0.9}`, record("Bread", 1.5))
	job := f.submit(t, payload, model.FormatJSONL)
	done, err := f.proc.Process(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.JobProgress{TotalLines: 4, Processed: 4, AutoAccepted: 1, Failed: 3}, done.Progress)

	lines, err := f.proc.Lines(context.Background(), actor, job.ID)
	require.NoError(t, err)
	for _, l := range lines[1:] {
		assert.Equal(t, model.ParsedFailed, l.Status)
		assert.Equal(t, model.ReasonInvalidLine, l.Reason.Code)
	}
}

func TestProcess_RestockLineTargetsItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	milk, err := f.inv.CreateItem(ctx, actor, inventory.NewItem{Name: "Milk"})
	require.NoError(t, err)

	payload := fmt.Sprintf("name,item_id,quantity,price,purchase_date\nMilk,%s,2,3.49,2024-02-28\n", milk.ID)
	job := f.submit(t, []byte(payload), model.FormatCSV)
	done, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Progress.AutoAccepted)

	detail, err := f.inv.Show(ctx, actor, milk.ID)
	require.NoError(t, err)
	require.Len(t, detail.Transactions, 1)
	txn := detail.Transactions[0]
	assert.Equal(t, model.SourceCSVImport, txn.Source)
	assert.InDelta(t, 2.0, txn.Quantity, 1e-9)
	assert.Equal(t, job.ID, txn.ParseJobID)
	assert.Equal(t, "2024-02-28", txn.Date.Format("2006-01-02"))
}

func TestProcess_CategoryThreshold(t *testing.T) {
	f := newFixture(t, WithConfig(Config{
		AutoAcceptThreshold: 0.8,
		CategoryThresholds:  map[string]float64{"produce": 0.95},
	}))

	payload := "name,category,confidence\nApples,Produce,0.9\nSoap,Household,0.9\n"
	job := f.submit(t, []byte(payload), model.FormatCSV)
	done, err := f.proc.Process(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, done.Progress.AutoAccepted)
	assert.Equal(t, 1, done.Progress.NeedsReview)
}

func TestProcess_CacheServesRepeatLines(t *testing.T) {
	calls := 0
	fields := normalize.NewFieldNormalizer()
	f := newFixture(t, WithNormalizer(normalize.NormalizerFunc(func(ctx context.Context, req normalize.Request) (model.NormalizedItem, error) {
		calls++
		return fields.Normalize(ctx, req)
	})))
	ctx := context.Background()

	payload := jsonl(`{"raw_text":"2 GAL WHL MLK","extracted":{"name":"whole milk","vendor":"Corner Shop"},"confidence":0.3}`)
	first := f.submit(t, payload, model.FormatJSONL)
	_, err := f.proc.Process(ctx, first.ID)
	require.NoError(t, err)

	second := f.submit(t, payload, model.FormatJSONL)
	_, err = f.proc.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	lines, err := f.proc.Lines(ctx, actor, second.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "Whole Milk", lines[0].Extracted.Name)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Submit(ctx, actor, SubmitRequest{Format: model.FormatCSV})
	assert.True(t, common.IsValidation(err))

	_, err = f.proc.Submit(ctx, actor, SubmitRequest{Format: "xml", Payload: []byte("x")})
	assert.True(t, common.IsValidation(err))

	_, err = f.proc.Submit(ctx, service.Actor{}, SubmitRequest{Format: model.FormatCSV, Payload: []byte("x")})
	assert.True(t, common.IsValidation(err))
}

func TestAwait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("returns terminal job", func(t *testing.T) {
		job := f.submit(t, tenLines(), model.FormatJSONL)
		_, err := f.proc.Process(ctx, job.ID)
		require.NoError(t, err)

		done, err := f.proc.Await(ctx, job.ID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.JobCompleted, done.Status)
	})

	t.Run("gives up without failing the job", func(t *testing.T) {
		job := f.submit(t, tenLines(), model.FormatJSONL)

		last, err := f.proc.Await(ctx, job.ID, 20*time.Millisecond)
		require.ErrorIs(t, err, common.ErrJobAbandoned)
		assert.Equal(t, model.JobPending, last.Status)

		stored, err := f.db.Storage.GetParseJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, stored.Status)
	})

	t.Run("follows a running job", func(t *testing.T) {
		job := f.submit(t, jsonl(record("Tea", 0.9)), model.FormatJSONL)

		result := make(chan *model.ParseJob, 1)
		go func() {
			done, _ := f.proc.Await(ctx, job.ID, 5*time.Second)
			result <- done
		}()

		// Give the waiter time to subscribe.
		time.Sleep(20 * time.Millisecond)
		_, err := f.proc.Process(ctx, job.ID)
		require.NoError(t, err)

		select {
		case done := <-result:
			require.NotNil(t, done)
			assert.Equal(t, model.JobCompleted, done.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("Await did not return")
		}
	})
}

func TestProcess_NonFiniteCSVCellsFailTheirLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := "name,quantity,confidence\nEggs,1,NaN\nBread,Inf,0.9\nMilk,1,0.9\n"
	job := f.submit(t, []byte(payload), model.FormatCSV)
	done, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.JobProgress{TotalLines: 3, Processed: 3, AutoAccepted: 1, Failed: 2}, done.Progress)
	assert.Equal(t, 1, f.db.TransactionCount(actor.HouseholdID))

	lines, err := f.proc.Lines(ctx, actor, job.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for _, l := range lines[:2] {
		assert.Equal(t, model.ParsedFailed, l.Status)
		assert.Equal(t, model.ReasonInvalidLine, l.Reason.Code)
		assert.Zero(t, l.Confidence)
	}
}

func TestProcess_BrokenCSVRecordFailsOneLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := f.submit(t, []byte("name,price\nEggs,1\nBr\"ead,2\nMilk,3\n"), model.FormatCSV)
	done, err := f.proc.Process(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Empty(t, done.ErrorMessage)
	assert.Equal(t, model.JobProgress{TotalLines: 3, Processed: 3, AutoAccepted: 2, Failed: 1}, done.Progress)

	lines, err := f.proc.Lines(ctx, actor, job.ID)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, 2, lines[1].LineNumber)
	assert.Equal(t, model.ParsedFailed, lines[1].Status)
	assert.Contains(t, lines[1].Reason.Detail, "unreadable record")
}

// unstorableFields refuses to store a parsed line that carries extracted
// fields, the way an unencodable value would.
type unstorableFields struct {
	service.Storage
}

func (s unstorableFields) BeginTx(ctx context.Context) (service.Transaction, error) {
	tx, err := s.Storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return unstorableFieldsTx{tx}, nil
}

type unstorableFieldsTx struct {
	service.Transaction
}

func (tx unstorableFieldsTx) CreateParsedItem(ctx context.Context, item *model.ParsedItem) error {
	if item.Extracted != nil {
		return fmt.Errorf("failed to encode extracted fields: unsupported value")
	}
	return tx.Transaction.CreateParsedItem(ctx, item)
}

func TestProcess_UnstorableLineIsRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proc := NewProcessor(unstorableFields{f.db.Storage}, f.inv,
		WithClock(f.db.Clock.Now),
		WithRetryOptions(service.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond}))

	job, err := proc.Submit(ctx, actor, SubmitRequest{Format: model.FormatJSONL, Payload: jsonl(record("Eggs", 0.9))})
	require.NoError(t, err)
	done, err := proc.Process(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, done.Status)
	assert.Equal(t, model.JobProgress{TotalLines: 1, Processed: 1, Failed: 1}, done.Progress)
	assert.Zero(t, f.db.TransactionCount(actor.HouseholdID))

	lines, err := proc.Lines(ctx, actor, job.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, model.ParsedFailed, lines[0].Status)
	assert.Equal(t, model.ReasonPersistFailed, lines[0].Reason.Code)
	assert.Nil(t, lines[0].Extracted)
	assert.Equal(t, "EGGS 1", lines[0].RawText)
	assert.Empty(t, lines[0].ItemID)
}

func TestProcess_BudgetSharedAcrossProcessors(t *testing.T) {
	cfg := Config{
		AutoAcceptThreshold: 0.8,
		Budget:              BudgetConfig{MaxLines: 2, Period: time.Hour},
	}
	f := newFixture(t, WithConfig(cfg))
	ctx := context.Background()

	first := f.submit(t, jsonl(record("Eggs", 0.9), record("Bread", 0.9)), model.FormatJSONL)
	done, err := f.proc.Process(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.Status)

	// A second process reading the same database.
	other := NewProcessor(f.db.Storage, f.inv, WithClock(f.db.Clock.Now), WithConfig(cfg))
	second := f.submit(t, jsonl(record("Rice", 0.9), record("Coffee", 0.9)), model.FormatJSONL)
	parked, err := other.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, parked.Status)
	require.NotNil(t, parked.QueuedUntil)
	assert.WithinDuration(t, done.StartedAt.Add(time.Hour), *parked.QueuedUntil, time.Second)
	assert.Equal(t, 2, f.db.TransactionCount(actor.HouseholdID))

	left, err := other.BudgetRemaining(ctx, actor.HouseholdID)
	require.NoError(t, err)
	assert.Zero(t, left)
}
