// Package ingest turns batches of extractor output into inventory updates.
// Each batch is a ParseJob whose lines are normalized, checked for
// duplicates and gated on confidence; lines below the threshold wait for a
// human decision.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/dedup"
	"github.com/Veraticus/restock/internal/inventory"
	"github.com/Veraticus/restock/internal/model"
	"github.com/Veraticus/restock/internal/normalize"
	"github.com/Veraticus/restock/internal/service"
)

// DefaultAutoAcceptThreshold is the confidence at or above which a line is
// accepted without review.
const DefaultAutoAcceptThreshold = 0.8

// ErrJobRunning is returned when a job is already being processed here.
var ErrJobRunning = errors.New("job is already being processed")

// Config tunes triage.
type Config struct {
	CategoryThresholds  map[string]float64 `mapstructure:"category_thresholds"`
	Budget              BudgetConfig       `mapstructure:"budget"`
	AutoAcceptThreshold float64            `mapstructure:"auto_accept_threshold"`
	Workers             int                `mapstructure:"workers"`
}

// DefaultConfig returns the default triage settings.
func DefaultConfig() Config {
	return Config{
		AutoAcceptThreshold: DefaultAutoAcceptThreshold,
		Workers:             2,
	}
}

// Threshold returns the auto-accept threshold for a category.
func (c Config) Threshold(category string) float64 {
	if t, ok := c.CategoryThresholds[strings.ToLower(strings.TrimSpace(category))]; ok {
		return t
	}
	return c.AutoAcceptThreshold
}

// Processor runs ingestion jobs.
type Processor struct {
	store      service.Storage
	inventory  *inventory.Service
	cache      *normalize.Cache
	normalizer normalize.Normalizer
	matcher    *dedup.Matcher
	budget     *Budget
	notifier   *Notifier
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	running    map[string]context.CancelFunc
	cfg        Config
	retry      service.RetryOptions
	mu         sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithConfig replaces the triage settings.
func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithCache enables the normalization cache.
func WithCache(c *normalize.Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithNormalizer replaces the field normalizer.
func WithNormalizer(n normalize.Normalizer) Option {
	return func(p *Processor) { p.normalizer = n }
}

// WithNotifier shares a notifier with other components.
func WithNotifier(n *Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithIDGenerator replaces the uuid-based ID generator.
func WithIDGenerator(newID func() string) Option {
	return func(p *Processor) { p.newID = newID }
}

// WithRetryOptions sets the version-conflict retry policy.
func WithRetryOptions(opts service.RetryOptions) Option {
	return func(p *Processor) { p.retry = opts }
}

// NewProcessor creates a processor that records purchases through inv.
func NewProcessor(store service.Storage, inv *inventory.Service, opts ...Option) *Processor {
	p := &Processor{
		store:      store,
		inventory:  inv,
		normalizer: normalize.NewFieldNormalizer(),
		matcher:    dedup.NewMatcher(store),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
		logger:     slog.Default(),
		running:    make(map[string]context.CancelFunc),
		cfg:        DefaultConfig(),
		retry:      service.RetryOptions{MaxAttempts: 5},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.AutoAcceptThreshold <= 0 {
		p.cfg.AutoAcceptThreshold = DefaultAutoAcceptThreshold
	}
	if p.budget == nil {
		p.budget = NewBudget(p.cfg.Budget, p.store, p.now)
	}
	if p.notifier == nil {
		p.notifier = NewNotifier(0)
	}
	return p
}

// SubmitRequest is a batch to ingest.
type SubmitRequest struct {
	Source  model.Source
	Format  model.InputFormat
	Payload []byte
}

// Submit stores a new Pending job. Processing is a separate step.
func (p *Processor) Submit(ctx context.Context, actor service.Actor, req SubmitRequest) (*model.ParseJob, error) {
	if strings.TrimSpace(actor.HouseholdID) == "" {
		return nil, common.NewValidationError("household", "required")
	}
	switch req.Format {
	case model.FormatCSV, model.FormatJSONL:
	default:
		return nil, common.NewValidationError("format", fmt.Sprintf("unsupported format %q", req.Format))
	}
	if len(req.Payload) == 0 {
		return nil, common.NewValidationError("payload", "required")
	}
	if req.Source == "" {
		req.Source = model.SourceCSVImport
	}
	if !req.Source.IsValid() {
		return nil, common.NewValidationError("source", fmt.Sprintf("unknown source %q", req.Source))
	}

	job := &model.ParseJob{
		ID:          p.newID(),
		HouseholdID: actor.HouseholdID,
		CreatedBy:   actor.UserID,
		Source:      req.Source,
		Format:      req.Format,
		Payload:     req.Payload,
		Status:      model.JobPending,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.CreateParseJob(ctx, job); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "Submitted parse job",
		"job_id", job.ID,
		"household_id", job.HouseholdID,
		"format", job.Format,
		"bytes", len(job.Payload))
	p.notifier.Publish(job)
	return job, nil
}

// Process runs a job to a terminal state, or parks it when the household's
// budget is spent. Calling it again on a job that was interrupted continues
// after the last recorded line; terminal jobs are returned unchanged.
func (p *Processor) Process(ctx context.Context, jobID string) (*model.ParseJob, error) {
	job, err := p.store.GetParseJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !p.track(job.ID, cancel) {
		return job, fmt.Errorf("job %s: %w", job.ID, ErrJobRunning)
	}
	defer p.untrack(job.ID)

	if job.CancelRequested {
		return job, p.finish(ctx, job, model.JobCancelled, "")
	}

	now := p.now()
	if job.Status == model.JobQueued && job.QueuedUntil != nil && now.Before(*job.QueuedUntil) {
		return job, nil
	}

	lines, err := DecodeLines(job.Format, job.Payload)
	if err != nil {
		return job, p.failJob(ctx, job, err)
	}

	reserved := 0
	if job.Status != model.JobProcessing {
		resetAt, err := p.budget.Reserve(ctx, job.HouseholdID, len(lines))
		if errors.Is(err, common.ErrBudgetExceeded) {
			return job, p.park(ctx, job, resetAt, err)
		}
		if err != nil {
			return job, err
		}
		reserved = len(lines)
	}

	done, err := p.begin(ctx, job, len(lines))
	// Once the start is recorded the stored job carries the usage.
	p.budget.Release(job.HouseholdID, reserved)
	if err != nil {
		return job, err
	}

	for _, line := range lines {
		if done[line.Number] {
			continue
		}
		if err := runCtx.Err(); err != nil {
			return job, p.interrupted(ctx, job, err)
		}
		if p.cancelRequested(ctx, job.ID) {
			return job, p.finish(ctx, job, model.JobCancelled, "")
		}

		if err := p.processLine(runCtx, job, line); err != nil {
			if runCtx.Err() != nil {
				return job, p.interrupted(ctx, job, err)
			}
			return job, err
		}
		p.notifier.Publish(job)
	}

	final := model.JobCompleted
	if job.Progress.AutoAccepted == 0 && job.Progress.NeedsReview > 0 {
		final = model.JobNeedsReview
	}
	return job, p.finish(ctx, job, final, "")
}

// begin moves job into Processing and rebuilds its counters from the lines
// already recorded. It returns the line numbers to skip.
func (p *Processor) begin(ctx context.Context, job *model.ParseJob, total int) (map[int]bool, error) {
	resumed := job.Status == model.JobProcessing
	existing, err := p.store.ListParsedItems(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	done := make(map[int]bool, len(existing))
	progress := model.JobProgress{TotalLines: total}
	for i := range existing {
		done[existing[i].LineNumber] = true
		countOutcome(&progress, &existing[i])
	}

	next := *job
	next.Status = model.JobProcessing
	next.Progress = progress
	next.QueuedUntil = nil
	if next.StartedAt == nil {
		started := p.now().UTC()
		next.StartedAt = &started
	}
	if err := p.store.UpdateParseJob(ctx, &next); err != nil {
		return nil, err
	}
	*job = next

	p.logger.InfoContext(ctx, "Processing parse job",
		"job_id", job.ID,
		"household_id", job.HouseholdID,
		"total_lines", total,
		"already_done", len(existing),
		"resumed", resumed)
	p.notifier.Publish(job)
	return done, nil
}

// park moves a job to Queued until the budget window resets.
func (p *Processor) park(ctx context.Context, job *model.ParseJob, until time.Time, cause error) error {
	next := *job
	next.Status = model.JobQueued
	u := until.UTC()
	next.QueuedUntil = &u
	if err := p.store.UpdateParseJob(ctx, &next); err != nil {
		return err
	}
	*job = next

	p.logger.InfoContext(ctx, "Queued parse job",
		"job_id", job.ID,
		"household_id", job.HouseholdID,
		"queued_until", u,
		"reason", cause.Error())
	p.notifier.Publish(job)
	return nil
}

// failJob records a job-level failure. A queued job passes through
// Processing so the recorded history stays a valid path.
func (p *Processor) failJob(ctx context.Context, job *model.ParseJob, cause error) error {
	if job.Status == model.JobQueued {
		next := *job
		next.Status = model.JobProcessing
		if err := p.store.UpdateParseJob(ctx, &next); err != nil {
			return err
		}
		*job = next
	}
	return p.finish(ctx, job, model.JobFailed, cause.Error())
}

// finish moves job into a terminal state.
func (p *Processor) finish(ctx context.Context, job *model.ParseJob, status model.JobStatus, message string) error {
	if !job.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s to %s", common.ErrInvalidTransition, job.Status, status)
	}

	// A cancelled caller context must not stop the final write.
	ctx = context.WithoutCancel(ctx)

	next := *job
	next.Status = status
	next.ErrorMessage = message
	if status == model.JobCancelled {
		next.CancelRequested = true
	}
	completed := p.now().UTC()
	next.CompletedAt = &completed
	if err := p.store.UpdateParseJob(ctx, &next); err != nil {
		return err
	}
	*job = next

	p.logger.InfoContext(ctx, "Parse job finished",
		"job_id", job.ID,
		"household_id", job.HouseholdID,
		"status", job.Status,
		"total_lines", job.Progress.TotalLines,
		"auto_accepted", job.Progress.AutoAccepted,
		"needs_review", job.Progress.NeedsReview,
		"failed", job.Progress.Failed,
		"error", message)
	p.notifier.Publish(job)
	return nil
}

// interrupted handles a stopped context. A pending cancel request ends the
// job; anything else leaves it in Processing for a later resume.
func (p *Processor) interrupted(ctx context.Context, job *model.ParseJob, cause error) error {
	if p.cancelRequested(context.WithoutCancel(ctx), job.ID) {
		return p.finish(ctx, job, model.JobCancelled, "")
	}
	p.logger.WarnContext(ctx, "Parse job interrupted",
		"job_id", job.ID,
		"processed", job.Progress.Processed,
		"error", cause)
	return cause
}

func (p *Processor) cancelRequested(ctx context.Context, jobID string) bool {
	current, err := p.store.GetParseJob(ctx, jobID)
	if err != nil {
		common.LogWarn(ctx, err, "Failed to read cancel flag", common.Fields{"job_id": jobID})
		return false
	}
	return current.CancelRequested
}

// Cancel stops a job. A job that is not running yet is cancelled at once;
// a running one stops before its next line. Lines already committed stay.
func (p *Processor) Cancel(ctx context.Context, actor service.Actor, jobID string) (*model.ParseJob, error) {
	job, err := p.jobFor(ctx, actor, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, common.ErrJobTerminal)
	}

	if err := p.store.RequestJobCancel(ctx, job.ID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	stop, running := p.running[job.ID]
	p.mu.Unlock()
	if running {
		stop()
	}

	p.logger.InfoContext(ctx, "Cancel requested",
		"job_id", job.ID,
		"user_id", actor.UserID,
		"status", job.Status,
		"running", running)

	if running || job.Status == model.JobProcessing {
		return p.store.GetParseJob(ctx, job.ID)
	}

	err = common.WithRetry(ctx, func() error {
		current, err := p.store.GetParseJob(ctx, job.ID)
		if err != nil {
			return err
		}
		job = current
		if job.Status.IsTerminal() || job.Status == model.JobProcessing {
			return nil
		}
		return p.finish(ctx, job, model.JobCancelled, "")
	}, p.retry)
	return job, err
}

// JobStatus is a job together with its per-status line counts.
type JobStatus struct {
	Job    *model.ParseJob
	Counts map[model.ParsedItemStatus]int
}

// Status reports a job's state.
func (p *Processor) Status(ctx context.Context, actor service.Actor, jobID string) (*JobStatus, error) {
	job, err := p.jobFor(ctx, actor, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := p.store.CountParsedItems(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	job.Payload = nil
	return &JobStatus{Job: job, Counts: counts}, nil
}

// Jobs lists the household's jobs, newest first.
func (p *Processor) Jobs(ctx context.Context, actor service.Actor) ([]model.ParseJob, error) {
	return p.store.ListParseJobs(ctx, actor.HouseholdID)
}

// Lines lists a job's recorded lines in input order.
func (p *Processor) Lines(ctx context.Context, actor service.Actor, jobID string) ([]model.ParsedItem, error) {
	if _, err := p.jobFor(ctx, actor, jobID); err != nil {
		return nil, err
	}
	return p.store.ListParsedItems(ctx, jobID)
}

// BudgetRemaining reports the lines a household may still start in the
// current window, or -1 when no budget is configured.
func (p *Processor) BudgetRemaining(ctx context.Context, householdID string) (int, error) {
	return p.budget.Remaining(ctx, householdID)
}

// Subscribe streams snapshots of a job as it changes.
func (p *Processor) Subscribe(jobID string) (<-chan model.ParseJob, func()) {
	return p.notifier.Subscribe(jobID)
}

// Await blocks until the job reaches a terminal state. If no change is seen
// for idle it gives up with common.ErrJobAbandoned and returns the last known
// state; the job itself keeps running.
func (p *Processor) Await(ctx context.Context, jobID string, idle time.Duration) (*model.ParseJob, error) {
	events, unsubscribe := p.Subscribe(jobID)
	defer unsubscribe()

	job, err := p.store.GetParseJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Payload = nil
	if job.Status.IsTerminal() {
		return job, nil
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-timer.C:
			return job, fmt.Errorf("job %s still %s after %s: %w", job.ID, job.Status, idle, common.ErrJobAbandoned)
		case snapshot := <-events:
			job = &snapshot
			if job.Status.IsTerminal() {
				return job, nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}

// jobFor loads a job and hides jobs of other households.
func (p *Processor) jobFor(ctx context.Context, actor service.Actor, jobID string) (*model.ParseJob, error) {
	job, err := p.store.GetParseJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.HouseholdID != actor.HouseholdID {
		return nil, fmt.Errorf("parse job %s: %w", jobID, common.ErrNotFound)
	}
	return job, nil
}

func (p *Processor) track(jobID string, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.running[jobID]; ok {
		return false
	}
	p.running[jobID] = cancel
	return true
}

func (p *Processor) untrack(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, jobID)
}
