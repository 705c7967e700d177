package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

// Runner processes many jobs at once. Jobs of one household run one after
// another in creation order; different households run in parallel.
type Runner struct {
	processor *Processor
	workers   int
}

// NewRunner creates a runner with at most workers households in flight.
func NewRunner(p *Processor, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{processor: p, workers: workers}
}

// RunSummary counts the outcomes of a run.
type RunSummary struct {
	ByStatus  map[model.JobStatus]int
	Processed int
	Skipped   int
	Errors    int
}

// Run processes jobs and returns every job error joined together. One
// failing job does not stop the others.
func (r *Runner) Run(ctx context.Context, jobs []model.ParseJob) (*RunSummary, error) {
	byHousehold := make(map[string][]model.ParseJob)
	for _, job := range jobs {
		byHousehold[job.HouseholdID] = append(byHousehold[job.HouseholdID], job)
	}

	households := make([]string, 0, len(byHousehold))
	for h := range byHousehold {
		households = append(households, h)
	}
	sort.Strings(households)

	summary := &RunSummary{ByStatus: make(map[model.JobStatus]int)}
	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, h := range households {
		queue := byHousehold[h]
		g.Go(func() error {
			for _, job := range queue {
				if ctx.Err() != nil {
					return nil
				}
				done, err := r.processor.Process(ctx, job.ID)

				mu.Lock()
				switch {
				case err != nil:
					summary.Errors++
					errs = append(errs, err)
					common.LogError(ctx, err, "Failed to process parse job", common.Fields{
						"job_id":       job.ID,
						"household_id": h,
					})
				case done.Status == model.JobQueued:
					summary.Skipped++
					summary.ByStatus[done.Status]++
				default:
					summary.Processed++
					summary.ByStatus[done.Status]++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return summary, errors.Join(errs...)
}

// Resume sweeps up to limit unfinished jobs: pending jobs never started,
// queued jobs whose budget window has reset, and processing jobs left behind
// by an interrupted run.
func (r *Runner) Resume(ctx context.Context, limit int) (*RunSummary, error) {
	jobs, err := r.processor.store.ListResumableJobs(ctx, limit)
	if err != nil {
		return nil, err
	}

	now := r.processor.now()
	ready := jobs[:0]
	skipped := 0
	for _, job := range jobs {
		if job.Status == model.JobQueued && job.QueuedUntil != nil && now.Before(*job.QueuedUntil) {
			skipped++
			continue
		}
		ready = append(ready, job)
	}

	r.processor.logger.InfoContext(ctx, "Resuming parse jobs",
		"ready", len(ready),
		"still_queued", skipped)

	summary, err := r.Run(ctx, ready)
	if summary != nil {
		summary.Skipped += skipped
	}
	return summary, err
}
