package model

import "time"

// JobStatus is the lifecycle state of a ParseJob.
type JobStatus string

// Job states.
const (
	JobPending     JobStatus = "pending"
	JobQueued      JobStatus = "queued"
	JobProcessing  JobStatus = "processing"
	JobCompleted   JobStatus = "completed"
	JobNeedsReview JobStatus = "needs_review"
	JobFailed      JobStatus = "failed"
	JobCancelled   JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobQueued, JobFailed, JobCancelled},
	JobQueued:     {JobProcessing, JobQueued, JobCancelled},
	JobProcessing: {JobProcessing, JobCompleted, JobNeedsReview, JobFailed, JobCancelled},
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobNeedsReview, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. Re-entering
// Processing is allowed so interrupted jobs can be retried.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InputFormat is the encoding of a job's payload.
type InputFormat string

// Supported payload formats.
const (
	FormatCSV   InputFormat = "csv"
	FormatJSONL InputFormat = "jsonl"
)

// JobProgress holds the per-line counters of a job.
type JobProgress struct {
	TotalLines   int
	Processed    int
	AutoAccepted int
	NeedsReview  int
	Failed       int
}

// Consistent reports whether the outcome counters add up to TotalLines.
func (p JobProgress) Consistent() bool {
	return p.AutoAccepted+p.NeedsReview+p.Failed == p.TotalLines
}

// ParseJob is one ingestion batch, such as an uploaded file.
type ParseJob struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	QueuedUntil     *time.Time
	ID              string
	HouseholdID     string
	CreatedBy       string
	Source          Source
	Format          InputFormat
	Status          JobStatus
	ErrorMessage    string
	Payload         []byte
	Progress        JobProgress
	Version         int64
	CancelRequested bool
}
