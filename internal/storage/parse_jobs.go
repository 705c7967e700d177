package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/model"
)

const parseJobColumns = `id, household_id, created_by, source, format, payload, status,
	total_lines, processed, auto_accepted, needs_review, failed,
	error_message, cancel_requested, queued_until, created_at, updated_at, started_at, completed_at, version`

// CreateParseJob inserts a new job with version 1.
func (s *SQLiteStorage) CreateParseJob(ctx context.Context, job *model.ParseJob) error {
	return s.createParseJobTx(ctx, s.db, job)
}

func (s *SQLiteStorage) createParseJobTx(ctx context.Context, q queryable, job *model.ParseJob) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateJob(job); err != nil {
		return err
	}

	now := s.timestamp()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1

	_, err := q.ExecContext(ctx, `
		INSERT INTO parse_jobs (`+parseJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.HouseholdID, job.CreatedBy, string(job.Source), string(job.Format), job.Payload, string(job.Status),
		job.Progress.TotalLines, job.Progress.Processed, job.Progress.AutoAccepted, job.Progress.NeedsReview, job.Progress.Failed,
		job.ErrorMessage, job.CancelRequested, nullTime(job.QueuedUntil), job.CreatedAt.UTC(), job.UpdatedAt,
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: parse job %s", common.ErrDuplicateEntry, job.ID)
		}
		return fmt.Errorf("failed to create parse job: %w", err)
	}
	return nil
}

// GetParseJob retrieves a job by ID.
func (s *SQLiteStorage) GetParseJob(ctx context.Context, id string) (*model.ParseJob, error) {
	return s.getParseJobTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getParseJobTx(ctx context.Context, q queryable, id string) (*model.ParseJob, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+parseJobColumns+`
		FROM parse_jobs
		WHERE id = ?
	`, id)

	job, err := scanParseJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("parse job %s: %w", id, common.ErrNotFound)
	}
	return job, err
}

// UpdateParseJob writes status and progress guarded by the version token.
// cancel_requested is only ever set through RequestJobCancel.
func (s *SQLiteStorage) UpdateParseJob(ctx context.Context, job *model.ParseJob) error {
	return s.updateParseJobTx(ctx, s.db, job)
}

func (s *SQLiteStorage) updateParseJobTx(ctx context.Context, q queryable, job *model.ParseJob) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateJob(job); err != nil {
		return err
	}

	updatedAt := s.timestamp()
	result, err := q.ExecContext(ctx, `
		UPDATE parse_jobs SET
			status = ?, total_lines = ?, processed = ?, auto_accepted = ?, needs_review = ?, failed = ?,
			error_message = ?, queued_until = ?, started_at = ?, completed_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(job.Status), job.Progress.TotalLines, job.Progress.Processed, job.Progress.AutoAccepted,
		job.Progress.NeedsReview, job.Progress.Failed,
		job.ErrorMessage, nullTime(job.QueuedUntil), nullTime(job.StartedAt), nullTime(job.CompletedAt),
		updatedAt, job.ID, job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update parse job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := s.getParseJobTx(ctx, q, job.ID); getErr != nil {
			return getErr
		}
		return &common.RetryableError{
			Err:       fmt.Errorf("parse job %s: %w", job.ID, common.ErrVersionConflict),
			Retryable: true,
		}
	}

	job.Version++
	job.UpdatedAt = updatedAt
	return nil
}

// RequestJobCancel flags a job for cancellation. The flag does not bump the
// version so an in-flight processor can still record its progress.
func (s *SQLiteStorage) RequestJobCancel(ctx context.Context, id string) error {
	return s.requestJobCancelTx(ctx, s.db, id)
}

func (s *SQLiteStorage) requestJobCancelTx(ctx context.Context, q queryable, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE parse_jobs SET cancel_requested = 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("parse job %s: %w", id, common.ErrNotFound)
	}
	return nil
}

// ListParseJobs returns a household's jobs newest first.
func (s *SQLiteStorage) ListParseJobs(ctx context.Context, householdID string) ([]model.ParseJob, error) {
	return s.listParseJobsTx(ctx, s.db, householdID)
}

func (s *SQLiteStorage) listParseJobsTx(ctx context.Context, q queryable, householdID string) ([]model.ParseJob, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return nil, err
	}

	return queryParseJobs(ctx, q, `
		SELECT `+parseJobColumns+`
		FROM parse_jobs
		WHERE household_id = ?
		ORDER BY created_at DESC, id
	`, householdID)
}

// ListResumableJobs returns non-terminal jobs oldest first for a resumption
// sweep.
func (s *SQLiteStorage) ListResumableJobs(ctx context.Context, limit int) ([]model.ParseJob, error) {
	return s.listResumableJobsTx(ctx, s.db, limit)
}

func (s *SQLiteStorage) listResumableJobsTx(ctx context.Context, q queryable, limit int) ([]model.ParseJob, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	return queryParseJobs(ctx, q, `
		SELECT `+parseJobColumns+`
		FROM parse_jobs
		WHERE status IN (?, ?, ?)
		ORDER BY created_at, id
		LIMIT ?
	`, string(model.JobPending), string(model.JobQueued), string(model.JobProcessing), limit)
}

// SumJobLinesStartedSince totals the lines of a household's jobs started at
// or after since. earliest is the first such start, zero when there is none.
func (s *SQLiteStorage) SumJobLinesStartedSince(ctx context.Context, householdID string, since time.Time) (int, time.Time, error) {
	return s.sumJobLinesStartedSinceTx(ctx, s.db, householdID, since)
}

func (s *SQLiteStorage) sumJobLinesStartedSinceTx(ctx context.Context, q queryable, householdID string, since time.Time) (int, time.Time, error) {
	if err := validateContext(ctx); err != nil {
		return 0, time.Time{}, err
	}
	if err := validateString(householdID, "householdID"); err != nil {
		return 0, time.Time{}, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT total_lines, started_at
		FROM parse_jobs
		WHERE household_id = ? AND started_at IS NOT NULL
			AND julianday(started_at) >= julianday(?)
		ORDER BY started_at
	`, householdID, since.UTC())
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to sum job lines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		total    int
		earliest time.Time
	)
	for rows.Next() {
		var lines int
		var started time.Time
		if err := rows.Scan(&lines, &started); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to scan job lines: %w", err)
		}
		if earliest.IsZero() {
			earliest = started.UTC()
		}
		total += lines
	}
	if err := rows.Err(); err != nil {
		return 0, time.Time{}, err
	}
	return total, earliest, nil
}

func scanParseJob(row rowScanner) (*model.ParseJob, error) {
	var job model.ParseJob
	var source, format, status string
	var queuedUntil, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.HouseholdID, &job.CreatedBy, &source, &format, &job.Payload, &status,
		&job.Progress.TotalLines, &job.Progress.Processed, &job.Progress.AutoAccepted,
		&job.Progress.NeedsReview, &job.Progress.Failed,
		&job.ErrorMessage, &job.CancelRequested, &queuedUntil, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt, &job.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan parse job: %w", err)
	}

	job.Source = model.Source(source)
	job.Format = model.InputFormat(format)
	job.Status = model.JobStatus(status)
	job.QueuedUntil = fromNullTime(queuedUntil)
	job.StartedAt = fromNullTime(startedAt)
	job.CompletedAt = fromNullTime(completedAt)

	return &job, nil
}

func queryParseJobs(ctx context.Context, q queryable, query string, args ...any) ([]model.ParseJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parse jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []model.ParseJob
	for rows.Next() {
		job, err := scanParseJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}
