package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// BackfillJob tracks one historical-range ingestion for a subscription.
// Progress walks backwards from EndSlot towards StartSlot.
type BackfillJob struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	TenantID       string     `json:"tenant_id"`
	Status         JobStatus  `json:"status"`
	StartSlot      uint64     `json:"start_slot"`
	EndSlot        uint64     `json:"end_slot"`
	CurrentSlot    uint64     `json:"current_slot"`
	Progress       float64    `json:"progress"`
	EventsFound    int64      `json:"events_found"`
	EventsSkipped  int64      `json:"events_skipped"`
	LastSignature  string     `json:"-"`
	ErrorMessage   string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const backfillCols = `id, subscription_id, tenant_id, status, start_slot, end_slot, current_slot,
       progress, events_found, events_skipped, last_signature, error_message,
       created_at, started_at, completed_at`

func (s *Store) CreateBackfillJob(ctx context.Context, job *BackfillJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if err := ValidateBackfillJob(*job); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backfill_jobs (id, subscription_id, tenant_id, status, start_slot, end_slot, current_slot,
		                           events_found, events_skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.SubscriptionID, job.TenantID, job.Status, job.StartSlot, job.EndSlot, job.EndSlot,
		job.EventsFound, job.EventsSkipped)
	if err != nil {
		return fmt.Errorf("create backfill job: %w", err)
	}
	return nil
}

func (s *Store) GetBackfillJob(ctx context.Context, id string) (BackfillJob, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+backfillCols+` FROM backfill_jobs WHERE id = $1`, id)
	if err != nil {
		return BackfillJob{}, false, fmt.Errorf("get backfill job: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return BackfillJob{}, false, rows.Err()
	}
	job, err := scanBackfillJob(rows)
	if err != nil {
		return BackfillJob{}, false, err
	}
	return job, true, nil
}

func (s *Store) ListBackfillJobs(ctx context.Context, tenantID string) ([]BackfillJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+backfillCols+` FROM backfill_jobs WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list backfill jobs: %w", err)
	}
	defer rows.Close()

	list := []BackfillJob{}
	for rows.Next() {
		job, err := scanBackfillJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

// UpdateJobStatus transitions a job, stamping started_at on the first
// move to running and completed_at on any terminal state.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	now := time.Now()
	var startedAt, completedAt *time.Time
	switch status {
	case JobRunning:
		startedAt = &now
	case JobCompleted, JobFailed, JobCancelled:
		completedAt = &now
	case JobPending:
	default:
		return fmt.Errorf("invalid job status %q", status)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE backfill_jobs SET
			status = $2, error_message = $3,
			started_at = COALESCE(started_at, $4),
			completed_at = COALESCE($5, completed_at)
		WHERE id = $1
	`, id, status, errMsg, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backfill job %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateJobProgress flushes the walk position and counters.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, currentSlot uint64, progress float64, found, skipped int64, lastSignature string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backfill_jobs SET
			current_slot = $2, progress = $3, events_found = $4, events_skipped = $5, last_signature = $6
		WHERE id = $1
	`, id, currentSlot, progress, found, skipped, lastSignature)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backfill job %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanBackfillJob(rows pgx.Rows) (BackfillJob, error) {
	var job BackfillJob
	err := rows.Scan(
		&job.ID, &job.SubscriptionID, &job.TenantID, &job.Status,
		&job.StartSlot, &job.EndSlot, &job.CurrentSlot,
		&job.Progress, &job.EventsFound, &job.EventsSkipped,
		&job.LastSignature, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return BackfillJob{}, fmt.Errorf("scan backfill job: %w", err)
	}
	return job, nil
}

func ValidateBackfillJob(job BackfillJob) error {
	var errs []error
	if _, err := uuid.Parse(job.ID); err != nil {
		errs = append(errs, fmt.Errorf("job id must be a uuid: %w", err))
	}
	if job.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription id is required"))
	}
	if job.TenantID == "" {
		errs = append(errs, errors.New("tenant id is required"))
	}
	if job.EndSlot < job.StartSlot {
		errs = append(errs, fmt.Errorf("end slot %d before start slot %d", job.EndSlot, job.StartSlot))
	}
	return errors.Join(errs...)
}
