package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/jobs"
	"github.com/rawblock/expense-resolver/pkg/models"
)

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Kind, &j.UserID, &j.Payload, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.NextVisibleAt, &j.LeaseOwner, &j.LeaseExpiresAt, &j.Progress.Total, &j.Progress.Processed,
		&j.Progress.Failed, &j.ResultRef, &j.Error, &j.RowVersion, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

const jobColumns = `id, kind, user_id, payload, status, attempt, max_attempts, next_visible_at,
	lease_owner, lease_expires_at, progress_total, progress_processed, progress_failed,
	result_ref, error, row_version, created_at, updated_at`

// Enqueue implements jobs.Store.
func (s *Store) Enqueue(ctx context.Context, job *models.Job) error {
	row := s.q(ctx).QueryRow(ctx, `
		INSERT INTO jobs (id, kind, user_id, payload, status, attempt, max_attempts, next_visible_at,
		                   progress_total, progress_processed, progress_failed, row_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, 0, 0, 0, 1, $8, $8)
		RETURNING row_version, created_at, updated_at`,
		job.ID, job.Kind, job.UserID, job.Payload, job.Status, job.MaxAttempts, job.NextVisibleAt, job.CreatedAt)
	if err := row.Scan(&job.RowVersion, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return apperr.Wrap(apperr.Internal, "enqueue job", err)
	}
	return nil
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Job{}, apperr.New(apperr.NotFound, "job not found")
		}
		return models.Job{}, apperr.Wrap(apperr.Internal, "get job", err)
	}
	return j, nil
}

// ClaimNext implements jobs.Store: atomically assigns the pending job of
// kind whose next_visible_at is earliest and already past to leaseOwner via a single UPDATE ...
// RETURNING, so two workers racing on the same row never both win.
func (s *Store) ClaimNext(ctx context.Context, kind models.JobKind, leaseOwner string, leaseTTL time.Duration, now time.Time) (models.Job, bool, error) {
	row := s.q(ctx).QueryRow(ctx, `
		UPDATE jobs SET status = 'running', lease_owner = $3, lease_expires_at = $4,
		                row_version = row_version + 1, updated_at = $4
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = $1 AND status = 'pending' AND next_visible_at <= $2
			ORDER BY next_visible_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, kind, now, leaseOwner, now.Add(leaseTTL))

	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, apperr.Wrap(apperr.Internal, "claim next job", err)
	}
	return j, true, nil
}

// RenewLease implements jobs.Store.
func (s *Store) RenewLease(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, newExpiry time.Time) (int64, error) {
	var newRV int64
	err := s.q(ctx).QueryRow(ctx, `
		UPDATE jobs SET lease_expires_at = $3, row_version = row_version + 1, updated_at = now()
		WHERE id = $1 AND row_version = $2
		RETURNING row_version`, jobID, expectedRowVersion, newExpiry).Scan(&newRV)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, apperr.New(apperr.Conflict, "lease renewal lost: row_version mismatch")
		}
		return 0, apperr.Wrap(apperr.Internal, "renew lease", err)
	}
	return newRV, nil
}

// UpdateProgress implements jobs.Store.
func (s *Store) UpdateProgress(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, progress models.JobProgress) (int64, error) {
	var newRV int64
	err := s.q(ctx).QueryRow(ctx, `
		UPDATE jobs SET progress_total = $3, progress_processed = $4, progress_failed = $5,
		                row_version = row_version + 1, updated_at = now()
		WHERE id = $1 AND row_version = $2
		RETURNING row_version`, jobID, expectedRowVersion, progress.Total, progress.Processed, progress.Failed).Scan(&newRV)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, apperr.New(apperr.Conflict, "progress update lost: row_version mismatch")
		}
		return 0, apperr.Wrap(apperr.Internal, "update progress", err)
	}
	return newRV, nil
}

// Succeed implements jobs.Store.
func (s *Store) Succeed(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, resultRef string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE jobs SET status = 'succeeded', result_ref = $3, row_version = row_version + 1, updated_at = now()
		WHERE id = $1 AND row_version = $2`, jobID, expectedRowVersion, resultRef)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "succeed job", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "succeed lost: row_version mismatch")
	}
	return nil
}

// Fail implements jobs.Store. A retryable failure with attempts remaining
// returns to pending at attempt+1's backoff delay; otherwise the job is
// marked terminally failed.
func (s *Store) Fail(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, retryable bool, errMsg string, now time.Time) error {
	var attempt, maxAttempts int
	if err := s.q(ctx).QueryRow(ctx, `SELECT attempt, max_attempts FROM jobs WHERE id = $1`, jobID).Scan(&attempt, &maxAttempts); err != nil {
		return apperr.Wrap(apperr.Internal, "read attempt count", err)
	}

	nextAttempt := attempt + 1
	status := "failed"
	nextVisible := now
	if retryable && nextAttempt < maxAttempts {
		status = "pending"
		nextVisible = now.Add(jobs.RetryDelay(nextAttempt))
	}

	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE jobs SET status = $3, attempt = $4, next_visible_at = $5, error = $6,
		                row_version = row_version + 1, updated_at = $7
		WHERE id = $1 AND row_version = $2`,
		jobID, expectedRowVersion, status, nextAttempt, nextVisible, errMsg, now)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "fail job", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "fail lost: row_version mismatch")
	}
	return nil
}

// Cancel implements jobs.Store.
func (s *Store) Cancel(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, now time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', row_version = row_version + 1, updated_at = $3
		WHERE id = $1 AND row_version = $2`, jobID, expectedRowVersion, now)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "cancel job", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.Conflict, "cancel lost: row_version mismatch")
	}
	return nil
}

// RequestCancel implements jobs.Store.
func (s *Store) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE jobs SET status = 'cancel_requested', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, jobID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "request cancel", err)
	}
	return nil
}

// IsCancelRequested implements jobs.Store.
func (s *Store) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var status string
	if err := s.q(ctx).QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status); err != nil {
		return false, apperr.Wrap(apperr.Internal, "check cancel requested", err)
	}
	return status == string(models.JobCancelRequested), nil
}

// ReleaseExpiredLeases implements jobs.Store.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE jobs SET status = 'pending', next_visible_at = $1, row_version = row_version + 1, updated_at = $1
		WHERE status = 'running' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "release expired leases", err)
	}
	return int(tag.RowsAffected()), nil
}
