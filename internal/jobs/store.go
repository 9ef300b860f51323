package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/pkg/models"
)

// Store is the persistence port backing the job queue's lease protocol.
// All claim/renew/complete operations are optimistic on Job.RowVersion;
// implementations return apperr.Conflict on a version mismatch so the
// caller treats it as "someone else already has this job" rather than a
// hard failure.
type Store interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID uuid.UUID) (models.Job, error)

	// ClaimNext finds the pending job of kind that became visible earliest and
	// atomically assigns it to leaseOwner, returning (job, true, nil) on a
	// successful claim or (zero, false, nil) if nothing is claimable.
	ClaimNext(ctx context.Context, kind models.JobKind, leaseOwner string, leaseTTL time.Duration, now time.Time) (models.Job, bool, error)

	RenewLease(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, newExpiry time.Time) (int64, error)

	UpdateProgress(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, progress models.JobProgress) (int64, error)

	Succeed(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, resultRef string) error

	// Fail records a terminal or retryable failure. When retryable and
	// attempts remain, the job returns to pending with exponential
	// backoff; otherwise it is marked failed.
	Fail(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, retryable bool, errMsg string, now time.Time) error

	Cancel(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, now time.Time) error
	RequestCancel(ctx context.Context, jobID uuid.UUID) error
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)

	// ReleaseExpiredLeases returns any running job whose lease_expires_at
	// has passed to pending, per the at-least-once lease-expiry rule.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)
}
