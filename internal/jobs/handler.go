package jobs

import (
	"context"

	"github.com/rawblock/expense-resolver/pkg/models"
)

// Reporter lets a running Handler checkpoint progress and observe
// cooperative-cancellation requests without reaching into the Store
// directly.
type Reporter interface {
	// Update persists progress and returns true if the job should stop
	// because cancellation was requested; handlers must check this at
	// safe checkpoints and return promptly when it's true.
	Update(ctx context.Context, processed, total, failed int) (cancelRequested bool, err error)
}

// Handler performs one job kind's unit of work. A nil error with a
// populated resultRef marks success; a non-nil error wrapped with
// apperr.ProviderTransient or apperr.ProviderUnavailable is retried with
// backoff, anything else fails the job immediately.
type Handler func(ctx context.Context, job *models.Job, reporter Reporter) (resultRef string, err error)
