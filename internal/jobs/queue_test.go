package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/pkg/models"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
}

func (f *fakeJobStore) Enqueue(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) Get(ctx context.Context, jobID uuid.UUID) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return models.Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	return *j, nil
}

func (f *fakeJobStore) ClaimNext(ctx context.Context, kind models.JobKind, leaseOwner string, leaseTTL time.Duration, now time.Time) (models.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.Kind != kind || j.Status != models.JobPending || j.NextVisibleAt.After(now) {
			continue
		}
		j.Status = models.JobRunning
		j.LeaseOwner = leaseOwner
		j.LeaseExpiresAt = now.Add(leaseTTL)
		j.Attempt++
		j.RowVersion++
		return *j, true, nil
	}
	return models.Job{}, false, nil
}

func (f *fakeJobStore) RenewLease(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, newExpiry time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.RowVersion != expectedRowVersion {
		return 0, apperr.New(apperr.Conflict, "lease renewal conflict")
	}
	j.LeaseExpiresAt = newExpiry
	j.RowVersion++
	return j.RowVersion, nil
}

func (f *fakeJobStore) UpdateProgress(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, progress models.JobProgress) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok || j.RowVersion != expectedRowVersion {
		return 0, apperr.New(apperr.Conflict, "progress update conflict")
	}
	j.Progress = progress
	j.RowVersion++
	return j.RowVersion, nil
}

func (f *fakeJobStore) Succeed(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, resultRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	j.Status = models.JobSucceeded
	j.ResultRef = resultRef
	j.Progress.Processed = j.Progress.Total
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, retryable bool, errMsg string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	j.Error = errMsg
	if retryable && j.Attempt < j.MaxAttempts {
		j.Status = models.JobPending
		j.NextVisibleAt = now.Add(RetryDelay(j.Attempt))
	} else {
		j.Status = models.JobFailed
	}
	return nil
}

func (f *fakeJobStore) Cancel(ctx context.Context, jobID uuid.UUID, expectedRowVersion int64, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	j.Status = models.JobCancelled
	return nil
}

func (f *fakeJobStore) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return apperr.New(apperr.NotFound, "job not found")
	}
	j.Status = models.JobCancelRequested
	return nil
}

func (f *fakeJobStore) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return false, apperr.New(apperr.NotFound, "job not found")
	}
	return j.Status == models.JobCancelRequested, nil
}

func (f *fakeJobStore) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status == models.JobRunning && j.LeaseExpiresAt.Before(now) {
			j.Status = models.JobPending
			n++
		}
	}
	return n, nil
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		MaxAttempts:        5,
		LeaseTTL:           2 * time.Second,
		LeaseRenewInterval: 50 * time.Millisecond,
		ConcurrencyPerKind: map[string]int{
			"ocr_extract": 2,
		},
	}
}

// TestQueue_SuccessPath covers a registered handler running to success and
// the resulting event being emitted.
func TestQueue_SuccessPath(t *testing.T) {
	store := newFakeJobStore()
	var events []Event
	var evMu sync.Mutex

	q := NewQueue(store, testJobsConfig(), clock.Real{}, "worker-1", func(e Event) {
		evMu.Lock()
		events = append(events, e)
		evMu.Unlock()
	})

	done := make(chan struct{})
	q.Register(models.JobOcrExtract, func(ctx context.Context, job *models.Job, r Reporter) (string, error) {
		defer close(done)
		_, _ = r.Update(ctx, 1, 1, 0)
		return "blob://result", nil
	})

	jobID, err := q.Enqueue(context.Background(), models.JobOcrExtract, nil, []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Give the worker loop a moment to persist the success state.
	time.Sleep(100 * time.Millisecond)

	job, err := store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobSucceeded, job.Status)
	require.Equal(t, "blob://result", job.ResultRef)
}

// TestQueue_RetryableFailureReschedules covers a handler returning a
// ProviderTransient error: the job goes back to pending with a future
// next_visible_at rather than failing outright.
func TestQueue_RetryableFailureReschedules(t *testing.T) {
	store := newFakeJobStore()
	q := NewQueue(store, testJobsConfig(), clock.Real{}, "worker-1", nil)

	attempted := make(chan struct{}, 1)
	q.Register(models.JobOcrExtract, func(ctx context.Context, job *models.Job, r Reporter) (string, error) {
		attempted <- struct{}{}
		return "", apperr.New(apperr.ProviderTransient, "ocr provider timed out")
	})

	jobID, err := q.Enqueue(context.Background(), models.JobOcrExtract, nil, []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx)

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(100 * time.Millisecond)

	job, err := store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.True(t, job.NextVisibleAt.After(time.Now()))
}

func TestRetryDelay_ExponentialWithCap(t *testing.T) {
	require.Equal(t, 60*time.Second, RetryDelay(0))
	require.Equal(t, 120*time.Second, RetryDelay(1))
	require.Equal(t, time.Hour, RetryDelay(10))
}

// TestQueue_PanicInHandlerIsRetriedAsTransient covers the worker-loop
// guarantee that a panicking handler never kills the process: the first
// attempts reschedule the job instead of failing it terminally.
func TestQueue_PanicInHandlerIsRetriedAsTransient(t *testing.T) {
	store := newFakeJobStore()
	q := NewQueue(store, testJobsConfig(), clock.Real{}, "worker-1", nil)

	attempted := make(chan struct{}, 1)
	q.Register(models.JobOcrExtract, func(ctx context.Context, job *models.Job, r Reporter) (string, error) {
		attempted <- struct{}{}
		panic("ocr parser blew up")
	})

	jobID, err := q.Enqueue(context.Background(), models.JobOcrExtract, nil, []byte(`{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx)

	select {
	case <-attempted:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(100 * time.Millisecond)

	job, err := store.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Contains(t, job.Error, "handler panic")
}
