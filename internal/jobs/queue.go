// Package jobs implements the durable background job runtime: atomic
// claim-and-lease scheduling, per-kind concurrency caps, exponential
// backoff retries, cooperative cancellation, and progress/ETA tracking.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/expense-resolver/internal/apperr"
	"github.com/rawblock/expense-resolver/internal/clock"
	"github.com/rawblock/expense-resolver/internal/config"
	"github.com/rawblock/expense-resolver/pkg/models"
)

// Event is emitted on every job state transition so the API layer can
// push it over the websocket hub.
type Event struct {
	JobID    uuid.UUID
	Kind     models.JobKind
	Status   models.JobStatus
	Progress models.JobProgress
	Error    string
}

// Queue pulls jobs from Store and runs them through registered Handlers,
// one goroutine pool per job kind sized by its configured concurrency cap.
type Queue struct {
	store    Store
	cfg      config.JobsConfig
	clock    clock.Clock
	ownerID  string
	onEvent  func(Event)

	mu       sync.Mutex
	handlers map[models.JobKind]Handler
}

// NewQueue constructs a Queue. ownerID identifies this process as a lease
// holder (hostname+pid is typical).
func NewQueue(store Store, cfg config.JobsConfig, clk clock.Clock, ownerID string, onEvent func(Event)) *Queue {
	return &Queue{
		store:    store,
		cfg:      cfg,
		clock:    clk,
		ownerID:  ownerID,
		onEvent:  onEvent,
		handlers: map[models.JobKind]Handler{},
	}
}

// Register binds a Handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind models.JobKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue schedules new work, visible immediately.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, userID *uuid.UUID, payload []byte) (uuid.UUID, error) {
	job := &models.Job{
		ID:            uuid.New(),
		Kind:          kind,
		UserID:        userID,
		Payload:       payload,
		Status:        models.JobPending,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextVisibleAt: q.clock.Now(),
		RowVersion:    1,
		CreatedAt:     q.clock.Now(),
		UpdatedAt:     q.clock.Now(),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// Cancel marks a job cancel_requested; the worker observes this at its
// next checkpoint.
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return q.store.RequestCancel(ctx, jobID)
}

// Run starts one polling goroutine per registered job kind and blocks
// until ctx is cancelled. Each kind's goroutine holds a semaphore sized
// to its configured concurrency cap.
func (q *Queue) Run(ctx context.Context) {
	q.mu.Lock()
	kinds := make([]models.JobKind, 0, len(q.handlers))
	for k := range q.handlers {
		kinds = append(kinds, k)
	}
	q.mu.Unlock()

	var wg sync.WaitGroup
	for _, kind := range kinds {
		kind := kind
		concurrency := q.cfg.ConcurrencyPerKind[string(kind)]
		if concurrency <= 0 {
			concurrency = 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.pollKind(ctx, kind, concurrency)
		}()
	}
	wg.Wait()
}

const pollInterval = 500 * time.Millisecond

func (q *Queue) pollKind(ctx context.Context, kind models.JobKind, concurrency int) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			select {
			case sem <- struct{}{}:
			default:
				continue // all slots busy, try again next tick
			}
			job, ok, err := q.store.ClaimNext(ctx, kind, q.ownerID, q.cfg.LeaseTTL, q.clock.Now())
			if err != nil {
				log.Printf("[Jobs] claim error for kind %s: %v", kind, err)
				<-sem
				continue
			}
			if !ok {
				<-sem
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				q.runJob(ctx, job)
			}()
		}
	}
}

func (q *Queue) runJob(parent context.Context, job models.Job) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Kind]
	q.mu.Unlock()
	if !ok {
		log.Printf("[Jobs] no handler registered for kind %s, failing job %s", job.Kind, job.ID)
		_ = q.store.Fail(parent, job.ID, job.RowVersion, false, "no handler registered", q.clock.Now())
		return
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var rowVersion int64 = job.RowVersion
	var rvMu sync.Mutex
	lost := make(chan struct{})

	renewTicker := time.NewTicker(q.cfg.LeaseRenewInterval)
	defer renewTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-renewTicker.C:
				rvMu.Lock()
				rv := rowVersion
				rvMu.Unlock()
				newRV, err := q.store.RenewLease(ctx, job.ID, rv, q.clock.Now().Add(q.cfg.LeaseTTL))
				if err != nil {
					log.Printf("[Jobs] lease renewal lost for job %s: %v", job.ID, err)
					close(lost)
					cancel()
					return
				}
				rvMu.Lock()
				rowVersion = newRV
				rvMu.Unlock()
			}
		}
	}()

	reporter := &reporterImpl{
		store: q.store,
		clock: q.clock,
		jobID: job.ID,
		kind:  job.Kind,
		rv:    &rowVersion,
		mu:    &rvMu,
		onEvent: q.onEvent,
	}

	resultRef, err := func() (ref string, err error) {
		defer func() {
			if r := recover(); r != nil {
				// A panic must never escape the worker loop: early
				// attempts are retried as transient, later ones fail.
				// Attempt counts earlier failed runs, so the first two
				// runs are the transient ones.
				if job.Attempt < 2 {
					err = apperr.New(apperr.ProviderTransient, fmt.Sprintf("handler panic: %v", r))
				} else {
					err = apperr.New(apperr.Internal, fmt.Sprintf("handler panic: %v", r))
				}
			}
		}()
		return handler(ctx, &job, reporter)
	}()

	select {
	case <-lost:
		log.Printf("[Jobs] job %s lost its lease mid-run; another worker may retry it", job.ID)
		return
	default:
	}

	rvMu.Lock()
	rv := rowVersion
	rvMu.Unlock()

	cancelRequested, cerr := q.store.IsCancelRequested(parent, job.ID)
	if cerr == nil && cancelRequested {
		if err := q.store.Cancel(parent, job.ID, rv, q.clock.Now()); err != nil {
			log.Printf("[Jobs] cancel persist failed for job %s: %v", job.ID, err)
		}
		q.emit(Event{JobID: job.ID, Kind: job.Kind, Status: models.JobCancelled})
		return
	}

	if err != nil {
		retryable := apperr.Retryable(err)
		if ferr := q.store.Fail(parent, job.ID, rv, retryable, err.Error(), q.clock.Now()); ferr != nil {
			log.Printf("[Jobs] fail-state persist failed for job %s: %v", job.ID, ferr)
		}
		status := models.JobFailed
		if retryable && job.Attempt+1 < job.MaxAttempts {
			status = models.JobPending
		}
		q.emit(Event{JobID: job.ID, Kind: job.Kind, Status: status, Error: err.Error()})
		return
	}

	if serr := q.store.Succeed(parent, job.ID, rv, resultRef); serr != nil {
		log.Printf("[Jobs] success persist failed for job %s: %v", job.ID, serr)
	}
	q.emit(Event{JobID: job.ID, Kind: job.Kind, Status: models.JobSucceeded})
}

func (q *Queue) emit(e Event) {
	if q.onEvent != nil {
		q.onEvent(e)
	}
}

// reporterImpl is the concrete Reporter handed to handlers.
type reporterImpl struct {
	store   Store
	clock   clock.Clock
	jobID   uuid.UUID
	kind    models.JobKind
	rv      *int64
	mu      *sync.Mutex
	onEvent func(Event)
}

func (r *reporterImpl) Update(ctx context.Context, processed, total, failed int) (bool, error) {
	r.mu.Lock()
	rv := *r.rv
	r.mu.Unlock()

	progress := models.JobProgress{Total: total, Processed: processed, Failed: failed}
	newRV, err := r.store.UpdateProgress(ctx, r.jobID, rv, progress)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	*r.rv = newRV
	r.mu.Unlock()

	if r.onEvent != nil {
		r.onEvent(Event{JobID: r.jobID, Kind: r.kind, Status: models.JobRunning, Progress: progress})
	}

	cancelRequested, err := r.store.IsCancelRequested(ctx, r.jobID)
	if err != nil {
		return false, err
	}
	return cancelRequested, nil
}
