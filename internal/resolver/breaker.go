package resolver

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current gate.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// outcome is one call result fed into the rolling window.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

// Breaker is a per-provider-tier circuit breaker: a rolling window of the
// last N call outcomes. Opens when the failure or timeout rate crosses its
// threshold; after a cooldown it turns half-open and lets calls through as
// probes; closeAfterOK consecutive successes close it again, and any
// failure reopens it.
//
// Tracks mutex-guarded state per provider tier, the same shape as the
// per-IP rate limiter's bucket map — no external breaker library is
// introduced (see DESIGN.md).
type Breaker struct {
	mu sync.Mutex

	windowSize      int
	errorRateOpen   float64
	timeoutRateOpen float64
	halfOpenAfter   time.Duration
	closeAfterOK    int

	outcomes    []outcome
	state       breakerState
	openedAt    time.Time
	consecutiveOK int

	now func() time.Time
}

// NewBreaker constructs a Breaker with the given rolling-window thresholds.
func NewBreaker(windowSize int, errorRateOpen, timeoutRateOpen float64, halfOpenAfter time.Duration, closeAfterOK int) *Breaker {
	return &Breaker{
		windowSize:      windowSize,
		errorRateOpen:   errorRateOpen,
		timeoutRateOpen: timeoutRateOpen,
		halfOpenAfter:   halfOpenAfter,
		closeAfterOK:    closeAfterOK,
		state:           breakerClosed,
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed through this tier right now. In
// the half-open state every call is allowed; concurrent callers are not
// limited to one probe. Callers must report each outcome via RecordResult.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.halfOpenAfter {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Only one probe in flight at a time is allowed in a half-open
		// state; simplest safe approximation here is to allow probes
		// through serially since callers await RecordResult before the
		// next Allow() in practice (resolver tiers are sequential).
		return true
	}
	return false
}

// RecordResult feeds a call's outcome into the rolling window and updates
// the breaker's state machine.
func (b *Breaker) RecordResult(success bool, timedOut bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var o outcome
	switch {
	case timedOut:
		o = outcomeTimeout
	case success:
		o = outcomeSuccess
	default:
		o = outcomeFailure
	}

	b.outcomes = append(b.outcomes, o)
	if len(b.outcomes) > b.windowSize {
		b.outcomes = b.outcomes[len(b.outcomes)-b.windowSize:]
	}

	switch b.state {
	case breakerHalfOpen:
		if o == outcomeSuccess {
			b.consecutiveOK++
			if b.consecutiveOK >= b.closeAfterOK {
				b.state = breakerClosed
				b.consecutiveOK = 0
				b.outcomes = nil
			}
		} else {
			b.state = breakerOpen
			b.openedAt = b.now()
			b.consecutiveOK = 0
		}
	case breakerClosed:
		b.consecutiveOK = 0
		if b.shouldOpen() {
			b.state = breakerOpen
			b.openedAt = b.now()
		}
	}
}

// shouldOpen evaluates the rolling window against the configured
// thresholds. Caller must hold b.mu.
func (b *Breaker) shouldOpen() bool {
	if len(b.outcomes) < b.windowSize {
		return false
	}
	var failures, timeouts int
	for _, o := range b.outcomes {
		switch o {
		case outcomeFailure:
			failures++
		case outcomeTimeout:
			timeouts++
		}
	}
	n := float64(len(b.outcomes))
	return float64(failures)/n >= b.errorRateOpen || float64(timeouts)/n >= b.timeoutRateOpen
}

// State reports the current breaker state, exported for observability.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
