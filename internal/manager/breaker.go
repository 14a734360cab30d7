package manager

import (
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// breaker is a three-state circuit breaker for one bot kind.
//
//   - closed: calls pass; consecutive failures are counted and the breaker
//     opens once failures >= threshold. A success resets the count.
//   - open: calls fail fast until now-lastFailure > timeout, then the next
//     call moves it to half-open.
//   - half-open: the probing call decides; success closes and resets,
//     failure opens again.
//
// It is not safe for concurrent use; the owning entry's mutex guards it.
type breaker struct {
	state       State
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	threshold   int
	timeout     time.Duration
}

func newBreaker(threshold int, timeout time.Duration) breaker {
	return breaker{state: StateClosed, threshold: threshold, timeout: timeout}
}

// allow reports whether a call may proceed at now. When it may not, it also
// returns how long until the breaker will let a probe through.
func (b *breaker) allow(now time.Time) (bool, time.Duration) {
	if b.state != StateOpen {
		return true, 0
	}
	elapsed := now.Sub(b.lastFailure)
	if elapsed > b.timeout {
		b.state = StateHalfOpen
		return true, 0
	}
	return false, b.timeout - elapsed
}

// success records a successful call. It reports whether the breaker closed.
func (b *breaker) success(now time.Time) bool {
	b.lastSuccess = now
	b.failures = 0
	if b.state == StateHalfOpen || b.state == StateOpen {
		b.state = StateClosed
		return true
	}
	return false
}

// failure records a failed call. It reports whether the breaker opened.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		return true
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			return true
		}
	}
	return false
}

func (b *breaker) reset() {
	b.state = StateClosed
	b.failures = 0
	b.lastFailure = time.Time{}
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	TimeoutMS   int64     `json:"timeout"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
	LastSuccess time.Time `json:"lastSuccess,omitzero"`
}

func (b *breaker) snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:       b.state,
		Failures:    b.failures,
		Threshold:   b.threshold,
		TimeoutMS:   b.timeout.Milliseconds(),
		LastFailure: b.lastFailure,
		LastSuccess: b.lastSuccess,
	}
}
