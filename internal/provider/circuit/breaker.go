package circuit

import (
	"sync"
)

// Breaker trips after a run of consecutive failures. Any success resets the
// run. A threshold of zero or less disables tripping.
type Breaker struct {
	mu           sync.Mutex
	threshold    int
	failureCount int
	trips        int
}

// NewBreaker creates a breaker that trips on the threshold-th consecutive failure.
func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// RecordFailure records a failure. Returns true if this failure tripped the
// breaker; the run is reset so the next trip needs another full run.
func (cb *Breaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.threshold > 0 && cb.failureCount >= cb.threshold {
		cb.failureCount = 0
		cb.trips++
		return true
	}
	return false
}

// RecordSuccess ends the current failure run.
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
}

// Reset clears the failure run and trip count.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.trips = 0
}

// FailureCount returns the length of the current failure run.
func (cb *Breaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Trips returns how many times the breaker has tripped since the last Reset.
func (cb *Breaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}
