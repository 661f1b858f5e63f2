package circuit

import (
	"sync"
	"time"
)

// Backoff hands out exponentially growing delays: initial, 2*initial, ...
// capped at max. After maxAttempts delays without a Reset it reports
// exhaustion. maxAttempts <= 0 means unlimited.
type Backoff struct {
	mu          sync.Mutex
	initial     time.Duration
	max         time.Duration
	maxAttempts int
	attempts    int
}

func NewBackoff(initial, max time.Duration, maxAttempts int) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, maxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and whether an attempt is
// still allowed.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxAttempts > 0 && b.attempts >= b.maxAttempts {
		return 0, false
	}
	delay := b.initial
	for i := 0; i < b.attempts && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempts++
	return delay, true
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// MaxAttempts returns the configured attempt limit.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
