package buffer

import (
	"sync"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
)

// PromptQueue holds prompts waiting to be batched. Any goroutine may append;
// removal only happens as a whole-queue drain so a batch never splits.
type PromptQueue struct {
	mu      sync.Mutex
	pending []domain.PromptItem
	lastAt  time.Time
	notify  chan struct{}
}

// NewPromptQueue creates an empty queue.
func NewPromptQueue() *PromptQueue {
	return &PromptQueue{
		notify: make(chan struct{}, 1),
	}
}

// Append adds item at the tail and records its timestamp as the most recent
// arrival.
func (q *PromptQueue) Append(item domain.PromptItem) {
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.lastAt = item.Timestamp
	q.mu.Unlock()
	q.signal()
}

// DrainIf removes and returns every pending prompt when ready reports true
// for the current queue length and last arrival time. The check and the
// removal happen under one lock.
func (q *PromptQueue) DrainIf(ready func(pending int, lastAt time.Time) bool) []domain.PromptItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || !ready(len(q.pending), q.lastAt) {
		return nil
	}
	batch := q.pending
	q.pending = nil
	return batch
}

// PushFront puts items back at the head of the queue in their original
// order. The last arrival time is left alone so requeued prompts do not
// restart the debounce window.
func (q *PromptQueue) PushFront(items []domain.PromptItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	merged := make([]domain.PromptItem, 0, len(items)+len(q.pending))
	merged = append(merged, items...)
	merged = append(merged, q.pending...)
	q.pending = merged
	if q.lastAt.IsZero() {
		q.lastAt = items[len(items)-1].Timestamp
	}
	q.mu.Unlock()
	q.signal()
}

// Touch moves the last arrival time forward to at, restarting the debounce
// window without adding a prompt.
func (q *PromptQueue) Touch(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if at.After(q.lastAt) {
		q.lastAt = at
	}
}

// Len returns the number of pending prompts.
func (q *PromptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// LastAt returns the timestamp of the most recent arrival.
func (q *PromptQueue) LastAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastAt
}

// Notify receives a value after the queue changes. Notifications coalesce.
func (q *PromptQueue) Notify() <-chan struct{} {
	return q.notify
}

func (q *PromptQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
