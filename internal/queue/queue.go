// Package queue holds the pending envelopes of a dispatcher run.
package queue

import (
	"sync"

	"profile-robot/internal/task"
)

// RetryQueue is a FIFO of envelopes. Fresh and retried envelopes both go to
// the back. All methods are safe for concurrent use.
type RetryQueue struct {
	mu    sync.Mutex
	items []task.Envelope
}

// New returns an empty queue.
func New() *RetryQueue {
	return &RetryQueue{}
}

// PushBack appends env.
func (q *RetryQueue) PushBack(env task.Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
}

// PopFront removes and returns the oldest envelope.
func (q *RetryQueue) PopFront() (task.Envelope, bool) {
	return q.PopFirst(nil)
}

// PopFirst removes and returns the oldest envelope accepted by pred. The
// relative order of the remaining envelopes is preserved. A nil pred accepts
// everything.
func (q *RetryQueue) PopFirst(pred func(task.Envelope) bool) (task.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, env := range q.items {
		if pred != nil && !pred(env) {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = task.Envelope{}
		q.items = q.items[:len(q.items)-1]
		return env, true
	}
	return task.Envelope{}, false
}

// IsEmpty reports whether nothing is pending.
func (q *RetryQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of pending envelopes.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes every envelope and returns them in queue order.
func (q *RetryQueue) Drain() []task.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
