package pending

import (
	"sync"
)

// Queue is the FIFO buffer of actions waiting for the next flush.
// One lock guards the actions, the arm-state and the pending count.
type Queue[T any] struct {
	lock    sync.Mutex
	actions []Action[T]
	armed   bool
	count   int
}

// Push appends the action and applies its effect to the pending count.
// Returns the change to the pending count, and arm=true only when this push moved the queue from unarmed to armed.
func (q *Queue[T]) Push(a Action[T]) (delta int, arm bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	next := a.Next(q.count)
	delta = next - q.count
	q.count = next

	q.actions = append(q.actions, a)

	if q.armed {
		return delta, false
	}
	q.armed = true
	return delta, true
}

// Drain disarms the queue and takes every queued action.
// Actions pushed after this call land in a new batch.
func (q *Queue[T]) Drain() (out []Action[T]) {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.armed = false
	out = q.actions
	q.actions = nil
	return out
}

// Count returns the pending count: a forecast including queued but unapplied actions.
func (q *Queue[T]) Count() (count int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.count
}

// Settle sets the pending count from an authoritative size, replaying whatever is still queued on top of it.
func (q *Queue[T]) Settle(authoritative int) (count int) {
	q.lock.Lock()
	defer q.lock.Unlock()

	count = authoritative
	for _, a := range q.actions {
		count = a.Next(count)
	}
	q.count = count
	return count
}

// Len returns the number of queued actions.
func (q *Queue[T]) Len() (length int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.actions)
}

// Armed returns whether a flush is scheduled.
func (q *Queue[T]) Armed() (armed bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.armed
}
