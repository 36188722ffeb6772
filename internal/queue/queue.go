// Package queue provides the blocking FIFO that connects the recording
// goroutines. A queue has an explicit closed state: once closed, Put is
// rejected but Get keeps returning buffered items until the queue is empty,
// so nothing accepted before the close is lost.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Put after Close, and by Get once the queue is
	// closed and fully drained.
	ErrClosed = errors.New("queue closed")
	// ErrTimeout is returned by Get when no item arrived within the wait.
	ErrTimeout = errors.New("queue get timed out")
	// ErrDropped is returned by Put under PolicyDropOldest when the head of
	// the queue was evicted to make room.
	ErrDropped = errors.New("queue full, oldest item dropped")
)

// Policy decides what Put does when a bounded queue is full.
type Policy string

const (
	// PolicyUnbounded never limits growth. A slow consumer makes the queue
	// grow without bound instead of slowing the producer.
	PolicyUnbounded Policy = "unbounded"
	// PolicyBlock makes Put wait for space.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the head to make room for the new item.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyUnbounded, PolicyBlock, PolicyDropOldest:
		return p, nil
	case "":
		return PolicyUnbounded, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// Queue is a FIFO safe for any number of producers and consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	capacity int
	policy   Policy
	closed   bool
	dropped  uint64
	// changed is closed and replaced on every state change so waiters
	// can select on it together with a timer.
	changed chan struct{}
}

// New creates a queue. A capacity <= 0 or PolicyUnbounded gives an
// unbounded queue.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if policy == "" {
		policy = PolicyUnbounded
	}
	if capacity <= 0 {
		policy = PolicyUnbounded
	}
	if policy == PolicyUnbounded {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		policy:   policy,
		changed:  make(chan struct{}),
	}
}

// Put appends v. It returns ErrClosed if the queue has been closed and
// ErrDropped when an older item had to be evicted (v itself is queued).
func (q *Queue[T]) Put(v T) error {
	q.mu.Lock()
	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.policy != PolicyBlock || q.lenLocked() < q.capacity {
			break
		}
		wait := q.changed
		q.mu.Unlock()
		<-wait
		q.mu.Lock()
	}

	var err error
	if q.policy == PolicyDropOldest && q.lenLocked() >= q.capacity {
		var zero T
		q.items[q.head] = zero
		q.head++
		q.dropped++
		q.compactLocked()
		err = ErrDropped
	}
	q.items = append(q.items, v)
	q.broadcastLocked()
	q.mu.Unlock()
	return err
}

// Get removes and returns the head of the queue, waiting at most timeout
// for one to arrive. A timeout <= 0 waits indefinitely.
func (q *Queue[T]) Get(timeout time.Duration) (T, error) {
	var zero T
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			q.compactLocked()
			q.broadcastLocked()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return zero, ErrTimeout
		}
	}
}

// Close marks the queue closed and wakes every waiter. Buffered items
// remain available to Get. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Dropped reports how many items were evicted under PolicyDropOldest.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (q *Queue[T]) compactLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
