// Package stream provides the pull-based streaming primitives the session
// layer is built on: a generic single-consumer queue and a binary audio
// stream wrapper around it.
package stream

import (
	"context"
	"io"
	"sync"
)

type pullResult[T any] struct {
	value T
	err   error
}

// Queue turns "push now, consume later" into a blocking pull sequence.
// Push never blocks; Pull blocks until a value, close or failure arrives.
// After Close a drained queue yields io.EOF; after Fail buffered values
// are still drained first, then the failure surfaces on every pull.
//
// Capacity policy: a capacity <= 0 means unbounded. When bounded and
// full, Push drops the oldest buffered value; for audio, freshness beats
// completeness and a slow consumer must not pin unbounded memory.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	waiters []chan pullResult[T]
	cap     int
	closed  bool
	err     error
}

func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{cap: capacity}
}

// Push enqueues a value, completing the oldest pending pull if one exists.
// No-op once the queue is closed or failed.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- pullResult[T]{value: v}
		return
	}
	if q.cap > 0 && len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, v)
}

// Close marks no-more-values. Pending pulls resolve as finished.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.flushWaitersLocked(io.EOF)
}

// Fail marks terminal failure. Pending pulls reject with err; later pulls
// see buffered values first, then err.
func (q *Queue[T]) Fail(err error) {
	if err == nil {
		q.Close()
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && q.err != nil {
		return
	}
	q.err = err
	q.closed = true
	q.flushWaitersLocked(err)
}

func (q *Queue[T]) flushWaitersLocked(err error) {
	for _, w := range q.waiters {
		w <- pullResult[T]{err: err}
	}
	q.waiters = nil
}

// Pull returns the next value. It blocks until one is pushed, the queue
// terminates, or ctx is done. A closed, drained queue returns io.EOF; a
// failed queue returns the failure once the buffer is drained.
func (q *Queue[T]) Pull(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if len(q.buf) > 0 {
		v := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return v, nil
	}
	if q.err != nil {
		q.mu.Unlock()
		return zero, q.err
	}
	if q.closed {
		q.mu.Unlock()
		return zero, io.EOF
	}
	w := make(chan pullResult[T], 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case res := <-w:
		return res.value, res.err
	case <-ctx.Done():
		q.mu.Lock()
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return zero, ctx.Err()
			}
		}
		q.mu.Unlock()
		// A producer already claimed this waiter; the result is in flight
		// (sends happen under the queue lock into a buffered channel).
		res := <-w
		return res.value, res.err
	}
}

// Len reports the number of buffered values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
