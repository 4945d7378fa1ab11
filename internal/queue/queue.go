// Package queue serializes upstream calls. The upstream bills per
// concurrent stream and degrades under interleaved sessions on one
// auth token, so exactly one task runs at a time.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/openlumo/lumo-proxy/internal/metrics"
)

// ErrQueueFull is returned when the waiting list is at capacity.
var ErrQueueFull = errors.New("request queue is full")

// Task is one unit of upstream work. It receives the caller's context
// and must return promptly once that context is cancelled.
type Task func(ctx context.Context) error

type submission struct {
	ctx  context.Context
	task Task
	done chan error
}

// Queue is a bounded FIFO that runs submitted tasks one at a time.
// The waiting list is held directly so a caller that gives up while
// queued frees its slot at that moment, not when the worker reaches
// the abandoned entry.
type Queue struct {
	mu      sync.Mutex
	waiting []*submission
	closed  bool

	size    int
	wake    chan struct{}
	metrics *metrics.Metrics
}

// New starts the queue's worker. Size bounds the number of tasks
// waiting for their turn; submissions beyond it fail fast.
func New(size int, m *metrics.Metrics) *Queue {
	q := &Queue{
		size:    size,
		wake:    make(chan struct{}, 1),
		metrics: m,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		sub := q.pop()
		if sub == nil {
			if _, ok := <-q.wake; !ok {
				return
			}
			continue
		}

		// A cancelled submission that the worker reached before its
		// caller removed it still settles without running.
		if sub.ctx.Err() != nil {
			q.metrics.QueueSize.Dec()
			sub.done <- sub.ctx.Err()
			continue
		}

		err := sub.task(sub.ctx)
		q.metrics.QueueSize.Dec()
		sub.done <- err
	}
}

func (q *Queue) pop() *submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return nil
	}
	sub := q.waiting[0]
	q.waiting = q.waiting[1:]
	return sub
}

// remove takes an abandoned submission off the waiting list. It
// reports false when the worker already claimed it.
func (q *Queue) remove(sub *submission) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, other := range q.waiting {
		if other == sub {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Submit enqueues the task and blocks until it completes or ctx is
// cancelled. Cancellation while queued releases the slot immediately;
// cancellation while running propagates through the task's context.
func (q *Queue) Submit(ctx context.Context, task Task) error {
	sub := &submission{ctx: ctx, task: task, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed || len(q.waiting) >= q.size {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.waiting = append(q.waiting, sub)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	q.metrics.QueueSize.Inc()

	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		if q.remove(sub) {
			q.metrics.QueueSize.Dec()
		}
		return ctx.Err()
	}
}

// Close stops accepting work and lets the worker drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}
