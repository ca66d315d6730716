// Package queue implements the bounded FIFO job buffer that decouples the
// event stream from printer throughput.
//
// Architecture:
//   - jobs is a linked list of *job.Job values (FIFO order, cheap pop-front
//     and push-front for the head requeue policy).
//   - Enqueue never evicts: when the queue is at max depth it fails with
//     ErrQueueFull so the stream client can nack the inbound event instead
//     of silently dropping it.
//   - Dequeue blocks until a job is available, the context is cancelled, or
//     the queue is closed.
//
// Concurrency contract: Enqueue and Requeue may be called from any
// goroutine; Dequeue is single-consumer — only the dispatcher calls it.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/relayprint/relayprint/internal/job"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has reached its
	// configured maximum depth. The caller must decline the inbound event.
	ErrQueueFull = errors.New("queue: full")

	// ErrShutdown is returned by Dequeue and Enqueue after Close.
	ErrShutdown = errors.New("queue: shut down")
)

// Policy controls where a retried job re-enters the queue.
type Policy string

const (
	// PolicyTail requeues behind every waiting job. This is the default: a
	// printer having a transient fault should not starve jobs that arrived
	// after the failing one.
	PolicyTail Policy = "tail"
	// PolicyHead requeues in front, minimising latency for the retried job
	// at the cost of delaying everything behind it.
	PolicyHead Policy = "head"
)

// Valid reports whether p is a recognised requeue policy.
func (p Policy) Valid() bool { return p == PolicyTail || p == PolicyHead }

// Queue is a bounded, in-memory FIFO of pending print jobs.
// All methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	jobs     *list.List // elements are *job.Job
	maxDepth int
	closed   bool
}

// New creates a Queue that admits at most maxDepth jobs.
// maxDepth < 1 panics: an unbounded queue would hide backpressure from the
// server until the process runs out of memory.
func New(maxDepth int) *Queue {
	if maxDepth < 1 {
		panic("queue: maxDepth must be at least 1")
	}
	q := &Queue{
		jobs:     list.New(),
		maxDepth: maxDepth,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends j to the tail. It fails with ErrQueueFull at max depth and
// ErrShutdown after Close; in both cases the queue contents are unchanged.
func (q *Queue) Enqueue(j *job.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShutdown
	}
	if q.jobs.Len() >= q.maxDepth {
		return ErrQueueFull
	}
	q.jobs.PushBack(j)
	q.cond.Signal()
	return nil
}

// Requeue re-admits a job whose delivery attempt failed transiently.
// The job already passed admission on its original Enqueue, so Requeue
// bypasses the depth check — a full queue must never lose a retried job.
func (q *Queue) Requeue(j *job.Job, p Policy) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShutdown
	}
	if p == PolicyHead {
		q.jobs.PushFront(j)
	} else {
		q.jobs.PushBack(j)
	}
	q.cond.Signal()
	return nil
}

// Dequeue removes and returns the job at the head of the queue, blocking
// while the queue is empty. It returns ErrShutdown once Close has been
// called (even if jobs remain queued — a shut-down agent must not start new
// deliveries), or ctx.Err() if the context ends first.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	// Wake this waiter when the context ends; cond.Wait alone cannot
	// observe cancellation.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.jobs.Len() > 0 {
			front := q.jobs.Front()
			q.jobs.Remove(front)
			return front.Value.(*job.Job), nil
		}
		q.cond.Wait()
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Close stops the queue: subsequent Enqueue and Requeue calls fail with
// ErrShutdown and any blocked Dequeue is released. Close is idempotent.
// Jobs still queued are abandoned — they were never confirmed printed, so
// the server will redeliver them on the next connection.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
