package builder

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/binder-project/binder/internal/registry"
)

// ErrQueueFull is returned when a non-blocking enqueue finds no room.
var ErrQueueFull = errors.New("build queue full")

// ErrQueueClosed is returned when an enqueue arrives after Close.
var ErrQueueClosed = errors.New("build queue closed")

// Queue is the bounded FIFO between the HTTP layer and the worker pool. It is
// the only structure shared across the two.
type Queue struct {
	mu     sync.Mutex
	jobs   chan registry.AppSpec
	closed bool
}

// NewQueue builds a queue holding at most capacity pending specs.
func NewQueue(capacity int) *Queue {
	return &Queue{jobs: make(chan registry.AppSpec, capacity)}
}

// TryEnqueue adds spec without blocking, failing fast when the queue is full
// or no longer accepting jobs.
func (q *Queue) TryEnqueue(spec registry.AppSpec) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- spec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Jobs exposes the consumer side of the queue.
func (q *Queue) Jobs() <-chan registry.AppSpec { return q.jobs }

// Len reports how many specs are waiting.
func (q *Queue) Len() int { return len(q.jobs) }

// Close stops accepting jobs. Pending specs are still drained by the workers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
