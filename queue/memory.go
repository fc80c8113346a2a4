package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process queue for development and tests. It is not durable.
type MemoryQueue struct {
	jobs   chan Job
	mu     sync.Mutex
	dead   []Job
	closed chan struct{}
	once   sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(chan Job, size),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-q.jobs:
		return NewDelivery(job,
			func(context.Context) error { return nil },
			func(ctx context.Context, requeue bool) error {
				if requeue {
					job.Attempts++
					return q.Enqueue(ctx, job)
				}
				q.mu.Lock()
				q.dead = append(q.dead, job)
				q.mu.Unlock()
				return nil
			},
		), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrClosed
	}
}

// Dead returns the dead-lettered jobs
func (q *MemoryQueue) Dead() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.dead...)
}

// Len is the number of jobs waiting
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
