package pipeline

import (
	"context"
	"errors"
	"sync"
)

// Queue hands transcode jobs to workers. Unlike a broadcast bus, each job is
// delivered to exactly one consumer; implementations must not drop jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Subscribe() Subscription
	Close() error
}

// Subscription is an active job stream. Jobs() closes after Close.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

// NewMemoryQueue initialises an in-process queue suitable for tests and
// single-node deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{ch: make(chan Job, buffer)}
}

type memoryQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan Job
}

func (q *memoryQueue) Enqueue(ctx context.Context, job Job) error {
	if job.LessonID <= 0 || job.VideoIndex < 0 {
		return errors.New("job target is required")
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errors.New("queue is closed")
	}
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	// All subscribers drain the same channel, so a job reaches one worker.
	return &memorySubscription{queue: q}
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

type memorySubscription struct {
	queue *memoryQueue
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.queue.ch
}

func (s *memorySubscription) Close() {}
