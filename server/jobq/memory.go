// Copyright (C) 2024 Inkwell Labs.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Source for tests and single-node development.
// Delivery order follows enqueue order across all queues.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int
	jobs   []*Job
	dead   []*Job
	wake   chan struct{}
}

var _ Source = (*MemoryQueue)(nil)

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wake: make(chan struct{}, 1)}
}

// Enqueue publishes a task with its arguments onto the named queue.
func (queue *MemoryQueue) Enqueue(ctx context.Context, name, task string, args map[string]string) error {
	queue.push(&Job{Queue: name, Task: task, Args: args, EnqueuedAt: time.Now()})
	return nil
}

// Receive blocks until a job is available on one of the queues or the context
// is done.
func (queue *MemoryQueue) Receive(ctx context.Context, queues []string) (*Job, error) {
	wanted := map[string]bool{}
	for _, name := range queues {
		wanted[name] = true
	}

	for {
		queue.mu.Lock()
		for i, job := range queue.jobs {
			if wanted[job.Queue] {
				queue.jobs = append(queue.jobs[:i], queue.jobs[i+1:]...)
				queue.mu.Unlock()
				return job, nil
			}
		}
		queue.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-queue.wake:
		}
	}
}

// Ack marks a received job as done.
func (queue *MemoryQueue) Ack(ctx context.Context, job *Job) error { return nil }

// Retry re-publishes the job with an incremented attempt counter.
func (queue *MemoryQueue) Retry(ctx context.Context, job *Job) error {
	next := *job
	next.Attempt++
	queue.push(&next)
	return nil
}

// DeadLetter parks a job that exhausted its deliveries.
func (queue *MemoryQueue) DeadLetter(ctx context.Context, job *Job) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.dead = append(queue.dead, job)
	return nil
}

// Len reports the number of undelivered jobs.
func (queue *MemoryQueue) Len() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.jobs)
}

// Dead returns the parked jobs, oldest first.
func (queue *MemoryQueue) Dead() []*Job {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return append([]*Job(nil), queue.dead...)
}

func (queue *MemoryQueue) push(job *Job) {
	queue.mu.Lock()
	queue.nextID++
	job.ID = strconv.Itoa(queue.nextID)
	queue.jobs = append(queue.jobs, job)
	queue.mu.Unlock()

	select {
	case queue.wake <- struct{}{}:
	default:
	}
}
