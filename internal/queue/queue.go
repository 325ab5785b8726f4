// Package queue runs task executions through a FIFO buffer gated by a concurrency limit.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"taskplane/internal/env"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Work is one queued execution. The context is cancelled when the queue shuts down.
type Work func(ctx context.Context) error

// Queue accepts work without waiting for it to run.
type Queue interface {
	Enqueue(taskID string, fn Work) error
}

type item struct {
	taskID string
	fn     Work
}

// Local is an in-process queue. Excess work waits in an unbounded buffer.
type Local struct {
	max    int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *list.List
	running int
	closed  bool
	wg      sync.WaitGroup
}

// NewLocal creates a queue running at most maxConcurrency items at a time.
func NewLocal(maxConcurrency int, logger *slog.Logger) (*Local, error) {
	if maxConcurrency <= 0 {
		return nil, env.Misconfigured("queue.max_concurrency", "must be positive, got %d", maxConcurrency)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		max:     maxConcurrency,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		pending: list.New(),
	}, nil
}

// Enqueue appends fn to the buffer and returns immediately.
func (q *Local) Enqueue(taskID string, fn Work) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.wg.Add(1)
	q.pending.PushBack(item{taskID: taskID, fn: fn})
	q.dispatchLocked()
	return nil
}

// dispatchLocked starts buffered items while there is spare capacity.
func (q *Local) dispatchLocked() {
	for q.running < q.max && q.pending.Len() > 0 {
		it := q.pending.Remove(q.pending.Front()).(item)
		q.running++
		go q.run(it)
	}
}

func (q *Local) run(it item) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.dispatchLocked()
		q.mu.Unlock()
		q.wg.Done()
	}()

	if err := q.invoke(it); err != nil {
		q.logger.Error("queued work failed", "task_id", it.taskID, "err", err)
	}
}

func (q *Local) invoke(it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return it.fn(q.ctx)
}

// Depth returns the number of items waiting to start.
func (q *Local) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Running returns the number of items in flight.
func (q *Local) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until every enqueued item has finished.
func (q *Local) Wait() {
	q.wg.Wait()
}

// Close stops accepting work, drops the buffer and waits for running items.
// When ctx expires first the running items are cancelled.
func (q *Local) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending.Len()
	for q.pending.Len() > 0 {
		q.pending.Remove(q.pending.Front())
		q.wg.Done()
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Warn("queue closed with pending work", "dropped", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
