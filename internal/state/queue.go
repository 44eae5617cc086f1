package state

import (
	"context"
	"sync"
	"sync/atomic"
)

// writeQueue runs persistence jobs on a fixed set of workers.
type writeQueue struct {
	jobs chan func(context.Context)

	mu     sync.RWMutex
	closed bool

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Uint64
}

func newWriteQueue(size, workers int) *writeQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &writeQueue{
		jobs:   make(chan func(context.Context), size),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *writeQueue) work() {
	defer q.wg.Done()
	for job := range q.jobs {
		job(q.ctx)
	}
}

// enqueue never blocks. It reports false when the job was dropped.
func (q *writeQueue) enqueue(job func(context.Context)) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs see a cancelled context.
func (q *writeQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

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

func (q *writeQueue) depth() int {
	return len(q.jobs)
}
