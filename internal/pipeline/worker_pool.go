package pipeline

import (
	"context"
	"sync"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
type workerPool[T, R any] struct {
	queue   chan T
	process func(ctx context.Context, t T) R
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
// Workers keep draining the queue after ctx is done so queued jobs are not
// abandoned mid-shutdown; ctx is still passed to fn.
func newWorkerPool[T, R any](ctx context.Context, n, cap int, fn func(context.Context, T) R) *workerPool[T, R] {
	p := &workerPool[T, R]{
		queue:   make(chan T, cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T, R]) run(ctx context.Context) {
	for t := range p.queue {
		p.process(ctx, t)
	}
}

// SubmitWait enqueues a job, blocking while the queue is full.
// Returns false if ctx is done first.
func (p *workerPool[T, R]) SubmitWait(ctx context.Context, t T) bool {
	select {
	case p.queue <- t:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain closes the queue and waits for all workers to finish.
// No SubmitWait may run concurrently with or after Drain.
func (p *workerPool[T, R]) Drain() {
	close(p.queue)
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T, R]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T, R]) QueueCap() int {
	return cap(p.queue)
}
