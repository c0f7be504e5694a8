package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("task queue is full")
	// ErrExecutorClosed is returned by Submit after Close.
	ErrExecutorClosed = errors.New("executor is closed")
)

type job struct {
	handle string
	fn     func(ctx context.Context)
}

// Executor runs submitted jobs on a fixed set of worker goroutines.
type Executor struct {
	queue  chan job
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewExecutor starts workers goroutines reading from a queue of queueSize.
func NewExecutor(workers, queueSize int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		queue:  make(chan job, queueSize),
		logger: logger.With("component", "executor"),
		ctx:    ctx,
		cancel: cancel,
	}
	for range workers {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		e.run(j)
	}
}

func (e *Executor) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked", "handle", j.handle, "panic", fmt.Sprint(r))
		}
	}()
	e.logger.Debug("job started", "handle", j.handle)
	j.fn(e.ctx)
}

// Submit enqueues fn without blocking. fn receives a context that is
// cancelled when Close gives up waiting.
func (e *Executor) Submit(handle string, fn func(ctx context.Context)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrExecutorClosed
	}
	select {
	case e.queue <- job{handle: handle, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued and running jobs to
// finish. If ctx expires first, running jobs are cancelled and Close waits
// for them to return.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("executor drain timed out, cancelling running jobs")
		e.cancel()
		<-done
		return ctx.Err()
	}
}
