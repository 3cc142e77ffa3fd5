package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Go after Shutdown has been called.
var ErrClosed = errors.New("runner is shut down")

// Task represents an asynchronous operation with a name and function.
type Task struct {
	Name string
	Func func(context.Context) error
}

// Runner executes tasks in the background with bounded concurrency.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	log    logr.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a Runner allowing at most limit tasks at once. Tasks
// receive a context derived from base, never from the caller of Go.
func NewRunner(base context.Context, limit int, log logr.Logger) *Runner {
	if limit <= 0 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(base))
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(limit)),
		log:    log.WithName("async"),
	}
}

// Go schedules task. It returns immediately; failures are logged.
func (r *Runner) Go(task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("schedule %s: %w", task.Name, ErrClosed)
	}
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.log.Info("task dropped before start", "task", task.Name, "error", err.Error())
			return
		}
		defer r.sem.Release(1)

		if err := task.Func(r.ctx); err != nil {
			r.log.Error(err, "background task failed", "task", task.Name)
			return
		}
		r.log.V(1).Info("background task completed", "task", task.Name)
	}()
	return nil
}

// Wait blocks until every scheduled task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx
// expires first, running tasks are cancelled and ctx.Err() is returned
// once they have returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
