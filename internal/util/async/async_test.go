package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestRunner_RunsTasks(t *testing.T) {
	r := NewRunner(context.Background(), 4, logr.Discard())

	var count atomic.Int32
	for range 10 {
		if err := r.Go(Task{Name: "inc", Func: func(context.Context) error {
			count.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	r.Wait()

	if count.Load() != 10 {
		t.Errorf("expected 10 tasks to run, got %d", count.Load())
	}
}

func TestRunner_DetachedFromBaseCancellation(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(base, 1, logr.Discard())

	var live atomic.Bool
	_ = r.Go(Task{Name: "detached", Func: func(ctx context.Context) error {
		live.Store(ctx.Err() == nil)
		return nil
	}})
	r.Wait()

	if !live.Load() {
		t.Error("task context should not be cancelled")
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	r := NewRunner(context.Background(), 2, logr.Discard())

	var running, peak atomic.Int32
	for range 8 {
		_ = r.Go(Task{Name: "bounded", Func: func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}})
	}
	r.Wait()

	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent tasks, got %d", peak.Load())
	}
}

func TestRunner_FailedTaskDoesNotStopOthers(t *testing.T) {
	r := NewRunner(context.Background(), 2, logr.Discard())

	var ok atomic.Int32
	_ = r.Go(Task{Name: "fail", Func: func(context.Context) error { return errors.New("boom") }})
	_ = r.Go(Task{Name: "ok", Func: func(context.Context) error {
		ok.Add(1)
		return nil
	}})
	r.Wait()

	if ok.Load() != 1 {
		t.Error("expected the second task to run")
	}
}

func TestRunner_ShutdownRejectsNewTasks(t *testing.T) {
	r := NewRunner(context.Background(), 1, logr.Discard())
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := r.Go(Task{Name: "late", Func: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestRunner_ShutdownCancelsOnDeadline(t *testing.T) {
	r := NewRunner(context.Background(), 1, logr.Discard())

	started := make(chan struct{})
	_ = r.Go(Task{Name: "slow", Func: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
