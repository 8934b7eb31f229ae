// Package sched provides cancellable background tasks and timers. Every
// suspended operation in the client (backoff waits, token refresh timers,
// regeneration pollers) is a Task owned by exactly one state machine.
package sched

import (
	"context"
	"time"
)

// Task is a handle to a goroutine that can be cancelled and awaited.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Go runs fn in a new goroutine with a context derived from parent.
func Go(parent context.Context, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		fn(ctx)
	}()
	return t
}

// After runs fn once d has elapsed, unless the task is cancelled first.
func After(parent context.Context, d time.Duration, fn func(ctx context.Context)) *Task {
	return Go(parent, func(ctx context.Context) {
		if err := Sleep(ctx, d); err != nil {
			return
		}
		fn(ctx)
	})
}

// Cancel signals the task to stop. It does not wait.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Wait blocks until the task's goroutine has returned.
func (t *Task) Wait() {
	if t == nil {
		return
	}
	<-t.done
}

// Stop cancels the task and waits for it to exit.
func (t *Task) Stop() {
	t.Cancel()
	t.Wait()
}

// Done is closed when the task's goroutine has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
