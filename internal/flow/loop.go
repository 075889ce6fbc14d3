// Package flow drives the onboarding conversation: a single-threaded event
// loop, per-phase timeouts and the dialog state machine.
package flow

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop runs posted functions one at a time on the goroutine that calls Run.
// All dialog and provisioning state is touched only from inside the loop.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and is safe from any goroutine, including
// the loop itself. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run processes posted functions until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	slog.Debug("Loop Run started")
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if l.isStopped() {
				return nil
			}
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			slog.Debug("Loop Run stopped")
			return nil
		case <-l.wake:
		}
	}
}

// Stop ends Run after the function currently executing returns. Queued
// functions are discarded.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Loop recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
