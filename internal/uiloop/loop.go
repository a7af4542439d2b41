// Package uiloop runs UI work on one dedicated goroutine and hands results back to
// the network goroutines that asked for it.
package uiloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout = errors.New("ui loop did not answer in time")
	ErrStopped = errors.New("ui loop stopped")
)

const defaultQueue = 64

type result struct {
	value any
	err   error
}

const (
	taskPending int32 = iota
	taskRunning
	taskAbandoned
)

type task struct {
	fn    func() (any, error)
	reply chan result
	state *atomic.Int32
}

// abandon marks a task its caller stopped waiting for. It reports false once the
// task has already started.
func (t task) abandon() bool {
	return t.state.CompareAndSwap(taskPending, taskAbandoned)
}

type Loop struct {
	tasks   chan task
	done    chan struct{}
	running atomic.Bool
	stopped atomic.Bool
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make(chan task, defaultQueue),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted tasks on the calling goroutine until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		panic("uiloop: Run called twice")
	}
	defer func() {
		l.stopped.Store(true)
		close(l.done)
	}()
	for {
		select {
		case t := <-l.tasks:
			l.execute(t)
		case <-ctx.Done():
			return
		}
	}
}

// Start runs the loop on a new goroutine, for hosts that have no UI thread of
// their own.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) execute(t task) {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	var r result
	func() {
		defer func() {
			if p := recover(); p != nil {
				l.logger.Error("ui task panicked", "panic", p)
				r = result{err: fmt.Errorf("ui task panicked: %v", p)}
			}
		}()
		r.value, r.err = t.fn()
	}()
	// reply is buffered, so a caller that gave up never blocks the loop.
	t.reply <- r
}

// Do runs fn on the loop and waits at most bound for its result. A bound of zero
// or less waits until ctx is done. When the wait ends early a task that has not
// started yet is skipped; one already running finishes and its result is dropped.
func (l *Loop) Do(ctx context.Context, bound time.Duration, fn func() (any, error)) (any, error) {
	if l.stopped.Load() {
		return nil, ErrStopped
	}
	var expired <-chan time.Time
	if bound > 0 {
		timer := time.NewTimer(bound)
		defer timer.Stop()
		expired = timer.C
	}
	t := task{fn: fn, reply: make(chan result, 1), state: new(atomic.Int32)}
	select {
	case l.tasks <- t:
	case <-expired:
		return nil, ErrTimeout
	case <-l.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var err error
	select {
	case r := <-t.reply:
		return r.value, r.err
	case <-expired:
		err = ErrTimeout
	case <-l.done:
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.abandon()
	return nil, err
}
