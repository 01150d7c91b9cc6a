// Package reactor runs every state mutation of the proxy on one goroutine.
// I/O goroutines and timers hand work to it with Post.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when work is handed to a loop that has exited
var ErrStopped = errors.New("reactor: loop stopped")

// Loop is a single goroutine work queue
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New creates a loop. Nothing runs until Run is called, but work may be
// posted before that.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes posted functions in order until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			return nil
		case <-l.wake:
			for f := l.pop(); f != nil; f = l.pop() {
				f()
			}
		}
	}
}

func (l *Loop) pop() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return f
}

// Post queues f to run on the loop. It never blocks and is safe from any
// goroutine. It returns false once the loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs f on the loop and waits for it to return. It must not be called
// from the loop itself.
func (l *Loop) Do(f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a callback scheduled on the loop. Stop and Active must only be
// called from the loop.
type Timer struct {
	loop    *Loop
	t       *time.Timer
	period  time.Duration
	f       func()
	stopped bool
}

// AfterFunc runs f on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	tm := &Timer{loop: l, f: f}
	tm.t = time.AfterFunc(d, tm.post)
	return tm
}

// Soon runs f on the loop after everything already queued. The returned
// timer cancels it like any other.
func (l *Loop) Soon(f func()) *Timer {
	tm := &Timer{loop: l, f: f}
	tm.post()
	return tm
}

// Every runs f on the loop every d until stopped
func (l *Loop) Every(d time.Duration, f func()) *Timer {
	tm := &Timer{loop: l, f: f, period: d}
	tm.t = time.AfterFunc(d, tm.post)
	return tm
}

func (tm *Timer) post() {
	tm.loop.Post(tm.fire)
}

func (tm *Timer) fire() {
	if tm.stopped {
		return
	}
	if tm.period > 0 {
		tm.t.Reset(tm.period)
	} else {
		tm.stopped = true
	}
	tm.f()
}

// Stop cancels the timer. Once Stop returns the callback will not run,
// even if its expiry is already queued on the loop.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped = true
	if tm.t != nil {
		tm.t.Stop()
	}
}

// Active reports whether the callback may still run
func (tm *Timer) Active() bool {
	return tm != nil && !tm.stopped
}
