package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultBuffer = 256

// ErrStopped is returned when work is posted after the loop exited.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted functions one at a time on a single goroutine. Every piece
// of mutable node state (seen-set, chunk buffers, call session) is only touched
// from inside the loop, so none of it needs locking.
type Loop struct {
	log   *zap.Logger
	tasks chan func()
	done  chan struct{}
	start atomic.Bool
}

// New builds a loop with the given queue depth; zero selects a default.
func New(log *zap.Logger, buffer int) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Loop{
		log:   log,
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run processes posted work until ctx is canceled. It may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.start.CompareAndSwap(false, true) {
		return errors.New("event loop already running")
	}
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post enqueues fn. It blocks while the queue is full and reports false once
// the loop has stopped. Never call Post-and-wait from inside the loop.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a cancellable delayed task that fires inside the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped.Load() {
				return
			}
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. A firing that is already queued on the loop is
// suppressed as well. Safe on a nil timer.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped.Store(true)
	t.t.Stop()
}
