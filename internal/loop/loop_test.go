package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestLoopSerializesPostedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := New(zaptest.NewLogger(t), 4)
	go l.Run(ctx)

	var order []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(order) != 50 {
		t.Fatalf("expected 50 tasks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestTimerStopSuppressesFiring(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := New(zaptest.NewLogger(t), 0)
	go l.Run(ctx)

	fired := make(chan struct{}, 2)
	stopped := l.AfterFunc(5*time.Millisecond, func() { fired <- struct{}{} })
	stopped.Stop()
	l.AfterFunc(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected live timer to fire")
	}
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallAfterStopFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(zaptest.NewLogger(t), 0)
	exited := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(exited)
	}()
	cancel()
	<-exited

	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := New(zaptest.NewLogger(t), 0)
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(ctx, func() { ran = true }); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !ran {
		t.Fatal("expected loop to keep running after panic")
	}
}
