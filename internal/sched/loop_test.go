package sched

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestQueuePriority(t *testing.T) {
	l := NewManual(time.Unix(0, 0))
	var order []string
	l.PostIdle(func() { order = append(order, "idle") })
	l.RequestFrame(func() { order = append(order, "frame") })
	l.Post(func() {
		order = append(order, "task")
		l.Post(func() { order = append(order, "nested") })
	})
	l.RunUntilIdle()

	expected := []string{"task", "nested", "frame", "idle"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v but got %v", expected, order)
	}
	for i, e := range expected {
		if order[i] != e {
			t.Fatalf("expected %v but got %v", expected, order)
		}
	}
}

func TestFramesAreBatched(t *testing.T) {
	l := NewManual(time.Unix(0, 0))
	runs := 0
	l.RequestFrame(func() {
		runs++
		// requested during a frame, so it belongs to the next one
		l.RequestFrame(func() { runs += 10 })
	})
	l.RequestFrame(func() { runs++ })
	fn := l.next()
	fn()
	if runs != 2 {
		t.Fatalf("expected both callbacks of the first frame to run, got %d", runs)
	}
	l.RunUntilIdle()
	if runs != 12 {
		t.Fatalf("expected the second frame to run, got %d", runs)
	}
}

func TestTimersFireInOrder(t *testing.T) {
	l := NewManual(time.Unix(0, 0))
	var fired []int
	l.AfterFunc(30*time.Millisecond, func() { fired = append(fired, 30) })
	l.AfterFunc(10*time.Millisecond, func() { fired = append(fired, 10) })
	stopped := l.AfterFunc(20*time.Millisecond, func() { fired = append(fired, 20) })
	if !stopped.Stop() {
		t.Fatalf("expected Stop to report a pending timer")
	}

	l.Advance(15 * time.Millisecond)
	if len(fired) != 1 || fired[0] != 10 {
		t.Fatalf("expected only the 10ms timer to fire, got %v", fired)
	}
	l.Advance(time.Second)
	if len(fired) != 2 || fired[1] != 30 {
		t.Fatalf("expected the 30ms timer to fire next, got %v", fired)
	}
	if l.Pending() {
		t.Fatalf("expected no pending work")
	}
}

func TestDebouncer(t *testing.T) {
	l := NewManual(time.Unix(0, 0))
	runs := 0
	d := NewDebouncer(l, 60*time.Millisecond, func() { runs++ })

	d.Trigger()
	l.Advance(40 * time.Millisecond)
	d.Trigger()
	l.Advance(40 * time.Millisecond)
	if runs != 0 {
		t.Fatalf("expected the debouncer to wait, got %d runs", runs)
	}
	l.Advance(30 * time.Millisecond)
	if runs != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}

	d.Trigger()
	d.Cancel()
	l.Advance(time.Second)
	if runs != 1 {
		t.Fatalf("expected a cancelled debouncer not to run, got %d", runs)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New()
	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background())
	}()

	ran := make(chan struct{})
	l.AfterFunc(5*time.Millisecond, func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	l.Close()
	if err := <-done; err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
}

func TestRunStopsOnContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()
	l.Post(cancel)
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled but got %v", err)
	}
}
