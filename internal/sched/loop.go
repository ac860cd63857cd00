// Package sched provides the cooperative, single-threaded loop that drives
// the document, the scan engine and the automation controller. All of them
// assume that their state is only ever touched from tasks running on one
// Loop, so no locking is needed inside those packages.
package sched

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// A Loop runs posted tasks one after the other. Tasks are taken from three
// queues in priority order: regular tasks, animation frame callbacks and
// idle callbacks. Timers move their callback to the task queue once due.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	frames []func()
	idle   []func()
	timers timerHeap
	seq    uint64
	wake   chan struct{}
	clock  func() time.Time
	manual bool
	now    time.Time
	closed bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the time source used for timers.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

// New returns a Loop using the wall clock.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:  make(chan struct{}, 1),
		clock: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewManual returns a Loop whose clock only moves through Advance. It is
// meant for tests and for one-shot command line runs.
func NewManual(start time.Time) *Loop {
	l := New()
	l.manual = true
	l.now = start
	l.clock = func() time.Time {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.now
	}
	return l
}

// Now returns the current loop time.
func (l *Loop) Now() time.Time {
	return l.clock()
}

// Post queues fn as a regular task.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// PostIdle queues fn to run once no regular task or frame callback is
// pending.
func (l *Loop) PostIdle(fn func()) {
	l.mu.Lock()
	l.idle = append(l.idle, fn)
	l.mu.Unlock()
	l.signal()
}

// RequestFrame queues fn for the next animation frame. All callbacks
// requested before a frame starts run together in that frame.
func (l *Loop) RequestFrame(fn func()) {
	l.mu.Lock()
	l.frames = append(l.frames, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc runs fn as a task once d has elapsed on the loop clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	now := l.clock()
	l.mu.Lock()
	l.seq++
	t := &Timer{loop: l, deadline: now.Add(d), seq: l.seq, fn: fn, index: -1}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Advance moves a manual clock forward by d and runs everything that became
// runnable. It panics on a wall-clock loop.
func (l *Loop) Advance(d time.Duration) {
	if !l.manual {
		panic("sched: Advance called on a wall-clock loop")
	}
	l.mu.Lock()
	target := l.now.Add(d)
	l.mu.Unlock()
	for {
		l.RunUntilIdle()
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(target) {
			l.now = target
			l.mu.Unlock()
			break
		}
		// step to the next deadline so timers fire in order
		l.now = l.timers[0].deadline
		l.mu.Unlock()
	}
	l.RunUntilIdle()
}

// RunUntilIdle runs tasks on the calling goroutine until nothing is
// runnable. Timers that are not yet due are left pending.
func (l *Loop) RunUntilIdle() {
	for {
		fn := l.next()
		if fn == nil {
			return
		}
		fn()
	}
}

// Run processes tasks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if fn := l.next(); fn != nil {
			fn()
			continue
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		var timerC <-chan time.Time
		var timer *time.Timer
		if len(l.timers) > 0 && !l.manual {
			timer = time.NewTimer(time.Until(l.timers[0].deadline))
			timerC = timer.C
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Close makes Run return once the queues are drained.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// Pending reports whether any task, frame, idle callback or timer is queued.
func (l *Loop) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)+len(l.frames)+len(l.idle)+len(l.timers) > 0
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the next runnable callback or returns nil.
func (l *Loop) next() func() {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		l.tasks = append(l.tasks, t.run)
	}
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn
	}
	if len(l.frames) > 0 {
		frame := l.frames
		l.frames = nil
		return func() {
			for _, fn := range frame {
				fn()
			}
		}
	}
	if len(l.idle) > 0 {
		fn := l.idle[0]
		l.idle[0] = nil
		l.idle = l.idle[1:]
		return fn
	}
	return nil
}
