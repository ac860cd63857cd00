package sched

import (
	"container/heap"
	"time"
)

// A Timer is a pending AfterFunc callback.
type Timer struct {
	loop     *Loop
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	stopped  bool
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return true
}

// run is queued as a task once the deadline passed. A Stop between the
// deadline and the task running still wins.
func (t *Timer) run() {
	t.loop.mu.Lock()
	stopped := t.stopped
	t.stopped = true
	t.loop.mu.Unlock()
	if !stopped {
		t.fn()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// A Debouncer runs its callback once calls to Trigger have stopped for the
// configured delay.
type Debouncer struct {
	loop  *Loop
	delay time.Duration
	fn    func()
	timer *Timer
}

// NewDebouncer returns a Debouncer running fn on loop.
func NewDebouncer(loop *Loop, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{loop: loop, delay: delay, fn: fn}
}

// Trigger (re)starts the delay. It must be called from the loop.
func (d *Debouncer) Trigger() {
	d.timer.Stop()
	d.timer = d.loop.AfterFunc(d.delay, func() {
		d.timer = nil
		d.fn()
	})
}

// Cancel drops a pending run.
func (d *Debouncer) Cancel() {
	d.timer.Stop()
	d.timer = nil
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	return d.timer != nil
}
