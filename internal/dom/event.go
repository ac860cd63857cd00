package dom

import (
	"slices"

	"golang.org/x/net/html"
)

// Phase is the propagation phase an event is in.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseCapture
	PhaseTarget
	PhaseBubble
)

// Mouse buttons as reported by pointer events.
const (
	ButtonPrimary   = 0
	ButtonSecondary = 2
)

// Event is dispatched through the tree from the root to the target and
// back up.
type Event struct {
	Type          string
	Target        *html.Node
	CurrentTarget *html.Node
	Phase         Phase
	Button        int
	Key           string
	X, Y          float64
	Detail        any

	stopped          bool
	immediateStopped bool
	defaultPrevented bool
}

// StopPropagation prevents the event from reaching further nodes.
func (e *Event) StopPropagation() { e.stopped = true }

// StopImmediatePropagation also skips the remaining listeners of the
// current node.
func (e *Event) StopImmediatePropagation() {
	e.stopped = true
	e.immediateStopped = true
}

// PreventDefault marks the event as handled.
func (e *Event) PreventDefault() { e.defaultPrevented = true }

// DefaultPrevented reports whether PreventDefault was called.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// Listener handles an event.
type Listener func(*Event)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener struct {
	id      ListenerID
	target  *html.Node
	typ     string
	fn      Listener
	capture bool
	removed bool
}

// AddEventListener registers fn for events of typ on target.
func (d *Document) AddEventListener(target *html.Node, typ string, fn Listener, capture bool) ListenerID {
	d.nextID++
	l := &listener{id: d.nextID, target: target, typ: typ, fn: fn, capture: capture}
	d.listeners[target] = append(d.listeners[target], l)
	d.byID[l.id] = l
	return l.id
}

// RemoveEventListener unregisters a listener. Unknown ids are ignored.
func (d *Document) RemoveEventListener(id ListenerID) {
	l, ok := d.byID[id]
	if !ok {
		return
	}
	delete(d.byID, id)
	l.removed = true
	ls := d.listeners[l.target]
	if i := slices.Index(ls, l); i >= 0 {
		ls = slices.Delete(ls, i, i+1)
	}
	if len(ls) == 0 {
		delete(d.listeners, l.target)
	} else {
		d.listeners[l.target] = ls
	}
}

// ListenerCount returns the number of listeners registered on target.
func (d *Document) ListenerCount(target *html.Node) int {
	return len(d.listeners[target])
}

// Dispatch sends ev to target. It returns false if a listener called
// PreventDefault.
func (d *Document) Dispatch(target *html.Node, ev *Event) bool {
	ev.Target = target
	path := []*html.Node{}
	for n := target; n != nil; n = n.Parent {
		path = append(path, n)
	}

	// capture, from the root down to the parent of target
	for i := len(path) - 1; i > 0 && !ev.stopped; i-- {
		d.invoke(path[i], ev, PhaseCapture)
	}
	if !ev.stopped {
		d.invoke(target, ev, PhaseTarget)
	}
	for i := 1; i < len(path) && !ev.stopped; i++ {
		d.invoke(path[i], ev, PhaseBubble)
	}
	ev.CurrentTarget = nil
	ev.Phase = PhaseNone
	return !ev.defaultPrevented
}

func (d *Document) invoke(n *html.Node, ev *Event, phase Phase) {
	ls := d.listeners[n]
	if len(ls) == 0 {
		return
	}
	ev.CurrentTarget = n
	ev.Phase = phase
	snapshot := slices.Clone(ls)
	if phase == PhaseTarget {
		// capture listeners on the target run first
		slices.SortStableFunc(snapshot, func(a, b *listener) int {
			switch {
			case a.capture && !b.capture:
				return -1
			case !a.capture && b.capture:
				return 1
			}
			return 0
		})
	}
	for _, l := range snapshot {
		if l.removed || l.typ != ev.Type {
			continue
		}
		if phase == PhaseCapture && !l.capture {
			continue
		}
		if phase == PhaseBubble && l.capture {
			continue
		}
		l.fn(ev)
		if ev.immediateStopped {
			return
		}
	}
}
