package overlay

import (
	"testing"
	"time"

	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/scan"
	"github.com/jakopako/ami/internal/sched"
	"golang.org/x/net/html"
)

const page = `<html><body>
<p id="a" class="note" data-ami-rect="100,100,200,40">a</p>
<p id="b" class="note" data-ami-rect="600,5,100,20">b</p>
</body></html>`

func newOverlay(t *testing.T) (*Overlay, *dom.Document, *sched.Loop) {
	t.Helper()
	l := sched.NewManual(time.Unix(0, 0))
	d, err := dom.ParseString(page, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	o := New(d, Options{ShowDelay: 100 * time.Millisecond, HideDelay: 200 * time.Millisecond})
	return o, d, l
}

func pointer(d *dom.Document, typ, id string) {
	d.Dispatch(d.Query("#"+id), &dom.Event{Type: typ, X: 10, Y: 10})
}

func TestShowAndHideDebounce(t *testing.T) {
	o, d, l := newOverlay(t)
	o.Attach(d.Query("#a"))

	pointer(d, "pointerenter", "a")
	l.Advance(50 * time.Millisecond)
	if o.Visible() {
		t.Fatalf("expected the overlay to wait for the show delay")
	}
	l.Advance(60 * time.Millisecond)
	if !o.Visible() || o.Anchor() != d.Query("#a") {
		t.Fatalf("expected the overlay to show for #a")
	}
	if !d.Contains(o.Node()) {
		t.Fatalf("expected the overlay node to be in the document")
	}

	pointer(d, "pointerleave", "a")
	l.Advance(150 * time.Millisecond)
	pointer(d, "pointerenter", "a")
	l.Advance(time.Second)
	if !o.Visible() {
		t.Fatalf("expected re-entering to cancel the pending hide")
	}

	pointer(d, "pointerleave", "a")
	l.Advance(250 * time.Millisecond)
	if o.Visible() || d.Contains(o.Node()) {
		t.Fatalf("expected the overlay to hide")
	}
}

func TestLeaveBeforeShowCancels(t *testing.T) {
	o, d, l := newOverlay(t)
	o.Attach(d.Query("#a"))
	pointer(d, "pointerenter", "a")
	pointer(d, "pointerleave", "a")
	l.Advance(time.Second)
	if o.Visible() {
		t.Fatalf("expected a quick pass to never show the overlay")
	}
}

func TestHoveringOverlayKeepsItOpen(t *testing.T) {
	o, d, l := newOverlay(t)
	o.Attach(d.Query("#a"))
	pointer(d, "pointerenter", "a")
	l.Advance(100 * time.Millisecond)
	pointer(d, "pointerleave", "a")
	d.Dispatch(o.Node(), &dom.Event{Type: "pointerenter"})
	l.Advance(time.Second)
	if !o.Visible() {
		t.Fatalf("expected the overlay to stay open while hovered")
	}
}

func TestDetachHides(t *testing.T) {
	o, d, l := newOverlay(t)
	a := d.Query("#a")
	o.Attach(a)
	pointer(d, "pointerenter", "a")
	l.Advance(100 * time.Millisecond)
	o.Detach(a)
	if o.Visible() || o.Attached() != 0 {
		t.Fatalf("expected detach to hide and drop listeners")
	}
	if d.ListenerCount(a) != 0 {
		t.Fatalf("expected no listeners left on #a")
	}
}

func TestPositionFollowsAnchor(t *testing.T) {
	o, d, l := newOverlay(t)
	o.Attach(d.Query("#b"))
	pointer(d, "pointerenter", "b")
	l.Advance(100 * time.Millisecond)
	// no room above #b, so the overlay flips below it
	want := dom.Point{X: 700 - DefaultWidth, Y: 25 + DefaultMargin}
	if o.Position() != want {
		t.Fatalf("expected %v but got %v", want, o.Position())
	}
	if r, ok := d.Rect(o.Node()); !ok || r.X != want.X || r.Y != want.Y {
		t.Fatalf("expected the overlay rect to be recorded, got %v", r)
	}

	d.Resize(300, 800)
	l.RunUntilIdle()
	if got := o.Position().X; got != 300-DefaultMargin-DefaultWidth {
		t.Fatalf("expected the overlay to be clamped after resize, got x=%v", got)
	}
}

func TestPlace(t *testing.T) {
	vp := dom.Rect{W: 1000, H: 800}
	size := dom.Point{X: 100, Y: 30}
	tests := []struct {
		name      string
		anchor    dom.Rect
		hasAnchor bool
		pointer   dom.Point
		want      dom.Point
	}{
		{"above anchor", dom.Rect{X: 200, Y: 200, W: 300, H: 50}, true, dom.Point{}, dom.Point{X: 400, Y: 162}},
		{"flip below", dom.Rect{X: 200, Y: 10, W: 300, H: 50}, true, dom.Point{}, dom.Point{X: 400, Y: 68}},
		{"clamp left", dom.Rect{X: 0, Y: 200, W: 40, H: 50}, true, dom.Point{}, dom.Point{X: 10, Y: 160}},
		{"pointer", dom.Rect{}, false, dom.Point{X: 100, Y: 100}, dom.Point{X: 108, Y: 108}},
		{"pointer flips left", dom.Rect{}, false, dom.Point{X: 950, Y: 100}, dom.Point{X: 842, Y: 108}},
		{"pointer flips up", dom.Rect{}, false, dom.Point{X: 100, Y: 790}, dom.Point{X: 108, Y: 752}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			margin := 8.0
			if tc.name == "clamp left" {
				margin = 10
			}
			got := Place(tc.anchor, tc.hasAnchor, tc.pointer, size, vp, margin)
			if got != tc.want {
				t.Fatalf("expected %v but got %v", tc.want, got)
			}
		})
	}
}

func TestRuleAttachesToMatches(t *testing.T) {
	o, d, l := newOverlay(t)
	e := scan.New(d, scan.Options{})
	if err := e.AddRule(o.Rule("notes", "p.note")); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	e.Start()
	l.RunUntilIdle()
	if o.Attached() != 2 {
		t.Fatalf("expected 2 attached elements but got %d", o.Attached())
	}

	pointer(d, "pointerenter", "a")
	l.Advance(100 * time.Millisecond)
	if !o.Visible() {
		t.Fatalf("expected the overlay to show")
	}
	if e.Mask(o.Node()) != 0 {
		t.Fatalf("expected the overlay node to be ignored by the scan")
	}

	d.RemoveClass(d.Query("#a"), "note")
	l.RunUntilIdle()
	if o.Attached() != 1 || o.Visible() {
		t.Fatalf("expected #a to be detached and the overlay hidden")
	}
}

func TestRemovedElementsAreDetached(t *testing.T) {
	o, d, l := newOverlay(t)
	e := scan.New(d, scan.Options{})
	if err := e.AddRule(o.Rule("notes", "p.note")); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	e.Start()
	l.RunUntilIdle()
	base := e.Stats().Records

	for range 20 {
		p := dom.CreateElement("p", html.Attribute{Key: "class", Val: "note"})
		d.AppendChild(d.Body(), p)
		l.RunUntilIdle()
		if o.Attached() != 3 {
			t.Fatalf("expected 3 attached elements but got %d", o.Attached())
		}
		d.Remove(p)
		l.RunUntilIdle()
	}
	if o.Attached() != 2 {
		t.Fatalf("expected 2 attached elements after add/remove cycles but got %d", o.Attached())
	}
	if got := e.Stats().Records; got != base {
		t.Fatalf("expected %d records but got %d", base, got)
	}
}
