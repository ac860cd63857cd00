// Package overlay implements the hover control surface shown next to
// highlighted elements.
package overlay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jakopako/ami/internal/classify"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/scan"
	"github.com/jakopako/ami/internal/sched"
	"golang.org/x/net/html"
)

// Owner is the ownership marker value of overlay nodes.
const Owner = "overlay"

// Options configures an Overlay. Zero values take the defaults below.
type Options struct {
	ShowDelay time.Duration
	HideDelay time.Duration
	// Margin keeps the overlay this far from the viewport edges and from
	// the anchor.
	Margin float64
	Width  float64
	Height float64
	Logger *slog.Logger
}

const (
	DefaultShowDelay = 120 * time.Millisecond
	DefaultHideDelay = 200 * time.Millisecond
	DefaultMargin    = 8
	DefaultWidth     = 160
	DefaultHeight    = 32
)

// Overlay is a single floating surface shared by all matched elements. It
// must be used from the document's loop.
type Overlay struct {
	doc    *dom.Document
	loop   *sched.Loop
	opts   Options
	logger *slog.Logger
	node   *html.Node

	anchor  *html.Node
	pending *html.Node
	pointer dom.Point
	visible bool
	pos     dom.Point

	showTimer     *sched.Timer
	hideTimer     *sched.Timer
	frameQueued   bool
	attached      map[*html.Node][]dom.ListenerID
	rootListeners []dom.ListenerID
	onShow        []func(anchor *html.Node)
}

// New creates the overlay node. It is only inserted into the document
// while visible.
func New(doc *dom.Document, opts Options) *Overlay {
	if opts.ShowDelay <= 0 {
		opts.ShowDelay = DefaultShowDelay
	}
	if opts.HideDelay <= 0 {
		opts.HideDelay = DefaultHideDelay
	}
	if opts.Margin <= 0 {
		opts.Margin = DefaultMargin
	}
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Overlay{
		doc:      doc,
		loop:     doc.Loop(),
		opts:     opts,
		logger:   logger.With(slog.String("component", "overlay")),
		attached: map[*html.Node][]dom.ListenerID{},
	}
	o.node = dom.CreateElement("div", html.Attribute{Key: "class", Val: "ami-overlay"})
	classify.MarkOwned(o.node, Owner)

	// keep the surface open while the pointer is on it
	doc.AddEventListener(o.node, "pointerenter", func(*dom.Event) { o.cancelHide() }, false)
	doc.AddEventListener(o.node, "pointerleave", func(*dom.Event) { o.Leave() }, false)

	root := doc.Root()
	for _, typ := range []string{"scroll", "resize"} {
		id := doc.AddEventListener(root, typ, func(*dom.Event) { o.schedulePosition() }, false)
		o.rootListeners = append(o.rootListeners, id)
	}
	return o
}

// Node returns the overlay element.
func (o *Overlay) Node() *html.Node { return o.node }

// Visible reports whether the overlay is shown.
func (o *Overlay) Visible() bool { return o.visible }

// Anchor returns the element the overlay is shown for.
func (o *Overlay) Anchor() *html.Node { return o.anchor }

// Position returns the top-left corner of the overlay.
func (o *Overlay) Position() dom.Point { return o.pos }

// OnShow registers fn to be called whenever the overlay is shown for an
// element.
func (o *Overlay) OnShow(fn func(anchor *html.Node)) {
	o.onShow = append(o.onShow, fn)
}

// Rule returns a scan rule that attaches the overlay to every element
// matching selectors.
func (o *Overlay) Rule(name string, selectors ...string) scan.Rule {
	return scan.Rule{Name: name, Selectors: selectors, Apply: o.Attach, Unapply: o.Detach, Detached: o.Detach}
}

// Attach makes n show the overlay on hover.
func (o *Overlay) Attach(n *html.Node) {
	if _, ok := o.attached[n]; ok {
		return
	}
	enter := o.doc.AddEventListener(n, "pointerenter", func(ev *dom.Event) {
		o.Enter(n, dom.Point{X: ev.X, Y: ev.Y})
	}, false)
	leave := o.doc.AddEventListener(n, "pointerleave", func(*dom.Event) { o.Leave() }, false)
	o.attached[n] = []dom.ListenerID{enter, leave}
}

// Detach removes the listeners Attach added. The overlay hides at once if
// it was showing for n.
func (o *Overlay) Detach(n *html.Node) {
	ids, ok := o.attached[n]
	if !ok {
		return
	}
	for _, id := range ids {
		o.doc.RemoveEventListener(id)
	}
	delete(o.attached, n)
	if o.pending == n {
		o.showTimer.Stop()
		o.pending = nil
	}
	if o.anchor == n {
		o.hide()
	}
}

// Attached returns the number of elements the overlay listens on.
func (o *Overlay) Attached() int { return len(o.attached) }

// Enter schedules the overlay to show for n after the show delay. A
// pending hide is cancelled.
func (o *Overlay) Enter(n *html.Node, pointer dom.Point) {
	o.cancelHide()
	o.pointer = pointer
	if o.visible && o.anchor == n {
		return
	}
	o.showTimer.Stop()
	o.pending = n
	o.showTimer = o.loop.AfterFunc(o.opts.ShowDelay, func() {
		o.showTimer = nil
		target := o.pending
		o.pending = nil
		if target == nil || !o.doc.Contains(target) {
			return
		}
		o.show(target)
	})
}

// Leave schedules the overlay to hide after the hide delay.
func (o *Overlay) Leave() {
	if o.pending != nil {
		o.showTimer.Stop()
		o.showTimer = nil
		o.pending = nil
	}
	if !o.visible || o.hideTimer != nil {
		return
	}
	o.hideTimer = o.loop.AfterFunc(o.opts.HideDelay, func() {
		o.hideTimer = nil
		o.hide()
	})
}

// Close hides the overlay and removes every listener.
func (o *Overlay) Close() {
	for n := range o.attached {
		o.Detach(n)
	}
	for _, id := range o.rootListeners {
		o.doc.RemoveEventListener(id)
	}
	o.rootListeners = nil
	o.showTimer.Stop()
	o.cancelHide()
	o.hide()
}

func (o *Overlay) cancelHide() {
	if o.hideTimer != nil {
		o.hideTimer.Stop()
		o.hideTimer = nil
	}
}

func (o *Overlay) show(n *html.Node) {
	o.anchor = n
	if !o.visible {
		o.doc.AppendChild(o.doc.Body(), o.node)
		o.visible = true
	}
	o.position()
	o.logger.Debug("overlay shown", slog.String("tag", n.Data), slog.String("id", dom.ID(n)))
	for _, fn := range o.onShow {
		fn(n)
	}
}

func (o *Overlay) hide() {
	o.anchor = nil
	if !o.visible {
		return
	}
	o.visible = false
	o.doc.Remove(o.node)
}

// schedulePosition recomputes the position once per frame.
func (o *Overlay) schedulePosition() {
	if !o.visible || o.frameQueued {
		return
	}
	o.frameQueued = true
	o.loop.RequestFrame(func() {
		o.frameQueued = false
		if o.visible {
			o.position()
		}
	})
}

func (o *Overlay) position() {
	rect, ok := o.doc.Rect(o.anchor)
	size := dom.Point{X: o.opts.Width, Y: o.opts.Height}
	o.pos = Place(rect, ok, o.pointer, size, o.doc.Viewport(), o.opts.Margin)
	box := dom.Rect{X: o.pos.X, Y: o.pos.Y, W: size.X, H: size.Y}
	o.doc.SetAttr(o.node, dom.RectAttr, dom.FormatRect(box))
	o.doc.SetAttr(o.node, "style", fmt.Sprintf("position:absolute;left:%gpx;top:%gpx", o.pos.X, o.pos.Y))
}

// Place returns the top-left corner of a box of the given size. With an
// anchor the box sits above the anchor's top-right corner, flipping below
// when there is no room above. Without one it follows the pointer,
// flipping left and up near the edges. The result is clamped to the
// viewport inset by margin.
func Place(anchor dom.Rect, hasAnchor bool, pointer dom.Point, size dom.Point, viewport dom.Rect, margin float64) dom.Point {
	var p dom.Point
	if hasAnchor {
		p.X = anchor.Right() - size.X
		p.Y = anchor.Y - size.Y - margin
		if p.Y < viewport.Y+margin {
			p.Y = anchor.Bottom() + margin
		}
	} else {
		p.X = pointer.X + margin
		p.Y = pointer.Y + margin
		if p.X+size.X > viewport.Right()-margin {
			p.X = pointer.X - margin - size.X
		}
		if p.Y+size.Y > viewport.Bottom()-margin {
			p.Y = pointer.Y - margin - size.Y
		}
	}
	p.X = clamp(p.X, viewport.X+margin, viewport.Right()-margin-size.X)
	p.Y = clamp(p.Y, viewport.Y+margin, viewport.Bottom()-margin-size.Y)
	return p
}

// clamp prefers lo when the range is empty.
func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
