package automation

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jakopako/ami/internal/dom"
	"golang.org/x/net/html"
)

// PlacementClass marks the element under the pointer while placing.
const PlacementClass = "ami-placement-target"

// placement is the modal state of placement mode. While active, pointer,
// click, context menu and key events are captured at the document root
// and never reach the page.
type placement struct {
	hovered  *html.Node
	ids      []dom.ListenerID
	onCommit func(*html.Node)
	onCancel func()
}

// Placing reports whether placement mode is active.
func (c *Controller) Placing() bool { return c.placement != nil }

// Hovered returns the element highlighted in placement mode.
func (c *Controller) Hovered() *html.Node {
	if c.placement == nil {
		return nil
	}
	return c.placement.hovered
}

// BeginPlacement lets the user pick an element. A primary click commits
// the element under the pointer, Escape or a secondary click cancels.
// Starting a new placement cancels the current one.
func (c *Controller) BeginPlacement(onCommit func(*html.Node), onCancel func()) {
	c.CancelPlacement()
	p := &placement{onCommit: onCommit, onCancel: onCancel}
	c.placement = p
	root := c.doc.Root()
	capture := func(typ string, fn func(*dom.Event)) {
		p.ids = append(p.ids, c.doc.AddEventListener(root, typ, func(ev *dom.Event) {
			ev.StopPropagation()
			ev.PreventDefault()
			fn(ev)
		}, true))
	}
	capture("pointermove", func(ev *dom.Event) { c.hover(c.pick(ev)) })
	capture("pointerdown", func(*dom.Event) {})
	capture("pointerup", func(*dom.Event) {})
	capture("click", func(ev *dom.Event) {
		switch ev.Button {
		case dom.ButtonPrimary:
			if el := c.pick(ev); el != nil {
				c.commitPlacement(el)
			}
		case dom.ButtonSecondary:
			c.CancelPlacement()
		}
	})
	capture("contextmenu", func(*dom.Event) { c.CancelPlacement() })
	capture("keydown", func(ev *dom.Event) {
		if ev.Key == "Escape" {
			c.CancelPlacement()
		}
	})
}

// CancelPlacement leaves placement mode without choosing an element.
func (c *Controller) CancelPlacement() {
	p := c.endPlacement()
	if p != nil && p.onCancel != nil {
		p.onCancel()
	}
}

// Hover highlights el as the placement candidate. It is what a pointer
// move over el does.
func (c *Controller) Hover(el *html.Node) {
	if c.placement != nil {
		c.hover(el)
	}
}

// Commit ends placement mode choosing el.
func (c *Controller) Commit(el *html.Node) {
	if c.placement != nil && el != nil {
		c.commitPlacement(el)
	}
}

func (c *Controller) commitPlacement(el *html.Node) {
	p := c.endPlacement()
	if p != nil && p.onCommit != nil {
		p.onCommit(el)
	}
}

func (c *Controller) endPlacement() *placement {
	p := c.placement
	if p == nil {
		return nil
	}
	c.placement = nil
	for _, id := range p.ids {
		c.doc.RemoveEventListener(id)
	}
	if p.hovered != nil {
		c.doc.RemoveClass(p.hovered, PlacementClass)
	}
	return p
}

// pick returns the element an event points at. Events dispatched on the
// root are located by their coordinates.
func (c *Controller) pick(ev *dom.Event) *html.Node {
	el := ev.Target
	if el == nil || el == c.doc.Root() || el.Type != html.ElementNode {
		el = c.doc.ElementAt(dom.Point{X: ev.X, Y: ev.Y})
	}
	if el == nil || isOwned(el) {
		return nil
	}
	return el
}

func (c *Controller) hover(el *html.Node) {
	p := c.placement
	if el == p.hovered {
		return
	}
	if p.hovered != nil {
		c.doc.RemoveClass(p.hovered, PlacementClass)
	}
	p.hovered = el
	if el != nil {
		c.doc.AddClass(el, PlacementClass)
	}
}

// PlaceTrigger points t at el: the selector becomes el's id selector when
// it has one, the data path is recomputed and the marker attribute is set
// so the trigger can be found again if both change. A trigger without id
// gets one. The trigger still needs to be saved with the manager.
func (c *Controller) PlaceTrigger(t Trigger, el *html.Node) Trigger {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Type = TypeDOM
	t.Selector = ""
	if id := dom.ID(el); id != "" {
		t.Selector = fmt.Sprintf("#%s", escapeIdent(id))
	}
	t.DataPath = DataPath(el)
	c.doc.SetAttr(el, MarkerAttr, t.ID)
	return t
}
