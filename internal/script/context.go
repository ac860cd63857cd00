package script

import (
	"fmt"
	"log/slog"

	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
	"golang.org/x/net/html"
)

// Context is the single argument every trigger script receives.
type Context struct {
	Trigger  TriggerInfo
	Element  *Element
	Event    *Event
	Document *Document
	Window   *Window
	// Target is what the action operates on. The target slot may replace
	// it with another *Element or with a []*Element.
	Target  any
	Manager Manager
}

// Targets returns Target as a list.
func (c *Context) Targets() []*Element {
	switch t := c.Target.(type) {
	case *Element:
		if t == nil {
			return nil
		}
		return []*Element{t}
	case []*Element:
		return t
	}
	return nil
}

// TriggerInfo describes the trigger a script belongs to.
type TriggerInfo struct {
	ID        string
	Name      string
	Type      string
	EventType string
	Scenario  string
}

// Manager is the part of the automation manager scripts may use.
type Manager interface {
	Enabled() bool
	ActiveScenario() string
	SetEnabled(enabled bool) error
	SetActiveScenario(slug string) error
}

// Event is the event that fired the trigger.
type Event struct {
	Type   string
	X, Y   float64
	Button int
	Key    string
	// URL, Method and Status are set for network triggers.
	URL    string
	Method string
	Status int
	Detail any

	ev *dom.Event
}

// NewEvent wraps a document event.
func NewEvent(ev *dom.Event) *Event {
	if ev == nil {
		return nil
	}
	return &Event{Type: ev.Type, X: ev.X, Y: ev.Y, Button: ev.Button, Key: ev.Key, Detail: ev.Detail, ev: ev}
}

// PreventDefault marks the underlying document event as handled.
func (e *Event) PreventDefault() {
	if e.ev != nil {
		e.ev.PreventDefault()
	}
}

// StopPropagation stops the underlying document event.
func (e *Event) StopPropagation() {
	if e.ev != nil {
		e.ev.StopPropagation()
	}
}

// Element is the script view of a document element.
type Element struct {
	doc  *dom.Document
	node *html.Node
}

// Wrap returns the script view of n, or nil for a nil node.
func Wrap(doc *dom.Document, n *html.Node) *Element {
	if n == nil {
		return nil
	}
	return &Element{doc: doc, node: n}
}

// Node returns the wrapped node.
func (e *Element) Node() *html.Node { return e.node }

func (e *Element) Tag() string { return e.node.Data }
func (e *Element) ID() string { return dom.ID(e.node) }
func (e *Element) Text() string { return dom.Text(e.node) }
func (e *Element) Attr(key string) string { return dom.AttrOr(e.node, key, "") }
func (e *Element) HasClass(class string) bool { return dom.HasClass(e.node, class) }
func (e *Element) Connected() bool { return e.doc.Contains(e.node) }
func (e *Element) SetText(text string) { e.doc.SetText(e.node, text) }
func (e *Element) SetAttr(key, val string) { e.doc.SetAttr(e.node, key, val) }
func (e *Element) RemoveAttr(key string) { e.doc.RemoveAttr(e.node, key) }
func (e *Element) AddClass(classes ...string) { e.doc.AddClass(e.node, classes...) }
func (e *Element) RemoveClass(classes ...string) { e.doc.RemoveClass(e.node, classes...) }

// ToggleClass adds or removes class.
func (e *Element) ToggleClass(class string, on bool) { e.doc.ToggleClass(e.node, class, on) }

// Parent returns the parent element or nil.
func (e *Element) Parent() *Element { return Wrap(e.doc, dom.ParentElement(e.node)) }

// Query returns the first descendant matching selector.
func (e *Element) Query(selector string) *Element {
	return Wrap(e.doc, dom.QueryIn(e.node, selector))
}

// QueryAll returns every descendant matching selector.
func (e *Element) QueryAll(selector string) []*Element {
	return wrapAll(e.doc, dom.QueryAllIn(e.node, selector))
}

// Append adds child as the last child.
func (e *Element) Append(child *Element) { e.doc.AppendChild(e.node, child.node) }

// Remove detaches the element.
func (e *Element) Remove() { e.doc.Remove(e.node) }

// Click dispatches a primary click on the element.
func (e *Element) Click() bool {
	return e.doc.Dispatch(e.node, &dom.Event{Type: "click", Button: dom.ButtonPrimary})
}

func wrapAll(doc *dom.Document, nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Wrap(doc, n))
	}
	return out
}

// Document is the script view of the document.
type Document struct {
	doc *dom.Document
}

// NewDocument returns the script view of doc.
func NewDocument(doc *dom.Document) *Document { return &Document{doc: doc} }

func (d *Document) Body() *Element { return Wrap(d.doc, d.doc.Body()) }
func (d *Document) Query(selector string) *Element { return Wrap(d.doc, d.doc.Query(selector)) }
func (d *Document) QueryAll(selector string) []*Element { return wrapAll(d.doc, d.doc.QueryAll(selector)) }

// CreateElement returns a new detached element.
func (d *Document) CreateElement(tag string) *Element {
	return Wrap(d.doc, dom.CreateElement(tag))
}

// Window gives scripts the loop and host facilities.
type Window struct {
	doc      *dom.Document
	loop     *sched.Loop
	logger   *slog.Logger
	location string
}

// NewWindow returns a Window for doc. location is the document URL or
// path.
func NewWindow(doc *dom.Document, location string, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	return &Window{doc: doc, loop: doc.Loop(), logger: logger, location: location}
}

// Location returns the document URL or path.
func (w *Window) Location() string { return w.location }

// Viewport returns the visible area.
func (w *Window) Viewport() (x, y, width, height float64) {
	v := w.doc.Viewport()
	return v.X, v.Y, v.W, v.H
}

// ScrollTo scrolls the viewport.
func (w *Window) ScrollTo(x, y float64) { w.doc.ScrollTo(x, y) }

// PostMessage sends msg to the document's message sinks.
func (w *Window) PostMessage(msg any) { w.doc.PostMessage(msg) }

// Post runs fn on the document loop. Goroutines started by scripts must
// use it to touch the document.
func (w *Window) Post(fn func()) { w.loop.Post(fn) }

// Log writes msg to the host log.
func (w *Window) Log(msg string, args ...any) {
	w.logger.Info(msg, args...)
}

// Async runs fn on its own goroutine. The returned channel yields fn's
// error and is closed afterwards. An action returning it is not waited
// for; its error is only logged.
func Async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				ch <- fmt.Errorf("async script panicked: %v", r)
			}
		}()
		ch <- fn()
	}()
	return ch
}
