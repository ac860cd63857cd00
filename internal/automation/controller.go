package automation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jakopako/ami/internal/classify"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
	"github.com/jakopako/ami/internal/script"
	"github.com/jakopako/ami/internal/types"
	"golang.org/x/net/html"
)

// MarkerAttr on a host element names the trigger bound to it. It is the
// last resort when selector and data path both fail.
const MarkerAttr = "data-ami-trigger"

// Owner is the ownership marker value of the controller's marker nodes.
const Owner = "automation"

// DefaultRetargetDelay debounces rebinding after document changes.
const DefaultRetargetDelay = 60 * time.Millisecond

// Status describes the binding of one trigger.
type Status string

const (
	StatusBound    Status = "bound"
	StatusDetached Status = "detached"
	StatusDisabled Status = "disabled"
)

// How a trigger was resolved to its element.
const (
	ResolvedBySelector = "selector"
	ResolvedByPath     = "path"
	ResolvedByFuzzy    = "fuzzy-path"
	ResolvedByMarker   = "marker"
)

// Binding is the current binding of one trigger.
type Binding struct {
	Trigger  Trigger
	Status   Status
	Element  *html.Node
	Resolved string

	listener dom.ListenerID
	marker   *html.Node
}

// Stats counts trigger executions.
type Stats struct {
	Fired      int
	Actions    int
	Suppressed int
	Errors     int
	Renders    int
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Runtime *script.Runtime
	// Location is what scripts see as the document location.
	Location      string
	RetargetDelay time.Duration
	// Markers renders a marker node next to every bound element.
	Markers bool
	Logger  *slog.Logger
}

// Controller binds the triggers of the active scenario to document
// elements and runs their scripts. Except for ConsumeNetwork it must be
// used from the document's loop.
type Controller struct {
	doc     *dom.Document
	loop    *sched.Loop
	mgr     *Manager
	rt      *script.Runtime
	logger  *slog.Logger
	opts    ControllerOptions
	window  *script.Window
	sdoc    *script.Document
	state   State
	started bool

	bindings map[string]*Binding
	order    []string

	observer      *dom.MutationObserver
	retarget      *sched.Debouncer
	frameQueued   bool
	rootListeners []dom.ListenerID
	cancelMsgs    func()
	unsubscribe   func()
	placement     *placement
	stats         Stats
}

// NewController returns a controller for doc driven by mgr.
func NewController(doc *dom.Document, mgr *Manager, opts ControllerOptions) *Controller {
	if opts.Runtime == nil {
		opts.Runtime = script.NewRuntime()
	}
	if opts.RetargetDelay <= 0 {
		opts.RetargetDelay = DefaultRetargetDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "controller"))
	c := &Controller{
		doc:      doc,
		loop:     doc.Loop(),
		mgr:      mgr,
		rt:       opts.Runtime,
		logger:   logger,
		opts:     opts,
		window:   script.NewWindow(doc, opts.Location, logger),
		sdoc:     script.NewDocument(doc),
		bindings: map[string]*Binding{},
	}
	c.retarget = sched.NewDebouncer(c.loop, opts.RetargetDelay, c.Render)
	return c
}

// Start subscribes to the manager and the document and binds the current
// triggers.
func (c *Controller) Start() {
	if c.started {
		return
	}
	c.started = true
	c.state = c.mgr.State()
	c.unsubscribe = c.mgr.Subscribe(func(s State) {
		c.loop.Post(func() {
			if !c.started {
				return
			}
			c.state = s
			c.Render()
		})
	})
	c.observer = c.doc.Observe(nil, dom.ObserveOptions{ChildList: true, Attributes: true, Subtree: true}, c.onMutations)
	root := c.doc.Root()
	for _, typ := range []string{"scroll", "resize"} {
		c.rootListeners = append(c.rootListeners,
			c.doc.AddEventListener(root, typ, func(*dom.Event) { c.scheduleMarkers() }, false))
	}
	c.cancelMsgs = c.doc.OnMessage(c.onMessage)
	c.Render()
}

// Stop removes every listener and marker.
func (c *Controller) Stop() {
	if !c.started {
		return
	}
	c.started = false
	c.unsubscribe()
	c.observer.Disconnect()
	c.retarget.Cancel()
	for _, id := range c.rootListeners {
		c.doc.RemoveEventListener(id)
	}
	c.rootListeners = nil
	c.cancelMsgs()
	c.CancelPlacement()
	for _, id := range c.order {
		c.unbind(c.bindings[id])
	}
	c.bindings = map[string]*Binding{}
	c.order = nil
}

// Bindings returns the current bindings in trigger order.
func (c *Controller) Bindings() []Binding {
	out := make([]Binding, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.bindings[id])
	}
	return out
}

// Binding returns the binding of one trigger.
func (c *Controller) Binding(id string) (Binding, bool) {
	b, ok := c.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Stats returns the execution counters.
func (c *Controller) Stats() Stats { return c.stats }

// Render rebinds every trigger of the active scenario. Triggers whose
// element cannot be found are detached, not dropped.
func (c *Controller) Render() {
	c.stats.Renders++
	triggers := c.state.Triggers()
	seen := map[string]bool{}
	order := make([]string, 0, len(triggers))
	for _, t := range triggers {
		seen[t.ID] = true
		order = append(order, t.ID)
		b, ok := c.bindings[t.ID]
		if !ok {
			b = &Binding{}
			c.bindings[t.ID] = b
		}
		c.bind(b, t)
	}
	for _, id := range c.order {
		if !seen[id] {
			c.unbind(c.bindings[id])
			delete(c.bindings, id)
		}
	}
	c.order = order
	c.positionMarkers()
}

func (c *Controller) bind(b *Binding, t Trigger) {
	prev := b.Trigger
	b.Trigger = t
	if !c.state.Enabled || !t.Enabled {
		c.unbind(b)
		b.Status = StatusDisabled
		return
	}
	if t.Type != TypeDOM {
		// network and plugin triggers are fired by their sources
		c.unbind(b)
		b.Status = StatusBound
		return
	}

	el, how := c.Resolve(t)
	if el == nil {
		if b.Status == StatusBound {
			c.logger.Info("trigger detached", slog.String("trigger", t.ID), slog.String("selector", t.Selector))
		}
		c.unbind(b)
		b.Status = StatusDetached
		return
	}
	same := b.Status == StatusBound && b.Element == el && prev.EventType == t.EventType && b.listener != 0
	b.Status, b.Resolved = StatusBound, how
	if same {
		return
	}
	c.removeListener(b)
	b.Element = el
	id := t.ID
	b.listener = c.doc.AddEventListener(el, t.EventType, func(ev *dom.Event) {
		// the binding may have been updated since the listener was added
		if cur, ok := c.bindings[id]; ok && cur.Status == StatusBound {
			c.execute(cur.Trigger, cur.Element, script.NewEvent(ev))
		}
	}, false)
	if c.opts.Markers && b.marker == nil {
		b.marker = dom.CreateElement("span",
			html.Attribute{Key: "class", Val: "ami-trigger-marker"},
			html.Attribute{Key: "title", Val: t.Name})
		classify.MarkOwned(b.marker, Owner)
		c.doc.AppendChild(c.doc.Body(), b.marker)
	}
}

func (c *Controller) unbind(b *Binding) {
	c.removeListener(b)
	b.Element = nil
	b.Resolved = ""
	if b.marker != nil {
		c.doc.Remove(b.marker)
		b.marker = nil
	}
}

func (c *Controller) removeListener(b *Binding) {
	if b.listener != 0 {
		c.doc.RemoveEventListener(b.listener)
		b.listener = 0
	}
}

// Resolve finds the element of a DOM trigger: by selector, then by data
// path, then by the marker attribute.
func (c *Controller) Resolve(t Trigger) (*html.Node, string) {
	if t.Selector != "" {
		if n := c.doc.Query(t.Selector); n != nil {
			if _, owned := classify.Owner(n); !owned {
				return n, ResolvedBySelector
			}
		}
	}
	if t.DataPath != "" {
		if n, fuzzy := ResolvePath(c.doc, t.DataPath); n != nil {
			if fuzzy {
				return n, ResolvedByFuzzy
			}
			return n, ResolvedByPath
		}
	}
	if n := c.doc.Query(fmt.Sprintf("[%s=%q]", MarkerAttr, t.ID)); n != nil {
		return n, ResolvedByMarker
	}
	return nil, ""
}

// Fire runs the trigger with id as if its event had fired. It works for
// triggers of every type and ignores the enabled flags.
func (c *Controller) Fire(id string, ev *dom.Event) error {
	b, ok := c.bindings[id]
	if !ok {
		return fmt.Errorf("trigger %q: %w", id, ErrNotFound)
	}
	el := b.Element
	if el == nil && b.Trigger.Type == TypeDOM {
		el, _ = c.Resolve(b.Trigger)
	}
	if ev == nil {
		ev = &dom.Event{Type: b.Trigger.EventType, Target: el}
	}
	c.execute(b.Trigger, el, script.NewEvent(ev))
	return nil
}

// HandleNetwork fires the network triggers matching ev.
func (c *Controller) HandleNetwork(ev types.NetworkEvent) {
	for _, b := range c.active(TypeNetwork) {
		t := b.Trigger
		if t.EventType != ev.Phase || (t.Selector != "" && !strings.Contains(ev.URL, t.Selector)) {
			continue
		}
		c.execute(t, nil, &script.Event{Type: ev.Phase, URL: ev.URL, Method: ev.Method, Status: ev.Status, Detail: ev})
	}
}

// ConsumeNetwork forwards network events to the loop until events is
// closed or ctx is done. It is meant to run on its own goroutine.
func (c *Controller) ConsumeNetwork(ctx context.Context, events <-chan types.NetworkEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.loop.Post(func() { c.HandleNetwork(ev) })
		}
	}
}

func (c *Controller) onMessage(msg any) {
	rm, ok := msg.(types.RenderMessage)
	if !ok {
		return
	}
	for _, b := range c.active(TypePlugin) {
		if b.Trigger.EventType != rm.Type {
			continue
		}
		var el *html.Node
		if b.Trigger.Selector != "" {
			el = c.doc.Query(b.Trigger.Selector)
		}
		c.execute(b.Trigger, el, &script.Event{Type: rm.Type, Detail: rm.Detail})
	}
}

// active returns the bound triggers of type typ.
func (c *Controller) active(typ TriggerType) []*Binding {
	var out []*Binding
	for _, id := range c.order {
		if b := c.bindings[id]; b.Trigger.Type == typ && b.Status == StatusBound {
			out = append(out, b)
		}
	}
	return out
}

// execute runs target, condition and action. A failing target leaves the
// target unchanged, a failing condition does not proceed and the action is
// not waited for.
func (c *Controller) execute(t Trigger, el *html.Node, ev *script.Event) {
	c.stats.Fired++
	logger := c.logger.With(slog.String("trigger", t.ID))
	sctx := &script.Context{
		Trigger:  t.Info(),
		Element:  script.Wrap(c.doc, el),
		Event:    ev,
		Document: c.sdoc,
		Window:   c.window,
		Manager:  c.mgr.ScriptManager(),
	}
	if sctx.Element != nil {
		sctx.Target = sctx.Element
	}

	res, err := c.rt.Exec(t.Source(script.SlotTarget), sctx)
	switch {
	case err != nil:
		c.stats.Errors++
		logger.Warn("target script failed", slog.Any("error", err))
	case res != nil:
		switch res.(type) {
		case *script.Element, []*script.Element:
			sctx.Target = res
		}
	}

	res, err = c.rt.Exec(t.Source(script.SlotCondition), sctx)
	if err != nil {
		c.stats.Errors++
		c.stats.Suppressed++
		logger.Warn("condition script failed", slog.Any("error", err))
		return
	}
	if proceed, ok := res.(bool); ok && !proceed {
		c.stats.Suppressed++
		return
	}

	c.stats.Actions++
	res, err = c.rt.Exec(t.Source(script.SlotAction), sctx)
	if err != nil {
		c.stats.Errors++
		logger.Warn("action script failed", slog.Any("error", err))
		return
	}
	if ch, ok := res.(<-chan error); ok {
		go func() {
			if err := <-ch; err != nil {
				logger.Warn("async action failed", slog.Any("error", err))
			}
		}()
	}
}

// onMutations schedules a rebind unless the batch only touches nodes the
// plugin owns.
func (c *Controller) onMutations(records []dom.MutationRecord) {
	if slices.ContainsFunc(records, func(r dom.MutationRecord) bool { return !ownedRecord(r) }) {
		c.retarget.Trigger()
	}
}

func ownedRecord(r dom.MutationRecord) bool {
	if r.Type != dom.ChildList {
		return isOwned(r.Target)
	}
	for _, n := range slices.Concat(r.AddedNodes, r.RemovedNodes) {
		if !isOwned(n) {
			return false
		}
	}
	return true
}

func isOwned(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode {
			if _, ok := classify.Owner(n); ok {
				return true
			}
		}
	}
	return false
}

// scheduleMarkers repositions markers in the next frame.
func (c *Controller) scheduleMarkers() {
	if c.frameQueued || !c.opts.Markers {
		return
	}
	c.frameQueued = true
	c.loop.RequestFrame(func() {
		c.frameQueued = false
		c.positionMarkers()
	})
}

func (c *Controller) positionMarkers() {
	for _, id := range c.order {
		b := c.bindings[id]
		if b.marker == nil || b.Element == nil {
			continue
		}
		r, ok := c.doc.Rect(b.Element)
		if !ok {
			continue
		}
		c.doc.SetAttr(b.marker, dom.RectAttr, dom.FormatRect(dom.Rect{X: r.Right() - 8, Y: r.Y - 8, W: 16, H: 16}))
	}
}
