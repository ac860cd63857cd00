// Package scan classifies a live document against a compiled rule set and
// decorates matching elements.
//
// The engine walks the tree once (a full scan) and then reacts to batched
// mutation records by re-evaluating only the affected subtrees (a mutation
// flush). Walks are time sliced: once a slice exceeds the budget the walk
// is parked and resumed from the loop's idle queue.
package scan

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jakopako/ami/internal/classify"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
	"github.com/jakopako/ami/internal/selector"
	"github.com/jakopako/ami/internal/types"
	"golang.org/x/net/html"
)

// MaxRules is the number of rules one engine supports. Each rule owns one
// bit of a uint32 mask.
const MaxRules = 31

// DefaultBudget is the time a walk may run before yielding.
const DefaultBudget = 12 * time.Millisecond

// ErrTooManyRules is returned by AddRule once MaxRules are registered.
var ErrTooManyRules = errors.New("scan: too many rules")

// Rule pairs a selector set with decoration callbacks. Apply runs when an
// element starts matching, Unapply when it stops. Detached runs instead of
// Unapply for a matched element that left the document. Callbacks may
// mutate the document but must not expect a synchronous rescan.
type Rule struct {
	Name      string
	Selectors []string
	Apply     func(*html.Node)
	Unapply   func(*html.Node)
	Detached  func(*html.Node)
}

// Mode tells full scans and mutation flushes apart.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeMutation Mode = "mutation"
)

// RenderEvent is emitted after every completed scan or flush.
type RenderEvent struct {
	Mode     Mode
	Applied  int
	Duration time.Duration
}

// Message converts e into the cross-frame message shape.
func (e RenderEvent) Message() types.RenderMessage {
	return types.RenderMessage{
		Type: types.RenderMessageType,
		Detail: types.RenderDetail{
			Mode:     string(e.Mode),
			Applied:  e.Applied,
			Duration: float64(e.Duration) / float64(time.Millisecond),
		},
	}
}

// Options configures an Engine.
type Options struct {
	// Budget is the time slice of a walk. Zero means DefaultBudget.
	Budget time.Duration
	// Now measures slices and durations. Defaults to time.Now.
	Now func() time.Time
	// Root is where full scans start. Defaults to the document body.
	Root *html.Node
	// IgnoredTags overrides classify.DefaultIgnoredTags.
	IgnoredTags []string
	Logger      *slog.Logger
}

// Stats are counters for diagnostics.
type Stats struct {
	Records   int
	Revision  int
	FullScans int
	Flushes   int
	Yields    int
}

// walk is a resumable tree walk. Its stack survives yields.
type walk struct {
	mode    Mode
	runID   uint64
	stack   []*html.Node
	applied int
	// changed counts elements whose mask changed
	changed int
	visited int
	removed int
	started time.Time
}

// Engine is the incremental scan engine. It must be used from the
// document's loop only.
type Engine struct {
	doc        *dom.Document
	loop       *sched.Loop
	budget     time.Duration
	now        func() time.Time
	root       *html.Node
	logger     *slog.Logger
	compiler   *selector.Compiler
	index      *index
	classifier *classify.Classifier
	arena      *arena
	rules      []Rule

	started  bool
	revision int
	runID    uint64
	observer *dom.MutationObserver

	pending        []*html.Node
	queued         map[*html.Node]struct{}
	flushScheduled bool
	flushing       bool

	listeners []func(RenderEvent)
	stats     Stats
}

// New returns an Engine for doc. Rules are added with AddRule and the
// engine starts working on Start.
func New(doc *dom.Document, opts Options) *Engine {
	e := &Engine{
		doc:        doc,
		loop:       doc.Loop(),
		budget:     opts.Budget,
		now:        opts.Now,
		root:       opts.Root,
		logger:     opts.Logger,
		compiler:   selector.NewCompiler(),
		index:      newIndex(),
		classifier: classify.New(opts.IgnoredTags),
		arena:      newArena(),
		queued:     map[*html.Node]struct{}{},
	}
	if e.budget <= 0 {
		e.budget = DefaultBudget
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "scan"))
	return e
}

// AddRule registers r. Adding a rule to a started engine triggers a
// rebuild.
func (e *Engine) AddRule(r Rule) error {
	if len(e.rules) >= MaxRules {
		return fmt.Errorf("%w: %d rules max, cannot add %q", ErrTooManyRules, MaxRules, r.Name)
	}
	bit := uint32(1) << len(e.rules)
	for _, s := range r.Selectors {
		p := e.compiler.Compile(s)
		if p.Never() {
			e.logger.Warn("selector never matches", slog.String("rule", r.Name), slog.String("selector", s))
		}
		e.index.add(p, bit)
	}
	e.rules = append(e.rules, r)
	if e.started {
		e.Rebuild()
	}
	return nil
}

// OnRender registers fn to be called after every completed scan.
func (e *Engine) OnRender(fn func(RenderEvent)) {
	e.listeners = append(e.listeners, fn)
}

// Start begins observing the document and schedules the first full scan.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.observer = e.doc.Observe(nil, dom.ObserveOptions{
		ChildList:  true,
		Attributes: true,
		Subtree:    true,
	}, e.onMutations)
	e.Rebuild()
}

// Rebuild schedules a full scan, superseding any walk in flight.
func (e *Engine) Rebuild() {
	e.runID++
	e.flushing = false
	e.discardPending()
	e.beginSession()
	root := e.root
	if root == nil {
		root = e.doc.Body()
	}
	w := &walk{mode: ModeFull, runID: e.runID, stack: []*html.Node{root}}
	e.loop.PostIdle(func() {
		w.started = e.now()
		e.resume(w)
	})
}

// Cancel aborts walks in flight and drops pending mutations. The engine
// keeps observing.
func (e *Engine) Cancel() {
	e.runID++
	e.flushing = false
	e.discardPending()
}

// discardPending empties the pending queue. Queued nodes that already left
// the document still lose their records, a full scan never reaches them.
func (e *Engine) discardPending() {
	for _, n := range e.pending {
		if !e.doc.Contains(n) {
			e.dropSubtree(n, false)
		}
	}
	e.pending = nil
	clear(e.queued)
}

// Stop cancels and disconnects from the document.
func (e *Engine) Stop() {
	e.Cancel()
	if e.observer != nil {
		e.observer.Disconnect()
		e.observer = nil
	}
	e.started = false
}

// Mask returns the rule bits currently recorded for n.
func (e *Engine) Mask(n *html.Node) uint32 {
	h, ok := e.arena.lookup(n)
	if !ok {
		return 0
	}
	return e.arena.records[h].mask
}

// Matches reports whether n currently matches the named rule.
func (e *Engine) Matches(n *html.Node, rule string) bool {
	for i, r := range e.rules {
		if r.Name == rule {
			return e.Mask(n)&(1<<i) != 0
		}
	}
	return false
}

// Rules returns the rule names in registration order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Matched returns the elements that currently match the named rule, in
// document order.
func (e *Engine) Matched(rule string) []*html.Node {
	var out []*html.Node
	dom.Descendants(e.doc.Root(), func(n *html.Node) bool {
		if e.Matches(n, rule) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Records = e.arena.len()
	s.Revision = e.revision
	return s
}

// Busy reports whether a flush is scheduled or running.
func (e *Engine) Busy() bool {
	return e.flushing || e.flushScheduled || len(e.pending) > 0
}

func (e *Engine) beginSession() {
	e.revision++
	e.classifier.Reset(e.revision)
}

func (e *Engine) onMutations(records []dom.MutationRecord) {
	for _, rec := range records {
		switch rec.Type {
		case dom.ChildList:
			for _, n := range rec.RemovedNodes {
				e.enqueue(n)
			}
			for _, n := range rec.AddedNodes {
				e.enqueue(n)
			}
		case dom.Attributes:
			e.enqueue(rec.Target)
		}
	}
	if len(e.pending) > 0 {
		e.scheduleFlush()
	}
}

// enqueue adds n to the pending queue unless it is already queued.
func (e *Engine) enqueue(n *html.Node) {
	if n.Type != html.ElementNode {
		return
	}
	if _, ok := e.queued[n]; ok {
		return
	}
	e.queued[n] = struct{}{}
	e.pending = append(e.pending, n)
}

// scheduleFlush posts a flush unless one is scheduled or running. A running
// flush drains records queued while it works.
func (e *Engine) scheduleFlush() {
	if e.flushScheduled || e.flushing {
		return
	}
	e.flushScheduled = true
	e.loop.PostIdle(e.startFlush)
}

func (e *Engine) startFlush() {
	e.flushScheduled = false
	if !e.started || len(e.pending) == 0 {
		return
	}
	e.flushing = true
	w := &walk{mode: ModeMutation, runID: e.runID, started: e.now()}
	e.takePending(w)
	e.resume(w)
}

// takePending moves the pending queue onto the walk stack. Nodes that left
// the document drop their records instead. Every batch starts a session so
// that markers set while the flush was parked are seen.
func (e *Engine) takePending(w *walk) bool {
	if len(e.pending) == 0 {
		return false
	}
	e.beginSession()
	batch := e.pending
	e.pending = nil
	clear(e.queued)
	for i := len(batch) - 1; i >= 0; i-- {
		n := batch[i]
		if !e.doc.Contains(n) {
			w.changed += e.dropSubtree(n, false)
			w.removed++
			continue
		}
		w.stack = append(w.stack, n)
	}
	return true
}

func (e *Engine) resume(w *walk) {
	sliceStart := e.now()
	for {
		if w.runID != e.runID {
			// superseded by Rebuild or Cancel
			return
		}
		if len(w.stack) == 0 {
			if w.mode == ModeMutation && e.takePending(w) {
				continue
			}
			e.finish(w)
			return
		}
		if e.now().Sub(sliceStart) > e.budget {
			e.stats.Yields++
			e.loop.PostIdle(func() { e.resume(w) })
			return
		}
		n := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]
		e.visit(w, n)
	}
}

func (e *Engine) visit(w *walk, n *html.Node) {
	if n.Type != html.ElementNode {
		if n.Type == html.DocumentNode {
			e.pushChildren(w, n)
		}
		return
	}
	if e.classifier.IsExcluded(n) {
		w.changed += e.exclude(n)
		return
	}
	w.visited++
	applied, changed := e.evaluate(n)
	w.applied += applied
	if changed {
		w.changed++
	}
	e.pushChildren(w, n)
}

func (e *Engine) pushChildren(w *walk, n *html.Node) {
	for c := n.LastChild; c != nil; c = c.PrevSibling {
		if c.Type == html.ElementNode {
			w.stack = append(w.stack, c)
		}
	}
}

// evaluate records the new mask of n and runs the callbacks of every bit
// that flipped. It returns the number of Apply calls and whether any bit
// flipped.
func (e *Engine) evaluate(n *html.Node) (int, bool) {
	h := e.arena.acquire(n)
	rec := &e.arena.records[h]
	prev := rec.mask
	next := e.index.evaluate(n)
	rec.mask = next
	rec.ignore = false
	rec.revision = e.revision

	added, removed := next&^prev, prev&^next
	if added == 0 && removed == 0 {
		return 0, false
	}
	applied := 0
	for i := range e.rules {
		bit := uint32(1) << i
		if removed&bit != 0 {
			e.call(e.rules[i].Name, "unapply", e.rules[i].Unapply, n)
		}
		if added&bit != 0 {
			e.call(e.rules[i].Name, "apply", e.rules[i].Apply, n)
			applied++
		}
	}
	return applied, true
}

// exclude records n as ignored. If n was matched before, the decoration of
// its whole subtree is removed. It returns the number of matched elements
// that lost their decoration.
func (e *Engine) exclude(n *html.Node) int {
	h, ok := e.arena.lookup(n)
	if ok && e.arena.records[h].ignore {
		return 0
	}
	dropped := 0
	if ok {
		dropped = e.dropSubtree(n, true)
	}
	h = e.arena.acquire(n)
	e.arena.records[h] = record{revision: e.revision, ignore: true}
	return dropped
}

// dropSubtree releases the records of n and its descendants. Matched rules
// get Unapply when unapply is set and Detached otherwise. It returns the
// number of released elements that matched a rule.
func (e *Engine) dropSubtree(n *html.Node, unapply bool) int {
	matched := 0
	dom.Descendants(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return false
		}
		e.classifier.Forget(c)
		h, ok := e.arena.lookup(c)
		if !ok {
			return true
		}
		mask := e.arena.records[h].mask
		e.arena.release(h)
		if mask == 0 {
			return true
		}
		matched++
		for i := range e.rules {
			if mask&(1<<i) == 0 {
				continue
			}
			if unapply {
				e.call(e.rules[i].Name, "unapply", e.rules[i].Unapply, c)
			} else {
				e.call(e.rules[i].Name, "detached", e.rules[i].Detached, c)
			}
		}
		return true
	})
	return matched
}

// call runs a rule callback. A panicking callback only loses its own
// decoration.
func (e *Engine) call(rule, phase string, fn func(*html.Node), n *html.Node) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule callback panicked",
				slog.String("rule", rule), slog.String("phase", phase), slog.Any("panic", r))
		}
	}()
	fn(n)
}

func (e *Engine) finish(w *walk) {
	if w.mode == ModeMutation {
		e.flushing = false
		// decorations mutate the document too, a flush that changed no
		// mask is not rendered
		if w.changed == 0 {
			return
		}
		e.stats.Flushes++
	} else {
		e.stats.FullScans++
	}
	ev := RenderEvent{Mode: w.mode, Applied: w.applied, Duration: e.now().Sub(w.started)}
	e.logger.Debug("scan finished",
		slog.String("mode", string(ev.Mode)),
		slog.Int("applied", ev.Applied),
		slog.Int("visited", w.visited),
		slog.Int("removed", w.removed),
		slog.Duration("duration", ev.Duration))
	for _, fn := range e.listeners {
		fn(ev)
	}
	e.doc.Dispatch(e.doc.Root(), &dom.Event{Type: types.RenderMessageType, Detail: ev})
	e.doc.PostMessage(ev.Message())
}
