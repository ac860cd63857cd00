// Package pick is a terminal element picker. It drives the placement mode
// of an automation controller the way pointer input would in a browser.
package pick

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/classify"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
	"github.com/rivo/tview"
	"golang.org/x/net/html"
)

var ErrCancelled = errors.New("pick: cancelled")

// Candidate is one element offered by the picker.
type Candidate struct {
	Node  *html.Node
	Label string
	Path  string
	Text  string
	Depth int
}

// Candidates lists the elements below the body in document order.
// Elements inside ignored or owned subtrees are left out. A non-empty
// filter keeps elements whose label, path or text contain it.
func Candidates(doc *dom.Document, filter string) []Candidate {
	c := classify.New(nil)
	var out []Candidate
	body := doc.Body()
	if body == nil {
		return nil
	}
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type != html.ElementNode || c.IsExcluded(ch) {
				continue
			}
			cand := Candidate{
				Node:  ch,
				Label: label(ch),
				Path:  automation.DataPath(ch),
				Text:  snippet(dom.Text(ch), 40),
				Depth: depth,
			}
			if filter == "" || strings.Contains(cand.Label, filter) ||
				strings.Contains(cand.Path, filter) || strings.Contains(cand.Text, filter) {
				out = append(out, cand)
			}
			walk(ch, depth+1)
		}
	}
	walk(body, 0)
	return out
}

func label(n *html.Node) string {
	var sb strings.Builder
	sb.WriteString(n.Data)
	if id := dom.ID(n); id != "" {
		fmt.Fprintf(&sb, "#%s", id)
	}
	for _, cl := range dom.Classes(n) {
		if cl == automation.PlacementClass {
			continue
		}
		fmt.Fprintf(&sb, ".%s", cl)
	}
	return sb.String()
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// driver turns picker input into document events on the loop.
type driver struct {
	loop *sched.Loop
	doc  *dom.Document
}

func (d driver) hover(n *html.Node) {
	d.loop.Post(func() {
		d.doc.Dispatch(n, &dom.Event{Type: "pointermove"})
	})
}

func (d driver) commit(n *html.Node) {
	d.loop.Post(func() {
		d.doc.Dispatch(n, &dom.Event{Type: "click", Button: dom.ButtonPrimary})
	})
}

func (d driver) cancel() {
	d.loop.Post(func() {
		d.doc.Dispatch(d.doc.Root(), &dom.Event{Type: "keydown", Key: "Escape"})
	})
}

// Picker lets the user choose an element in a terminal table.
type Picker struct {
	doc    *dom.Document
	loop   *sched.Loop
	c      *automation.Controller
	filter string
	screen tcell.Screen
	// ready is closed after the first draw.
	ready chan struct{}
}

// Option configures a Picker.
type Option func(*Picker)

// WithFilter only offers elements matching filter.
func WithFilter(filter string) Option {
	return func(p *Picker) { p.filter = filter }
}

// WithScreen draws on screen instead of the terminal.
func WithScreen(screen tcell.Screen) Option {
	return func(p *Picker) { p.screen = screen }
}

// New returns a picker for the controller's document. The document loop
// must be running while Run is.
func New(doc *dom.Document, c *automation.Controller, opts ...Option) *Picker {
	p := &Picker{doc: doc, loop: doc.Loop(), c: c, ready: make(chan struct{})}
	for _, o := range opts {
		o(p)
	}
	return p
}

type result struct {
	node *html.Node
	err  error
}

// Run shows the picker and blocks until an element is chosen. It returns
// ErrCancelled if the user leaves with Escape.
func (p *Picker) Run(ctx context.Context) (*html.Node, error) {
	done := make(chan result, 1)
	candidates := make(chan []Candidate, 1)
	p.loop.Post(func() {
		p.c.BeginPlacement(
			func(n *html.Node) { done <- result{node: n} },
			func() { done <- result{err: ErrCancelled} },
		)
		candidates <- Candidates(p.doc, p.filter)
	})
	var cands []Candidate
	select {
	case cands = <-candidates:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if len(cands) == 0 {
		p.loop.Post(p.c.CancelPlacement)
		return nil, fmt.Errorf("pick: no elements to choose from")
	}

	app := tview.NewApplication()
	if p.screen != nil {
		app.SetScreen(p.screen)
	}
	drv := driver{loop: p.loop, doc: p.doc}
	table := newTable(cands)
	table.SetSelectionChangedFunc(func(row, _ int) {
		if row > 0 {
			drv.hover(cands[row-1].Node)
		}
	}).SetSelectedFunc(func(row, _ int) {
		if row > 0 {
			drv.commit(cands[row-1].Node)
		}
	}).SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape {
			drv.cancel()
		}
	})
	help := tview.NewTextView().SetText("↑/↓ choose  enter pick  esc cancel")
	grid := tview.NewGrid().SetRows(-1, 1).SetColumns(-1).SetBorders(false).
		AddItem(table, 0, 0, 1, 1, 0, 0, true).
		AddItem(help, 1, 0, 1, 1, 0, 0, false)

	var once bool
	app.SetAfterDrawFunc(func(tcell.Screen) {
		if !once {
			once = true
			close(p.ready)
		}
	})
	table.Select(1, 0)
	appErr := make(chan error, 1)
	go func() { appErr <- app.SetRoot(grid, true).Run() }()

	var res result
	select {
	case res = <-done:
	case err := <-appErr:
		// the terminal went away before a choice was made
		p.loop.Post(p.c.CancelPlacement)
		if err == nil {
			err = ErrCancelled
		}
		return nil, err
	case <-ctx.Done():
		p.loop.Post(p.c.CancelPlacement)
		res = result{err: ctx.Err()}
	}
	app.Stop()
	<-appErr
	return res.node, res.err
}

func newTable(cands []Candidate) *tview.Table {
	table := tview.NewTable().SetBorders(false).SetSelectable(true, false)
	for c, h := range []string{"Element", "Path", "Text"} {
		table.SetCell(0, c, tview.NewTableCell(h).
			SetTextColor(tcell.ColorBlue).
			SetSelectable(false))
	}
	for i, cand := range cands {
		r := i + 1
		table.SetCell(r, 0, tview.NewTableCell(strings.Repeat("  ", cand.Depth)+cand.Label).SetTextColor(tcell.ColorGreen))
		table.SetCell(r, 1, tview.NewTableCell(cand.Path).SetTextColor(tcell.ColorWhite))
		table.SetCell(r, 2, tview.NewTableCell(cand.Text).SetTextColor(tcell.ColorGray))
	}
	table.SetFixed(1, 0)
	return table
}
