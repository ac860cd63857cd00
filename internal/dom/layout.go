package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// RectAttr carries an element's box as "x,y,w,h" in document coordinates.
// Hosts without a layout engine (static documents, tests) use it to give
// elements a position.
const RectAttr = "data-ami-rect"

// Point is a position in document coordinates.
type Point struct {
	X, Y float64
}

// Rect is an axis aligned box.
type Rect struct {
	X, Y, W, H float64
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.X + r.W }

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.H }

// Contains reports whether p lies inside r.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.Right() && p.Y >= r.Y && p.Y < r.Bottom()
}

// LayoutFunc returns the box of an element, if it has one.
type LayoutFunc func(n *html.Node) (Rect, bool)

// AttrLayout reads boxes from the RectAttr attribute.
func AttrLayout(n *html.Node) (Rect, bool) {
	v, ok := Attr(n, RectAttr)
	if !ok {
		return Rect{}, false
	}
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return Rect{}, false
	}
	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Rect{}, false
		}
		vals[i] = f
	}
	return Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true
}

// FormatRect renders r in the RectAttr format.
func FormatRect(r Rect) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(r.X) + "," + f(r.Y) + "," + f(r.W) + "," + f(r.H)
}

// SetLayout replaces the layout source.
func (d *Document) SetLayout(fn LayoutFunc) {
	d.layout = fn
}

// Rect returns the box of n.
func (d *Document) Rect(n *html.Node) (Rect, bool) {
	return d.layout(n)
}

// Viewport returns the visible area. X and Y are the scroll offsets.
func (d *Document) Viewport() Rect {
	return d.viewport
}

// ScrollTo moves the viewport and dispatches a scroll event on the root.
func (d *Document) ScrollTo(x, y float64) {
	d.viewport.X, d.viewport.Y = x, y
	d.Dispatch(d.root, &Event{Type: "scroll"})
}

// Resize changes the viewport size and dispatches a resize event on the
// root.
func (d *Document) Resize(w, h float64) {
	d.viewport.W, d.viewport.H = w, h
	d.Dispatch(d.root, &Event{Type: "resize"})
}

// ElementAt returns the deepest element whose box contains p.
func (d *Document) ElementAt(p Point) *html.Node {
	var hit *html.Node
	Descendants(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return n.Type == html.DocumentNode
		}
		if r, ok := d.layout(n); ok && r.Contains(p) {
			hit = n
		}
		return true
	})
	return hit
}
