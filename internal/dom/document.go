// Package dom is the host document tree. It wraps a golang.org/x/net/html
// tree and routes every structural and attribute change through the
// Document so that mutation observers and event listeners see them the way
// a browser page would.
//
// A Document belongs to one sched.Loop. Its methods must only be called
// from tasks running on that loop.
package dom

import (
	"bytes"
	"io"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jakopako/ami/internal/sched"
	"golang.org/x/net/html"
)

// Document is a mutable, observable html tree.
type Document struct {
	root      *html.Node
	loop      *sched.Loop
	observers []*MutationObserver
	listeners map[*html.Node][]*listener
	byID      map[ListenerID]*listener
	nextID    ListenerID
	layout    LayoutFunc
	viewport  Rect
	sinks     map[int]func(any)
	nextSink  int
}

// NewDocument wraps an already parsed tree. root should be an
// html.DocumentNode but any node works as the document root.
func NewDocument(root *html.Node, loop *sched.Loop) *Document {
	return &Document{
		root:      root,
		loop:      loop,
		listeners: map[*html.Node][]*listener{},
		byID:      map[ListenerID]*listener{},
		layout:    AttrLayout,
		viewport:  Rect{W: 1280, H: 800},
		sinks:     map[int]func(any){},
	}
}

// Parse reads an html document.
func Parse(r io.Reader, loop *sched.Loop) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return NewDocument(root, loop), nil
}

// ParseString is Parse for in-memory documents.
func ParseString(s string, loop *sched.Loop) (*Document, error) {
	return Parse(strings.NewReader(s), loop)
}

// Root returns the document node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Loop returns the loop the document is bound to.
func (d *Document) Loop() *sched.Loop {
	return d.loop
}

// Body returns the body element, or the document root if there is none.
func (d *Document) Body() *html.Node {
	if b := d.Query("body"); b != nil {
		return b
	}
	return d.root
}

// Contains reports whether n is attached to the document.
func (d *Document) Contains(n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if c == d.root {
			return true
		}
	}
	return false
}

// Query returns the first element matching selector or nil.
func (d *Document) Query(selector string) *html.Node {
	return QueryIn(d.root, selector)
}

// QueryAll returns all elements matching selector in document order.
// Invalid selectors match nothing.
func (d *Document) QueryAll(selector string) []*html.Node {
	return QueryAllIn(d.root, selector)
}

// QueryIn returns the first descendant of n matching selector or nil.
func QueryIn(n *html.Node, selector string) *html.Node {
	nodes := QueryAllIn(n, selector)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// QueryAllIn returns all descendants of n matching selector.
func QueryAllIn(n *html.Node, selector string) []*html.Node {
	if n == nil || strings.TrimSpace(selector) == "" {
		return nil
	}
	return goquery.NewDocumentFromNode(n).Find(selector).Nodes
}

// Render writes the document as html.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String renders the document. Render errors yield an empty string.
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

// OuterHTML renders a single node.
func OuterHTML(n *html.Node) (string, error) {
	return goquery.OuterHtml(goquery.NewDocumentFromNode(n).Selection)
}

// CreateElement returns a detached element.
func CreateElement(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type: html.ElementNode,
		Data: strings.ToLower(tag),
		Attr: slices.Clone(attrs),
	}
}

// CreateText returns a detached text node.
func CreateText(text string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: text}
}

// AppendChild attaches child as the last child of parent. A child that is
// still attached elsewhere is moved.
func (d *Document) AppendChild(parent, child *html.Node) {
	d.InsertBefore(parent, child, nil)
}

// InsertBefore attaches child to parent before ref. A nil ref appends.
func (d *Document) InsertBefore(parent, child, ref *html.Node) {
	if child.Parent != nil {
		d.Remove(child)
	}
	parent.InsertBefore(child, ref)
	d.notify(MutationRecord{
		Type:       ChildList,
		Target:     parent,
		AddedNodes: []*html.Node{child},
	})
}

// Remove detaches n from its parent. Detached nodes are left alone.
func (d *Document) Remove(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	parent.RemoveChild(n)
	d.notify(MutationRecord{
		Type:         ChildList,
		Target:       parent,
		RemovedNodes: []*html.Node{n},
	})
}

// ReplaceChildren removes all children of n and appends children.
func (d *Document) ReplaceChildren(n *html.Node, children ...*html.Node) {
	var removed []*html.Node
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		removed = append(removed, c)
		c = next
	}
	for _, c := range children {
		if c.Parent != nil {
			d.Remove(c)
		}
		n.AppendChild(c)
	}
	d.notify(MutationRecord{
		Type:         ChildList,
		Target:       n,
		AddedNodes:   slices.Clone(children),
		RemovedNodes: removed,
	})
}

// SetText replaces the children of n with a single text node.
func (d *Document) SetText(n *html.Node, text string) {
	if n.Type == html.TextNode {
		old := n.Data
		n.Data = text
		d.notify(MutationRecord{Type: CharacterData, Target: n, OldValue: old})
		return
	}
	d.ReplaceChildren(n, CreateText(text))
}

// SetAttr sets an attribute, recording a mutation only if the value changed.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			if a.Val == val {
				return
			}
			n.Attr[i].Val = val
			d.notify(MutationRecord{Type: Attributes, Target: n, AttributeName: key, OldValue: a.Val})
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	d.notify(MutationRecord{Type: Attributes, Target: n, AttributeName: key})
}

// RemoveAttr removes an attribute if present.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr = slices.Delete(n.Attr, i, i+1)
			d.notify(MutationRecord{Type: Attributes, Target: n, AttributeName: key, OldValue: a.Val})
			return
		}
	}
}

// AddClass adds classes that are not present yet.
func (d *Document) AddClass(n *html.Node, classes ...string) {
	current := Classes(n)
	changed := false
	for _, c := range classes {
		if c != "" && !slices.Contains(current, c) {
			current = append(current, c)
			changed = true
		}
	}
	if changed {
		d.SetAttr(n, "class", strings.Join(current, " "))
	}
}

// RemoveClass removes the given classes. An emptied class list keeps an
// empty class attribute, like classList.remove does.
func (d *Document) RemoveClass(n *html.Node, classes ...string) {
	if _, ok := Attr(n, "class"); !ok {
		return
	}
	current := Classes(n)
	kept := current[:0:0]
	for _, c := range current {
		if !slices.Contains(classes, c) {
			kept = append(kept, c)
		}
	}
	if len(kept) != len(current) {
		d.SetAttr(n, "class", strings.Join(kept, " "))
	}
}

// ToggleClass adds or removes class depending on on.
func (d *Document) ToggleClass(n *html.Node, class string, on bool) {
	if on {
		d.AddClass(n, class)
	} else {
		d.RemoveClass(n, class)
	}
}
