package scan

import "golang.org/x/net/html"

// record is the per-element state of the engine.
type record struct {
	revision int
	mask     uint32
	ignore   bool
}

// arena hands out a stable integer handle per live element and keeps the
// element state in dense slices indexed by handle. Released handles are
// reused.
type arena struct {
	handles map[*html.Node]int32
	nodes   []*html.Node
	records []record
	free    []int32
}

func newArena() *arena {
	return &arena{handles: map[*html.Node]int32{}}
}

func (a *arena) lookup(n *html.Node) (int32, bool) {
	h, ok := a.handles[n]
	return h, ok
}

func (a *arena) acquire(n *html.Node) int32 {
	if h, ok := a.handles[n]; ok {
		return h
	}
	var h int32
	if k := len(a.free); k > 0 {
		h = a.free[k-1]
		a.free = a.free[:k-1]
		a.nodes[h] = n
		a.records[h] = record{}
	} else {
		h = int32(len(a.nodes))
		a.nodes = append(a.nodes, n)
		a.records = append(a.records, record{})
	}
	a.handles[n] = h
	return h
}

func (a *arena) release(h int32) {
	n := a.nodes[h]
	if n == nil {
		return
	}
	delete(a.handles, n)
	a.nodes[h] = nil
	a.records[h] = record{}
	a.free = append(a.free, h)
}

func (a *arena) len() int {
	return len(a.handles)
}
