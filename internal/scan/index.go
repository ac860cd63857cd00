package scan

import (
	"github.com/jakopako/ami/internal/selector"
	"golang.org/x/net/html"
)

type indexEntry struct {
	plan  *selector.Plan
	mask  uint32 // bits of every rule using this plan
	epoch uint64
}

// index buckets plans by the most selective key of their subject compound
// so that an element is only tested against plans that can match it.
type index struct {
	byID     map[string][]*indexEntry
	byClass  map[string][]*indexEntry
	byTag    map[string][]*indexEntry
	wildcard []*indexEntry
	fallback []*indexEntry
	entries  map[*selector.Plan]*indexEntry
	epoch    uint64
}

func newIndex() *index {
	return &index{
		byID:    map[string][]*indexEntry{},
		byClass: map[string][]*indexEntry{},
		byTag:   map[string][]*indexEntry{},
		entries: map[*selector.Plan]*indexEntry{},
	}
}

func (ix *index) add(p *selector.Plan, bit uint32) {
	if e, ok := ix.entries[p]; ok {
		e.mask |= bit
		return
	}
	e := &indexEntry{plan: p, mask: bit}
	ix.entries[p] = e
	switch {
	case p.Never():
		// registered so the rule keeps its bit, but never a candidate
	case !p.Simple:
		ix.fallback = append(ix.fallback, e)
	case p.Compound.ID != "":
		ix.byID[p.Compound.ID] = append(ix.byID[p.Compound.ID], e)
	case len(p.Compound.Classes) > 0:
		for _, cl := range p.Compound.Classes {
			ix.byClass[cl] = append(ix.byClass[cl], e)
		}
	case p.Compound.Tag != "":
		ix.byTag[p.Compound.Tag] = append(ix.byTag[p.Compound.Tag], e)
	default:
		ix.wildcard = append(ix.wildcard, e)
	}
}

// evaluate returns the mask of all rules matching n.
func (ix *index) evaluate(n *html.Node) uint32 {
	ix.epoch++
	var mask uint32
	test := func(entries []*indexEntry) {
		for _, e := range entries {
			if e.epoch == ix.epoch {
				continue
			}
			e.epoch = ix.epoch
			if mask&e.mask == e.mask {
				// every rule of this plan already matched
				continue
			}
			if e.plan.Match(n) {
				mask |= e.mask
			}
		}
	}

	var id, class string
	for _, a := range n.Attr {
		if a.Namespace != "" {
			continue
		}
		switch a.Key {
		case "id":
			id = a.Val
		case "class":
			class = a.Val
		}
	}
	if id != "" {
		test(ix.byID[id])
	}
	if class != "" && len(ix.byClass) > 0 {
		for _, cl := range splitFields(class) {
			test(ix.byClass[cl])
		}
	}
	test(ix.byTag[n.Data])
	test(ix.wildcard)
	test(ix.fallback)
	return mask
}

// splitFields is strings.Fields without the allocation for the common
// single-class case.
func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '\f':
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}
