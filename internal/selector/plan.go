package selector

import (
	"strings"

	"golang.org/x/net/html"
)

// Plan is the compiled form of one selector string.
type Plan struct {
	// Source is the trimmed selector text the plan was first compiled from.
	Source string
	// Simple is true for plans on the fast path.
	Simple bool
	// Compound is the subject compound of a simple plan, nil otherwise.
	Compound *Compound
	// Chain holds the ancestor compounds of a descendant selector, outermost
	// first. It is empty for single compounds.
	Chain []*Compound
	// Signature is the normalized selector text. Simple plans with equal
	// signatures are shared.
	Signature string

	predicate func(*html.Node) bool
}

// Match reports whether element n matches the plan.
func (p *Plan) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	return p.predicate(n)
}

// Never reports whether the plan can never match, which is the case for
// empty and malformed selectors.
func (p *Plan) Never() bool {
	return p.predicate == nil || p.Signature == ""
}

func never(*html.Node) bool { return false }

func newSimplePlan(src string, chain []*Compound) *Plan {
	subject := chain[len(chain)-1]
	ancestors := chain[:len(chain)-1]
	sigs := make([]string, len(chain))
	for i, c := range chain {
		sigs[i] = c.Signature()
	}
	p := &Plan{
		Source:    src,
		Simple:    true,
		Compound:  subject,
		Chain:     ancestors,
		Signature: strings.Join(sigs, " "),
	}
	if len(ancestors) == 0 {
		p.predicate = subject.Match
	} else {
		p.predicate = chainPredicate(subject, ancestors)
	}
	return p
}

// chainPredicate tests the subject, then walks up the parents looking for
// each ancestor compound from the innermost to the outermost one. The
// nearest matching ancestor is always the best choice for descendant
// chains, so the walk never backtracks.
func chainPredicate(subject *Compound, ancestors []*Compound) func(*html.Node) bool {
	return func(n *html.Node) bool {
		if !subject.Match(n) {
			return false
		}
		cur := n.Parent
		for i := len(ancestors) - 1; i >= 0; i-- {
			c := ancestors[i]
			for cur != nil && !c.Match(cur) {
				cur = cur.Parent
			}
			if cur == nil {
				return false
			}
			cur = cur.Parent
		}
		return true
	}
}

// Compiler compiles and interns plans. It is not safe for concurrent use.
type Compiler struct {
	bySource    map[string]*Plan
	bySignature map[string]*Plan
}

// NewCompiler returns an empty Compiler.
func NewCompiler() *Compiler {
	return &Compiler{
		bySource:    map[string]*Plan{},
		bySignature: map[string]*Plan{},
	}
}

// Compile returns the plan for sel. It never fails: unsupported selectors
// get a fallback plan and invalid ones a plan that never matches.
func (c *Compiler) Compile(sel string) *Plan {
	src := strings.TrimSpace(sel)
	if p, ok := c.bySource[src]; ok {
		return p
	}
	p := c.compile(src)
	c.bySource[src] = p
	return p
}

func (c *Compiler) compile(src string) *Plan {
	if src == "" {
		return &Plan{Source: src, predicate: never}
	}
	if chain, err := parseChain(src); err == nil {
		p := newSimplePlan(src, chain)
		if shared, ok := c.bySignature[p.Signature]; ok {
			return shared
		}
		c.bySignature[p.Signature] = p
		return p
	}
	match, err := nativeMatcher(src)
	if err != nil {
		return &Plan{Source: src, predicate: never}
	}
	return &Plan{Source: src, Signature: src, predicate: match}
}

// Len returns the number of distinct plans.
func (c *Compiler) Len() int {
	seen := map[*Plan]struct{}{}
	for _, p := range c.bySource {
		seen[p] = struct{}{}
	}
	return len(seen)
}
