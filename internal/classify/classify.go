// Package classify marks nodes the highlighter must leave alone and
// answers "is this node excluded" with a per-session cache.
package classify

import (
	"slices"

	"github.com/jakopako/ami/internal/dom"
	"golang.org/x/net/html"
)

const (
	// IgnoreAttr excludes an element and its whole subtree from matching.
	IgnoreAttr = "data-ami-ignore"
	// OwnerAttr marks nodes created by the plugin itself (overlays, trigger
	// markers). Owned subtrees are excluded as well.
	OwnerAttr = "data-ami-owner"
)

// DefaultIgnoredTags are never matched and never descended into.
var DefaultIgnoredTags = []string{"script", "style", "noscript", "template", "head"}

// MarkIgnored sets the ignore marker on n.
func MarkIgnored(d *dom.Document, n *html.Node) {
	d.SetAttr(n, IgnoreAttr, "")
}

// MarkOwned tags n as created by owner.
func MarkOwned(n *html.Node, owner string) {
	for i, a := range n.Attr {
		if a.Key == OwnerAttr {
			n.Attr[i].Val = owner
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: OwnerAttr, Val: owner})
}

// Owner returns the owner recorded on n, if any.
func Owner(n *html.Node) (string, bool) {
	return dom.Attr(n, OwnerAttr)
}

type entry struct {
	revision int
	excluded bool
}

// A Classifier caches exclusion answers per node. Answers are only valid
// for the revision they were computed in, so bumping the revision
// invalidates the whole cache without touching it.
type Classifier struct {
	ignoredTags []string
	cache       map[*html.Node]entry
	revision    int
}

// New returns a Classifier. A nil ignoredTags uses DefaultIgnoredTags.
func New(ignoredTags []string) *Classifier {
	if ignoredTags == nil {
		ignoredTags = DefaultIgnoredTags
	}
	return &Classifier{
		ignoredTags: ignoredTags,
		cache:       map[*html.Node]entry{},
	}
}

// Reset starts a new revision. Entries from older revisions are treated as
// missing and the map is cleared when it only holds stale entries.
func (c *Classifier) Reset(revision int) {
	c.revision = revision
	if len(c.cache) > 4096 {
		c.cache = map[*html.Node]entry{}
	}
}

// Revision returns the current revision.
func (c *Classifier) Revision() int {
	return c.revision
}

// SelfExcluded reports whether n itself carries a marker or an ignored tag.
func (c *Classifier) SelfExcluded(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if slices.Contains(c.ignoredTags, n.Data) {
		return true
	}
	if _, ok := dom.Attr(n, IgnoreAttr); ok {
		return true
	}
	_, owned := dom.Attr(n, OwnerAttr)
	return owned
}

// IsExcluded reports whether n or any ancestor is excluded.
func (c *Classifier) IsExcluded(n *html.Node) bool {
	if n == nil {
		return false
	}
	if e, ok := c.cache[n]; ok && e.revision == c.revision {
		return e.excluded
	}
	excluded := c.SelfExcluded(n) || c.IsExcluded(n.Parent)
	c.cache[n] = entry{revision: c.revision, excluded: excluded}
	return excluded
}

// Forget drops the cached answer for n.
func (c *Classifier) Forget(n *html.Node) {
	delete(c.cache, n)
}

// Len returns the number of cached entries, stale ones included.
func (c *Classifier) Len() int {
	return len(c.cache)
}
