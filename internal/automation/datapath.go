package automation

import (
	"fmt"
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/jakopako/ami/internal/classify"
	"github.com/jakopako/ami/internal/dom"
	"golang.org/x/net/html"
)

// A step is one element of a data path.
type step struct {
	tag     string
	id      string
	classes []string
	nth     int // 1-based position among siblings with the same tag
}

func (s step) string() string {
	var sb strings.Builder
	sb.WriteString(s.tag)
	if s.id != "" {
		sb.WriteString("#" + escapeIdent(s.id))
	}
	for _, cl := range s.classes {
		sb.WriteString("." + escapeIdent(cl))
	}
	fmt.Fprintf(&sb, ":nth-of-type(%d)", s.nth)
	return sb.String()
}

// A dataPath is the list of steps from body down to an element.
type dataPath []step

func (p dataPath) string() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.string()
	}
	return strings.Join(parts, " > ")
}

// distance is the levenshtein distance of the string forms.
func (p dataPath) distance(p2 string) int {
	return levenshtein.ComputeDistance(p.string(), p2)
}

// MaxPathDistance is the largest share of a data path that may differ for
// a fuzzy match.
const MaxPathDistance = 0.25

// DataPath returns the structural path of n, for example
// "body:nth-of-type(1) > div#main:nth-of-type(1) > p.note:nth-of-type(2)".
// The string is a valid selector.
func DataPath(n *html.Node) string {
	return pathOf(n).string()
}

func pathOf(n *html.Node) dataPath {
	var p dataPath
	for c := n; c != nil && c.Type == html.ElementNode; c = c.Parent {
		p = append(p, stepOf(c))
		if c.Data == "body" {
			break
		}
	}
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
	return p
}

func stepOf(n *html.Node) step {
	s := step{tag: n.Data, id: dom.ID(n), classes: dom.Classes(n), nth: 1}
	for sib := n.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == n.Data {
			s.nth++
		}
	}
	return s
}

// ResolvePath finds the element at path. An exact match wins; otherwise
// the element with the same tag whose path is closest is returned, as long
// as the distance stays within MaxPathDistance of the path length. fuzzy
// reports whether the result came from the fuzzy pass.
func ResolvePath(doc *dom.Document, path string) (n *html.Node, fuzzy bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if hits := doc.QueryAll(path); len(hits) == 1 && !isOwned(hits[0]) {
		return hits[0], false
	}

	tag := lastTag(path)
	limit := int(math.Ceil(float64(len(path)) * MaxPathDistance))
	best, bestDist := (*html.Node)(nil), limit+1
	dom.Descendants(doc.Body(), func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return false
		}
		if _, owned := classify.Owner(c); owned {
			return false
		}
		if tag != "" && c.Data != tag {
			return true
		}
		p := pathOf(c)
		if p.string() == path {
			best, bestDist = c, 0
			return false
		}
		if d := p.distance(path); d < bestDist {
			best, bestDist = c, d
		}
		return true
	})
	return best, best != nil && bestDist > 0
}

// lastTag returns the tag of the last step of path.
func lastTag(path string) string {
	last := path
	if i := strings.LastIndex(path, ">"); i >= 0 {
		last = path[i+1:]
	}
	last = strings.TrimSpace(last)
	end := strings.IndexAny(last, "#.:[")
	if end >= 0 {
		last = last[:end]
	}
	return strings.ToLower(last)
}

// escapeIdent escapes characters that would end an identifier in a
// selector.
func escapeIdent(s string) string {
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r == ':' || r == '>' || r == '[' || r == ']' || r == '/' || r == '!' || r == '%' || r == '.' || r == '#':
			sb.WriteRune('\\')
			sb.WriteRune(r)
		case i == 0 && r >= '0' && r <= '9':
			fmt.Fprintf(&sb, `\3%c `, r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
