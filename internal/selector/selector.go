// Package selector compiles a restricted compound selector grammar into
// fast predicates.
//
// Supported on the fast path: tag names, '*', #id, .class (any number),
// [attr] and [attr=value] with optional quotes, and descendant chains
// ("ul li.x a"). Anything else (combinators '>', '+', '~', ',', pseudo
// classes, other attribute operators, escapes) compiles to a fallback plan
// matched by cascadia. Selectors neither path understands compile to a plan
// that never matches.
package selector

import (
	"errors"
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var errUnsupported = errors.New("unsupported selector syntax")

// AttrTest is a single [name] or [name=value] condition.
type AttrTest struct {
	Name     string
	Value    string
	HasValue bool
}

// Compound is one tag/id/class/attribute combination without combinators.
type Compound struct {
	Tag     string
	ID      string
	Classes []string
	Attrs   []AttrTest
}

// Match reports whether the element n satisfies every part of c.
func (c *Compound) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if c.Tag != "" && n.Data != c.Tag {
		return false
	}
	if c.ID == "" && len(c.Classes) == 0 && len(c.Attrs) == 0 {
		return true
	}
	var id, class string
	var hasID bool
	for _, a := range n.Attr {
		if a.Namespace != "" {
			continue
		}
		switch a.Key {
		case "id":
			id, hasID = a.Val, true
		case "class":
			class = a.Val
		}
	}
	if c.ID != "" && (!hasID || id != c.ID) {
		return false
	}
	if len(c.Classes) > 0 {
		have := strings.Fields(class)
		for _, cl := range c.Classes {
			if !slices.Contains(have, cl) {
				return false
			}
		}
	}
	for _, t := range c.Attrs {
		if !matchAttr(n, t) {
			return false
		}
	}
	return true
}

func matchAttr(n *html.Node, t AttrTest) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == t.Name {
			return !t.HasValue || a.Val == t.Value
		}
	}
	return false
}

// Signature is the normalized text of c. Two compounds with the same
// signature match exactly the same elements.
func (c *Compound) Signature() string {
	var sb strings.Builder
	if c.Tag == "" {
		sb.WriteByte('*')
	} else {
		sb.WriteString(c.Tag)
	}
	if c.ID != "" {
		sb.WriteByte('#')
		sb.WriteString(c.ID)
	}
	for _, cl := range c.Classes {
		sb.WriteByte('.')
		sb.WriteString(cl)
	}
	for _, a := range c.Attrs {
		sb.WriteByte('[')
		sb.WriteString(a.Name)
		if a.HasValue {
			sb.WriteString(`="`)
			sb.WriteString(a.Value)
			sb.WriteByte('"')
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

func (c *Compound) normalize() {
	slices.Sort(c.Classes)
	c.Classes = slices.Compact(c.Classes)
	slices.SortFunc(c.Attrs, func(a, b AttrTest) int {
		if a.Name != b.Name {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Value, b.Value)
	})
	c.Attrs = slices.Compact(c.Attrs)
}

// parseChain splits sel on whitespace into compounds. The last compound is
// the subject.
func parseChain(sel string) ([]*Compound, error) {
	if strings.ContainsAny(sel, ">+~,") {
		return nil, errUnsupported
	}
	tokens, err := splitCompounds(sel)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errUnsupported
	}
	chain := make([]*Compound, 0, len(tokens))
	for _, tok := range tokens {
		c, err := parseCompound(tok)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
	}
	return chain, nil
}

// splitCompounds splits on whitespace outside of brackets and quotes.
func splitCompounds(sel string) ([]string, error) {
	var tokens []string
	start := -1
	depth := 0
	var quote byte
	for i := 0; i < len(sel); i++ {
		ch := sel[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			if depth == 0 {
				return nil, errUnsupported
			}
			quote = ch
		case ch == '[':
			depth++
		case ch == ']':
			depth--
			if depth < 0 {
				return nil, errUnsupported
			}
		case isSpace(ch) && depth == 0:
			if start >= 0 {
				tokens = append(tokens, sel[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if quote != 0 || depth != 0 {
		return nil, errUnsupported
	}
	if start >= 0 {
		tokens = append(tokens, sel[start:])
	}
	return tokens, nil
}

func parseCompound(tok string) (*Compound, error) {
	c := &Compound{}
	i := 0
	if tok[0] == '*' {
		i = 1
	} else if isIdentStart(tok, 0) {
		name, n := readIdent(tok, 0)
		c.Tag = strings.ToLower(name)
		i = n
	}
	for i < len(tok) {
		switch tok[i] {
		case '#':
			if !isIdentStart(tok, i+1) || c.ID != "" {
				return nil, errUnsupported
			}
			name, n := readIdent(tok, i+1)
			c.ID = name
			i = n
		case '.':
			if !isIdentStart(tok, i+1) {
				return nil, errUnsupported
			}
			name, n := readIdent(tok, i+1)
			c.Classes = append(c.Classes, name)
			i = n
		case '[':
			end := strings.IndexByte(tok[i:], ']')
			if end < 0 {
				return nil, errUnsupported
			}
			t, err := parseAttr(tok[i+1 : i+end])
			if err != nil {
				return nil, err
			}
			c.Attrs = append(c.Attrs, t)
			i += end + 1
		default:
			return nil, errUnsupported
		}
	}
	c.normalize()
	return c, nil
}

func parseAttr(s string) (AttrTest, error) {
	s = strings.TrimSpace(s)
	name, value, hasValue := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if name == "" || !isIdentStart(name, 0) {
		return AttrTest{}, errUnsupported
	}
	if ident, n := readIdent(name, 0); n != len(name) || ident == "" {
		// catches ~= |= ^= $= *= and namespaces
		return AttrTest{}, errUnsupported
	}
	t := AttrTest{Name: strings.ToLower(name)}
	if !hasValue {
		return t, nil
	}
	value = strings.TrimSpace(value)
	switch {
	case len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0]:
		value = value[1 : len(value)-1]
		if strings.ContainsAny(value, `\"'`) {
			return AttrTest{}, errUnsupported
		}
	case isIdentStart(value, 0):
		if _, n := readIdent(value, 0); n != len(value) {
			return AttrTest{}, errUnsupported
		}
	default:
		return AttrTest{}, errUnsupported
	}
	t.Value = value
	t.HasValue = true
	return t, nil
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f'
}

func isIdentChar(ch byte) bool {
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' ||
		ch == '-' || ch == '_' || ch >= 0x80
}

// isIdentStart reports whether a css identifier starts at s[i].
func isIdentStart(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	ch := s[i]
	if ch == '-' {
		if i+1 >= len(s) {
			return false
		}
		ch = s[i+1]
		if ch == '-' {
			return true
		}
	}
	return ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_' || ch >= 0x80
}

func readIdent(s string, i int) (string, int) {
	j := i
	for j < len(s) && isIdentChar(s[j]) {
		j++
	}
	return s[i:j], j
}

// nativeMatcher compiles sel with cascadia.
func nativeMatcher(sel string) (func(*html.Node) bool, error) {
	group, err := cascadia.ParseGroup(sel)
	if err != nil {
		return nil, err
	}
	return group.Match, nil
}
