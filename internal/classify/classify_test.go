package classify

import (
	"testing"
	"time"

	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
)

func TestIsExcluded(t *testing.T) {
	l := sched.NewManual(time.Unix(0, 0))
	d, err := dom.ParseString(`<body><div id="a" data-ami-ignore><p id="b">x</p></div><p id="c">y</p><script id="s"></script></body>`, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	c := New(nil)
	c.Reset(1)

	tests := []struct {
		id       string
		excluded bool
	}{
		{"a", true},
		{"b", true},
		{"c", false},
		{"s", true},
	}
	for _, tc := range tests {
		if got := c.IsExcluded(d.Query("#" + tc.id)); got != tc.excluded {
			t.Fatalf("expected excluded=%v for #%s but got %v", tc.excluded, tc.id, got)
		}
	}
}

func TestCacheIsRevisionScoped(t *testing.T) {
	l := sched.NewManual(time.Unix(0, 0))
	d, err := dom.ParseString(`<body><div id="a"><p id="b">x</p></div></body>`, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	c := New(nil)
	c.Reset(1)
	b := d.Query("#b")
	if c.IsExcluded(b) {
		t.Fatalf("expected #b not to be excluded")
	}

	MarkIgnored(d, d.Query("#a"))
	if c.IsExcluded(b) {
		t.Fatalf("expected the cached answer within the same revision")
	}
	c.Reset(2)
	if !c.IsExcluded(b) {
		t.Fatalf("expected a fresh answer after Reset")
	}
}

func TestOwner(t *testing.T) {
	n := dom.CreateElement("div")
	MarkOwned(n, "overlay")
	MarkOwned(n, "marker")
	if o, ok := Owner(n); !ok || o != "marker" {
		t.Fatalf("expected owner 'marker' but got %q", o)
	}
	if !New(nil).SelfExcluded(n) {
		t.Fatalf("expected owned nodes to be excluded")
	}
}
