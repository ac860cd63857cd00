package highlight

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/output"
	"github.com/jakopako/ami/internal/sched"
	"github.com/jakopako/ami/internal/types"
)

const page = `<html><body>
<nav><a href="/a">a</a><a href="/b" class="ext">b</a></nav>
<main><button id="save">Save</button><pre class="code">x</pre></main>
</body></html>`

var rules = []Rule{
	{Name: "links", Selectors: []string{"nav a"}},
	{Name: "external", Selectors: []string{"a.ext"}},
	{Name: "code", Selectors: []string{"pre.code"}, Class: "ami-code", Overlay: true},
}

func newDoc(t *testing.T) (*dom.Document, *sched.Loop) {
	t.Helper()
	l := sched.NewManual(time.Unix(0, 0))
	d, err := dom.ParseString(page, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	return d, l
}

func classed(d *dom.Document, class string) int {
	return len(d.QueryAll("." + class))
}

func TestSessionDecoratesAndForwards(t *testing.T) {
	d, l := newDoc(t)
	msgs := make(chan types.RenderMessage, 8)
	s, err := New(d, Options{Rules: rules, Overlay: true, Messages: msgs})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s.Start()
	l.RunUntilIdle()

	if got := classed(d, DefaultClass); got != 2 {
		t.Fatalf("expected 2 highlighted links but got %d", got)
	}
	if got := classed(d, "ami-code"); got != 1 {
		t.Fatalf("expected 1 highlighted code block but got %d", got)
	}
	if s.Overlay() == nil || s.Overlay().Attached() != 1 {
		t.Fatalf("expected the overlay on the code block")
	}
	want := []output.RuleMatch{{Rule: "links", Matched: 2}, {Rule: "external", Matched: 1}, {Rule: "code", Matched: 1}}
	if diff := cmp.Diff(want, s.Matches()); diff != "" {
		t.Fatalf("matches mismatch (-want +got):\n%s", diff)
	}
	select {
	case msg := <-msgs:
		if msg.Type != types.RenderMessageType || msg.Detail.Mode != "full" {
			t.Fatalf("unexpected render message %+v", msg)
		}
	default:
		t.Fatalf("expected a render message")
	}

	// the external link stops matching one rule but keeps the shared class
	ext := d.Query("a.ext")
	d.RemoveClass(ext, "ext")
	l.RunUntilIdle()
	if !dom.HasClass(ext, DefaultClass) {
		t.Fatalf("expected the class to stay while another rule matches")
	}

	s.Stop()
	if classed(d, DefaultClass)+classed(d, "ami-code") != 0 {
		t.Fatalf("expected Stop to remove every decoration")
	}
}

func TestSettingsArePersisted(t *testing.T) {
	d, l := newDoc(t)
	cache := automation.NewMemoryCache()
	s, err := New(d, Options{Rules: rules, Cache: cache, Key: "k"})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s.Start()
	l.RunUntilIdle()

	if err := s.SetEnabled(false); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	l.RunUntilIdle()
	if classed(d, DefaultClass) != 0 || s.Engine() != nil {
		t.Fatalf("expected highlighting to be off")
	}

	// a new session starts disabled from the stored settings
	d2, l2 := newDoc(t)
	s2, err := New(d2, Options{Rules: rules, Cache: cache, Key: "k"})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s2.Start()
	l2.RunUntilIdle()
	if s2.Settings().Enabled || classed(d2, DefaultClass) != 0 {
		t.Fatalf("expected the stored settings to disable highlighting")
	}
	if err := s2.SetEnabled(true); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	l2.RunUntilIdle()
	if classed(d2, DefaultClass) != 2 {
		t.Fatalf("expected highlighting after enabling, got %d", classed(d2, DefaultClass))
	}
}

func TestSessionBindsTriggers(t *testing.T) {
	d, l := newDoc(t)
	ctx := context.Background()
	m := automation.NewManager(automation.ManagerOptions{})
	if err := m.SetContext(ctx, automation.DocumentContext{Path: "/a.html"}); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if err := m.SetEnabled(ctx, true); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if _, err := m.CreateTrigger(ctx, automation.Trigger{ID: "save", Selector: "#save", ActionCode: `c.Element.AddClass("saved")`, Enabled: true}); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s, err := New(d, Options{Rules: rules, Manager: m})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s.Start()
	l.RunUntilIdle()
	defer s.Stop()

	save := d.Query("#save")
	d.Dispatch(save, &dom.Event{Type: "click", Button: dom.ButtonPrimary})
	l.RunUntilIdle()
	if !dom.HasClass(save, "saved") {
		t.Fatalf("expected the trigger action to run")
	}
	if b, ok := s.Controller().Binding("save"); !ok || b.Status != automation.StatusBound {
		t.Fatalf("expected a bound trigger but got %+v", b)
	}
}

func TestTooManyRules(t *testing.T) {
	d, _ := newDoc(t)
	many := make([]Rule, 32)
	for i := range many {
		many[i] = Rule{Name: string(rune('a' + i)), Selectors: []string{"a"}}
	}
	if _, err := New(d, Options{Rules: many}); err == nil {
		t.Fatalf("expected an error for 32 rules")
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	d, l := newDoc(t)
	s1, created, err := Bootstrap("host-1", d, Options{Rules: rules})
	if err != nil || !created {
		t.Fatalf("expected a new session, got created=%v err=%v", created, err)
	}
	l.RunUntilIdle()
	s2, created, _ := Bootstrap("host-1", d, Options{})
	if created || s1 != s2 {
		t.Fatalf("expected the existing session to be returned")
	}
	if got, ok := Lookup("host-1"); !ok || got != s1 {
		t.Fatalf("expected Lookup to find the session")
	}
	if diff := cmp.Diff([]string{"host-1"}, Hosts()); diff != "" {
		t.Fatalf("hosts mismatch (-want +got):\n%s", diff)
	}
	if !Teardown("host-1") || Teardown("host-1") {
		t.Fatalf("expected exactly one successful teardown")
	}
	if classed(d, DefaultClass) != 0 {
		t.Fatalf("expected teardown to remove decorations")
	}
}

func TestRemovedElementsLeaveTheOverlay(t *testing.T) {
	d, l := newDoc(t)
	s, err := New(d, Options{Rules: rules, Overlay: true})
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	s.Start()
	l.RunUntilIdle()
	if s.Overlay().Attached() != 1 {
		t.Fatalf("expected the overlay on the code block")
	}

	d.Remove(d.Query("pre.code"))
	l.RunUntilIdle()
	if got := s.Overlay().Attached(); got != 0 {
		t.Fatalf("expected no attached elements after removal but got %d", got)
	}
}
