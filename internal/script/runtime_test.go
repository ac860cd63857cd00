package script

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jakopako/ami/internal/dom"
	"github.com/jakopako/ami/internal/sched"
)

func newContext(t *testing.T) *Context {
	t.Helper()
	l := sched.NewManual(time.Unix(0, 0))
	d, err := dom.ParseString(`<html><body><button id="save">Save</button><ul><li>a</li><li>b</li></ul></body></html>`, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	el := Wrap(d, d.Query("#save"))
	return &Context{
		Trigger:  TriggerInfo{ID: "t1", Name: "save", Type: "dom", EventType: "click"},
		Element:  el,
		Target:   el,
		Document: NewDocument(d),
		Window:   NewWindow(d, "docs/index.html", nil),
		Event:    NewEvent(&dom.Event{Type: "click"}),
	}
}

func TestConditionResult(t *testing.T) {
	r := NewRuntime()
	c := newContext(t)
	tests := []struct {
		code string
		want any
	}{
		{"return false;", false},
		{"return true", true},
		{NoopCondition, true},
		{`return c.Element.ID() == "save"`, true},
		{`return c.Event.Type`, "click"},
		{"", nil},
	}
	for i, tc := range tests {
		res, err := r.Exec(Source{TriggerID: "t", Slot: SlotCondition, Version: int64(i), Code: tc.code}, c)
		if err != nil {
			t.Fatalf("%q: got unexpected error: %v", tc.code, err)
		}
		if res != tc.want {
			t.Fatalf("%q: expected %v but got %v", tc.code, tc.want, res)
		}
	}
}

func TestEditedScriptRecompiles(t *testing.T) {
	r := NewRuntime()
	c := newContext(t)
	v1 := Source{TriggerID: "t1", Slot: SlotAction, Version: 1, Code: `c.Element.SetAttr("data-run", "one")`}
	for range 3 {
		if _, err := r.Exec(v1, c); err != nil {
			t.Fatalf("got unexpected error: %v", err)
		}
	}
	if r.Compiles() != 1 {
		t.Fatalf("expected the script to be compiled once but got %d", r.Compiles())
	}

	v2 := v1
	v2.Version, v2.Code = 2, `c.Element.SetAttr("data-run", "two")`
	if _, err := r.Exec(v2, c); err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if got := c.Element.Attr("data-run"); got != "two" {
		t.Fatalf("expected the edited action to run but got %q", got)
	}
	if r.Compiles() != 2 || r.Len() != 1 {
		t.Fatalf("expected one cache entry after 2 compiles, got %d entries and %d compiles", r.Len(), r.Compiles())
	}
}

func TestSlotsAreCachedSeparately(t *testing.T) {
	r := NewRuntime()
	c := newContext(t)
	r.Exec(Source{TriggerID: "t1", Slot: SlotTarget, Code: NoopTarget}, c)
	r.Exec(Source{TriggerID: "t1", Slot: SlotAction, Code: NoopAction}, c)
	r.Exec(Source{TriggerID: "t2", Slot: SlotAction, Code: NoopAction}, c)
	if r.Len() != 3 {
		t.Fatalf("expected 3 cache entries but got %d", r.Len())
	}
	r.Invalidate("t1")
	if r.Len() != 1 {
		t.Fatalf("expected only t2 to stay cached, got %d entries", r.Len())
	}
}

func TestTargetCanReturnList(t *testing.T) {
	r := NewRuntime()
	c := newContext(t)
	res, err := r.Exec(Source{TriggerID: "t1", Slot: SlotTarget, Code: `return c.Document.QueryAll("li")`}, c)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	c.Target = res
	if got := len(c.Targets()); got != 2 {
		t.Fatalf("expected 2 targets but got %d", got)
	}
}

func TestScriptErrors(t *testing.T) {
	r := NewRuntime()
	c := newContext(t)

	_, err := r.Exec(Source{TriggerID: "a", Slot: SlotAction, Code: "import \"os\"\nos.Exit(1)"}, c)
	if !errors.Is(err, ErrForbiddenImport) {
		t.Fatalf("expected ErrForbiddenImport but got %v", err)
	}

	_, err = r.Exec(Source{TriggerID: "b", Slot: SlotAction, Code: "return )("}, c)
	if err == nil {
		t.Fatalf("expected a compile error")
	}
	compiles := r.Compiles()
	r.Exec(Source{TriggerID: "b", Slot: SlotAction, Code: "return )("}, c)
	if r.Compiles() != compiles {
		t.Fatalf("expected the compile error to be cached")
	}

	_, err = r.Exec(Source{TriggerID: "c", Slot: SlotAction, Code: "import \"errors\"\nreturn errors.New(\"nope\")"}, c)
	if err == nil || err.Error() != "run c::action: nope" {
		t.Fatalf("expected the returned error, got %v", err)
	}

	_, err = r.Exec(Source{TriggerID: "d", Slot: SlotAction, Code: `panic("boom")`}, c)
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic but got %v", err)
	}
}

func TestSplitImports(t *testing.T) {
	tests := []struct {
		code    string
		imports []string
		body    string
	}{
		{"return nil", nil, "return nil"},
		{"import \"strings\"\nreturn strings.ToUpper(\"a\")", []string{"strings"}, "return strings.ToUpper(\"a\")"},
		{"import (\n\t\"fmt\"\n\t\"ami\"\n\t\"strings\"\n)\n\nreturn fmt.Sprint(1)", []string{"fmt", "strings"}, "return fmt.Sprint(1)"},
		{"\nimport \"fmt\";\nimport \"fmt\"\nx := 1\nreturn x", []string{"fmt"}, "x := 1\nreturn x"},
	}
	for _, tc := range tests {
		imports, body := splitImports(tc.code)
		if !slices.Equal(imports, tc.imports) {
			t.Fatalf("%q: expected imports %v but got %v", tc.code, tc.imports, imports)
		}
		if body != tc.body {
			t.Fatalf("%q: expected body %q but got %q", tc.code, tc.body, body)
		}
	}
}

func TestAsync(t *testing.T) {
	err := <-Async(func() error { return errors.New("late") })
	if err == nil || err.Error() != "late" {
		t.Fatalf("expected the async error but got %v", err)
	}
	err = <-Async(func() error { panic("boom") })
	if err == nil {
		t.Fatalf("expected a panic to become an error")
	}
}
