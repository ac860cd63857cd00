package dom

import (
	"strings"
	"testing"
	"time"

	"github.com/jakopako/ami/internal/sched"
)

const page = `<html><body>
<ul id="list"><li class="x">a</li><li>b</li></ul>
<div id="box" data-ami-rect="10,20,100,50"><button id="save">Save</button></div>
</body></html>`

func newDoc(t *testing.T) (*Document, *sched.Loop) {
	t.Helper()
	l := sched.NewManual(time.Unix(0, 0))
	d, err := ParseString(page, l)
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	return d, l
}

func TestQuery(t *testing.T) {
	d, _ := newDoc(t)
	if n := d.Query("li.x"); n == nil || Text(n) != "a" {
		t.Fatalf("expected to find the first li")
	}
	if n := d.QueryAll("li"); len(n) != 2 {
		t.Fatalf("expected 2 li elements but got %d", len(n))
	}
	if n := d.QueryAll("li[[["); len(n) != 0 {
		t.Fatalf("expected an invalid selector to match nothing")
	}
	if d.Body().Data != "body" {
		t.Fatalf("expected body but got %s", d.Body().Data)
	}
}

func TestClassHelpers(t *testing.T) {
	d, _ := newDoc(t)
	li := d.Query("li.x")
	d.AddClass(li, "hit", "x")
	if v, _ := Attr(li, "class"); v != "x hit" {
		t.Fatalf("expected 'x hit' but got '%s'", v)
	}
	d.RemoveClass(li, "x")
	if HasClass(li, "x") || !HasClass(li, "hit") {
		t.Fatalf("unexpected class list %v", Classes(li))
	}
	d.ToggleClass(li, "hit", false)
	if v, ok := Attr(li, "class"); !ok || v != "" {
		t.Fatalf("expected an empty class attribute but got %q (present: %v)", v, ok)
	}
}

func TestObserverBatchesRecords(t *testing.T) {
	d, l := newDoc(t)
	var batches [][]MutationRecord
	d.Observe(nil, ObserveOptions{ChildList: true, Attributes: true, Subtree: true}, func(r []MutationRecord) {
		batches = append(batches, r)
	})

	li := d.Query("li.x")
	d.SetAttr(li, "data-a", "1")
	d.SetAttr(li, "data-a", "2")
	d.SetAttr(li, "data-a", "2") // unchanged, no record
	d.Remove(d.Query("li:not(.x)"))
	if len(batches) != 0 {
		t.Fatalf("expected asynchronous delivery")
	}
	l.RunUntilIdle()

	if len(batches) != 1 {
		t.Fatalf("expected one batch but got %d", len(batches))
	}
	records := batches[0]
	if len(records) != 2 {
		t.Fatalf("expected consecutive attribute records to be merged, got %d records", len(records))
	}
	if records[0].Type != Attributes || records[0].OldValue != "" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if v, _ := Attr(li, "data-a"); v != "2" {
		t.Fatalf("expected data-a=2 but got %s", v)
	}
	if records[1].Type != ChildList || len(records[1].RemovedNodes) != 1 {
		t.Fatalf("unexpected second record %+v", records[1])
	}
}

func TestObserverFilters(t *testing.T) {
	d, l := newDoc(t)
	list := d.Query("#list")
	var got []MutationRecord
	o := d.Observe(list, ObserveOptions{Attributes: true, AttributeFilter: []string{"class"}}, func(r []MutationRecord) {
		got = append(got, r...)
	})
	d.SetAttr(list, "data-x", "1")
	d.SetAttr(list, "class", "c")
	d.SetAttr(d.Query("li"), "class", "y") // not subtree
	l.RunUntilIdle()
	if len(got) != 1 || got[0].AttributeName != "class" {
		t.Fatalf("expected exactly the class record on the root, got %+v", got)
	}

	o.Disconnect()
	d.SetAttr(list, "class", "d")
	l.RunUntilIdle()
	if len(got) != 1 {
		t.Fatalf("expected no delivery after Disconnect")
	}
}

func TestDispatchPhases(t *testing.T) {
	d, _ := newDoc(t)
	btn := d.Query("#save")
	box := d.Query("#box")
	var order []string
	d.AddEventListener(d.Root(), "click", func(e *Event) { order = append(order, "root-capture") }, true)
	d.AddEventListener(box, "click", func(e *Event) { order = append(order, "box-bubble") }, false)
	d.AddEventListener(btn, "click", func(e *Event) { order = append(order, "target-bubble") }, false)
	d.AddEventListener(btn, "click", func(e *Event) { order = append(order, "target-capture") }, true)
	d.AddEventListener(btn, "keydown", func(e *Event) { order = append(order, "wrong-type") }, false)

	d.Dispatch(btn, &Event{Type: "click"})
	expected := "root-capture,target-capture,target-bubble,box-bubble"
	if s := strings.Join(order, ","); s != expected {
		t.Fatalf("expected %s but got %s", expected, s)
	}
}

func TestDispatchStopAndRemove(t *testing.T) {
	d, _ := newDoc(t)
	btn := d.Query("#save")
	calls := 0
	d.AddEventListener(d.Root(), "click", func(e *Event) {
		e.StopPropagation()
		e.PreventDefault()
	}, true)
	id := d.AddEventListener(btn, "click", func(e *Event) { calls++ }, false)

	if d.Dispatch(btn, &Event{Type: "click"}) {
		t.Fatalf("expected Dispatch to report a prevented default")
	}
	if calls != 0 {
		t.Fatalf("expected the capturing root to stop propagation")
	}

	d.RemoveEventListener(id)
	if d.ListenerCount(btn) != 0 {
		t.Fatalf("expected the listener to be removed")
	}
}

func TestLayout(t *testing.T) {
	d, _ := newDoc(t)
	r, ok := d.Rect(d.Query("#box"))
	if !ok || r != (Rect{X: 10, Y: 20, W: 100, H: 50}) {
		t.Fatalf("unexpected rect %+v (%v)", r, ok)
	}
	if n := d.ElementAt(Point{X: 50, Y: 30}); n == nil || ID(n) != "box" {
		t.Fatalf("expected to hit #box")
	}
	if FormatRect(r) != "10,20,100,50" {
		t.Fatalf("unexpected formatted rect %s", FormatRect(r))
	}
}

func TestPostMessage(t *testing.T) {
	d, l := newDoc(t)
	var got []any
	cancel := d.OnMessage(func(msg any) { got = append(got, msg) })
	d.PostMessage("hello")
	if len(got) != 0 {
		t.Fatalf("expected asynchronous delivery")
	}
	l.RunUntilIdle()
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected messages %v", got)
	}
	cancel()
	d.PostMessage("again")
	l.RunUntilIdle()
	if len(got) != 1 {
		t.Fatalf("expected no delivery after cancel")
	}
}
