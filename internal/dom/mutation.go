package dom

import (
	"slices"

	"golang.org/x/net/html"
)

// MutationType is the kind of change a MutationRecord describes.
type MutationType string

const (
	ChildList     MutationType = "childList"
	Attributes    MutationType = "attributes"
	CharacterData MutationType = "characterData"
)

// MutationRecord is a single observed change.
type MutationRecord struct {
	Type          MutationType
	Target        *html.Node
	AddedNodes    []*html.Node
	RemovedNodes  []*html.Node
	AttributeName string
	OldValue      string
}

// ObserveOptions selects which records an observer receives.
type ObserveOptions struct {
	ChildList     bool
	Attributes    bool
	CharacterData bool
	Subtree       bool
	// AttributeFilter limits attribute records to these names if non-empty.
	AttributeFilter []string
}

// A MutationObserver receives batches of records asynchronously. All
// records produced during one task are delivered together in a later task.
type MutationObserver struct {
	doc       *Document
	root      *html.Node
	opts      ObserveOptions
	callback  func([]MutationRecord)
	records   []MutationRecord
	scheduled bool
	active    bool
}

// Observe starts observing root. root may be nil for the whole document.
func (d *Document) Observe(root *html.Node, opts ObserveOptions, callback func([]MutationRecord)) *MutationObserver {
	if root == nil {
		root = d.root
	}
	o := &MutationObserver{
		doc:      d,
		root:     root,
		opts:     opts,
		callback: callback,
		active:   true,
	}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery and drops queued records.
func (o *MutationObserver) Disconnect() {
	if !o.active {
		return
	}
	o.active = false
	o.records = nil
	d := o.doc
	if i := slices.Index(d.observers, o); i >= 0 {
		d.observers = slices.Delete(d.observers, i, i+1)
	}
}

// TakeRecords returns and clears the queued records.
func (o *MutationObserver) TakeRecords() []MutationRecord {
	records := compress(o.records)
	o.records = nil
	return records
}

func (o *MutationObserver) wants(rec MutationRecord) bool {
	switch rec.Type {
	case ChildList:
		if !o.opts.ChildList {
			return false
		}
	case Attributes:
		if !o.opts.Attributes {
			return false
		}
		if len(o.opts.AttributeFilter) > 0 && !slices.Contains(o.opts.AttributeFilter, rec.AttributeName) {
			return false
		}
	case CharacterData:
		if !o.opts.CharacterData {
			return false
		}
	}
	if rec.Target == o.root {
		return true
	}
	if !o.opts.Subtree {
		return false
	}
	for p := rec.Target.Parent; p != nil; p = p.Parent {
		if p == o.root {
			return true
		}
	}
	return false
}

func (o *MutationObserver) deliver() {
	o.scheduled = false
	if !o.active || len(o.records) == 0 {
		return
	}
	o.callback(o.TakeRecords())
}

func (d *Document) notify(rec MutationRecord) {
	for _, o := range d.observers {
		if !o.wants(rec) {
			continue
		}
		o.records = append(o.records, rec)
		if !o.scheduled {
			o.scheduled = true
			d.loop.Post(o.deliver)
		}
	}
}

// compress collapses consecutive attribute records on the same target and
// attribute into one, keeping the first old value. Child list records are
// structurally significant and never merged.
func compress(records []MutationRecord) []MutationRecord {
	if len(records) <= 1 {
		return records
	}
	result := make([]MutationRecord, 0, len(records))
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec.Type == Attributes || rec.Type == CharacterData {
			firstOld := rec.OldValue
			j := i + 1
			for j < len(records) &&
				records[j].Type == rec.Type &&
				records[j].Target == rec.Target &&
				records[j].AttributeName == rec.AttributeName {
				rec = records[j]
				j++
			}
			rec.OldValue = firstOld
			i = j - 1
		}
		result = append(result, rec)
	}
	return result
}
