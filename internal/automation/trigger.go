// Package automation keeps user defined triggers, binds them to document
// elements and runs their scripts when the bound events fire.
package automation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jakopako/ami/internal/script"
	"github.com/jakopako/ami/internal/types"
)

var (
	ErrNotFound       = errors.New("automation: not found")
	ErrInvalidTrigger = errors.New("automation: invalid trigger")
	ErrNoContext      = errors.New("automation: no document context")
	ErrExists         = errors.New("automation: already exists")
)

// TriggerType tells what a trigger listens to.
type TriggerType string

const (
	// TypeDOM triggers listen for events on a document element.
	TypeDOM TriggerType = "dom"
	// TypeNetwork triggers fire on requests or responses seen while the
	// page loads. Their selector is a URL substring.
	TypeNetwork TriggerType = "network"
	// TypePlugin triggers fire on highlight render events.
	TypePlugin TriggerType = "plugin"
)

// DefaultScenario is the slug of the scenario triggers land in when none
// is given.
const DefaultScenario = "default"

// DefaultEventType is used for DOM triggers without an event type.
const DefaultEventType = "click"

// Trigger is a user defined target/condition/action script bound to
// document events.
type Trigger struct {
	ID            string
	Name          string
	Selector      string
	DataPath      string
	EventType     string
	TargetCode    string
	ConditionCode string
	ActionCode    string
	Enabled       bool
	Scenario      string
	Owner         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Type          TriggerType
}

// Validate checks the fields a trigger needs to be bound.
func (t Trigger) Validate() error {
	var problems []string
	if strings.TrimSpace(t.ID) == "" {
		problems = append(problems, "id is empty")
	}
	switch t.Type {
	case TypeDOM:
		if t.Selector == "" && t.DataPath == "" {
			problems = append(problems, "dom triggers need a selector or a data path")
		}
	case TypeNetwork:
		if t.EventType != types.NetworkPhaseRequest && t.EventType != types.NetworkPhaseResponse {
			problems = append(problems, fmt.Sprintf("network triggers listen to %q or %q, not %q",
				types.NetworkPhaseRequest, types.NetworkPhaseResponse, t.EventType))
		}
	case TypePlugin:
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", t.Type))
	}
	if strings.TrimSpace(t.EventType) == "" {
		problems = append(problems, "event type is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTrigger, strings.Join(problems, ", "))
	}
	return nil
}

// withDefaults fills empty fields. Empty script slots become no-op bodies.
func (t Trigger) withDefaults() Trigger {
	if t.Type == "" {
		t.Type = TypeDOM
	}
	if t.EventType == "" {
		switch t.Type {
		case TypeNetwork:
			t.EventType = types.NetworkPhaseResponse
		case TypePlugin:
			t.EventType = types.RenderMessageType
		default:
			t.EventType = DefaultEventType
		}
	}
	if strings.TrimSpace(t.TargetCode) == "" {
		t.TargetCode = script.NoopTarget
	}
	if strings.TrimSpace(t.ConditionCode) == "" {
		t.ConditionCode = script.NoopCondition
	}
	if strings.TrimSpace(t.ActionCode) == "" {
		t.ActionCode = script.NoopAction
	}
	if t.Scenario == "" {
		t.Scenario = DefaultScenario
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	return t
}

// Source returns the script source of one slot.
func (t Trigger) Source(slot script.Slot) script.Source {
	src := script.Source{TriggerID: t.ID, Slot: slot, Version: t.UpdatedAt.UnixMilli()}
	switch slot {
	case script.SlotTarget:
		src.Code = t.TargetCode
	case script.SlotCondition:
		src.Code = t.ConditionCode
	case script.SlotAction:
		src.Code = t.ActionCode
	}
	return src
}

// Info returns what scripts get to know about t.
func (t Trigger) Info() script.TriggerInfo {
	return script.TriggerInfo{ID: t.ID, Name: t.Name, Type: string(t.Type), EventType: t.EventType, Scenario: t.Scenario}
}

// Payload converts t to its wire shape.
func (t Trigger) Payload() types.TriggerPayload {
	return types.TriggerPayload{
		ID:            t.ID,
		Name:          t.Name,
		Selector:      t.Selector,
		DataPath:      t.DataPath,
		EventType:     t.EventType,
		TargetCode:    t.TargetCode,
		ConditionCode: t.ConditionCode,
		ActionCode:    t.ActionCode,
		Enabled:       t.Enabled,
		Scenario:      t.Scenario,
		Owner:         t.Owner,
		CreatedAt:     millis(t.CreatedAt),
		UpdatedAt:     millis(t.UpdatedAt),
		Type:          string(t.Type),
	}
}

// TriggerFromPayload converts a wire trigger and fills defaults.
func TriggerFromPayload(p types.TriggerPayload) Trigger {
	return Trigger{
		ID:            p.ID,
		Name:          p.Name,
		Selector:      p.Selector,
		DataPath:      p.DataPath,
		EventType:     p.EventType,
		TargetCode:    p.TargetCode,
		ConditionCode: p.ConditionCode,
		ActionCode:    p.ActionCode,
		Enabled:       p.Enabled,
		Scenario:      p.Scenario,
		Owner:         p.Owner,
		CreatedAt:     fromMillis(p.CreatedAt),
		UpdatedAt:     fromMillis(p.UpdatedAt),
		Type:          TriggerType(p.Type),
	}.withDefaults()
}

// Scenario is a named group of triggers.
type Scenario struct {
	Slug     string
	Name     string
	Triggers []Trigger
}

// State is the automation state of one document context.
type State struct {
	Enabled        bool
	ActiveScenario string
	Capabilities   map[string]bool
	Scenarios      []Scenario
}

// Scenario returns the scenario with the given slug.
func (s State) Scenario(slug string) (Scenario, bool) {
	i := slices.IndexFunc(s.Scenarios, func(sc Scenario) bool { return sc.Slug == slug })
	if i < 0 {
		return Scenario{}, false
	}
	return s.Scenarios[i], true
}

// Triggers returns the triggers of the active scenario.
func (s State) Triggers() []Trigger {
	sc, _ := s.Scenario(s.ActiveScenario)
	return sc.Triggers
}

// Trigger looks up a trigger of any scenario by id.
func (s State) Trigger(id string) (Trigger, bool) {
	for _, sc := range s.Scenarios {
		for _, t := range sc.Triggers {
			if t.ID == id {
				return t, true
			}
		}
	}
	return Trigger{}, false
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	if s.Capabilities != nil {
		c.Capabilities = make(map[string]bool, len(s.Capabilities))
		for k, v := range s.Capabilities {
			c.Capabilities[k] = v
		}
	}
	c.Scenarios = make([]Scenario, len(s.Scenarios))
	for i, sc := range s.Scenarios {
		sc.Triggers = slices.Clone(sc.Triggers)
		c.Scenarios[i] = sc
	}
	return c
}

// Snapshot converts s to its wire shape.
func (s State) Snapshot() types.Snapshot {
	snap := types.Snapshot{
		Enabled:        s.Enabled,
		ActiveScenario: s.ActiveScenario,
		Capabilities:   s.Capabilities,
		Scenarios:      make([]types.ScenarioPayload, 0, len(s.Scenarios)),
	}
	for _, sc := range s.Scenarios {
		p := types.ScenarioPayload{Slug: sc.Slug, Name: sc.Name, Triggers: make([]types.TriggerPayload, 0, len(sc.Triggers))}
		for _, t := range sc.Triggers {
			p.Triggers = append(p.Triggers, t.Payload())
		}
		snap.Scenarios = append(snap.Scenarios, p)
	}
	return snap
}

// StateFromSnapshot converts a wire snapshot. Triggers get their defaults
// and the scenario they are listed under.
func StateFromSnapshot(snap types.Snapshot) State {
	s := State{
		Enabled:        snap.Enabled,
		ActiveScenario: snap.ActiveScenario,
		Capabilities:   snap.Capabilities,
	}
	for _, sp := range snap.Scenarios {
		sc := Scenario{Slug: sp.Slug, Name: sp.Name}
		if sc.Name == "" {
			sc.Name = sc.Slug
		}
		for _, tp := range sp.Triggers {
			t := TriggerFromPayload(tp)
			t.Scenario = sc.Slug
			sc.Triggers = append(sc.Triggers, t)
		}
		s.Scenarios = append(s.Scenarios, sc)
	}
	return s.ensureDefault()
}

// ensureDefault makes sure a scenario exists and one of them is active.
func (s State) ensureDefault() State {
	if len(s.Scenarios) == 0 {
		s.Scenarios = []Scenario{{Slug: DefaultScenario, Name: "Default"}}
	}
	if _, ok := s.Scenario(s.ActiveScenario); !ok {
		s.ActiveScenario = s.Scenarios[0].Slug
	}
	return s
}

// DocumentContext identifies the persisted automation payload of one
// document.
type DocumentContext struct {
	Path     string `json:"path"`
	Root     string `json:"root"`
	MetaPath string `json:"metaPath,omitempty"`
}

// Key returns a string identifying c.
func (c DocumentContext) Key() string {
	return c.Root + "|" + c.Path
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
