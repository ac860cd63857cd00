package automation

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jakopako/ami/internal/script"
	"github.com/jakopako/ami/internal/types"
)

func TestNormalizeScenarios(t *testing.T) {
	payload := `{
		"enabled": true,
		"activeScenario": "checkout",
		"capabilities": {"network": true, "plugin": "false"},
		"scenarios": [
			{"slug": "checkout", "name": "Checkout", "triggers": [
				{"id": "a", "selector": "#pay", "eventType": "click", "conditionCode": "return false;", "updatedAt": 10},
				{"id": "a", "selector": "#old", "updatedAt": 5},
				{"id": "n", "type": "network", "selector": "/api/cart", "eventType": "request"}
			]},
			{"name": "Second Step", "triggers": []},
			"garbage"
		]
	}`
	s, err := Normalize(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if !s.Enabled || s.ActiveScenario != "checkout" {
		t.Fatalf("unexpected flags %+v", s)
	}
	if diff := cmp.Diff(map[string]bool{"network": true, "plugin": false}, s.Capabilities); diff != "" {
		t.Fatalf("capabilities mismatch (-want +got):\n%s", diff)
	}
	var slugs []string
	for _, sc := range s.Scenarios {
		slugs = append(slugs, sc.Slug)
	}
	if diff := cmp.Diff([]string{"checkout", "second-step"}, slugs); diff != "" {
		t.Fatalf("scenarios mismatch (-want +got):\n%s", diff)
	}
	want := []Trigger{
		{
			ID: "a", Name: "a", Selector: "#pay", EventType: "click",
			TargetCode: script.NoopTarget, ConditionCode: "return false;", ActionCode: script.NoopAction,
			Enabled: true, Scenario: "checkout", Type: TypeDOM, UpdatedAt: time.UnixMilli(10),
		},
		{
			ID: "n", Name: "n", Selector: "/api/cart", EventType: types.NetworkPhaseRequest,
			TargetCode: script.NoopTarget, ConditionCode: script.NoopCondition, ActionCode: script.NoopAction,
			Enabled: true, Scenario: "checkout", Type: TypeNetwork,
		},
	}
	if diff := cmp.Diff(want, s.Scenarios[0].Triggers, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("triggers mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizeLegacy(t *testing.T) {
	payload := `{
		"enabled": "true",
		"triggers": [
			{"selector": "#a", "enabled": false},
			{"id": "b", "selector": "#b", "scenario": "other", "eventType": 42, "type": "bogus"},
			7
		]
	}`
	s, err := Normalize(strings.NewReader(payload))
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if !s.Enabled {
		t.Fatalf("expected a string flag to be read")
	}
	def, ok := s.Scenario(DefaultScenario)
	if !ok || len(def.Triggers) != 1 {
		t.Fatalf("expected one trigger in the default scenario, got %+v", s.Scenarios)
	}
	a := def.Triggers[0]
	if a.ID == "" || a.Enabled || a.EventType != DefaultEventType {
		t.Fatalf("unexpected legacy trigger %+v", a)
	}
	other, ok := s.Scenario("other")
	if !ok || len(other.Triggers) != 1 {
		t.Fatalf("expected the trigger to be grouped by its scenario, got %+v", s.Scenarios)
	}
	if b := other.Triggers[0]; b.Type != TypeDOM || b.EventType != "42" {
		t.Fatalf("unexpected coerced trigger %+v", b)
	}
	if s.ActiveScenario != DefaultScenario {
		t.Fatalf("expected the first scenario to be active but got %q", s.ActiveScenario)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	s, err := Normalize(strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("got unexpected error: %v", err)
	}
	if len(s.Scenarios) != 1 || s.ActiveScenario != DefaultScenario || s.Enabled {
		t.Fatalf("expected an empty default state but got %+v", s)
	}
	if _, err := Normalize(strings.NewReader(`{"triggers": [`)); err == nil {
		t.Fatalf("expected an error for broken json")
	}
}

func TestSnapshotRoundTripKeepsScenarios(t *testing.T) {
	s := State{
		Enabled:        true,
		ActiveScenario: "b",
		Scenarios: []Scenario{
			{Slug: "a", Name: "A"},
			{Slug: "b", Name: "B", Triggers: []Trigger{
				Trigger{ID: "x", Selector: "#x", Scenario: "b", UpdatedAt: time.UnixMilli(99)}.withDefaults(),
			}},
		},
	}
	got := StateFromSnapshot(s.Snapshot())
	if diff := cmp.Diff(s, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Checkout", "checkout"},
		{"  Two  Words ", "two-words"},
		{"Ärger & Co.", "rger-co"},
		{"!!!", ""},
		{"v2 flow", "v2-flow"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q): expected %q but got %q", tt.in, tt.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		t    Trigger
		ok   bool
	}{
		{"dom with selector", Trigger{ID: "a", Selector: "#a"}, true},
		{"dom with path", Trigger{ID: "a", DataPath: "body:nth-of-type(1)"}, true},
		{"dom without target", Trigger{ID: "a"}, false},
		{"network request", Trigger{ID: "a", Type: TypeNetwork, EventType: "request"}, true},
		{"network click", Trigger{ID: "a", Type: TypeNetwork, EventType: "click"}, false},
		{"plugin", Trigger{ID: "a", Type: TypePlugin}, true},
		{"no id", Trigger{Selector: "#a"}, false},
		{"unknown type", Trigger{ID: "a", Type: "cron"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.withDefaults().Validate()
			if tt.ok && err != nil {
				t.Fatalf("got unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
