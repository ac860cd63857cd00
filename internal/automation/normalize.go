package automation

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/jsonquery"
	"github.com/google/uuid"
)

// Normalize reads an untrusted automation payload. Both the current shape
// with scenarios[].triggers and the legacy shape with a top level triggers
// list are accepted; legacy triggers are grouped by their scenario field.
// Fields of the wrong type are ignored, missing ids are generated and
// empty script slots get no-op bodies. Within a scenario the most recently
// updated trigger wins an id clash.
func Normalize(r io.Reader) (State, error) {
	doc, err := jsonquery.Parse(r)
	if err != nil {
		return State{}, fmt.Errorf("parse automation payload: %w", err)
	}

	var s State
	if n := doc.SelectElement("enabled"); n != nil {
		s.Enabled = asBool(n.Value(), false)
	}
	if n := doc.SelectElement("activeScenario"); n != nil {
		s.ActiveScenario = asString(n.Value())
	}
	if n := doc.SelectElement("capabilities"); n != nil {
		if m, ok := n.Value().(map[string]any); ok {
			s.Capabilities = map[string]bool{}
			for k, v := range m {
				s.Capabilities[k] = asBool(v, false)
			}
		}
	}

	for _, scNode := range jsonquery.Find(doc, "scenarios/*") {
		m, ok := scNode.Value().(map[string]any)
		if !ok {
			continue
		}
		slug := strings.TrimSpace(asString(m["slug"]))
		if slug == "" {
			slug = Slugify(asString(m["name"]))
		}
		if slug == "" {
			continue
		}
		sc := s.scenario(slug, asString(m["name"]))
		for _, tn := range jsonquery.Find(scNode, "triggers/*") {
			if t, ok := triggerFromMap(tn.Value()); ok {
				t.Scenario = slug
				sc.add(t)
			}
		}
	}

	for _, tn := range jsonquery.Find(doc, "triggers/*") {
		t, ok := triggerFromMap(tn.Value())
		if !ok {
			continue
		}
		s.scenario(t.Scenario, "").add(t)
	}
	return s.ensureDefault(), nil
}

// scenario returns the scenario with slug, creating it if needed.
func (s *State) scenario(slug, name string) *Scenario {
	for i := range s.Scenarios {
		if s.Scenarios[i].Slug == slug {
			if s.Scenarios[i].Name == "" {
				s.Scenarios[i].Name = name
			}
			return &s.Scenarios[i]
		}
	}
	if name == "" {
		name = slug
	}
	s.Scenarios = append(s.Scenarios, Scenario{Slug: slug, Name: name})
	return &s.Scenarios[len(s.Scenarios)-1]
}

// add inserts t or replaces an older trigger with the same id.
func (sc *Scenario) add(t Trigger) {
	for i, old := range sc.Triggers {
		if old.ID == t.ID {
			if !t.UpdatedAt.Before(old.UpdatedAt) {
				sc.Triggers[i] = t
			}
			return
		}
	}
	sc.Triggers = append(sc.Triggers, t)
}

func triggerFromMap(v any) (Trigger, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Trigger{}, false
	}
	t := Trigger{
		ID:            strings.TrimSpace(asString(m["id"])),
		Name:          asString(m["name"]),
		Selector:      strings.TrimSpace(asString(m["selector"])),
		DataPath:      strings.TrimSpace(asString(m["dataPath"])),
		EventType:     strings.TrimSpace(asString(m["eventType"])),
		TargetCode:    asString(m["targetCode"]),
		ConditionCode: asString(m["conditionCode"]),
		ActionCode:    asString(m["actionCode"]),
		Enabled:       asBool(m["enabled"], true),
		Scenario:      strings.TrimSpace(asString(m["scenario"])),
		Owner:         asString(m["owner"]),
		CreatedAt:     asTime(m["createdAt"]),
		UpdatedAt:     asTime(m["updatedAt"]),
		Type:          TriggerType(strings.ToLower(asString(m["type"]))),
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	switch t.Type {
	case "", TypeDOM, TypeNetwork, TypePlugin:
	default:
		t.Type = TypeDOM
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return t.withDefaults(), true
}

// Slugify turns a scenario name into a slug.
func Slugify(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-")
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func asBool(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b
		}
	case float64:
		return x != 0
	}
	return def
}

// asTime reads epoch milliseconds or an RFC 3339 string.
func asTime(v any) time.Time {
	switch x := v.(type) {
	case float64:
		return fromMillis(int64(x))
	case string:
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			return fromMillis(ms)
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t
		}
	}
	return time.Time{}
}
