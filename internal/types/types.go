// Package types defines shared types used across the application, most of
// them wire shapes exchanged with the automation persistence API and with
// embedding hosts.
package types

// Interaction represents a simple user interaction with a webpage that the
// dynamic fetcher performs before handing the document over.
type Interaction struct {
	Type     string `yaml:"type,omitempty"`
	Selector string `yaml:"selector,omitempty"`
	Count    int    `yaml:"count,omitempty"`
	Delay    int    `yaml:"delay,omitempty"`
}

const (
	InteractionTypeClick  = "click"
	InteractionTypeScroll = "scroll"
)

// RenderMessageType is the message type of render telemetry.
const RenderMessageType = "ami:highlight:render"

// RenderMessage is posted to embedding hosts after every scan.
type RenderMessage struct {
	Type   string       `json:"type"`
	Detail RenderDetail `json:"detail"`
}

// RenderDetail carries the numbers of one scan. Duration is in milliseconds.
type RenderDetail struct {
	Mode     string  `json:"mode"`
	Applied  int     `json:"applied"`
	Duration float64 `json:"duration"`
}

// NetworkEvent is a request or response observed while a page was loaded.
type NetworkEvent struct {
	Phase    string `json:"phase"` // request or response
	URL      string `json:"url"`
	Method   string `json:"method,omitempty"`
	Status   int    `json:"status,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

const (
	NetworkPhaseRequest  = "request"
	NetworkPhaseResponse = "response"
)

// TriggerPayload is a trigger as stored by the persistence API. Times are
// epoch milliseconds.
type TriggerPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Selector      string `json:"selector"`
	DataPath      string `json:"dataPath"`
	EventType     string `json:"eventType"`
	TargetCode    string `json:"targetCode"`
	ConditionCode string `json:"conditionCode"`
	ActionCode    string `json:"actionCode"`
	Enabled       bool   `json:"enabled"`
	Scenario      string `json:"scenario"`
	Owner         string `json:"owner"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
	Type          string `json:"type"`
}

// ScenarioPayload is a named group of triggers.
type ScenarioPayload struct {
	Slug     string           `json:"slug"`
	Name     string           `json:"name"`
	Triggers []TriggerPayload `json:"triggers"`
}

// Snapshot is the automation state of one document context.
type Snapshot struct {
	Enabled        bool              `json:"enabled"`
	ActiveScenario string            `json:"activeScenario"`
	Capabilities   map[string]bool   `json:"capabilities"`
	Scenarios      []ScenarioPayload `json:"scenarios"`
}

// Actions accepted by POST /api/automation.
const (
	ActionSaveTrigger       = "save-trigger"
	ActionDeleteTrigger     = "delete-trigger"
	ActionCreateScenario    = "create-scenario"
	ActionDeleteScenario    = "delete-scenario"
	ActionSetConfig         = "set-config"
	ActionSetActiveScenario = "set-active-scenario"
)

// AutomationRequest is the body of POST /api/automation.
type AutomationRequest struct {
	Action    string          `json:"action"`
	Path      string          `json:"path"`
	Root      string          `json:"root"`
	Trigger   *TriggerPayload `json:"trigger,omitempty"`
	TriggerID string          `json:"triggerId,omitempty"`
	Scenario  string          `json:"scenario,omitempty"`
	Name      string          `json:"name,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// ErrorResponse is returned with non-2xx status codes.
type ErrorResponse struct {
	Error string `json:"error"`
}
