package domain

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
)

type ActionKind string

const (
	KindCreateTask        ActionKind = "create_task"
	KindUpdateTask        ActionKind = "update_task"
	KindDeleteTask        ActionKind = "delete_task"
	KindCreateDocument    ActionKind = "create_document"
	KindUpdateDocument    ActionKind = "update_document"
	KindDeleteDocument    ActionKind = "delete_document"
	KindCreateExpense     ActionKind = "create_expense"
	KindUpdateExpense     ActionKind = "update_expense"
	KindDeleteExpense     ActionKind = "delete_expense"
	KindUpdateBudget      ActionKind = "update_budget"
	KindSendMessage       ActionKind = "send_message"
	KindSummarizeChat     ActionKind = "summarize_chat"
	KindCreateResearch    ActionKind = "create_research"
	KindUpdateResearch    ActionKind = "update_research"
	KindDeleteResearch    ActionKind = "delete_research"
	KindSummarizeResearch ActionKind = "summarize_research"
	KindSendNotification  ActionKind = "send_notification"
)

// Kinds lists every action kind the orchestrator can execute.
var Kinds = []ActionKind{
	KindCreateTask, KindUpdateTask, KindDeleteTask,
	KindCreateDocument, KindUpdateDocument, KindDeleteDocument,
	KindCreateExpense, KindUpdateExpense, KindDeleteExpense,
	KindUpdateBudget,
	KindSendMessage, KindSummarizeChat,
	KindCreateResearch, KindUpdateResearch, KindDeleteResearch, KindSummarizeResearch,
	KindSendNotification,
}

// projectIDAliases are accepted on decode, in priority order.
var projectIDAliases = []string{"projectId", "project_id", "projectID"}

// Action is one structured mutation proposed by the planning service.
// Type-specific fields live in Params and are written back verbatim.
type Action struct {
	ID        string
	Kind      ActionKind
	ProjectID string
	Params    map[string]any
}

func (a Action) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+3)
	for k, v := range a.Params {
		out[k] = v
	}
	if a.ID != "" {
		out["id"] = a.ID
	}
	out["action"] = string(a.Kind)
	if a.ProjectID != "" {
		out["projectId"] = a.ProjectID
	}
	return json.Marshal(out)
}

// Schema describes the flat wire shape written by MarshalJSON.
func (Action) Schema(huma.Registry) *huma.Schema {
	return &huma.Schema{
		Type: huma.TypeObject,
		Properties: map[string]*huma.Schema{
			"id":        {Type: huma.TypeString},
			"action":    {Type: huma.TypeString},
			"projectId": {Type: huma.TypeString},
		},
		Required:             []string{"action"},
		AdditionalProperties: true,
	}
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("action must be a JSON object")
	}
	return a.fromMap(raw)
}

// ActionFromMap builds an Action from a decoded JSON object.
func ActionFromMap(raw map[string]any) (Action, error) {
	var a Action
	copied := make(map[string]any, len(raw))
	for k, v := range raw {
		copied[k] = v
	}
	err := a.fromMap(copied)
	return a, err
}

func (a *Action) fromMap(raw map[string]any) error {
	*a = Action{}
	if id, ok := raw["id"]; ok {
		a.ID = scalarString(id)
		delete(raw, "id")
	}
	switch {
	case raw["action"] != nil:
		tag, ok := raw["action"].(string)
		if !ok {
			return fmt.Errorf("action tag must be a string")
		}
		a.Kind = ActionKind(tag)
		delete(raw, "action")
	case raw["type"] != nil:
		// "type" doubles as a message/notification field, so it is only
		// taken as the tag when "action" is absent.
		tag, ok := raw["type"].(string)
		if !ok {
			return fmt.Errorf("action tag must be a string")
		}
		a.Kind = ActionKind(tag)
		delete(raw, "type")
	default:
		delete(raw, "action")
	}
	for _, alias := range projectIDAliases {
		v, ok := raw[alias]
		if !ok {
			continue
		}
		if a.ProjectID == "" {
			a.ProjectID = scalarString(v)
		}
		delete(raw, alias)
	}
	if len(raw) > 0 {
		a.Params = raw
	}
	return nil
}

// Str returns a string parameter; numbers are formatted.
func (a Action) Str(field string) string {
	return scalarString(a.Params[field])
}

// Has reports whether a parameter is present and non-empty.
func (a Action) Has(field string) bool {
	v, ok := a.Params[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// Object returns a JSON object parameter.
func (a Action) Object(field string) (map[string]any, bool) {
	m, ok := a.Params[field].(map[string]any)
	return m, ok
}

// Fields returns a copy of Params without the named keys.
func (a Action) Fields(exclude ...string) map[string]any {
	out := make(map[string]any, len(a.Params))
	for k, v := range a.Params {
		out[k] = v
	}
	for _, k := range exclude {
		delete(out, k)
	}
	return out
}

// With returns a copy of the action with extra parameters set.
func (a Action) With(params map[string]any) Action {
	merged := a.Fields()
	for k, v := range params {
		merged[k] = v
	}
	a.Params = merged
	return a
}

// SameAs compares two actions structurally, ignoring their ids.
func (a Action) SameAs(b Action) bool {
	if a.Kind != b.Kind || a.ProjectID != b.ProjectID {
		return false
	}
	if len(a.Params) == 0 && len(b.Params) == 0 {
		return true
	}
	return deepEqual(normalizeJSON(a.Params), normalizeJSON(b.Params))
}

// normalizeJSON round-trips a value through encoding/json so values built in
// Go compare equal to values decoded from the wire.
func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Normalized returns a copy whose Params hold only JSON-decoded shapes
// (map[string]any, []any, float64, ...).
func (a Action) Normalized() Action {
	if len(a.Params) == 0 {
		return a
	}
	if m, ok := normalizeJSON(a.Params).(map[string]any); ok {
		a.Params = m
	}
	return a
}
