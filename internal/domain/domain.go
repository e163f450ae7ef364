package domain

import (
	"encoding/json"
	"reflect"
)

type AutomationMode string

const (
	ModeOff         AutomationMode = "off"
	ModeSuggestOnly AutomationMode = "suggest_only"
	ModeFullAuto    AutomationMode = "full_auto"
)

// Normalize maps empty or unrecognized modes to full_auto.
func (m AutomationMode) Normalize() AutomationMode {
	switch m {
	case ModeOff, ModeSuggestOnly, ModeFullAuto:
		return m
	default:
		return ModeFullAuto
	}
}

type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSuggested Status = "suggested"
	StatusSuccess   Status = "success"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusError     Status = "error"
	StatusUndone    Status = "undone"
	StatusUnknown   Status = "unknown"
)

type User struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// ActionResult is the outcome of one action within a run.
type ActionResult struct {
	ActionID   string         `json:"actionId,omitempty"`
	Action     Action         `json:"action"`
	Status     Status         `json:"status"`
	Info       string         `json:"info,omitempty"`
	Inverse    map[string]any `json:"inverse,omitempty"`
	ResolvedAt string         `json:"resolvedAt,omitempty"`
	Actor      string         `json:"actor,omitempty"`
}

// Pending reports whether the result still awaits an approval decision.
func (r ActionResult) Pending() bool {
	return r.Status == StatusSuggested && r.ResolvedAt == ""
}

// Run is one audit log entry.
type Run struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Actions   []Action       `json:"actions"`
	Results   []ActionResult `json:"results"`
	Undo      bool           `json:"undo,omitempty"`
	Approval  bool           `json:"approval,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Truncated int            `json:"truncated,omitempty"`
}

// PendingSuggestion locates an unresolved suggestion in the audit log.
type PendingSuggestion struct {
	RunID     string       `json:"runId"`
	Timestamp string       `json:"timestamp"`
	Result    ActionResult `json:"result"`
}

// Record is a schemaless entity stored inside a collection value.
type Record map[string]any

func (r Record) ID() string {
	return scalarString(r["id"])
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy with updates applied. The id field is never overwritten.
func (r Record) Merge(updates map[string]any) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range updates {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// IndexOf returns the position of the record with the given id, or -1.
func IndexOf(records []Record, id string) int {
	for i, rec := range records {
		if rec.ID() == id {
			return i
		}
	}
	return -1
}

// Project is the per-owner project entity. Fields the orchestrator does not
// know about are kept in Extra and written back unchanged.
type Project struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name,omitempty"`
	AutomationMode AutomationMode             `json:"automationMode,omitempty"`
	Budget         any                        `json:"budget,omitempty"`
	Currency       string                     `json:"currency,omitempty"`
	Tasks          []Record                   `json:"tasks,omitempty"`
	Expenses       []Record                   `json:"expenses,omitempty"`
	Extra          map[string]json.RawMessage `json:"-"`
}

var projectFields = []string{"id", "name", "automationMode", "budget", "currency", "tasks", "expenses"}

type projectAlias Project

func (p Project) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(projectAlias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(p.Extra)+len(projectFields))
	for k, v := range p.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (p *Project) UnmarshalJSON(data []byte) error {
	var alias projectAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range projectFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		alias.Extra = raw
	} else {
		alias.Extra = nil
	}
	*p = Project(alias)
	return nil
}

// Mode returns the project's automation mode, defaulting to full_auto.
func (p Project) Mode() AutomationMode {
	return p.AutomationMode.Normalize()
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
