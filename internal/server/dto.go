package server

import (
	"fmt"

	"autopilot/internal/domain"
)

// Request payloads

// ActionRequest carries a single action for approve, reject and undo. Undo
// also accepts a bare actionId, resolved against the audit log.
type ActionRequest struct {
	Action   map[string]any `json:"action,omitempty" jsonschema:"type=object,additionalProperties=true"`
	ActionID string         `json:"actionId,omitempty"`
}

func (r ActionRequest) decode() (domain.Action, error) {
	if r.Action == nil {
		if r.ActionID == "" {
			return domain.Action{}, fmt.Errorf("action is required")
		}
		return domain.Action{ID: r.ActionID}, nil
	}
	a, err := domain.ActionFromMap(r.Action)
	if err != nil {
		return domain.Action{}, err
	}
	if a.ID == "" {
		a.ID = r.ActionID
	}
	return a, nil
}

// Response payloads

type AutoRunResponse struct {
	Status    string                `json:"status" example:"ok"`
	RunID     string                `json:"runId"`
	Actions   []domain.Action       `json:"actions"`
	Results   []domain.ActionResult `json:"results"`
	Timestamp string                `json:"timestamp" format:"date-time"`
	Truncated int                   `json:"truncated"`
}

func autoRunResponse(run domain.Run) AutoRunResponse {
	actions := run.Actions
	if actions == nil {
		actions = []domain.Action{}
	}
	results := run.Results
	if results == nil {
		results = []domain.ActionResult{}
	}
	return AutoRunResponse{
		Status:    "ok",
		RunID:     run.ID,
		Actions:   actions,
		Results:   results,
		Timestamp: run.Timestamp,
		Truncated: run.Truncated,
	}
}

type LogsResponse struct {
	Runs []domain.Run `json:"runs"`
}

type PendingResponse struct {
	Items []domain.PendingSuggestion `json:"items"`
}
