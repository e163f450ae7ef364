package engine

import (
	"context"
	"strings"

	"autopilot/internal/domain"
)

// outcome is what a handler reports back: a human-readable note and the data
// an undo of the same action needs.
type outcome struct {
	Info    string
	Inverse map[string]any
}

type handlerFunc func(e Engine, ctx context.Context, a domain.Action) (outcome, error)

type handler struct {
	// required lists fields that must be present. "a|b" means either.
	required []string
	run      handlerFunc
}

var registry = map[domain.ActionKind]handler{
	domain.KindCreateTask:        {required: []string{"projectId", "title"}, run: Engine.createTask},
	domain.KindUpdateTask:        {required: []string{"projectId", "taskId"}, run: Engine.updateTask},
	domain.KindDeleteTask:        {required: []string{"projectId", "taskId"}, run: Engine.deleteTask},
	domain.KindCreateDocument:    {required: []string{"projectId", "title"}, run: Engine.createDocument},
	domain.KindUpdateDocument:    {required: []string{"projectId", "docId"}, run: Engine.updateDocument},
	domain.KindDeleteDocument:    {required: []string{"projectId", "docId"}, run: Engine.deleteDocument},
	domain.KindCreateExpense:     {required: []string{"projectId", "amount", "description"}, run: Engine.createExpense},
	domain.KindUpdateExpense:     {required: []string{"projectId", "expenseId"}, run: Engine.updateExpense},
	domain.KindDeleteExpense:     {required: []string{"projectId", "expenseId"}, run: Engine.deleteExpense},
	domain.KindUpdateBudget:      {required: []string{"projectId", "budget|currency"}, run: Engine.updateBudget},
	domain.KindSendMessage:       {required: []string{"projectId", "content"}, run: Engine.sendMessage},
	domain.KindSummarizeChat:     {required: []string{"projectId"}, run: Engine.summarizeChat},
	domain.KindCreateResearch:    {required: []string{"projectId", "title"}, run: Engine.createResearch},
	domain.KindUpdateResearch:    {required: []string{"projectId", "researchId"}, run: Engine.updateResearch},
	domain.KindDeleteResearch:    {required: []string{"projectId", "researchId"}, run: Engine.deleteResearch},
	domain.KindSummarizeResearch: {required: []string{"projectId", "researchId"}, run: Engine.summarizeResearch},
	domain.KindSendNotification:  {required: []string{"userEmail", "message"}, run: Engine.sendNotification},
}

func (h handler) validate(a domain.Action) error {
	for _, req := range h.required {
		if !anyPresent(a, strings.Split(req, "|")) {
			return missingField(strings.ReplaceAll(req, "|", " or "))
		}
	}
	return nil
}

func anyPresent(a domain.Action, fields []string) bool {
	for _, f := range fields {
		if f == "projectId" {
			if a.ProjectID != "" {
				return true
			}
			continue
		}
		if a.Has(f) {
			return true
		}
	}
	return false
}
