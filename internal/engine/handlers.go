package engine

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/domain"
	"autopilot/internal/planner"
	"autopilot/internal/repo"
)

const (
	defaultSender     = "AI Assistant"
	defaultMsgType    = "text"
	defaultTaskStatus = "todo"
)

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// newRecord builds an entity from the action's fields under a fresh id.
func (e Engine) newRecord(a domain.Action, exclude ...string) domain.Record {
	rec := domain.Record(a.Fields(exclude...))
	rec["id"] = e.newID()
	if _, ok := rec["createdAt"]; !ok {
		rec["createdAt"] = e.timestamp()
	}
	return rec
}

// changes collects the fields an update_* action sets. A nested "updates"
// object is flattened in.
func changes(a domain.Action, idField string) map[string]any {
	out := a.Fields(idField, "updates")
	if u, ok := a.Object("updates"); ok {
		for k, v := range u {
			out[k] = v
		}
	}
	return out
}

func mergeIn(recs []domain.Record, entity, id string, updates map[string]any) ([]domain.Record, domain.Record, error) {
	idx := domain.IndexOf(recs, id)
	if idx < 0 {
		return nil, nil, notFound(entity, id)
	}
	prev := recs[idx].Clone()
	recs[idx] = recs[idx].Merge(updates)
	return recs, prev, nil
}

func removeFrom(recs []domain.Record, entity, id string) ([]domain.Record, domain.Record, error) {
	idx := domain.IndexOf(recs, id)
	if idx < 0 {
		return nil, nil, notFound(entity, id)
	}
	removed := recs[idx]
	out := make([]domain.Record, 0, len(recs)-1)
	out = append(out, recs[:idx]...)
	out = append(out, recs[idx+1:]...)
	return out, removed, nil
}

func (e Engine) requireProject(ctx context.Context, projectID string) error {
	_, err := e.Repo.OwnerOf(ctx, projectID)
	return err
}

// Tasks and expenses live inside the project record.

func (e Engine) createTask(ctx context.Context, a domain.Action) (outcome, error) {
	task := e.newRecord(a)
	if s, _ := task["status"].(string); s == "" {
		task["status"] = defaultTaskStatus
	}
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		p.Tasks = append(p.Tasks, task)
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Info:    fmt.Sprintf("created task %q", a.Str("title")),
		Inverse: map[string]any{"taskId": task.ID()},
	}, nil
}

func (e Engine) updateTask(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("taskId")
	var prev domain.Record
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		tasks, before, err := mergeIn(p.Tasks, "task", id, changes(a, "taskId"))
		if err != nil {
			return err
		}
		p.Tasks, prev = tasks, before
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "updated task " + id, Inverse: map[string]any{"taskId": id, "previous": prev}}, nil
}

func (e Engine) deleteTask(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("taskId")
	var removed domain.Record
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		tasks, rec, err := removeFrom(p.Tasks, "task", id)
		if err != nil {
			return err
		}
		p.Tasks, removed = tasks, rec
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "deleted task " + id, Inverse: map[string]any{"taskId": id, "taskData": removed}}, nil
}

func (e Engine) createExpense(ctx context.Context, a domain.Action) (outcome, error) {
	expense := e.newRecord(a)
	if _, ok := expense["date"]; !ok {
		expense["date"] = e.now().UTC().Format(time.DateOnly)
	}
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		p.Expenses = append(p.Expenses, expense)
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Info:    fmt.Sprintf("recorded expense %q", a.Str("description")),
		Inverse: map[string]any{"expenseId": expense.ID()},
	}, nil
}

func (e Engine) updateExpense(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("expenseId")
	var prev domain.Record
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		expenses, before, err := mergeIn(p.Expenses, "expense", id, changes(a, "expenseId"))
		if err != nil {
			return err
		}
		p.Expenses, prev = expenses, before
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "updated expense " + id, Inverse: map[string]any{"expenseId": id, "previous": prev}}, nil
}

func (e Engine) deleteExpense(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("expenseId")
	var removed domain.Record
	_, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		expenses, rec, err := removeFrom(p.Expenses, "expense", id)
		if err != nil {
			return err
		}
		p.Expenses, removed = expenses, rec
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "deleted expense " + id, Inverse: map[string]any{"expenseId": id, "expenseData": removed}}, nil
}

func (e Engine) updateBudget(ctx context.Context, a domain.Action) (outcome, error) {
	before, err := e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		if a.Has("budget") {
			p.Budget = a.Params["budget"]
		}
		if a.Has("currency") {
			p.Currency = a.Str("currency")
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		Info:    "updated budget",
		Inverse: map[string]any{"budget": before.Budget, "currency": before.Currency},
	}, nil
}

// Documents: tab list per project plus one row collection per tab.

func (e Engine) createDocument(ctx context.Context, a domain.Action) (outcome, error) {
	if err := e.requireProject(ctx, a.ProjectID); err != nil {
		return outcome{}, err
	}
	tab := e.newRecord(a)
	if _, err := e.Repo.UpdateRecords(ctx, repo.DocTabsKey(a.ProjectID), func(recs []domain.Record) ([]domain.Record, error) {
		return append(recs, tab), nil
	}); err != nil {
		return outcome{}, err
	}
	if err := e.Repo.ReplaceRecords(ctx, repo.DocRowsKey(a.ProjectID, tab.ID()), nil); err != nil {
		return outcome{}, err
	}
	return outcome{
		Info:    fmt.Sprintf("created document %q", a.Str("title")),
		Inverse: map[string]any{"docId": tab.ID()},
	}, nil
}

func (e Engine) updateDocument(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("docId")
	prev, err := e.mergeRecord(ctx, repo.DocTabsKey(a.ProjectID), "document", id, changes(a, "docId"))
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "updated document " + id, Inverse: map[string]any{"docId": id, "previous": prev}}, nil
}

func (e Engine) deleteDocument(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("docId")
	rowsKey := repo.DocRowsKey(a.ProjectID, id)
	rows, err := e.Repo.Records(ctx, rowsKey)
	if err != nil {
		return outcome{}, err
	}
	removed, err := e.removeRecord(ctx, repo.DocTabsKey(a.ProjectID), "document", id)
	if err != nil {
		return outcome{}, err
	}
	if err := e.Repo.ReplaceRecords(ctx, rowsKey, nil); err != nil {
		return outcome{}, err
	}
	if rows == nil {
		rows = []domain.Record{}
	}
	return outcome{
		Info:    "deleted document " + id,
		Inverse: map[string]any{"docId": id, "docData": removed, "rowsData": rows},
	}, nil
}

// Chat.

func (e Engine) sendMessage(ctx context.Context, a domain.Action) (outcome, error) {
	if err := e.requireProject(ctx, a.ProjectID); err != nil {
		return outcome{}, err
	}
	msg := e.newRecord(a)
	msg["projectId"] = a.ProjectID
	if s, _ := msg["sender"].(string); s == "" {
		msg["sender"] = defaultSender
	}
	if s, _ := msg["type"].(string); s == "" {
		msg["type"] = defaultMsgType
	}
	if _, ok := msg["timestamp"]; !ok {
		msg["timestamp"] = e.timestamp()
	}
	if err := e.appendRecord(ctx, repo.ChatKey(a.ProjectID), msg); err != nil {
		return outcome{}, err
	}
	return outcome{Info: "sent message", Inverse: map[string]any{"messageId": msg.ID()}}, nil
}

func (e Engine) summarizeChat(ctx context.Context, a domain.Action) (outcome, error) {
	if e.Planner == nil {
		return outcome{}, ErrNoPlanner
	}
	if err := e.requireProject(ctx, a.ProjectID); err != nil {
		return outcome{}, err
	}
	key := repo.ChatKey(a.ProjectID)
	msgs, err := e.Repo.Records(ctx, key)
	if err != nil {
		return outcome{}, err
	}
	if len(msgs) == 0 {
		return outcome{}, fmt.Errorf("%w: chat is empty", ErrInvalidAction)
	}
	prompt, err := planner.BuildChatSummaryPrompt(msgs)
	if err != nil {
		return outcome{}, err
	}
	summary, err := planner.Summarize(ctx, e.Planner, prompt)
	if err != nil {
		return outcome{}, err
	}
	msg := domain.Record{
		"id":        e.newID(),
		"projectId": a.ProjectID,
		"content":   summary,
		"sender":    defaultSender,
		"type":      defaultMsgType,
		"timestamp": e.timestamp(),
	}
	if err := e.appendRecord(ctx, key, msg); err != nil {
		return outcome{}, err
	}
	return outcome{Info: summary, Inverse: map[string]any{"messageId": msg.ID()}}, nil
}

// Research.

func (e Engine) createResearch(ctx context.Context, a domain.Action) (outcome, error) {
	if err := e.requireProject(ctx, a.ProjectID); err != nil {
		return outcome{}, err
	}
	item := e.newRecord(a)
	if err := e.appendRecord(ctx, repo.ResearchKey(a.ProjectID), item); err != nil {
		return outcome{}, err
	}
	return outcome{
		Info:    fmt.Sprintf("created research item %q", a.Str("title")),
		Inverse: map[string]any{"researchId": item.ID()},
	}, nil
}

func (e Engine) updateResearch(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("researchId")
	prev, err := e.mergeRecord(ctx, repo.ResearchKey(a.ProjectID), "research item", id, changes(a, "researchId"))
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "updated research item " + id, Inverse: map[string]any{"researchId": id, "previous": prev}}, nil
}

func (e Engine) deleteResearch(ctx context.Context, a domain.Action) (outcome, error) {
	id := a.Str("researchId")
	removed, err := e.removeRecord(ctx, repo.ResearchKey(a.ProjectID), "research item", id)
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: "deleted research item " + id, Inverse: map[string]any{"researchId": id, "researchData": removed}}, nil
}

func (e Engine) summarizeResearch(ctx context.Context, a domain.Action) (outcome, error) {
	if e.Planner == nil {
		return outcome{}, ErrNoPlanner
	}
	id := a.Str("researchId")
	key := repo.ResearchKey(a.ProjectID)
	items, err := e.Repo.Records(ctx, key)
	if err != nil {
		return outcome{}, err
	}
	idx := domain.IndexOf(items, id)
	if idx < 0 {
		return outcome{}, notFound("research item", id)
	}
	prompt, err := planner.BuildResearchSummaryPrompt(items[idx])
	if err != nil {
		return outcome{}, err
	}
	summary, err := planner.Summarize(ctx, e.Planner, prompt)
	if err != nil {
		return outcome{}, err
	}
	prev, err := e.mergeRecord(ctx, key, "research item", id, map[string]any{"summary": summary})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Info: summary, Inverse: map[string]any{"researchId": id, "previousSummary": prev["summary"]}}, nil
}

// Notifications are kept newest first per recipient.

func (e Engine) sendNotification(ctx context.Context, a domain.Action) (outcome, error) {
	email := a.Str("userEmail")
	note := e.newRecord(a, "userEmail")
	if a.ProjectID != "" {
		note["projectId"] = a.ProjectID
	}
	if s, _ := note["type"].(string); s == "" {
		note["type"] = "info"
	}
	note["read"] = false
	if _, ok := note["timestamp"]; !ok {
		note["timestamp"] = e.timestamp()
	}
	if _, err := e.Repo.UpdateRecords(ctx, repo.NotificationsKey(email), func(recs []domain.Record) ([]domain.Record, error) {
		return append([]domain.Record{note}, recs...), nil
	}); err != nil {
		return outcome{}, err
	}
	return outcome{Info: "notified " + email, Inverse: map[string]any{"notificationId": note.ID(), "userEmail": email}}, nil
}

func (e Engine) appendRecord(ctx context.Context, key string, rec domain.Record) error {
	_, err := e.Repo.UpdateRecords(ctx, key, func(recs []domain.Record) ([]domain.Record, error) {
		return append(recs, rec), nil
	})
	return err
}

func (e Engine) mergeRecord(ctx context.Context, key, entity, id string, updates map[string]any) (domain.Record, error) {
	var prev domain.Record
	_, err := e.Repo.UpdateRecords(ctx, key, func(recs []domain.Record) ([]domain.Record, error) {
		next, before, err := mergeIn(recs, entity, id, updates)
		prev = before
		return next, err
	})
	return prev, err
}

func (e Engine) removeRecord(ctx context.Context, key, entity, id string) (domain.Record, error) {
	var removed domain.Record
	_, err := e.Repo.UpdateRecords(ctx, key, func(recs []domain.Record) ([]domain.Record, error) {
		next, rec, err := removeFrom(recs, entity, id)
		removed = rec
		return next, err
	})
	return removed, err
}
