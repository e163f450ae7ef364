package engine

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/domain"
	"autopilot/internal/events"
	"autopilot/internal/repo"
)

type undoFunc func(e Engine, ctx context.Context, a domain.Action) (string, error)

var undoers = map[domain.ActionKind]undoFunc{
	domain.KindCreateTask:     Engine.undoCreateTask,
	domain.KindDeleteTask:     Engine.undoDeleteTask,
	domain.KindCreateDocument: Engine.undoCreateDocument,
	domain.KindDeleteDocument: Engine.undoDeleteDocument,
	domain.KindCreateExpense:  Engine.undoCreateExpense,
	domain.KindDeleteExpense:  Engine.undoDeleteExpense,
	domain.KindCreateResearch: Engine.undoCreateResearch,
	domain.KindDeleteResearch: Engine.undoDeleteResearch,
}

// Undoable reports whether Undo supports kind.
func Undoable(kind domain.ActionKind) bool {
	_, ok := undoers[kind]
	return ok
}

// Undo reverses a previously executed action using the inverse data carried
// on a (taskId, taskData, docId, docData, rowsData, ...). Every supported call
// is recorded as a one-action undo run; the original run is left as is.
// Unsupported kinds fail with ErrUndoUnsupported and are not recorded.
func (e Engine) Undo(ctx context.Context, a domain.Action, actor string) (res domain.ActionResult, err error) {
	undo, ok := undoers[a.Kind]
	if !ok {
		return domain.ActionResult{}, ErrUndoUnsupported
	}
	a = a.Normalized()
	res = domain.ActionResult{ActionID: a.ID, Action: a, Actor: actor}
	res.ResolvedAt = e.now().UTC().Format(time.RFC3339Nano)
	info, uerr := e.runUndo(ctx, undo, a)
	if uerr != nil {
		e.logger().Warn("undo failed", "action_id", a.ID, "kind", string(a.Kind), "err", uerr)
		res.Status = domain.StatusError
		res.Info = uerr.Error()
	} else {
		res.Status = domain.StatusUndone
		res.Info = info
	}
	run := domain.Run{
		ID:        e.newID(),
		Timestamp: res.ResolvedAt,
		Actions:   []domain.Action{a},
		Results:   []domain.ActionResult{res},
		Undo:      true,
		Actor:     actor,
	}
	if err := e.Audit.Append(ctx, run); err != nil {
		return res, fmt.Errorf("record undo: %w", err)
	}
	return res, nil
}

func (e Engine) runUndo(ctx context.Context, undo undoFunc, a domain.Action) (info string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo panic: %v", r)
		}
	}()
	if a.ProjectID == "" {
		return "", missingField("projectId")
	}
	return undo(e, ctx, a)
}

// UndoLogged reverses the logged action with the given id, filling in the
// inverse data captured when it ran.
func (e Engine) UndoLogged(ctx context.Context, actionID, actor string) (domain.ActionResult, error) {
	runs, err := e.Audit.Runs(ctx, 0)
	if err != nil {
		return domain.ActionResult{}, err
	}
	loc, ok := events.Locate(runs, domain.Action{ID: actionID})
	if !ok {
		return domain.ActionResult{}, events.ErrNotFound
	}
	logged := runs[loc.Run].Results[loc.Result]
	if !Undoable(logged.Action.Kind) {
		return domain.ActionResult{}, ErrUndoUnsupported
	}
	if logged.Status != domain.StatusSuccess && logged.Status != domain.StatusApproved {
		return domain.ActionResult{}, fmt.Errorf("%w: action %s was not applied (status %s)", ErrInvalidAction, actionID, logged.Status)
	}
	return e.Undo(ctx, logged.Action.With(logged.Inverse), actor)
}

func requireString(a domain.Action, field string) (string, error) {
	v := a.Str(field)
	if v == "" {
		return "", missingField(field)
	}
	return v, nil
}

func requireObject(a domain.Action, field string) (domain.Record, error) {
	obj, ok := a.Object(field)
	if !ok || domain.Record(obj).ID() == "" {
		return nil, missingField(field)
	}
	return domain.Record(obj), nil
}

func restoreInto(recs []domain.Record, entity string, rec domain.Record) ([]domain.Record, error) {
	if domain.IndexOf(recs, rec.ID()) >= 0 {
		return nil, fmt.Errorf("%s %s already exists", entity, rec.ID())
	}
	return append(recs, rec), nil
}

func (e Engine) undoCreateTask(ctx context.Context, a domain.Action) (string, error) {
	id, err := requireString(a, "taskId")
	if err != nil {
		return "", err
	}
	_, err = e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		tasks, _, err := removeFrom(p.Tasks, "task", id)
		if err != nil {
			return err
		}
		p.Tasks = tasks
		return nil
	})
	return "removed task " + id, err
}

func (e Engine) undoDeleteTask(ctx context.Context, a domain.Action) (string, error) {
	task, err := requireObject(a, "taskData")
	if err != nil {
		return "", err
	}
	_, err = e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		tasks, err := restoreInto(p.Tasks, "task", task)
		if err != nil {
			return err
		}
		p.Tasks = tasks
		return nil
	})
	return "restored task " + task.ID(), err
}

func (e Engine) undoCreateExpense(ctx context.Context, a domain.Action) (string, error) {
	id, err := requireString(a, "expenseId")
	if err != nil {
		return "", err
	}
	_, err = e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		expenses, _, err := removeFrom(p.Expenses, "expense", id)
		if err != nil {
			return err
		}
		p.Expenses = expenses
		return nil
	})
	return "removed expense " + id, err
}

func (e Engine) undoDeleteExpense(ctx context.Context, a domain.Action) (string, error) {
	expense, err := requireObject(a, "expenseData")
	if err != nil {
		return "", err
	}
	_, err = e.Repo.UpdateProject(ctx, a.ProjectID, func(p *domain.Project) error {
		expenses, err := restoreInto(p.Expenses, "expense", expense)
		if err != nil {
			return err
		}
		p.Expenses = expenses
		return nil
	})
	return "restored expense " + expense.ID(), err
}

func (e Engine) undoCreateDocument(ctx context.Context, a domain.Action) (string, error) {
	id, err := requireString(a, "docId")
	if err != nil {
		return "", err
	}
	if _, err := e.removeRecord(ctx, repo.DocTabsKey(a.ProjectID), "document", id); err != nil {
		return "", err
	}
	if err := e.Repo.ReplaceRecords(ctx, repo.DocRowsKey(a.ProjectID, id), nil); err != nil {
		return "", err
	}
	return "removed document " + id, nil
}

func (e Engine) undoDeleteDocument(ctx context.Context, a domain.Action) (string, error) {
	tab, err := requireObject(a, "docData")
	if err != nil {
		return "", err
	}
	if _, err := e.Repo.UpdateRecords(ctx, repo.DocTabsKey(a.ProjectID), func(recs []domain.Record) ([]domain.Record, error) {
		return restoreInto(recs, "document", tab)
	}); err != nil {
		return "", err
	}
	var rows []domain.Record
	if raw, ok := a.Params["rowsData"].([]any); ok {
		for _, r := range raw {
			if m, ok := r.(map[string]any); ok {
				rows = append(rows, domain.Record(m))
			}
		}
	}
	if err := e.Repo.ReplaceRecords(ctx, repo.DocRowsKey(a.ProjectID, tab.ID()), rows); err != nil {
		return "", err
	}
	return fmt.Sprintf("restored document %s with %d rows", tab.ID(), len(rows)), nil
}

func (e Engine) undoCreateResearch(ctx context.Context, a domain.Action) (string, error) {
	id, err := requireString(a, "researchId")
	if err != nil {
		return "", err
	}
	if _, err := e.removeRecord(ctx, repo.ResearchKey(a.ProjectID), "research item", id); err != nil {
		return "", err
	}
	return "removed research item " + id, nil
}

func (e Engine) undoDeleteResearch(ctx context.Context, a domain.Action) (string, error) {
	item, err := requireObject(a, "researchData")
	if err != nil {
		return "", err
	}
	if _, err := e.Repo.UpdateRecords(ctx, repo.ResearchKey(a.ProjectID), func(recs []domain.Record) ([]domain.Record, error) {
		return restoreInto(recs, "research item", item)
	}); err != nil {
		return "", err
	}
	return "restored research item " + item.ID(), nil
}
