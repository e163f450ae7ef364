package events

import (
	"context"
	"errors"
	"time"

	"autopilot/internal/domain"
	"autopilot/internal/repo"
)

const defaultMaxRuns = 500

const (
	TypeAuto     = "run.auto"
	TypeApproval = "run.approval"
	TypeUndo     = "run.undo"
	TypeReject   = "run.reject"
)

// Listener is told about every run written to the log.
type Listener interface {
	RunRecorded(ctx context.Context, evtType string, run domain.Run)
}

// Writer owns the audit log stored under orchestrator_logs, newest run first.
type Writer struct {
	Repo      repo.Repo
	MaxRuns   int
	Now       func() time.Time
	Listeners []Listener
}

var ErrNotFound = errors.New("log entry not found")

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) maxRuns() int {
	if w.MaxRuns <= 0 {
		return defaultMaxRuns
	}
	return w.MaxRuns
}

// Timestamp formats the writer's clock the way runs record it.
func (w Writer) Timestamp() string {
	return w.now().UTC().Format(time.RFC3339Nano)
}

// RunType names the event a run produces.
func RunType(run domain.Run) string {
	switch {
	case run.Undo:
		return TypeUndo
	case run.Approval:
		return TypeApproval
	default:
		return TypeAuto
	}
}

// Append puts run at the head of the log, dropping the oldest runs beyond
// MaxRuns.
func (w Writer) Append(ctx context.Context, run domain.Run) error {
	if run.Timestamp == "" {
		run.Timestamp = w.Timestamp()
	}
	_, err := repo.Mutate(ctx, w.Repo, repo.LogsKey, func(runs []domain.Run, _ bool) ([]domain.Run, error) {
		next := make([]domain.Run, 0, len(runs)+1)
		next = append(next, run)
		next = append(next, runs...)
		if len(next) > w.maxRuns() {
			next = next[:w.maxRuns()]
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	w.notify(ctx, RunType(run), run)
	return nil
}

func (w Writer) notify(ctx context.Context, evtType string, run domain.Run) {
	for _, l := range w.Listeners {
		l.RunRecorded(ctx, evtType, run)
	}
}

// Runs returns up to limit runs, newest first; limit <= 0 returns all.
func (w Writer) Runs(ctx context.Context, limit int) ([]domain.Run, error) {
	runs, _, err := repo.Read[[]domain.Run](ctx, w.Repo, repo.LogsKey)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Location addresses one result inside the log.
type Location struct {
	Run    int
	Result int
}

// Locate finds the logged result for a. It matches on the action id first and
// falls back to structural equality among suggestions when the id is unknown.
func Locate(runs []domain.Run, a domain.Action) (Location, bool) {
	if a.ID != "" {
		for i, run := range runs {
			for j, res := range run.Results {
				if res.ActionID == a.ID || res.Action.ID == a.ID {
					return Location{Run: i, Result: j}, true
				}
			}
		}
	}
	var fallback *Location
	for i, run := range runs {
		for j, res := range run.Results {
			if res.Status != domain.StatusSuggested && res.ResolvedAt == "" {
				continue
			}
			if !res.Action.SameAs(a) {
				continue
			}
			if res.Pending() {
				return Location{Run: i, Result: j}, true
			}
			if fallback == nil {
				fallback = &Location{Run: i, Result: j}
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Location{}, false
}

// Patch rewrites the result addressed by a's log entry. fn sees the current
// result and returns its replacement, or repo.ErrUnchanged to leave the log
// alone. The returned result is the stored one after the call.
func (w Writer) Patch(ctx context.Context, a domain.Action, fn func(res domain.ActionResult) (domain.ActionResult, error)) (domain.ActionResult, string, error) {
	var out domain.ActionResult
	var runID, evtType string
	var patched domain.Run
	_, err := repo.Mutate(ctx, w.Repo, repo.LogsKey, func(runs []domain.Run, _ bool) ([]domain.Run, error) {
		loc, ok := Locate(runs, a)
		if !ok {
			return nil, ErrNotFound
		}
		cur := runs[loc.Run].Results[loc.Result]
		runID = runs[loc.Run].ID
		next, err := fn(cur)
		if err != nil {
			out = cur
			return nil, err
		}
		out = next
		runs[loc.Run].Results[loc.Result] = next
		patched = runs[loc.Run]
		evtType = resolutionType(cur, next)
		return runs, nil
	})
	if err != nil {
		return out, runID, err
	}
	if evtType != "" {
		w.notify(ctx, evtType, patched)
	}
	return out, runID, nil
}

func resolutionType(before, after domain.ActionResult) string {
	if before.Status == after.Status {
		return ""
	}
	if after.Status == domain.StatusRejected {
		return TypeReject
	}
	return TypeApproval
}

// Pending lists unresolved suggestions, newest run first.
func (w Writer) Pending(ctx context.Context) ([]domain.PendingSuggestion, error) {
	runs, err := w.Runs(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := []domain.PendingSuggestion{}
	for _, run := range runs {
		for _, res := range run.Results {
			if res.Pending() {
				out = append(out, domain.PendingSuggestion{RunID: run.ID, Timestamp: run.Timestamp, Result: res})
			}
		}
	}
	return out, nil
}
