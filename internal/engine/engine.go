package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/domain"
	"autopilot/internal/events"
	"autopilot/internal/logging"
	"autopilot/internal/planner"
	"autopilot/internal/proposal"
	"autopilot/internal/repo"
	"autopilot/internal/snapshot"
)

type Engine struct {
	Repo    repo.Repo
	Planner planner.Planner
	Audit   events.Writer
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
	// MaxSnapshotBytes bounds the snapshot sent to the planner; 0 is unbounded.
	MaxSnapshotBytes int
}

func New(r repo.Repo, p planner.Planner, audit events.Writer, logger *slog.Logger) Engine {
	if audit.Repo.Store == nil {
		audit.Repo = r
	}
	return Engine{
		Repo:    r,
		Planner: p,
		Audit:   audit,
		Logger:  logger,
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Stage names the step of an automatic run that failed.
type Stage string

const (
	StageSnapshot Stage = "snapshot"
	StagePropose  Stage = "propose"
	StageParse    Stage = "parse"
	StageAudit    Stage = "audit"
)

// RunError is a fatal failure of an automatic run.
type RunError struct {
	Stage Stage
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// AutoRun snapshots the store, asks the planner for actions, executes them
// under each project's automation mode and records the run. Failures before
// execution leave the store and the log untouched.
func (e Engine) AutoRun(ctx context.Context) (domain.Run, error) {
	log := e.logger()
	if e.Planner == nil {
		return domain.Run{}, &RunError{Stage: StagePropose, Err: ErrNoPlanner}
	}
	snap, err := snapshot.Builder{Repo: e.Repo}.Build(ctx)
	if err != nil {
		return domain.Run{}, &RunError{Stage: StageSnapshot, Err: err}
	}
	data, dropped, err := snap.Encode(e.MaxSnapshotBytes)
	if err != nil {
		return domain.Run{}, &RunError{Stage: StageSnapshot, Err: err}
	}
	if dropped > 0 {
		log.Warn("snapshot truncated", "dropped_projects", dropped, "max_bytes", e.MaxSnapshotBytes)
	}
	text, err := planner.Propose(ctx, e.Planner, data, snap.Owners)
	if err != nil {
		return domain.Run{}, &RunError{Stage: StagePropose, Err: err}
	}
	actions, err := proposal.Parse(text, e.newID)
	if err != nil {
		return domain.Run{}, &RunError{Stage: StageParse, Err: err}
	}

	run := domain.Run{
		ID:        e.newID(),
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Actions:   actions,
		Results:   e.Execute(ctx, actions),
		Truncated: dropped,
	}
	logging.WithRun(log, run.ID).Info("auto run finished", "actions", len(actions), "projects", len(snap.Projects))
	if err := e.Audit.Append(ctx, run); err != nil {
		return run, &RunError{Stage: StageAudit, Err: err}
	}
	return run, nil
}

// Execute dispatches actions one by one. A failing action never stops the
// ones after it.
func (e Engine) Execute(ctx context.Context, actions []domain.Action) []domain.ActionResult {
	results := make([]domain.ActionResult, 0, len(actions))
	for _, a := range actions {
		results = append(results, e.dispatch(ctx, a))
	}
	return results
}

// dispatch applies the owning project's automation mode to a. Projects that
// cannot be found run in full_auto.
func (e Engine) dispatch(ctx context.Context, a domain.Action) domain.ActionResult {
	mode := domain.ModeFullAuto
	if a.ProjectID != "" {
		p, _, err := e.Repo.FindProject(ctx, a.ProjectID)
		switch {
		case err == nil:
			mode = p.Mode()
		case !errors.Is(err, repo.ErrOwnerNotFound):
			return domain.ActionResult{ActionID: a.ID, Action: a, Status: domain.StatusError, Info: err.Error()}
		}
	}
	switch mode {
	case domain.ModeOff:
		return domain.ActionResult{ActionID: a.ID, Action: a, Status: domain.StatusSkipped, Info: "automation is off for this project"}
	case domain.ModeSuggestOnly:
		return domain.ActionResult{ActionID: a.ID, Action: a, Status: domain.StatusSuggested, Info: "awaiting approval"}
	default:
		return e.execute(ctx, a, domain.StatusSuccess)
	}
}

// execute runs a's handler without any mode check. ok is the status recorded
// on success.
func (e Engine) execute(ctx context.Context, a domain.Action, ok domain.Status) (res domain.ActionResult) {
	res = domain.ActionResult{ActionID: a.ID, Action: a}
	h, found := registry[a.Kind]
	if !found {
		res.Status = domain.StatusUnknown
		res.Info = fmt.Sprintf("unknown action type %q", a.Kind)
		return res
	}
	log := e.logger().With("action_id", a.ID, "kind", string(a.Kind), "project_id", a.ProjectID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("action handler panicked", "panic", r)
			res.Status = domain.StatusError
			res.Info = fmt.Sprintf("handler panic: %v", r)
			res.Inverse = nil
		}
	}()
	if err := h.validate(a); err != nil {
		res.Status = domain.StatusError
		res.Info = err.Error()
		return res
	}
	out, err := h.run(e, ctx, a)
	if err != nil {
		log.Warn("action failed", "err", err)
		res.Status = domain.StatusError
		res.Info = err.Error()
		return res
	}
	log.Debug("action applied", "status", ok)
	res.Status = ok
	res.Info = out.Info
	res.Inverse = out.Inverse
	return res
}
