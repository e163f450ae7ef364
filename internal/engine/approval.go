package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/domain"
	"autopilot/internal/events"
	"autopilot/internal/repo"
)

// Approve executes a suggested action on behalf of actor.
//
// The suggestion is found by action id (or, for callers without ids, by
// comparing the action itself). A suggestion that was already resolved is
// returned as stored and never runs twice. An action with no logged
// suggestion is executed directly and recorded as its own approval run.
func (e Engine) Approve(ctx context.Context, a domain.Action, actor string) (domain.ActionResult, error) {
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	claimed := false
	// Claim the entry first so a concurrent approval sees it as resolved.
	stored, _, err := e.Audit.Patch(ctx, a, func(cur domain.ActionResult) (domain.ActionResult, error) {
		if !cur.Pending() {
			return cur, repo.ErrUnchanged
		}
		claimed = true
		if cur.ActionID == "" {
			cur.ActionID = e.newID()
		}
		cur.Action.ID = cur.ActionID
		cur.ResolvedAt = stamp
		cur.Actor = actor
		return cur, nil
	})
	switch {
	case errors.Is(err, events.ErrNotFound):
		return e.approveUnlogged(ctx, a, actor)
	case err != nil:
		return domain.ActionResult{}, err
	case !claimed:
		return stored, nil
	}

	res := e.execute(ctx, stored.Action, domain.StatusApproved)
	res.ResolvedAt = stamp
	res.Actor = actor
	final, _, err := e.Audit.Patch(ctx, stored.Action, func(domain.ActionResult) (domain.ActionResult, error) {
		return res, nil
	})
	if err != nil {
		return res, fmt.Errorf("record approval: %w", err)
	}
	e.logger().Info("suggestion approved", "action_id", final.ActionID, "status", final.Status, "actor", actor)
	return final, nil
}

func (e Engine) approveUnlogged(ctx context.Context, a domain.Action, actor string) (domain.ActionResult, error) {
	if a.Kind == "" {
		return domain.ActionResult{}, fmt.Errorf("%w: action tag is required", ErrInvalidAction)
	}
	if a.ID == "" {
		a.ID = e.newID()
	}
	res := e.execute(ctx, a, domain.StatusApproved)
	res.ResolvedAt = e.now().UTC().Format(time.RFC3339Nano)
	res.Actor = actor
	run := domain.Run{
		ID:        e.newID(),
		Timestamp: res.ResolvedAt,
		Actions:   []domain.Action{a},
		Results:   []domain.ActionResult{res},
		Approval:  true,
		Actor:     actor,
	}
	if err := e.Audit.Append(ctx, run); err != nil {
		return res, fmt.Errorf("record approval: %w", err)
	}
	return res, nil
}

// Reject resolves a pending suggestion without touching the store.
func (e Engine) Reject(ctx context.Context, a domain.Action, actor string) (domain.ActionResult, error) {
	stamp := e.now().UTC().Format(time.RFC3339Nano)
	res, _, err := e.Audit.Patch(ctx, a, func(cur domain.ActionResult) (domain.ActionResult, error) {
		if !cur.Pending() {
			return cur, repo.ErrUnchanged
		}
		cur.Status = domain.StatusRejected
		cur.Info = "rejected"
		cur.ResolvedAt = stamp
		cur.Actor = actor
		return cur, nil
	})
	if errors.Is(err, events.ErrNotFound) {
		return domain.ActionResult{}, ErrNotPending
	}
	return res, err
}

// Pending lists suggestions still waiting for a decision.
func (e Engine) Pending(ctx context.Context) ([]domain.PendingSuggestion, error) {
	return e.Audit.Pending(ctx)
}

// Logs returns up to limit runs, newest first.
func (e Engine) Logs(ctx context.Context, limit int) ([]domain.Run, error) {
	return e.Audit.Runs(ctx, limit)
}
