package engine

import (
	"errors"
	"fmt"

	"autopilot/internal/repo"
)

var (
	ErrOwnerNotFound   = repo.ErrOwnerNotFound
	ErrEntityNotFound  = errors.New("entity not found")
	ErrUndoUnsupported = errors.New("undo not supported for this action type")
	ErrInvalidAction   = errors.New("invalid action")
	ErrNotPending      = errors.New("no pending suggestion for action")
	ErrNoPlanner       = errors.New("planner not configured")
)

// NotFoundError names the missing entity, e.g. "task not found".
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return e.Entity + " not found"
}

func (e NotFoundError) Is(target error) bool {
	return target == ErrEntityNotFound
}

func notFound(entity, id string) error {
	return NotFoundError{Entity: entity, ID: id}
}

func missingField(field string) error {
	return fmt.Errorf("%w: missing required field %s", ErrInvalidAction, field)
}
