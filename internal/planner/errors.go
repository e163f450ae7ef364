package planner

import "errors"

var (
	ErrUnauthorized = errors.New("planner unauthorized")
	ErrUnavailable  = errors.New("planner unavailable")
	ErrRateLimited  = errors.New("planner rate limited")
	ErrEmpty        = errors.New("planner empty response")
)
