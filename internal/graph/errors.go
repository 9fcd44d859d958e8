package graph

import "errors"

var (
	// ErrCycle is returned when an edge addition would create a dependency
	// cycle. The graph is left unchanged.
	ErrCycle = errors.New("dependency cycle")

	// ErrNotFound is returned when a task ID does not exist in the graph.
	ErrNotFound = errors.New("task not found")

	// ErrDuplicate is returned when a task ID is already present.
	ErrDuplicate = errors.New("task already exists")

	// ErrHasDependents is returned by Remove when active dependents exist
	// and no cascade policy was chosen.
	ErrHasDependents = errors.New("task has active dependents")

	// ErrInvalidTransition is returned when a status change violates the
	// task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
