package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph invariant violations. Mutations reject these
// synchronously; they never reach the sandbox.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrEdgeNotFound  = errors.New("edge not found")
	ErrSelfLoop      = errors.New("self-referential edge not allowed")
	ErrDuplicateEdge = errors.New("edge already exists")
	ErrTriggerTarget = errors.New("trigger node cannot be an edge destination")
	ErrCycle         = errors.New("edge would create a cycle")
)

func nodeNotFound(id NodeID) error {
	return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
}

func edgeError(kind error, from, to NodeID) error {
	return fmt.Errorf("%w: %d -> %d", kind, from, to)
}
