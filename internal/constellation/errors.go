package constellation

import (
	"errors"
	"fmt"
)

var (
	// ErrCycle is returned when an edit would make the graph cyclic.
	ErrCycle = errors.New("cycle detected")
	// ErrMissingNode is returned when an edge endpoint does not exist.
	ErrMissingNode = errors.New("missing node")
	// ErrDuplicate is returned when a node id or edge already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrIllegalTransition is returned for a status change outside the lattice.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrInvalidSpec is returned for a node spec with no binding or a bad attempt bound.
	ErrInvalidSpec = errors.New("invalid node spec")
)

// Invariant identifiers reported by InvariantViolationError.
const (
	ViolationAcyclicity     = "acyclicity"
	ViolationReferential    = "referential_integrity"
	ViolationTransition     = "state_transition"
	ViolationAssignment     = "single_assignment"
	ViolationRunningRemoved = "running_removed"
)

// InvariantViolationError reports which invariant a batch commit violated.
// The batch is rolled back before this error is returned.
type InvariantViolationError struct {
	Which  string
	Detail string
}

func (e *InvariantViolationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invariant violation: %s", e.Which)
	}
	return fmt.Sprintf("invariant violation: %s (%s)", e.Which, e.Detail)
}

// IsInvariantViolation reports whether err is an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolationError
	return errors.As(err, &iv)
}
