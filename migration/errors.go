package migration

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRevision is returned when an identifier does not name a
	// known revision.
	ErrUnknownRevision = errors.New("unknown revision")

	// ErrAmbiguousRevision is returned when a revision prefix matches more
	// than one revision.
	ErrAmbiguousRevision = errors.New("ambiguous revision")

	// ErrMultipleHeads is returned when "head" is requested but the graph
	// has more than one head.
	ErrMultipleHeads = errors.New("multiple heads")

	// ErrStateChanged is returned when the applied-state compare-and-swap
	// finds a value other than the one it read.
	ErrStateChanged = errors.New("applied revision changed concurrently")

	// ErrWrongDirection is returned by Upgrade for a plan that would move
	// backwards and by Downgrade for one that would move forwards.
	ErrWrongDirection = errors.New("plan moves in the wrong direction")
)

// GraphErrorKind classifies a malformed revision graph.
type GraphErrorKind string

const (
	GraphEmpty            GraphErrorKind = "empty graph"
	GraphDuplicateID      GraphErrorKind = "duplicate revision"
	GraphUnresolvedParent GraphErrorKind = "unresolved parent"
	GraphMultipleRoots    GraphErrorKind = "multiple roots"
	GraphCycle            GraphErrorKind = "cycle"
	GraphInvalidRevision  GraphErrorKind = "invalid revision"
)

// GraphError is returned by Build when the supplied revisions do not form a
// single rooted tree. No plan can be produced from a malformed graph.
type GraphError struct {
	// Kind classifies the problem.
	Kind GraphErrorKind

	// Revisions lists the identifiers involved.
	Revisions []string

	// Detail describes the problem further.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	msg := "revision graph: " + string(e.Kind)
	if len(e.Revisions) > 0 {
		msg += " (" + strings.Join(e.Revisions, ", ") + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *GraphError) Unwrap() error { return e.Err }

// PlanError is returned when no path exists between two revisions. Nothing
// is mutated when planning fails.
type PlanError struct {
	// Current is the revision the store holds.
	Current string

	// Target is the requested revision.
	Target string

	// Err is the cause: ErrUnknownRevision or a divergence description.
	Err error
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	return fmt.Sprintf("cannot plan from %s to %s: %v", displayID(e.Current), displayID(e.Target), e.Err)
}

// Unwrap returns the underlying cause.
func (e *PlanError) Unwrap() error { return e.Err }

// errDiverged is the PlanError cause for revisions on different branches.
var errDiverged = errors.New("revisions are on diverged branches; merge them into one chain first")

// LockHeldError is returned when another run holds the single-writer lock.
// The run fails immediately and performs no mutation.
type LockHeldError struct {
	// Holder identifies the current lock holder, when known.
	Holder string

	// Since is when the holder acquired the lock, when known.
	Since string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	msg := "migration lock is held by another run"
	if e.Holder != "" {
		msg += " (holder " + e.Holder
		if e.Since != "" {
			msg += " since " + e.Since
		}
		msg += ")"
	}
	return msg
}

// OperationError reports a failed operation. The failing revision's
// transaction was rolled back; revisions applied before it remain applied.
type OperationError struct {
	// Revision is the identifier of the failing revision.
	Revision string

	// Direction is the direction the revision was being applied in.
	Direction Direction

	// Index is the position of the failing operation in the revision's
	// upgrade or downgrade list.
	Index int

	// Kind is the failing operation's kind.
	Kind Kind

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("revision %s: %s operation %d (%s): %v", e.Revision, e.Direction.opList(), e.Index, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OperationError) Unwrap() error { return e.Err }

// UnsupportedDowngradeError is returned when a downgrade reaches a revision
// marked irreversible. It is raised before any mutation for that revision.
type UnsupportedDowngradeError struct {
	// Revision is the identifier of the irreversible revision.
	Revision string

	// Index is the position of the Irreversible marker in the downgrade list.
	Index int

	// Reason is the author's explanation.
	Reason string
}

// Error implements the error interface.
func (e *UnsupportedDowngradeError) Error() string {
	msg := fmt.Sprintf("revision %s: downgrade operation %d: downgrade unsupported", e.Revision, e.Index)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConflictError is returned when an operation would create an object that
// already exists, e.g. adding a column twice.
type ConflictError struct {
	// Object is the object type, e.g. "column".
	Object string

	// Name is the qualified object name, when known.
	Name string

	// Err is the store's error when the conflict was reported by the store
	// rather than found by a pre-flight check.
	Err error
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Name == "" && e.Err != nil {
		return fmt.Sprintf("%s already exists: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("%s %s already exists", e.Object, e.Name)
}

// Unwrap returns the store's error, if any.
func (e *ConflictError) Unwrap() error { return e.Err }

// MissingObjectError is returned when an operation refers to an object that
// does not exist.
type MissingObjectError struct {
	// Object is the object type, e.g. "constraint".
	Object string

	// Name is the qualified object name, when known.
	Name string

	// Err is the store's error, if the store reported the problem.
	Err error
}

// Error implements the error interface.
func (e *MissingObjectError) Error() string {
	if e.Name == "" && e.Err != nil {
		return fmt.Sprintf("%s does not exist: %v", e.Object, e.Err)
	}
	return fmt.Sprintf("%s %s does not exist", e.Object, e.Name)
}

// Unwrap returns the store's error, if any.
func (e *MissingObjectError) Unwrap() error { return e.Err }

// ConstraintViolationError is returned when existing rows violate a
// constraint being created, or a data operation violates one.
type ConstraintViolationError struct {
	// Constraint names the violated constraint, when known.
	Constraint string

	// Detail is the store's description.
	Detail string

	// Err is the store's error, if any.
	Err error
}

// Error implements the error interface.
func (e *ConstraintViolationError) Error() string {
	if e.Constraint == "" {
		return "constraint violation: " + e.Detail
	}
	return fmt.Sprintf("constraint %s violated: %s", e.Constraint, e.Detail)
}

// Unwrap returns the store's error, if any.
func (e *ConstraintViolationError) Unwrap() error { return e.Err }

func displayID(id string) string {
	if id == "" {
		return "base"
	}
	return id
}
