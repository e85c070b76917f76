// Package migration evolves a relational schema through an ordered chain of
// revisions. It provides the operation set, the revision graph and planner,
// the executor that applies plans with per-revision atomicity, the
// applied-state store with its single-writer lock, and the engine that ties
// them together.
package migration

import (
	"errors"
	"fmt"
	"time"
)

// Definition is an externally supplied revision. The engine only reads it.
type Definition interface {
	// RevisionID returns the revision's unique, stable identifier.
	RevisionID() string
	// ParentID returns the parent's identifier, or "" for the root.
	ParentID() string
	// UpgradeOps returns the forward operations in order.
	UpgradeOps() []Operation
	// DowngradeOps returns the inverse operations in order.
	DowngradeOps() []Operation
}

// Revision is the concrete Definition used by revision files and by
// revisions registered in Go.
type Revision struct {
	ID        string
	Parent    string
	Message   string
	Created   time.Time
	Upgrade   []Operation
	Downgrade []Operation
}

func (r *Revision) RevisionID() string        { return r.ID }
func (r *Revision) ParentID() string          { return r.Parent }
func (r *Revision) UpgradeOps() []Operation   { return r.Upgrade }
func (r *Revision) DowngradeOps() []Operation { return r.Downgrade }

// Direction is the way a revision is traversed.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// opList names the operation list a direction runs.
func (d Direction) opList() string {
	if d == Backward {
		return "downgrade"
	}
	return "upgrade"
}

// Operations returns the operations def runs in direction d.
func (d Direction) Operations(def Definition) []Operation {
	if d == Backward {
		return def.DowngradeOps()
	}
	return def.UpgradeOps()
}

// validateDefinition checks a definition's operations and its reversibility
// declarations.
func validateDefinition(def Definition) error {
	up, down := def.UpgradeOps(), def.DowngradeOps()

	marked := false
	for i, op := range down {
		if op == nil {
			return fmt.Errorf("downgrade operation %d is empty", i)
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("downgrade operation %d (%s): %w", i, op.Kind(), err)
		}
		if op.Kind() == KindIrreversible {
			marked = true
		}
	}

	needsDowngrade := false
	for i, op := range up {
		if op == nil {
			return fmt.Errorf("upgrade operation %d is empty", i)
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("upgrade operation %d (%s): %w", i, op.Kind(), err)
		}
		switch {
		case op.Kind() == KindIrreversible:
			return fmt.Errorf("upgrade operation %d: irreversible marker is only valid in a downgrade", i)
		case !IsReversible(op) && !marked:
			return fmt.Errorf("upgrade operation %d (%s) cannot be reversed; mark the downgrade irreversible", i, op.Kind())
		case op.Kind() == KindRawStatement:
			needsDowngrade = true
		}
	}
	if needsDowngrade && len(down) == 0 {
		return errors.New("raw statements require a documented downgrade")
	}
	return nil
}
