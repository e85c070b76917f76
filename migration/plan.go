package migration

import (
	"fmt"
	"strings"
)

// Step is one revision of a plan together with the direction to run it in.
type Step struct {
	Revision  Definition
	Direction Direction

	// Unsupported is the index of the first Irreversible marker in a
	// backward step's operations, or -1. The executor refuses such a step
	// before touching the store.
	Unsupported int
}

// Operations returns the operations the step runs.
func (s Step) Operations() []Operation { return s.Direction.Operations(s.Revision) }

// From returns the applied revision before the step runs.
func (s Step) From() string {
	if s.Direction == Backward {
		return s.Revision.RevisionID()
	}
	return s.Revision.ParentID()
}

// To returns the applied revision once the step has run.
func (s Step) To() string {
	if s.Direction == Backward {
		return s.Revision.ParentID()
	}
	return s.Revision.RevisionID()
}

// Plan is the ordered sequence of steps between two revisions.
type Plan struct {
	From  string
	To    string
	Steps []Step
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }

// Direction returns the direction of the plan's steps. An empty plan is
// Forward.
func (p *Plan) Direction() Direction {
	if len(p.Steps) == 0 {
		return Forward
	}
	return p.Steps[0].Direction
}

// String renders the plan for a dry run.
func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s -> %s", displayID(p.From), displayID(p.To))
	if p.Empty() {
		b.WriteString(": nothing to do\n")
		return b.String()
	}
	fmt.Fprintf(&b, " (%d %s)\n", len(p.Steps), p.Direction())
	for _, s := range p.Steps {
		msg := ""
		if r, ok := s.Revision.(*Revision); ok && r.Message != "" {
			msg = "  " + r.Message
		}
		fmt.Fprintf(&b, "  %s %s -> %s%s\n", s.Direction.opList(), displayID(s.From()), displayID(s.To()), msg)
		for i, op := range s.Operations() {
			marker := " "
			if i == s.Unsupported {
				marker = "!"
			}
			fmt.Fprintf(&b, "   %s %d. %s\n", marker, i, op)
		}
	}
	return b.String()
}

// Plan resolves the path from current to target. Both are revision
// identifiers; "" means no revision applied. Revisions on target's lineage
// after current are returned Forward; revisions on current's lineage after
// target are returned Backward, newest first. Revisions on diverged branches
// yield a *PlanError.
func (g *Graph) Plan(current, target string) (*Plan, error) {
	p := &Plan{From: current, To: target}
	if current == target {
		return p, nil
	}

	ci, ti := -1, -1
	if current != "" {
		i, ok := g.index[current]
		if !ok {
			return nil, &PlanError{Current: current, Target: target, Err: fmt.Errorf("%w: %s", ErrUnknownRevision, current)}
		}
		ci = i
	}
	if target != "" {
		i, ok := g.index[target]
		if !ok {
			return nil, &PlanError{Current: current, Target: target, Err: fmt.Errorf("%w: %s", ErrUnknownRevision, target)}
		}
		ti = i
	}

	switch {
	case ci == -1 || (ti != -1 && g.isAncestor(ci, ti)):
		lineage := g.nodes[ti].lineage
		start := 0
		if ci != -1 {
			start = g.nodes[ci].depth + 1
		}
		for _, n := range lineage[start:] {
			p.Steps = append(p.Steps, Step{Revision: g.nodes[n].def, Direction: Forward, Unsupported: -1})
		}
	case ti == -1 || g.isAncestor(ti, ci):
		lineage := g.nodes[ci].lineage
		stop := 0
		if ti != -1 {
			stop = g.nodes[ti].depth + 1
		}
		for k := len(lineage) - 1; k >= stop; k-- {
			def := g.nodes[lineage[k]].def
			p.Steps = append(p.Steps, Step{Revision: def, Direction: Backward, Unsupported: irreversibleAt(def.DowngradeOps())})
		}
	default:
		return nil, &PlanError{Current: current, Target: target, Err: errDiverged}
	}
	return p, nil
}

func irreversibleAt(ops []Operation) int {
	for i, op := range ops {
		if op.Kind() == KindIrreversible {
			return i
		}
	}
	return -1
}
