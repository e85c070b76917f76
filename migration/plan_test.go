package migration

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

type stepView struct {
	ID  string
	Dir Direction
}

func steps(p *Plan) []stepView {
	out := make([]stepView, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = stepView{s.Revision.RevisionID(), s.Direction}
	}
	return out
}

func TestPlan(t *testing.T) {
	// r0 <- r1 <- r2 <- r3, with a branch r1 <- x2.
	g := mustBuild(t, rev("r0", ""), rev("r1", "r0"), rev("r2", "r1"), rev("r3", "r2"), rev("x2", "r1"))

	tests := []struct {
		name            string
		current, target string
		want            []stepView
	}{
		{name: "base to r3", current: "", target: "r3",
			want: []stepView{{"r0", Forward}, {"r1", Forward}, {"r2", Forward}, {"r3", Forward}}},
		{name: "r1 to r3", current: "r1", target: "r3",
			want: []stepView{{"r2", Forward}, {"r3", Forward}}},
		{name: "r3 to r1", current: "r3", target: "r1",
			want: []stepView{{"r3", Backward}, {"r2", Backward}}},
		{name: "r2 to base", current: "r2", target: "",
			want: []stepView{{"r2", Backward}, {"r1", Backward}, {"r0", Backward}}},
		{name: "r1 to branch", current: "r1", target: "x2",
			want: []stepView{{"x2", Forward}}},
		{name: "same", current: "r2", target: "r2", want: []stepView{}},
		{name: "base to base", current: "", target: "", want: []stepView{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := g.Plan(tt.current, tt.target)
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			if got := steps(p); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("steps = %v, want %v", got, tt.want)
			}
			if p.From != tt.current || p.To != tt.target {
				t.Errorf("plan endpoints = %q..%q", p.From, p.To)
			}
		})
	}
}

func TestPlan_StepEndpointsChain(t *testing.T) {
	g := mustBuild(t, rev("r0", ""), rev("r1", "r0"), rev("r2", "r1"))
	for _, pair := range [][2]string{{"", "r2"}, {"r2", ""}, {"r2", "r0"}} {
		p, err := g.Plan(pair[0], pair[1])
		if err != nil {
			t.Fatal(err)
		}
		at := p.From
		for _, s := range p.Steps {
			if s.From() != at {
				t.Fatalf("%v: step %s starts at %q, want %q", pair, s.Revision.RevisionID(), s.From(), at)
			}
			at = s.To()
		}
		if at != p.To {
			t.Fatalf("%v: plan ends at %q, want %q", pair, at, p.To)
		}
	}
}

func TestPlan_Errors(t *testing.T) {
	g := mustBuild(t, rev("r0", ""), rev("r1", "r0"), rev("a2", "r1"), rev("b2", "r1"))

	var pe *PlanError
	_, err := g.Plan("a2", "b2")
	if !errors.As(err, &pe) {
		t.Fatalf("diverged: expected PlanError, got %v", err)
	}
	if pe.Current != "a2" || pe.Target != "b2" {
		t.Errorf("PlanError = %+v", pe)
	}

	_, err = g.Plan("zz", "r1")
	if !errors.As(err, &pe) || !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("unknown current: got %v", err)
	}
	_, err = g.Plan("r1", "zz")
	if !errors.Is(err, ErrUnknownRevision) {
		t.Fatalf("unknown target: got %v", err)
	}
}

func TestPlan_UnsupportedDowngrade(t *testing.T) {
	g := mustBuild(t,
		rev("r0", ""),
		&Revision{
			ID:        "r1",
			Parent:    "r0",
			Message:   "add approver rank",
			Upgrade:   []Operation{ExtendEnumType{Name: "user_rank", Value: "APPROVER"}},
			Downgrade: []Operation{dropCol("t", "x"), Irreversible{Reason: "enum values cannot be removed"}},
		},
		rev("r2", "r1"),
	)

	p, err := g.Plan("r2", "r0")
	if err != nil {
		t.Fatal(err)
	}
	if p.Steps[0].Unsupported != -1 {
		t.Errorf("r2 Unsupported = %d", p.Steps[0].Unsupported)
	}
	if p.Steps[1].Unsupported != 1 {
		t.Errorf("r1 Unsupported = %d, want 1", p.Steps[1].Unsupported)
	}

	out := p.String()
	for _, want := range []string{
		"plan r2 -> r0 (2 backward)",
		"downgrade r1 -> r0  add approver rank",
		"! 1. irreversible: enum values cannot be removed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}

	fwd, err := g.Plan("r0", "r2")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range fwd.Steps {
		if s.Unsupported != -1 {
			t.Errorf("forward step %s Unsupported = %d", s.Revision.RevisionID(), s.Unsupported)
		}
	}
}

func TestPlan_StringEmpty(t *testing.T) {
	p := &Plan{From: "", To: ""}
	if got := p.String(); got != "plan base -> base: nothing to do\n" {
		t.Errorf("String() = %q", got)
	}
}
