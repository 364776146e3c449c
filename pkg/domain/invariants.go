package domain

import (
	"context"
	"fmt"
)

// Severity captures invariant outcomes.
type Severity string

const (
	// SeverityBlock aborts the step that produced the violation.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but lets the step commit.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed invariant check.
type Violation struct {
	Invariant string
	Severity  Severity
	Message   string
	Membrane  MembraneID
}

// InvariantReport aggregates violations from an InvariantSet.
type InvariantReport struct {
	Violations []Violation
}

// Merge appends violations from another report.
func (r *InvariantReport) Merge(other InvariantReport) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the report contains blocking violations.
func (r InvariantReport) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// InvariantViolationError is returned when blocking violations are present.
type InvariantViolationError struct {
	Step   int
	Report InvariantReport
}

func (e InvariantViolationError) Error() string {
	for _, v := range e.Report.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("step %d blocked by invariant %s: %s", e.Step, v.Invariant, v.Message)
		}
	}
	return fmt.Sprintf("step %d blocked by invariants", e.Step)
}

// Invariant checks a committed transition.
type Invariant interface {
	Name() string
	Check(ctx context.Context, prev, next Configuration, applied RuleApplicationSet) (InvariantReport, error)
}

// InvariantSet evaluates registered invariants in registration order.
type InvariantSet struct {
	invariants []Invariant
}

// NewInvariantSet constructs a set holding the given invariants.
func NewInvariantSet(invariants ...Invariant) *InvariantSet {
	s := &InvariantSet{}
	for _, inv := range invariants {
		s.Register(inv)
	}
	return s
}

// Register appends an invariant to the set.
func (s *InvariantSet) Register(inv Invariant) {
	if inv == nil {
		return
	}
	s.invariants = append(s.invariants, inv)
}

// Len returns the number of registered invariants.
func (s *InvariantSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.invariants)
}

// Evaluate runs every invariant and merges their reports.
func (s *InvariantSet) Evaluate(ctx context.Context, prev, next Configuration, applied RuleApplicationSet) (InvariantReport, error) {
	var combined InvariantReport
	if s == nil {
		return combined, nil
	}
	for _, inv := range s.invariants {
		res, err := inv.Check(ctx, prev, next, applied)
		if err != nil {
			return InvariantReport{}, fmt.Errorf("invariant %s: %w", inv.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// TreeInvariant verifies that live membranes form a single rooted tree with
// consistent parent and child links.
type TreeInvariant struct{}

// Name implements Invariant.
func (TreeInvariant) Name() string { return "membrane_tree" }

// Check implements Invariant.
func (t TreeInvariant) Check(_ context.Context, _, next Configuration, _ RuleApplicationSet) (InvariantReport, error) {
	var report InvariantReport
	block := func(id MembraneID, format string, args ...any) {
		report.Violations = append(report.Violations, Violation{
			Invariant: t.Name(),
			Severity:  SeverityBlock,
			Message:   fmt.Sprintf(format, args...),
			Membrane:  id,
		})
	}
	byID := make(map[MembraneID]MembraneState, len(next.Membranes))
	roots := 0
	for _, m := range next.Membranes {
		if _, dup := byID[m.ID]; dup {
			block(m.ID, "duplicate membrane id %s", m.ID)
		}
		byID[m.ID] = m
		if m.IsRoot() {
			roots++
		}
	}
	if roots != 1 {
		block(NoMembrane, "expected exactly one root, found %d", roots)
	}
	for _, m := range next.Membranes {
		if !m.IsRoot() {
			parent, ok := byID[m.ParentID()]
			if !ok {
				block(m.ID, "parent %s of %s is not live", m.ParentID(), m.ID)
				continue
			}
			if !containsID(parent.Children, m.ID) {
				block(m.ID, "parent %s does not list child %s", parent.ID, m.ID)
			}
		}
		for _, c := range m.Children {
			child, ok := byID[c]
			if !ok || child.ParentID() != m.ID {
				block(m.ID, "child %s of %s does not point back", c, m.ID)
			}
		}
		// Walking up must reach the root within len(membranes) hops.
		cur, hops := m, 0
		for !cur.IsRoot() && hops <= len(next.Membranes) {
			p, ok := byID[cur.ParentID()]
			if !ok {
				break
			}
			cur, hops = p, hops+1
		}
		if hops > len(next.Membranes) {
			block(m.ID, "membrane %s sits on a parent cycle", m.ID)
		}
	}
	return report, nil
}

// MultisetInvariant verifies that no region holds a negative count.
type MultisetInvariant struct{}

// Name implements Invariant.
func (MultisetInvariant) Name() string { return "multiset_non_negative" }

// Check implements Invariant.
func (i MultisetInvariant) Check(_ context.Context, _, next Configuration, _ RuleApplicationSet) (InvariantReport, error) {
	var report InvariantReport
	for _, m := range next.Membranes {
		for s, n := range m.Objects {
			if n < 0 {
				report.Violations = append(report.Violations, Violation{
					Invariant: i.Name(),
					Severity:  SeverityBlock,
					Message:   fmt.Sprintf("%s holds %d of %s", m.ID, n, s),
					Membrane:  m.ID,
				})
			}
		}
	}
	for s, n := range next.Environment {
		if n < 0 {
			report.Violations = append(report.Violations, Violation{
				Invariant: i.Name(),
				Severity:  SeverityBlock,
				Message:   fmt.Sprintf("environment holds %d of %s", n, s),
				Membrane:  NoMembrane,
			})
		}
	}
	return report, nil
}

// ConservationInvariant verifies that the total object count changes by
// exactly sum(count * (|rhs| - |lhs|)) over the committed applications.
// Steps involving division or timed rules are skipped.
type ConservationInvariant struct {
	Lookup func(RuleID) (Rule, bool)
}

// Name implements Invariant.
func (ConservationInvariant) Name() string { return "object_conservation" }

// Check implements Invariant.
func (c ConservationInvariant) Check(_ context.Context, prev, next Configuration, applied RuleApplicationSet) (InvariantReport, error) {
	var report InvariantReport
	if c.Lookup == nil || len(prev.Pending) > 0 || len(next.Pending) > 0 {
		return report, nil
	}
	expected := 0
	for _, app := range applied.Applications {
		r, ok := c.Lookup(app.Rule)
		if !ok {
			return report, fmt.Errorf("unknown rule %s", app.Rule)
		}
		if r.IsDivision() || r.DelaySteps() > 0 {
			return report, nil
		}
		expected += app.Count * (r.RHS.Size() - r.LHS.Size())
	}
	if got := next.TotalObjects() - prev.TotalObjects(); got != expected {
		report.Violations = append(report.Violations, Violation{
			Invariant: c.Name(),
			Severity:  SeverityBlock,
			Message:   fmt.Sprintf("object total changed by %d, expected %d", got, expected),
			Membrane:  NoMembrane,
		})
	}
	return report, nil
}

func containsID(list []MembraneID, id MembraneID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
