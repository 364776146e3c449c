// Package domain defines the value types, rule primitives, error taxonomy and
// persistence contracts shared by the membranecore engine and its backends.
package domain

import "fmt"

// MembraneID addresses a membrane record in the engine arena. Ids are stable
// and never reused within one run.
type MembraneID int

// NoMembrane marks the absent parent of the root membrane.
const NoMembrane MembraneID = -1

// String renders the id for logging.
func (id MembraneID) String() string { return fmt.Sprintf("m%d", int(id)) }

// RuleID identifies a rule within a loaded system.
type RuleID string

// Charge is the electrical polarity of a membrane.
type Charge string

// Supported membrane charges.
const (
	// ChargeNeutral is the default polarity.
	ChargeNeutral Charge = "0"
	// ChargePositive marks a positively charged membrane.
	ChargePositive Charge = "+"
	// ChargeNegative marks a negatively charged membrane.
	ChargeNegative Charge = "-"
)

// Valid reports whether c is a known charge. The empty charge is treated as neutral.
func (c Charge) Valid() bool {
	switch c {
	case "", ChargeNeutral, ChargePositive, ChargeNegative:
		return true
	}
	return false
}

// Normalize maps the empty charge to ChargeNeutral.
func (c Charge) Normalize() Charge {
	if c == "" {
		return ChargeNeutral
	}
	return c
}

// Direction tells where a rule's products are delivered.
type Direction string

// Supported product directions.
const (
	DirectionNone Direction = "none" // same membrane
	DirectionIn   Direction = "in"   // a child, selected by Rule.Target
	DirectionOut  Direction = "out"  // the parent, or the environment from the root
)

// Valid reports whether d is a known direction. The empty direction means none.
func (d Direction) Valid() bool {
	switch d {
	case "", DirectionNone, DirectionIn, DirectionOut:
		return true
	}
	return false
}

// Normalize maps the empty direction to DirectionNone.
func (d Direction) Normalize() Direction {
	if d == "" {
		return DirectionNone
	}
	return d
}

// Permeability restricts transport across a membrane's own boundary.
type Permeability string

// Supported permeability modes.
const (
	PermeableBoth Permeability = "both"
	PermeableIn   Permeability = "in"
	PermeableOut  Permeability = "out"
	PermeableNone Permeability = "none"
)

// Valid reports whether p is known. The empty value means both.
func (p Permeability) Valid() bool {
	switch p {
	case "", PermeableBoth, PermeableIn, PermeableOut, PermeableNone:
		return true
	}
	return false
}

// Normalize maps the empty permeability to PermeableBoth.
func (p Permeability) Normalize() Permeability {
	if p == "" {
		return PermeableBoth
	}
	return p
}

// AllowsIn reports whether objects may cross the boundary inward.
func (p Permeability) AllowsIn() bool {
	p = p.Normalize()
	return p == PermeableBoth || p == PermeableIn
}

// AllowsOut reports whether objects may cross the boundary outward.
func (p Permeability) AllowsOut() bool {
	p = p.Normalize()
	return p == PermeableBoth || p == PermeableOut
}

// PartitionPolicy decides how a divided membrane's contents reach its children.
type PartitionPolicy string

// Supported partition policies.
const (
	// PartitionCopy gives each child a full copy of the parent's contents.
	PartitionCopy PartitionPolicy = "copy"
	// PartitionSplit gives the first child ceil(n/2) and the second floor(n/2) of every symbol.
	PartitionSplit PartitionPolicy = "split"
)

// DivisionSpec is the right-hand side of a division rule.
type DivisionSpec struct {
	First        Multiset        `json:"first,omitempty" yaml:"first,omitempty"`
	Second       Multiset        `json:"second,omitempty" yaml:"second,omitempty"`
	FirstCharge  Charge          `json:"first_charge,omitempty" yaml:"first_charge,omitempty"`
	SecondCharge Charge          `json:"second_charge,omitempty" yaml:"second_charge,omitempty"`
	Policy       PartitionPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// Partition splits contents between the two children according to the policy.
func (d DivisionSpec) Partition(contents Multiset) (Multiset, Multiset) {
	if d.Policy != PartitionSplit {
		return contents.Clone(), contents.Clone()
	}
	first, second := Multiset{}, Multiset{}
	for s, n := range contents {
		first.Add(s, n-n/2)
		second.Add(s, n/2)
	}
	return first, second
}

// Rule is an immutable rewriting rule owned by the membranes carrying its label.
type Rule struct {
	ID          RuleID        `json:"id" yaml:"id"`
	Membrane    string        `json:"membrane" yaml:"membrane"`
	LHS         Multiset      `json:"lhs,omitempty" yaml:"lhs,omitempty"`
	RHS         Multiset      `json:"rhs,omitempty" yaml:"rhs,omitempty"`
	Direction   Direction     `json:"direction,omitempty" yaml:"direction,omitempty"`
	Target      string        `json:"target,omitempty" yaml:"target,omitempty"`
	Priority    int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Promoters   []string      `json:"promoters,omitempty" yaml:"promoters,omitempty"`
	Inhibitors  []string      `json:"inhibitors,omitempty" yaml:"inhibitors,omitempty"`
	Probability *float64      `json:"probability,omitempty" yaml:"probability,omitempty"`
	Delay       *int          `json:"delay,omitempty" yaml:"delay,omitempty"`
	Antiport    Multiset      `json:"antiport,omitempty" yaml:"antiport,omitempty"`
	Charge      Charge        `json:"charge,omitempty" yaml:"charge,omitempty"`
	SetCharge   Charge        `json:"set_charge,omitempty" yaml:"set_charge,omitempty"`
	Dissolve    bool          `json:"dissolve,omitempty" yaml:"dissolve,omitempty"`
	Divide      *DivisionSpec `json:"divide,omitempty" yaml:"divide,omitempty"`
}

// IsDivision reports whether the rule divides its membrane.
func (r *Rule) IsDivision() bool { return r.Divide != nil }

// IsBoundary reports whether the rule changes the membrane itself. Boundary
// rules apply at most once per membrane per step.
func (r *Rule) IsBoundary() bool {
	return r.Divide != nil || r.Dissolve || r.SetCharge != ""
}

// IsTransport reports whether products or imports cross a boundary.
func (r *Rule) IsTransport() bool {
	d := r.Direction.Normalize()
	return d == DirectionIn || d == DirectionOut
}

// IsProbabilistic reports whether the rule carries a selection weight.
func (r *Rule) IsProbabilistic() bool { return r.Probability != nil }

// DelaySteps returns the configured delay, zero for immediate rules.
func (r *Rule) DelaySteps() int {
	if r.Delay == nil {
		return 0
	}
	return *r.Delay
}

// NetChange returns |rhs| - |lhs| for one application, including division products.
func (r *Rule) NetChange() int {
	produced := r.RHS.Size()
	if r.Divide != nil {
		produced += r.Divide.First.Size() + r.Divide.Second.Size()
	}
	return produced - r.LHS.Size()
}

// String renders a compact human form, e.g. "r1[cell]: a^2 -> b (out)".
func (r *Rule) String() string {
	rhs := r.RHS.String()
	switch {
	case r.Divide != nil:
		rhs = fmt.Sprintf("[%s] [%s]", r.Divide.First, r.Divide.Second)
	case r.Dissolve:
		rhs += " δ"
	}
	dir := ""
	if d := r.Direction.Normalize(); d != DirectionNone {
		dir = " (" + string(d)
		if r.Target != "" {
			dir += " " + r.Target
		}
		dir += ")"
	}
	return fmt.Sprintf("%s[%s]: %s -> %s%s", r.ID, r.Membrane, r.LHS, rhs, dir)
}
