package domain

import (
	"slices"
	"sort"
)

// MembraneState is one membrane inside a Configuration.
type MembraneState struct {
	ID           MembraneID   `json:"id"`
	Label        string       `json:"label"`
	Parent       *MembraneID  `json:"parent"`
	Children     []MembraneID `json:"children"`
	Charge       Charge       `json:"charge"`
	Permeability Permeability `json:"permeability"`
	Objects      Multiset     `json:"objects"`
	Rules        []RuleID     `json:"rules"`
}

// ParentID returns the parent id or NoMembrane for the root.
func (m MembraneState) ParentID() MembraneID {
	if m.Parent == nil {
		return NoMembrane
	}
	return *m.Parent
}

// IsRoot reports whether the membrane has no parent.
func (m MembraneState) IsRoot() bool { return m.Parent == nil }

// IsElementary reports whether the membrane has no children.
func (m MembraneState) IsElementary() bool { return len(m.Children) == 0 }

// Clone returns a deep copy.
func (m MembraneState) Clone() MembraneState {
	out := m
	if m.Parent != nil {
		p := *m.Parent
		out.Parent = &p
	}
	out.Children = slices.Clone(m.Children)
	out.Rules = slices.Clone(m.Rules)
	out.Objects = m.Objects.Clone()
	return out
}

// Equal compares two membrane states field by field.
func (m MembraneState) Equal(o MembraneState) bool {
	return m.ID == o.ID &&
		m.Label == o.Label &&
		m.ParentID() == o.ParentID() &&
		slices.Equal(m.Children, o.Children) &&
		m.Charge.Normalize() == o.Charge.Normalize() &&
		m.Permeability.Normalize() == o.Permeability.Normalize() &&
		m.Objects.Equal(o.Objects) &&
		slices.Equal(m.Rules, o.Rules)
}

// PendingApplication is a triggered timed rule waiting for its delay to elapse.
type PendingApplication struct {
	Membrane  MembraneID `json:"membrane"`
	Rule      RuleID     `json:"rule"`
	Count     int        `json:"count"`
	Remaining int        `json:"remaining"`
}

// Configuration is a snapshot of the whole system at one step. Values handed
// out by the engine are private copies; callers must treat them as read-only.
type Configuration struct {
	Step        int                  `json:"step"`
	Membranes   []MembraneState      `json:"membranes"`
	Environment Multiset             `json:"environment"`
	Pending     []PendingApplication `json:"pending,omitempty"`
}

// Membrane looks up a live membrane by id.
func (c Configuration) Membrane(id MembraneID) (MembraneState, bool) {
	idx := sort.Search(len(c.Membranes), func(i int) bool { return c.Membranes[i].ID >= id })
	if idx < len(c.Membranes) && c.Membranes[idx].ID == id {
		return c.Membranes[idx], true
	}
	for _, m := range c.Membranes {
		if m.ID == id {
			return m, true
		}
	}
	return MembraneState{}, false
}

// Root returns the root membrane.
func (c Configuration) Root() (MembraneState, bool) {
	for _, m := range c.Membranes {
		if m.IsRoot() {
			return m, true
		}
	}
	return MembraneState{}, false
}

// WithLabel returns the live membranes carrying label, in id order.
func (c Configuration) WithLabel(label string) []MembraneState {
	var out []MembraneState
	for _, m := range c.Membranes {
		if m.Label == label {
			out = append(out, m)
		}
	}
	return out
}

// MembraneCount returns the number of live membranes.
func (c Configuration) MembraneCount() int { return len(c.Membranes) }

// TotalObjects counts objects in every membrane plus the environment.
// Products of pending timed rules are not counted until delivered.
func (c Configuration) TotalObjects() int {
	total := c.Environment.Size()
	for _, m := range c.Membranes {
		total += m.Objects.Size()
	}
	return total
}

// Clone returns a deep copy.
func (c Configuration) Clone() Configuration {
	out := Configuration{
		Step:        c.Step,
		Membranes:   make([]MembraneState, len(c.Membranes)),
		Environment: c.Environment.Clone(),
		Pending:     slices.Clone(c.Pending),
	}
	for i, m := range c.Membranes {
		out.Membranes[i] = m.Clone()
	}
	return out
}

// Equal reports whether two configurations have the same step index, tree
// shape, charges, contents, environment and pending entries.
func (c Configuration) Equal(o Configuration) bool {
	if c.Step != o.Step || len(c.Membranes) != len(o.Membranes) || len(c.Pending) != len(o.Pending) {
		return false
	}
	for i := range c.Membranes {
		if !c.Membranes[i].Equal(o.Membranes[i]) {
			return false
		}
	}
	for i := range c.Pending {
		if c.Pending[i] != o.Pending[i] {
			return false
		}
	}
	return c.Environment.Equal(o.Environment)
}

// RuleApplication is one (rule, instance count) pair chosen for a membrane.
// Targets maps inward destinations to instance counts for direction=in rules.
type RuleApplication struct {
	Membrane MembraneID         `json:"membrane"`
	Rule     RuleID             `json:"rule"`
	Count    int                `json:"count"`
	Targets  map[MembraneID]int `json:"targets,omitempty"`
}

// RuleApplicationSet is the set of applications chosen for one step.
type RuleApplicationSet struct {
	Step         int               `json:"step"`
	Applications []RuleApplication `json:"applications"`
}

// Total returns the number of rule instances in the set.
func (s RuleApplicationSet) Total() int {
	total := 0
	for _, a := range s.Applications {
		total += a.Count
	}
	return total
}

// Empty reports whether no rule instance was chosen.
func (s RuleApplicationSet) Empty() bool { return s.Total() == 0 }

// Outcome classifies how a bounded run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeHalted                Outcome = "halted"
	OutcomeStepLimitExceeded     Outcome = "step_limit_exceeded"
	OutcomeResourceLimitExceeded Outcome = "resource_limit_exceeded"
	OutcomeCancelled             Outcome = "cancelled"
)

// Metrics summarizes a run so far.
type Metrics struct {
	Steps                 int     `json:"steps"`
	TotalRuleApplications int     `json:"total_rule_applications"`
	PeakMembraneCount     int     `json:"peak_membrane_count"`
	AverageParallelism    float64 `json:"average_parallelism"`
	RefusedApplications   int     `json:"refused_applications"`
	Divisions             int     `json:"divisions"`
	Dissolutions          int     `json:"dissolutions"`
}

// Limits bounds a run's resource use.
type Limits struct {
	MaxMembranes int `json:"max_membranes" yaml:"max_membranes"`
	MaxDepth     int `json:"max_depth" yaml:"max_depth"`
}

// DefaultLimits keeps division growth bounded when callers do not configure limits.
var DefaultLimits = Limits{MaxMembranes: 1 << 16, MaxDepth: 64}
