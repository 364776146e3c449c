package domain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// OutputEnvironment selects the environment as the result region.
const OutputEnvironment = "environment"

// MembraneDefinition declares one membrane of the initial tree.
type MembraneDefinition struct {
	Name         string       `json:"name" yaml:"name"`
	Parent       string       `json:"parent,omitempty" yaml:"parent,omitempty"`
	Charge       Charge       `json:"charge,omitempty" yaml:"charge,omitempty"`
	Permeability Permeability `json:"permeability,omitempty" yaml:"permeability,omitempty"`
	Objects      Multiset     `json:"objects,omitempty" yaml:"objects,omitempty"`
}

// Definition is the declarative initial configuration accepted by the loader:
// membrane tree, initial multisets and the full rule list.
type Definition struct {
	Name      string               `json:"name,omitempty" yaml:"name,omitempty"`
	Alphabet  []string             `json:"alphabet,omitempty" yaml:"alphabet,omitempty"`
	Output    string               `json:"output,omitempty" yaml:"output,omitempty"`
	Membranes []MembraneDefinition `json:"membranes" yaml:"membranes"`
	Rules     []Rule               `json:"rules" yaml:"rules"`
	Limits    *Limits              `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// RootName returns the name of the parentless membrane, or "" if there is none.
func (d Definition) RootName() string {
	for _, m := range d.Membranes {
		if m.Parent == "" {
			return m.Name
		}
	}
	return ""
}

// Normalized validates the definition and returns a copy with defaults
// applied: rule ids, directions, charges and permeabilities. Every problem
// found is reported in a single *ConfigurationError.
func (d Definition) Normalized() (Definition, error) {
	problems := &ConfigurationError{}
	out := d
	out.Membranes = make([]MembraneDefinition, len(d.Membranes))
	out.Rules = make([]Rule, len(d.Rules))

	names := make(map[string]int, len(d.Membranes))
	for i, m := range d.Membranes {
		m.Name = strings.TrimSpace(m.Name)
		m.Parent = strings.TrimSpace(m.Parent)
		if m.Name == "" {
			problems.Add("membrane #%d has no name", i)
		} else if _, dup := names[m.Name]; dup {
			problems.Add("duplicate membrane %q", m.Name)
		} else {
			names[m.Name] = i
		}
		if !m.Charge.Valid() {
			problems.Add("membrane %q has invalid charge %q", m.Name, m.Charge)
		}
		if !m.Permeability.Valid() {
			problems.Add("membrane %q has invalid permeability %q", m.Name, m.Permeability)
		}
		m.Charge = m.Charge.Normalize()
		m.Permeability = m.Permeability.Normalize()
		m.Objects = m.Objects.Clone()
		out.Membranes[i] = m
	}
	if len(out.Membranes) == 0 {
		problems.Add("no membranes declared")
	}
	validateTree(out.Membranes, names, problems)

	children := make(map[string][]string)
	for _, m := range out.Membranes {
		if m.Parent != "" {
			children[m.Parent] = append(children[m.Parent], m.Name)
		}
	}
	root := out.RootName()

	alphabet, declared := alphabetOf(d)
	ids := make(map[RuleID]struct{}, len(d.Rules))
	for i, r := range d.Rules {
		r.ID = RuleID(strings.TrimSpace(string(r.ID)))
		if r.ID == "" {
			r.ID = RuleID(fmt.Sprintf("r%d", i+1))
		}
		if _, dup := ids[r.ID]; dup {
			problems.Add("duplicate rule id %q", r.ID)
		}
		ids[r.ID] = struct{}{}
		validateRule(&r, names, children, root, problems)
		for _, s := range referencedSymbols(r) {
			if _, ok := alphabet[s]; !ok {
				problems.Add("rule %s references unknown symbol %q%s", r.ID, s, suggest(s, keys(alphabet)))
			}
		}
		if declared {
			for _, s := range producedSymbols(r) {
				if _, ok := alphabet[s]; !ok {
					problems.Add("rule %s produces symbol %q outside the alphabet%s", r.ID, s, suggest(s, keys(alphabet)))
				}
			}
		}
		out.Rules[i] = r
	}
	if declared {
		for _, m := range out.Membranes {
			for _, s := range m.Objects.Symbols() {
				if _, ok := alphabet[s]; !ok {
					problems.Add("membrane %q holds symbol %q outside the alphabet%s", m.Name, s, suggest(s, keys(alphabet)))
				}
			}
		}
	}
	validateProbabilityGroups(out.Rules, problems)

	switch out.Output {
	case "", OutputEnvironment:
	default:
		if _, ok := names[out.Output]; !ok {
			problems.Add("output membrane %q does not exist%s", out.Output, suggest(out.Output, keys(names)))
		}
	}
	if out.Limits != nil && (out.Limits.MaxMembranes < 0 || out.Limits.MaxDepth < 0) {
		problems.Add("limits must be non-negative")
	}
	if err := problems.OrNil(); err != nil {
		return Definition{}, err
	}
	return out, nil
}

func validateTree(membranes []MembraneDefinition, names map[string]int, problems *ConfigurationError) {
	roots := 0
	for _, m := range membranes {
		if m.Parent == "" {
			roots++
			continue
		}
		if _, ok := names[m.Parent]; !ok {
			problems.Add("membrane %q has unknown parent %q%s", m.Name, m.Parent, suggest(m.Parent, keys(names)))
		}
	}
	if len(membranes) > 0 && roots != 1 {
		problems.Add("membrane tree must have exactly one root, found %d", roots)
	}
	for _, m := range membranes {
		seen := map[string]bool{m.Name: true}
		for cur := m.Parent; cur != ""; {
			if seen[cur] {
				problems.Add("membrane %q is part of a parent cycle", m.Name)
				break
			}
			seen[cur] = true
			idx, ok := names[cur]
			if !ok {
				break
			}
			cur = membranes[idx].Parent
		}
	}
}

func validateRule(r *Rule, names map[string]int, children map[string][]string, root string, problems *ConfigurationError) {
	if _, ok := names[r.Membrane]; !ok {
		problems.Add("rule %s targets nonexistent membrane %q%s", r.ID, r.Membrane, suggest(r.Membrane, keys(names)))
	}
	if r.LHS.Empty() {
		problems.Add("rule %s has an empty left-hand side", r.ID)
	}
	for _, ms := range []Multiset{r.LHS, r.RHS, r.Antiport} {
		for s, n := range ms {
			if n < 0 {
				problems.Add("rule %s has negative multiplicity for %q", r.ID, s)
			}
		}
	}
	if !r.Direction.Valid() {
		problems.Add("rule %s has invalid direction %q", r.ID, r.Direction)
	}
	r.Direction = r.Direction.Normalize()
	if !r.Charge.Valid() || !r.SetCharge.Valid() {
		problems.Add("rule %s has an invalid charge", r.ID)
	}
	switch r.Direction {
	case DirectionIn:
		kids := children[r.Membrane]
		if len(kids) == 0 {
			problems.Add("rule %s sends objects in but membrane %q has no children", r.ID, r.Membrane)
		} else if r.Target != "" && !contains(kids, r.Target) {
			problems.Add("rule %s targets %q which is not a child of %q%s", r.ID, r.Target, r.Membrane, suggest(r.Target, kids))
		}
	case DirectionNone:
		if r.Target != "" {
			problems.Add("rule %s sets a target without direction in", r.ID)
		}
		if !r.Antiport.Empty() {
			problems.Add("rule %s declares an antiport without a direction", r.ID)
		}
	}
	if r.Probability != nil && *r.Probability <= 0 {
		problems.Add("rule %s has non-positive probability weight", r.ID)
	}
	if r.Delay != nil && *r.Delay < 0 {
		problems.Add("rule %s has negative delay", r.ID)
	}
	if r.Divide != nil {
		if r.Membrane == root {
			problems.Add("rule %s divides the root membrane", r.ID)
		}
		if r.Dissolve {
			problems.Add("rule %s both divides and dissolves", r.ID)
		}
		if !r.RHS.Empty() || r.Direction != DirectionNone {
			problems.Add("rule %s mixes division with ordinary products", r.ID)
		}
		switch r.Divide.Policy {
		case "", PartitionCopy, PartitionSplit:
		default:
			problems.Add("rule %s has unknown partition policy %q", r.ID, r.Divide.Policy)
		}
		if !r.Divide.FirstCharge.Valid() || !r.Divide.SecondCharge.Valid() {
			problems.Add("rule %s has an invalid division charge", r.ID)
		}
		if r.Delay != nil && *r.Delay > 0 {
			problems.Add("rule %s delays a division", r.ID)
		}
	}
	if r.Dissolve && r.Delay != nil && *r.Delay > 0 {
		problems.Add("rule %s delays a dissolution", r.ID)
	}
}

func validateProbabilityGroups(rules []Rule, problems *ConfigurationError) {
	type groupKey struct {
		membrane string
		priority int
		lhs      string
	}
	type counts struct{ weighted, plain int }
	groups := map[groupKey]*counts{}
	var order []groupKey
	for _, r := range rules {
		k := groupKey{r.Membrane, r.Priority, r.LHS.Key()}
		c, ok := groups[k]
		if !ok {
			c = &counts{}
			groups[k] = c
			order = append(order, k)
		}
		if r.Probability != nil {
			c.weighted++
		} else {
			c.plain++
		}
	}
	for _, k := range order {
		if c := groups[k]; c.weighted > 0 && c.plain > 0 {
			problems.Add("membrane %q mixes probabilistic and plain rules for %q at priority %d", k.membrane, k.lhs, k.priority)
		}
	}
}

// alphabetOf returns the declared alphabet, or the producible symbols when
// none is declared.
func alphabetOf(d Definition) (map[string]struct{}, bool) {
	out := map[string]struct{}{}
	if len(d.Alphabet) > 0 {
		for _, s := range d.Alphabet {
			out[s] = struct{}{}
		}
		return out, true
	}
	for _, m := range d.Membranes {
		for s := range m.Objects {
			out[s] = struct{}{}
		}
	}
	for _, r := range d.Rules {
		for _, s := range producedSymbols(r) {
			out[s] = struct{}{}
		}
	}
	return out, false
}

func referencedSymbols(r Rule) []string {
	var out []string
	out = append(out, r.LHS.Symbols()...)
	out = append(out, r.Antiport.Symbols()...)
	out = append(out, r.Promoters...)
	out = append(out, r.Inhibitors...)
	return out
}

func producedSymbols(r Rule) []string {
	out := r.RHS.Symbols()
	if r.Divide != nil {
		out = append(out, r.Divide.First.Symbols()...)
		out = append(out, r.Divide.Second.Symbols()...)
	}
	return out
}

// suggest returns a " (did you mean ...?)" hint for the closest candidate.
func suggest(name string, candidates []string) string {
	best, bestDist := "", 3
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" || best == name {
		return ""
	}
	return fmt.Sprintf(" (did you mean %q?)", best)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
