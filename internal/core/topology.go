package core

import (
	"errors"
	"fmt"
	"sort"

	"membranecore/pkg/domain"
)

// TopologyController performs the coordinating commit phases: antiport
// exchange, then timed deliveries, transport, charge changes, division and
// dissolution. It runs on a single goroutine in membrane-id order.
type TopologyController struct {
	membranes *MembraneStore
	objects   *ObjectStore
	index     *RuleIndex
	limits    domain.Limits
	logger    Logger
}

// commitReport summarizes the cross-membrane phase of one step.
type commitReport struct {
	refused      int
	divisions    int
	dissolutions int
	limitHit     bool
}

// Commit applies the cross-membrane effects of plans and returns the pending
// timed applications that survive the step. Refused instances have their
// count reduced in plans.
func (t *TopologyController) Commit(plans []membranePlan, pending []domain.PendingApplication) ([]domain.PendingApplication, commitReport, error) {
	var report commitReport

	kept := pending[:0:0]
	for _, p := range pending {
		p.Remaining--
		if p.Remaining > 0 {
			kept = append(kept, p)
			continue
		}
		if err := t.deliver(p); err != nil {
			return nil, report, err
		}
	}
	pending = kept
	for _, plan := range plans {
		for _, a := range plan.apps {
			if d := a.rule.DelaySteps(); d > 0 && a.count > 0 {
				pending = append(pending, domain.PendingApplication{
					Membrane: plan.membrane, Rule: a.rule.ID, Count: a.count, Remaining: d,
				})
			}
		}
	}

	for _, plan := range plans {
		for _, a := range plan.apps {
			if !a.rule.IsTransport() || a.rule.DelaySteps() > 0 || !a.rule.Antiport.Empty() {
				continue
			}
			if err := t.send(plan.membrane, a); err != nil {
				return nil, report, err
			}
		}
	}

	for _, plan := range plans {
		for _, a := range plan.apps {
			if a.rule.SetCharge != "" && a.count > 0 {
				if err := t.membranes.SetCharge(plan.membrane, a.rule.SetCharge); err != nil {
					return nil, report, err
				}
			}
		}
	}

	for i := range plans {
		for j := range plans[i].apps {
			a := &plans[i].apps[j]
			if !a.rule.IsDivision() || a.count == 0 {
				continue
			}
			var err error
			pending, err = t.divide(plans[i].membrane, a, pending)
			switch {
			case errors.Is(err, domain.ErrResourceLimitExceeded):
				report.refused++
				report.limitHit = true
				t.logger.Warn("division refused", "membrane", plans[i].membrane, "rule", a.rule.ID, "error", err)
			case err != nil:
				return nil, report, err
			default:
				report.divisions++
			}
		}
	}

	type dissolution struct {
		id    domain.MembraneID
		depth int
	}
	var doomed []dissolution
	for _, plan := range plans {
		for _, a := range plan.apps {
			if a.rule.Dissolve && a.count > 0 {
				doomed = append(doomed, dissolution{plan.membrane, t.membranes.Depth(plan.membrane)})
			}
		}
	}
	sort.SliceStable(doomed, func(i, j int) bool {
		if doomed[i].depth != doomed[j].depth {
			return doomed[i].depth > doomed[j].depth
		}
		return doomed[i].id < doomed[j].id
	})
	for _, d := range doomed {
		var err error
		if pending, err = t.dissolve(d.id, pending); err != nil {
			return nil, report, err
		}
		report.dissolutions++
	}
	return pending, report, nil
}

// outward returns where products leaving id land: the parent, or the
// environment for the root.
func (t *TopologyController) outward(id domain.MembraneID) domain.MembraneID {
	return t.membranes.Parent(id)
}

func (t *TopologyController) send(from domain.MembraneID, a plannedApplication) error {
	switch a.rule.Direction {
	case domain.DirectionOut:
		return t.objects.AddAll(t.outward(from), a.rule.RHS, a.count)
	case domain.DirectionIn:
		for _, target := range sortedTargets(a.targets) {
			if err := t.objects.AddAll(target, a.rule.RHS, a.targets[target]); err != nil {
				return err
			}
		}
	}
	return nil
}

// placement is an addition deferred until every exchange of the step has
// been resolved.
type placement struct {
	membrane domain.MembraneID
	objects  domain.Multiset
	copies   int
}

// Exchange resolves the antiport applications of plans. It runs after every
// lhs has been consumed and before any product is added, so imports are
// drawn only from objects of the starting configuration that no instance
// reserved. Refused instances have their count reduced in plans and their
// lhs returned.
func (t *TopologyController) Exchange(plans []membranePlan) (int, error) {
	var (
		refused int
		placed  []placement
	)
	for i := range plans {
		for j := range plans[i].apps {
			a := &plans[i].apps[j]
			if a.rule.Antiport.Empty() || a.rule.DelaySteps() > 0 || a.count == 0 {
				continue
			}
			n, err := t.exchange(plans[i].membrane, a, &placed)
			if err != nil {
				return 0, err
			}
			refused += n
		}
	}
	for _, p := range placed {
		if err := t.objects.AddAll(p.membrane, p.objects, p.copies); err != nil {
			return 0, err
		}
	}
	return refused, nil
}

// exchange trades one antiport application: every granted instance exports
// rhs across the boundary and imports the antiport multiset from the other
// side. Instances the other side cannot supply are refused.
func (t *TopologyController) exchange(m domain.MembraneID, a *plannedApplication, placed *[]placement) (int, error) {
	r := a.rule
	trade := func(other domain.MembraneID, want int) (int, error) {
		k := min(want, t.objects.Times(other, r.Antiport))
		if k == 0 {
			return 0, nil
		}
		if err := t.objects.RemoveAll(other, r.Antiport, k); err != nil {
			return 0, err
		}
		*placed = append(*placed,
			placement{m, r.Antiport, k},
			placement{other, r.RHS, k},
		)
		return k, nil
	}
	granted := 0
	switch r.Direction {
	case domain.DirectionOut:
		k, err := trade(t.outward(m), a.count)
		if err != nil {
			return 0, err
		}
		granted = k
	case domain.DirectionIn:
		for _, target := range sortedTargets(a.targets) {
			k, err := trade(target, a.targets[target])
			if err != nil {
				return 0, err
			}
			a.targets[target] = k
			if k == 0 {
				delete(a.targets, target)
			}
			granted += k
		}
	}
	refused := a.count - granted
	if refused > 0 {
		*placed = append(*placed, placement{m, r.LHS, refused})
		t.logger.Warn("antiport refused", "membrane", m, "rule", r.ID, "instances", refused)
	}
	a.count = granted
	return refused, nil
}

// divide splits m after checking the resource ceilings. A refused division
// returns its reserved lhs to m and zeroes the application.
func (t *TopologyController) divide(m domain.MembraneID, a *plannedApplication, pending []domain.PendingApplication) ([]domain.PendingApplication, error) {
	spec := a.rule.Divide
	if live := t.membranes.Len(); live+1 > t.limits.MaxMembranes {
		return pending, t.refuseDivision(m, a, fmt.Errorf("%w: %d membranes would exceed %d", domain.ErrResourceLimitExceeded, live+1, t.limits.MaxMembranes))
	}
	if depth := t.membranes.Depth(m); depth > t.limits.MaxDepth {
		return pending, t.refuseDivision(m, a, fmt.Errorf("%w: depth %d exceeds %d", domain.ErrResourceLimitExceeded, depth, t.limits.MaxDepth))
	}
	first, second, err := t.membranes.Divide(m, spec.Partition)
	if err != nil {
		return pending, err
	}
	if err := t.objects.AddAll(first, spec.First, 1); err != nil {
		return pending, err
	}
	if err := t.objects.AddAll(second, spec.Second, 1); err != nil {
		return pending, err
	}
	if spec.FirstCharge != "" {
		if err := t.membranes.SetCharge(first, spec.FirstCharge); err != nil {
			return pending, err
		}
	}
	if spec.SecondCharge != "" {
		if err := t.membranes.SetCharge(second, spec.SecondCharge); err != nil {
			return pending, err
		}
	}
	out := make([]domain.PendingApplication, 0, len(pending))
	for _, p := range pending {
		if p.Membrane != m {
			out = append(out, p)
			continue
		}
		p.Membrane = first
		out = append(out, p)
		if spec.Policy != domain.PartitionSplit {
			p.Membrane = second
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *TopologyController) refuseDivision(m domain.MembraneID, a *plannedApplication, cause error) error {
	if err := t.objects.AddAll(m, a.rule.LHS, a.count); err != nil {
		return err
	}
	a.count = 0
	return cause
}

// dissolve removes m after delivering its pending products into the parent.
func (t *TopologyController) dissolve(m domain.MembraneID, pending []domain.PendingApplication) ([]domain.PendingApplication, error) {
	if !t.membranes.Exists(m) {
		return pending, fmt.Errorf("%w: %s", domain.ErrUnknownMembrane, m)
	}
	if m == t.membranes.Root() {
		return pending, domain.ErrCannotDissolveRoot
	}
	parent := t.membranes.Parent(m)
	out := pending[:0:0]
	for _, p := range pending {
		if p.Membrane != m {
			out = append(out, p)
			continue
		}
		r, ok := t.index.Rule(p.Rule)
		if !ok {
			return pending, fmt.Errorf("core: pending rule %s is not indexed", p.Rule)
		}
		if err := t.objects.AddAll(parent, r.RHS, p.Count); err != nil {
			return pending, err
		}
	}
	if err := t.membranes.Dissolve(m); err != nil {
		return pending, err
	}
	return out, nil
}

// deliver places the products of a timed application whose delay elapsed.
// Products that cannot cross the boundary stay in the membrane.
func (t *TopologyController) deliver(p domain.PendingApplication) error {
	r, ok := t.index.Rule(p.Rule)
	if !ok {
		return fmt.Errorf("core: pending rule %s is not indexed", p.Rule)
	}
	perm := domain.PermeableBoth
	if st, ok := t.membranes.State(p.Membrane); ok {
		perm = st.Permeability
	}
	switch r.Direction {
	case domain.DirectionOut:
		if perm.AllowsOut() {
			return t.objects.AddAll(t.outward(p.Membrane), r.RHS, p.Count)
		}
	case domain.DirectionIn:
		var targets []domain.MembraneID
		for _, c := range t.membranes.Children(p.Membrane) {
			st, _ := t.membranes.State(c)
			if (r.Target == "" || st.Label == r.Target) && st.Permeability.AllowsIn() {
				targets = append(targets, c)
			}
		}
		if len(targets) > 0 {
			for i := 0; i < p.Count; i++ {
				if err := t.objects.AddAll(targets[i%len(targets)], r.RHS, 1); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return t.objects.AddAll(p.Membrane, r.RHS, p.Count)
}

func sortedTargets(targets map[domain.MembraneID]int) []domain.MembraneID {
	out := make([]domain.MembraneID, 0, len(targets))
	for id := range targets {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
