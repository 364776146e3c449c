package core

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"membranecore/pkg/domain"
)

// streamSalt decorrelates the two PCG words derived from one membrane seed.
const streamSalt = 0x9e3779b97f4a7c15

// membraneView is the read-only slice of a snapshot one membrane plan needs.
type membraneView struct {
	state    domain.MembraneState
	children []domain.MembraneState
	blocked  map[string]bool
}

type plannedApplication struct {
	rule    *indexedRule
	count   int
	targets map[domain.MembraneID]int
}

// membranePlan is the maximal application multiset chosen for one membrane.
type membranePlan struct {
	membrane domain.MembraneID
	apps     []plannedApplication
	rejected []domain.RuleID
}

func (p membranePlan) total() int {
	n := 0
	for _, a := range p.apps {
		n += a.count
	}
	return n
}

// Scheduler computes maximal-parallel, priority-respecting application sets.
// Each membrane is planned independently against the same snapshot, so plans
// are computed concurrently.
type Scheduler struct {
	index   *RuleIndex
	workers int
}

// NewScheduler returns a scheduler planning with up to workers goroutines.
func NewScheduler(index *RuleIndex, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{index: index, workers: workers}
}

// buildViews indexes a snapshot by membrane in id order and records which
// lhs keys are blocked by pending timed rules.
func (s *Scheduler) buildViews(cfg domain.Configuration) []membraneView {
	byID := make(map[domain.MembraneID]domain.MembraneState, len(cfg.Membranes))
	for _, m := range cfg.Membranes {
		byID[m.ID] = m
	}
	blocked := map[domain.MembraneID]map[string]bool{}
	for _, p := range cfg.Pending {
		r := s.index.indexed(p.Rule)
		if r == nil {
			continue
		}
		if blocked[p.Membrane] == nil {
			blocked[p.Membrane] = map[string]bool{}
		}
		blocked[p.Membrane][r.LHS.Key()] = true
	}
	views := make([]membraneView, 0, len(cfg.Membranes))
	for _, m := range cfg.Membranes {
		v := membraneView{state: m, blocked: blocked[m.ID]}
		for _, c := range m.Children {
			v.children = append(v.children, byID[c])
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].state.ID < views[j].state.ID })
	return views
}

// Plan computes one plan per live membrane in id order. seeds must hold one
// value per membrane; each membrane draws from its own PCG stream so the
// result does not depend on the worker count.
func (s *Scheduler) Plan(ctx context.Context, cfg domain.Configuration, seeds []uint64) ([]membranePlan, error) {
	views := s.buildViews(cfg)
	plans := make([]membranePlan, len(views))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range views {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seeds[i], seeds[i]^streamSalt))
			plans[i] = s.planMembrane(&views[i], rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

func (s *Scheduler) planMembrane(v *membraneView, rng *rand.Rand) membranePlan {
	plan := membranePlan{membrane: v.state.ID}
	remaining := v.state.Objects.Clone()
	at := map[*indexedRule]int{}
	boundaryUsed := false
	rejected := map[domain.RuleID]bool{}

	add := func(r *indexedRule, n int, targets []domain.MembraneID) {
		if n <= 0 {
			return
		}
		i, ok := at[r]
		if !ok {
			i = len(plan.apps)
			at[r] = i
			plan.apps = append(plan.apps, plannedApplication{rule: r})
		}
		app := &plan.apps[i]
		app.count += n
		if r.Direction == domain.DirectionIn {
			if app.targets == nil {
				app.targets = map[domain.MembraneID]int{}
			}
			distribute(app.targets, targets, n, rng)
		}
	}
	eligible := func(r *indexedRule) ([]domain.MembraneID, bool) {
		targets, ok, rejectedRoot := s.eligible(r, v)
		if rejectedRoot && !rejected[r.ID] {
			rejected[r.ID] = true
			plan.rejected = append(plan.rejected, r.ID)
		}
		return targets, ok
	}

	// applyBlock adds every instance block can still take and reports
	// whether it added any.
	applyBlock := func(block ruleBlock) bool {
		if !block.probabilistic {
			r := block.rules[0]
			targets, ok := eligible(r)
			if !ok {
				return false
			}
			if r.IsBoundary() {
				if boundaryUsed || !applicable(r, remaining) {
					return false
				}
				_ = remaining.RemoveAll(r.LHS, 1)
				add(r, 1, targets)
				boundaryUsed = true
				return true
			}
			n := 0
			if r.bulk {
				if applicable(r, remaining) {
					n = remaining.Times(r.LHS)
					_ = remaining.RemoveAll(r.LHS, n)
				}
			} else {
				for applicable(r, remaining) {
					_ = remaining.RemoveAll(r.LHS, 1)
					n++
				}
			}
			add(r, n, targets)
			return n > 0
		}

		type candidate struct {
			rule    *indexedRule
			targets []domain.MembraneID
		}
		var active []candidate
		for _, r := range block.rules {
			if targets, ok := eligible(r); ok {
				active = append(active, candidate{r, targets})
			}
		}
		added := false
		lhs := block.rules[0].LHS
		for len(active) > 0 && remaining.Contains(lhs) {
			i := pickWeighted(len(active), func(i int) float64 { return *active[i].rule.Probability }, rng)
			c := active[i]
			if (c.rule.IsBoundary() && boundaryUsed) || !applicable(c.rule, remaining) {
				active = slices.Delete(active, i, i+1)
				continue
			}
			_ = remaining.RemoveAll(lhs, 1)
			add(c.rule, 1, c.targets)
			added = true
			if c.rule.IsBoundary() {
				boundaryUsed = true
				active = slices.Delete(active, i, i+1)
			}
		}
		return added
	}

	// A later block can consume the inhibitor of an earlier one, so passes
	// repeat in the same order until none adds an instance.
	levels := s.index.Levels(v.state.Label)
	orders := make([][]int, len(levels))
	for i, level := range levels {
		order := make([]int, len(level.blocks))
		for j := range order {
			order[j] = j
		}
		if len(order) > 1 {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		orders[i] = order
		for _, bi := range order {
			applyBlock(level.blocks[bi])
		}
	}
	for progress := true; progress; {
		progress = false
		for i, level := range levels {
			for _, bi := range orders[i] {
				if applyBlock(level.blocks[bi]) {
					progress = true
				}
			}
		}
	}
	return plan
}

// eligible evaluates the guards that stay fixed while a plan is built:
// charge, pending timed rules, topology and permeability. It returns the
// inward targets and whether the rule was rejected for dissolving the root.
func (s *Scheduler) eligible(r *indexedRule, v *membraneView) ([]domain.MembraneID, bool, bool) {
	st := v.state
	if r.Charge != "" && r.Charge.Normalize() != st.Charge.Normalize() {
		return nil, false, false
	}
	if v.blocked[r.LHS.Key()] {
		return nil, false, false
	}
	if r.Dissolve && st.IsRoot() {
		return nil, false, st.Objects.Contains(r.LHS)
	}
	if r.IsDivision() && (st.IsRoot() || !st.IsElementary()) {
		return nil, false, false
	}
	importing := !r.Antiport.Empty()
	switch r.Direction {
	case domain.DirectionOut:
		if !st.Permeability.AllowsOut() || (importing && !st.Permeability.AllowsIn()) {
			return nil, false, false
		}
	case domain.DirectionIn:
		targets := inwardTargets(r, v.children, importing)
		if len(targets) == 0 {
			return nil, false, false
		}
		return targets, true, false
	}
	return nil, true, false
}

func inwardTargets(r *indexedRule, children []domain.MembraneState, importing bool) []domain.MembraneID {
	var out []domain.MembraneID
	for _, c := range children {
		if r.Target != "" && c.Label != r.Target {
			continue
		}
		if !c.Permeability.AllowsIn() || (importing && !c.Permeability.AllowsOut()) {
			continue
		}
		out = append(out, c.ID)
	}
	return out
}

// applicable checks the guards that can change as instances consume
// objects: lhs availability, promoters and inhibitors.
func applicable(r *indexedRule, remaining domain.Multiset) bool {
	if !remaining.Contains(r.LHS) {
		return false
	}
	for _, p := range r.Promoters {
		if !remaining.Has(p) {
			return false
		}
	}
	for _, s := range r.Inhibitors {
		if remaining.Has(s) {
			return false
		}
	}
	return true
}

func pickWeighted(n int, weight func(int) float64, rng *rand.Rand) int {
	total := 0.0
	for i := 0; i < n; i++ {
		total += weight(i)
	}
	x := rng.Float64() * total
	for i := 0; i < n; i++ {
		x -= weight(i)
		if x < 0 {
			return i
		}
	}
	return n - 1
}

func distribute(into map[domain.MembraneID]int, targets []domain.MembraneID, n int, rng *rand.Rand) {
	if len(targets) == 1 {
		into[targets[0]] += n
		return
	}
	for i := 0; i < n; i++ {
		into[targets[rng.IntN(len(targets))]]++
	}
}
