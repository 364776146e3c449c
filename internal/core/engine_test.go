package core

import (
	"context"
	"errors"
	"testing"

	"membranecore/pkg/domain"
)

const loopSystem = `
name: loop
membranes:
  - name: skin
    objects: a
rules:
  - id: grow
    membrane: skin
    lhs: a
    rhs: a b
`

func TestEngine_MaximalParallelStep(t *testing.T) {
	const src = `
membranes:
  - name: skin
    objects: a^5 b^2
rules:
  - {id: pair, membrane: skin, lhs: a b, rhs: c}
  - {id: single, membrane: skin, lhs: a, rhs: d}
`
	seen := map[string]bool{}
	for seed := uint64(0); seed < 32; seed++ {
		e := mustEngine(t, src, WithSeed(seed))
		got := objectsOf(mustStep(t, e), "skin")
		if got.Has("a") {
			t.Fatalf("seed %d: step left an applicable a behind: %s", seed, got)
		}
		switch key := got.String(); key {
		case "c^2 d^3", "b^2 d^5":
			seen[key] = true
		default:
			t.Fatalf("seed %d: unexpected configuration %s", seed, key)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("equal-priority order never varied: %v", seen)
	}
}

func TestEngine_PriorityIsGreedy(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a^3 b
rules:
  - {id: low, membrane: skin, lhs: a, rhs: y}
  - {id: high, membrane: skin, lhs: a b, rhs: x, priority: 1}
`)
	expectObjects(t, objectsOf(mustStep(t, e), "skin"), "x y^2")
	apps := e.LastApplications()
	if apps.Step != 1 || apps.Total() != 3 {
		t.Fatalf("applications = %+v", apps)
	}
}

func TestEngine_PromotersAndInhibitorsUseRemainingObjects(t *testing.T) {
	t.Run("inhibitor consumed by a higher priority rule", func(t *testing.T) {
		e := mustEngine(t, `
membranes:
  - name: skin
    objects: a^2 q
rules:
  - {id: eat, membrane: skin, lhs: q, rhs: z, priority: 1}
  - {id: guarded, membrane: skin, lhs: a, rhs: b, inhibitors: [q]}
`)
		expectObjects(t, objectsOf(mustStep(t, e), "skin"), "z b^2")
	})
	t.Run("promoter consumed by a higher priority rule", func(t *testing.T) {
		e := mustEngine(t, `
membranes:
  - name: skin
    objects: a p
rules:
  - {id: eat, membrane: skin, lhs: p, rhs: z, priority: 1}
  - {id: promoted, membrane: skin, lhs: a, rhs: b, promoters: [p]}
`)
		expectObjects(t, objectsOf(mustStep(t, e), "skin"), "a z")
		if !e.Halted() {
			t.Fatal("promoter is gone, the system should be terminal")
		}
	})
	t.Run("promoter kept", func(t *testing.T) {
		e := mustEngine(t, `
membranes:
  - name: skin
    objects: a^2 p
rules:
  - {id: promoted, membrane: skin, lhs: a, rhs: b, promoters: [p]}
`)
		expectObjects(t, objectsOf(mustStep(t, e), "skin"), "b^2 p")
	})
	t.Run("inhibited from the start", func(t *testing.T) {
		e := mustEngine(t, `
membranes:
  - name: skin
    objects: a q
rules:
  - {id: guarded, membrane: skin, lhs: a, rhs: b, inhibitors: [q]}
`)
		cfg, outcome, err := e.RunUntilHalt(context.Background(), 5)
		if err != nil || outcome != domain.OutcomeHalted || cfg.Step != 0 {
			t.Fatalf("outcome %s step %d err %v", outcome, cfg.Step, err)
		}
	})
}

func TestEngine_CatalystsAreConserved(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: c a^3
rules:
  - {id: cat, membrane: skin, lhs: c a, rhs: c b}
`)
	expectObjects(t, objectsOf(mustStep(t, e), "skin"), "a^2 b c")
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("outcome %s err %v", outcome, err)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "b^3 c")
	if cfg.Step != 3 {
		t.Fatalf("step = %d", cfg.Step)
	}
}

func TestEngine_TransportAcrossBoundaries(t *testing.T) {
	e := mustEngine(t, `
output: environment
membranes:
  - name: skin
  - name: inner
    parent: skin
    objects: a^2
rules:
  - {id: up, membrane: inner, lhs: a, rhs: b, direction: out}
  - {id: down, membrane: skin, lhs: b, rhs: c, direction: in, target: inner}
  - {id: leave, membrane: inner, lhs: c, rhs: e, direction: out}
  - {id: escape, membrane: skin, lhs: e, rhs: f, direction: out}
`)
	cfg := mustStep(t, e)
	expectObjects(t, objectsOf(cfg, "skin"), "b^2")
	expectObjects(t, objectsOf(cfg, "inner"), "")
	cfg = mustStep(t, e)
	expectObjects(t, objectsOf(cfg, "inner"), "c^2")
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("outcome %s err %v", outcome, err)
	}
	expectObjects(t, cfg.Environment, "f^2")
	expectObjects(t, e.Result(), "f^2")
	if cfg.Step != 4 {
		t.Fatalf("step = %d", cfg.Step)
	}
}

func TestEngine_InwardTransportSpreadsOverChildren(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a^40
  - {name: left, parent: skin}
  - {name: right, parent: skin}
rules:
  - {id: push, membrane: skin, lhs: a, rhs: b, direction: in}
`, WithSeed(11))
	cfg := mustStep(t, e)
	left, right := objectsOf(cfg, "left").Count("b"), objectsOf(cfg, "right").Count("b")
	if left+right != 40 || left == 0 || right == 0 {
		t.Fatalf("left %d right %d", left, right)
	}
	apps := e.LastApplications().Applications
	if len(apps) != 1 || len(apps[0].Targets) != 2 {
		t.Fatalf("applications = %+v", apps)
	}
}

func TestEngine_PermeabilityBlocksTransport(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: x
  - name: sealed
    parent: skin
    permeability: none
    objects: a
rules:
  - {id: up, membrane: sealed, lhs: a, rhs: b, direction: out}
  - {id: down, membrane: skin, lhs: x, rhs: y, direction: in}
`)
	if !e.Halted() {
		t.Fatal("no transport can cross a sealed membrane")
	}
}

func TestEngine_DissolutionMergesIntoParent(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
  - name: inner
    parent: skin
    objects: a c
rules:
  - {id: pop, membrane: inner, lhs: a, rhs: b, dissolve: true}
`)
	cfg := mustStep(t, e)
	if cfg.MembraneCount() != 1 {
		t.Fatalf("membranes = %d", cfg.MembraneCount())
	}
	expectObjects(t, objectsOf(cfg, "skin"), "b c")
	if m := e.Metrics(); m.Dissolutions != 1 || m.TotalRuleApplications != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestEngine_RootDissolutionIsRejected(t *testing.T) {
	logger := &captureLogger{}
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a x
rules:
  - {id: suicide, membrane: skin, lhs: a, rhs: b, dissolve: true}
  - {id: work, membrane: skin, lhs: x, rhs: y}
`, WithLogger(logger))
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("outcome %s err %v", outcome, err)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "a y")
	if !logger.has("warn", "rule rejected") {
		t.Fatal("expected a warning for the rejected root dissolution")
	}
	if e.Metrics().RefusedApplications != 0 {
		t.Fatalf("rejections are not refusals: %+v", e.Metrics())
	}
}

func TestEngine_DivisionAndResourceLimit(t *testing.T) {
	e := mustEngine(t, `
limits: {max_membranes: 4}
membranes:
  - name: skin
  - name: cell
    parent: skin
    objects: a^3
rules:
  - id: split
    membrane: cell
    lhs: a
    divide: {first: b, second: c}
`)
	cfg := mustStep(t, e)
	cells := cfg.WithLabel("cell")
	if len(cells) != 2 {
		t.Fatalf("cells = %d", len(cells))
	}
	expectObjects(t, cells[0].Objects, "a^2 b")
	expectObjects(t, cells[1].Objects, "a^2 c")

	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil {
		t.Fatalf("resource limit is not an error: %v", err)
	}
	if outcome != domain.OutcomeResourceLimitExceeded || !e.LimitExceeded() {
		t.Fatalf("outcome = %s", outcome)
	}
	if cfg.Step != 2 || cfg.MembraneCount() != 4 {
		t.Fatalf("step %d membranes %d", cfg.Step, cfg.MembraneCount())
	}
	refusedCell, ok := cfg.Membrane(3)
	if !ok {
		t.Fatal("the refused membrane must survive")
	}
	expectObjects(t, refusedCell.Objects, "a^2 c")
	m := e.Metrics()
	if m.Divisions != 2 || m.RefusedApplications != 1 || m.PeakMembraneCount != 4 || m.TotalRuleApplications != 2 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestEngine_SplitDivisionPartitionsContents(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
  - name: cell
    parent: skin
    objects: a^4 x
rules:
  - id: split
    membrane: cell
    lhs: x
    divide: {policy: split, first_charge: "+", second_charge: "-"}
`)
	cells := mustStep(t, e).WithLabel("cell")
	if len(cells) != 2 {
		t.Fatalf("cells = %d", len(cells))
	}
	expectObjects(t, cells[0].Objects, "a^2")
	expectObjects(t, cells[1].Objects, "a^2")
	if cells[0].Charge != domain.ChargePositive || cells[1].Charge != domain.ChargeNegative {
		t.Fatalf("charges %s %s", cells[0].Charge, cells[1].Charge)
	}
}

func TestEngine_ChargeGuardsAndChanges(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a^2
rules:
  - {id: flip, membrane: skin, lhs: a, rhs: b, set_charge: "+"}
  - {id: charged, membrane: skin, lhs: b, rhs: c, charge: "+"}
`)
	cfg := mustStep(t, e)
	root, _ := cfg.Root()
	if root.Charge != domain.ChargePositive {
		t.Fatalf("charge = %s", root.Charge)
	}
	expectObjects(t, root.Objects, "a b")
	cfg = mustStep(t, e)
	root, _ = cfg.Root()
	expectObjects(t, root.Objects, "b c")
}

func TestEngine_TimedRules(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a x
rules:
  - {id: slow, membrane: skin, lhs: a, rhs: b, delay: 2, priority: 1}
  - {id: feed, membrane: skin, lhs: x, rhs: a, priority: 1}
  - {id: fast, membrane: skin, lhs: a, rhs: c}
`)
	cfg := mustStep(t, e)
	if len(cfg.Pending) != 1 || cfg.Pending[0].Rule != "slow" || cfg.Pending[0].Remaining != 2 {
		t.Fatalf("pending = %+v", cfg.Pending)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "a")

	cfg = mustStep(t, e)
	expectObjects(t, objectsOf(cfg, "skin"), "a")
	if cfg.Pending[0].Remaining != 1 {
		t.Fatalf("pending = %+v", cfg.Pending)
	}
	cfg = mustStep(t, e)
	expectObjects(t, objectsOf(cfg, "skin"), "a b")
	if len(cfg.Pending) != 0 {
		t.Fatalf("pending = %+v", cfg.Pending)
	}
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("outcome %s err %v", outcome, err)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "b^2")
	if cfg.Step != 6 {
		t.Fatalf("step = %d", cfg.Step)
	}
}

func TestEngine_PendingProductsOfDissolvedMembrane(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
  - name: inner
    parent: skin
    objects: a d
rules:
  - {id: slow, membrane: inner, lhs: a, rhs: b, delay: 3}
  - {id: pop, membrane: inner, lhs: d, dissolve: true}
`)
	cfg := mustStep(t, e)
	if cfg.MembraneCount() != 1 || len(cfg.Pending) != 0 {
		t.Fatalf("membranes %d pending %+v", cfg.MembraneCount(), cfg.Pending)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "b")
}

func TestEngine_Antiport(t *testing.T) {
	logger := &captureLogger{}
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: b^2
  - name: inner
    parent: skin
    objects: a^3
rules:
  - {id: swap, membrane: inner, lhs: a, rhs: a, direction: out, antiport: b}
`, WithLogger(logger))
	cfg := mustStep(t, e)
	expectObjects(t, objectsOf(cfg, "inner"), "a b^2")
	expectObjects(t, objectsOf(cfg, "skin"), "a^2")
	if m := e.Metrics(); m.TotalRuleApplications != 2 || m.RefusedApplications != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if !logger.has("warn", "antiport refused") {
		t.Fatal("expected refused antiport warning")
	}
}

func TestEngine_ProbabilisticGroupAndWorkerIndependence(t *testing.T) {
	const src = `
membranes:
  - name: skin
  - {name: cell, parent: skin, objects: a^50}
  - {name: cell2, parent: skin, objects: a^50}
rules:
  - {id: heads, membrane: cell, lhs: a, rhs: x, probability: 0.5}
  - {id: tails, membrane: cell, lhs: a, rhs: y, probability: 0.5}
  - {id: heads2, membrane: cell2, lhs: a, rhs: x, probability: 1}
  - {id: tails2, membrane: cell2, lhs: a, rhs: y, probability: 3}
`
	run := func(workers int) domain.Configuration {
		e := mustEngine(t, src, WithSeed(99), WithWorkers(workers))
		return mustStep(t, e)
	}
	one, many := run(1), run(8)
	if !one.Equal(many) {
		t.Fatal("plans must not depend on the worker count")
	}
	cell := objectsOf(one, "cell")
	if cell.Count("x")+cell.Count("y") != 50 || cell.Count("x") == 0 || cell.Count("y") == 0 {
		t.Fatalf("cell = %s", cell)
	}
}

func TestEngine_HaltingIsIdempotent(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: a
rules:
  - {id: once, membrane: skin, lhs: a, rhs: b}
`)
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 10)
	if err != nil || outcome != domain.OutcomeHalted || cfg.Step != 1 {
		t.Fatalf("outcome %s step %d err %v", outcome, cfg.Step, err)
	}
	again := mustStep(t, e)
	if !again.Equal(cfg) || e.Metrics().Steps != 1 {
		t.Fatal("stepping a halted system must not change it")
	}
	if _, outcome, err := e.RunUntilHalt(context.Background(), 10); err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("second run: %s %v", outcome, err)
	}
}

func TestEngine_RunBounds(t *testing.T) {
	e := mustEngine(t, loopSystem)
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 3)
	if !errors.Is(err, domain.ErrNotHalted) || outcome != domain.OutcomeStepLimitExceeded || cfg.Step != 3 {
		t.Fatalf("outcome %s step %d err %v", outcome, cfg.Step, err)
	}
	expectObjects(t, objectsOf(cfg, "skin"), "a b^3")

	e = mustEngine(t, loopSystem)
	if cfg, _, err := e.RunUntilHalt(context.Background(), 0); !errors.Is(err, domain.ErrNotHalted) || cfg.Step != 0 {
		t.Fatalf("zero bound: step %d err %v", cfg.Step, err)
	}
	if _, _, err := e.RunUntilHalt(context.Background(), -1); err == nil {
		t.Fatal("negative bound must be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, outcome, err := e.RunUntilHalt(ctx, 10); !errors.Is(err, context.Canceled) || outcome != domain.OutcomeCancelled {
		t.Fatalf("cancelled run: %s %v", outcome, err)
	}
}

func TestEngine_TraceIsLazyAndSingleUse(t *testing.T) {
	e := mustEngine(t, loopSystem)
	var steps []int
	for cfg := range e.Trace(context.Background(), 10) {
		steps = append(steps, cfg.Step)
		if cfg.Step == 2 {
			break
		}
	}
	if len(steps) != 3 || steps[0] != 0 || steps[2] != 2 {
		t.Fatalf("steps = %v", steps)
	}
	if e.Configuration().Step != 2 {
		t.Fatal("breaking out must stop stepping")
	}
	for range e.Trace(context.Background(), 10) {
		t.Fatal("a consumed trace must not restart")
	}
	if e.TraceErr() != nil {
		t.Fatalf("trace err = %v", e.TraceErr())
	}
}

func TestEngine_DissolveDirective(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
  - {name: mid, parent: skin, objects: m}
  - {name: leaf, parent: mid, objects: l}
`)
	if err := e.Dissolve(0); !errors.Is(err, domain.ErrCannotDissolveRoot) {
		t.Fatalf("expected ErrCannotDissolveRoot, got %v", err)
	}
	if err := e.Dissolve(9); !errors.Is(err, domain.ErrUnknownMembrane) {
		t.Fatalf("expected ErrUnknownMembrane, got %v", err)
	}
	if err := e.Dissolve(1); err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	cfg := e.Configuration()
	root, _ := cfg.Root()
	expectObjects(t, root.Objects, "m")
	if len(root.Children) != 1 || e.Metrics().Dissolutions != 1 {
		t.Fatalf("root = %+v", root)
	}
	leaf, _ := cfg.Membrane(2)
	if leaf.ParentID() != 0 {
		t.Fatalf("leaf parent = %d", leaf.ParentID())
	}
}

type blockOnStep struct{ step int }

func (blockOnStep) Name() string { return "block_on_step" }

func (b blockOnStep) Check(_ context.Context, _, next domain.Configuration, _ domain.RuleApplicationSet) (domain.InvariantReport, error) {
	var r domain.InvariantReport
	if next.Step == b.step {
		r.Violations = append(r.Violations, domain.Violation{Invariant: "block_on_step", Severity: domain.SeverityBlock, Message: "boom", Membrane: domain.NoMembrane})
	}
	return r, nil
}

func TestEngine_InvariantViolationRollsBack(t *testing.T) {
	e := mustEngine(t, loopSystem, WithInvariants(blockOnStep{step: 2}))
	mustStep(t, e)
	before := e.Configuration()
	_, err := e.Step(context.Background())
	var violation domain.InvariantViolationError
	if !errors.As(err, &violation) || violation.Step != 2 {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if after := e.Configuration(); !after.Equal(before) {
		t.Fatalf("rollback failed: %+v", after)
	}
}

func TestEngine_ObservabilityHooks(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	var observed []int
	e := mustEngine(t, loopSystem, WithMetricsRecorder(metrics), WithTracer(tracer),
		WithObserver(func(cfg domain.Configuration) { observed = append(observed, cfg.Step) }))
	if _, _, err := e.RunUntilHalt(context.Background(), 2); !errors.Is(err, domain.ErrNotHalted) {
		t.Fatalf("run: %v", err)
	}
	if len(observed) != 2 || observed[1] != 2 {
		t.Fatalf("observed = %v", observed)
	}
	if !metrics.has("engine.step", true) || !metrics.has("engine.run", false) || metrics.steps != 2 {
		t.Fatalf("metrics calls = %+v", metrics.calls)
	}
	if !tracer.has("engine.step", true) || !tracer.has("engine.run", false) {
		t.Fatalf("spans = %+v", tracer.ended)
	}
}

func TestEngine_ResumeFromConfiguration(t *testing.T) {
	def := mustDefinition(t, loopSystem)
	e, err := NewEngine(def, WithSeed(3))
	if err != nil {
		t.Fatal(err)
	}
	_, _, _ = e.RunUntilHalt(context.Background(), 2)
	snap := e.Configuration()

	resumed, err := NewEngineFromConfiguration(def, snap, WithSeed(3))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Configuration().Equal(snap) {
		t.Fatal("resumed configuration differs")
	}
	expectObjects(t, objectsOf(mustStep(t, resumed), "skin"), "a b^3")

	snap.Pending = []domain.PendingApplication{{Membrane: 0, Rule: "ghost", Count: 1, Remaining: 1}}
	if _, err := NewEngineFromConfiguration(def, snap); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestEngine_InitialTreeLimits(t *testing.T) {
	def := mustDefinition(t, `
membranes:
  - name: skin
  - {name: a, parent: skin}
  - {name: b, parent: a}
`)
	if _, err := NewEngine(def, WithLimits(domain.Limits{MaxMembranes: 2})); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for membranes, got %v", err)
	}
	if _, err := NewEngine(def, WithLimits(domain.Limits{MaxDepth: 1})); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for depth, got %v", err)
	}
	e, err := NewEngine(def, WithLimits(domain.Limits{MaxMembranes: 8}))
	if err != nil {
		t.Fatal(err)
	}
	if l := e.Limits(); l.MaxMembranes != 8 || l.MaxDepth != domain.DefaultLimits.MaxDepth {
		t.Fatalf("limits = %+v", l)
	}
}

func TestEngine_ResultRegion(t *testing.T) {
	e := mustEngine(t, `
output: cell
membranes:
  - {name: skin, objects: s}
  - {name: cell, parent: skin, objects: c}
`)
	expectObjects(t, e.Result(), "c")
	e = mustEngine(t, `
membranes:
  - {name: skin, objects: s}
  - {name: cell, parent: skin, objects: c}
`)
	expectObjects(t, e.Result(), "s")
}

func TestEngine_AntiportImportsOnlyStartingObjects(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want map[string]string
	}{
		{
			name: "local product of the step",
			src: `
membranes:
  - name: skin
    objects: u
  - {name: inner, parent: skin, objects: a}
rules:
  - {id: make, membrane: skin, lhs: u, rhs: b}
  - {id: swap, membrane: inner, lhs: a, rhs: c, direction: out, antiport: b}
`,
			want: map[string]string{"skin": "b", "inner": "a"},
		},
		{
			name: "symport from a sibling",
			src: `
membranes:
  - name: skin
  - {name: left, parent: skin, objects: b}
  - {name: right, parent: skin, objects: a}
rules:
  - {id: push, membrane: left, lhs: b, rhs: b, direction: out}
  - {id: swap, membrane: right, lhs: a, rhs: c, direction: out, antiport: b}
`,
			want: map[string]string{"skin": "b", "left": "", "right": "a"},
		},
		{
			name: "export of another antiport",
			src: `
membranes:
  - name: skin
    objects: x
  - {name: left, parent: skin, objects: b}
  - {name: right, parent: skin, objects: a}
rules:
  - {id: give, membrane: left, lhs: b, rhs: b, direction: out, antiport: x}
  - {id: take, membrane: right, lhs: a, rhs: c, direction: out, antiport: b}
`,
			want: map[string]string{"skin": "b", "left": "x", "right": "a"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := mustEngine(t, tc.src)
			cfg := mustStep(t, e)
			for label, want := range tc.want {
				expectObjects(t, objectsOf(cfg, label), want)
			}
			if apps := e.LastApplications(); apps.Total() != 1 {
				t.Fatalf("applications = %+v", apps)
			}
			if m := e.Metrics(); m.RefusedApplications != 1 {
				t.Fatalf("metrics = %+v", m)
			}
			cfg = mustStep(t, e)
			if cfg.Step != 2 || objectsOf(cfg, "skin").Count("c") != 1 {
				t.Fatalf("second step: %+v", cfg)
			}
		})
	}
}

func TestEngine_UnsuppliedAntiportHalts(t *testing.T) {
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: b
  - {name: inner, parent: skin, objects: a^2}
rules:
  - {id: swap, membrane: inner, lhs: a, rhs: a, direction: out, antiport: b}
`)
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 5)
	if err != nil || outcome != domain.OutcomeHalted || cfg.Step != 1 {
		t.Fatalf("outcome %s step %d err %v", outcome, cfg.Step, err)
	}
	expectObjects(t, objectsOf(cfg, "inner"), "a b")
	expectObjects(t, objectsOf(cfg, "skin"), "a")
	m := e.Metrics()
	if m.Steps != 1 || m.TotalRuleApplications != 1 || m.RefusedApplications != 1 || m.AverageParallelism != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if again := mustStep(t, e); !again.Equal(cfg) {
		t.Fatal("stepping a halted system must not change it")
	}
}

func TestEngine_MutuallyRefusedAntiportsHalt(t *testing.T) {
	logger := &captureLogger{}
	e := mustEngine(t, `
membranes:
  - name: skin
    objects: b
  - {name: inner, parent: skin, objects: a}
rules:
  - {id: down, membrane: skin, lhs: b, rhs: b, direction: in, target: inner, antiport: a}
  - {id: up, membrane: inner, lhs: a, rhs: a, direction: out, antiport: b}
`, WithLogger(logger))
	start := e.Configuration()
	if e.Halted() {
		t.Fatal("both antiports find their import in the snapshot")
	}
	cfg, outcome, err := e.RunUntilHalt(context.Background(), 5)
	if err != nil || outcome != domain.OutcomeHalted {
		t.Fatalf("outcome %s err %v", outcome, err)
	}
	if !cfg.Equal(start) || e.Metrics().Steps != 0 {
		t.Fatalf("a step refusing every instance must not be committed: %+v", cfg)
	}
	if !logger.has("info", "system halted") {
		t.Fatal("expected halt log")
	}
}

func TestEngine_TraceReportsTruncation(t *testing.T) {
	e := mustEngine(t, loopSystem)
	n := 0
	for range e.Trace(context.Background(), 2) {
		n++
	}
	if n != 3 || !errors.Is(e.TraceErr(), domain.ErrNotHalted) {
		t.Fatalf("configurations %d err %v", n, e.TraceErr())
	}

	e = mustEngine(t, `
membranes:
  - name: skin
    objects: a
rules:
  - {id: once, membrane: skin, lhs: a, rhs: b}
`)
	n = 0
	for range e.Trace(context.Background(), 1) {
		n++
	}
	if n != 2 || e.TraceErr() != nil {
		t.Fatalf("halting trace: configurations %d err %v", n, e.TraceErr())
	}
}

func TestEngine_InhibitorReleasedLaterInTheStep(t *testing.T) {
	for _, src := range []string{`
membranes:
  - name: skin
    objects: a^3 q
rules:
  - {id: guarded, membrane: skin, lhs: a, rhs: b, inhibitors: [q]}
  - {id: eat, membrane: skin, lhs: q, rhs: z}
`, `
membranes:
  - name: skin
    objects: a^3 q
rules:
  - {id: guarded, membrane: skin, lhs: a, rhs: b, priority: 1, inhibitors: [q]}
  - {id: eat, membrane: skin, lhs: q, rhs: z}
`} {
		for seed := uint64(0); seed < 8; seed++ {
			e := mustEngine(t, src, WithSeed(seed))
			expectObjects(t, objectsOf(mustStep(t, e), "skin"), "b^3 z")
		}
	}
}

func TestEngine_StepsAreMaximalAndPriorityRespecting(t *testing.T) {
	systems := map[string]string{
		"guards": `
membranes:
  - name: skin
    objects: a^6 b^4 c p q
rules:
  - {id: pair, membrane: skin, lhs: a b, rhs: x, priority: 2}
  - {id: promoted, membrane: skin, lhs: a, rhs: y, priority: 1, promoters: [p]}
  - {id: inhibited, membrane: skin, lhs: b, rhs: z, priority: 1, inhibitors: [q]}
  - {id: eat, membrane: skin, lhs: q, rhs: w, priority: 1}
  - {id: cat, membrane: skin, lhs: c a, rhs: c u}
  - {id: drop, membrane: skin, lhs: p, rhs: v, priority: 1}
`,
		"competition": `
membranes:
  - name: skin
    objects: a^5 b^2 c^2 e
rules:
  - {id: pair, membrane: skin, lhs: a b, rhs: d}
  - {id: cat, membrane: skin, lhs: c a, rhs: c f}
  - {id: solo, membrane: skin, lhs: a, rhs: g, inhibitors: [e]}
  - {id: clear, membrane: skin, lhs: e b, rhs: h}
`,
		"nested": `
membranes:
  - name: skin
    objects: a^3 k
  - {name: inner, parent: skin, objects: a^4 b^2 k}
rules:
  - {id: heads, membrane: inner, lhs: a, rhs: x, probability: 0.5}
  - {id: tails, membrane: inner, lhs: a, rhs: y, probability: 0.5, promoters: [b]}
  - {id: burn, membrane: inner, lhs: b, rhs: z, priority: 1}
  - {id: outer, membrane: skin, lhs: a k, rhs: m, priority: 1}
  - {id: rest, membrane: skin, lhs: a, rhs: n, inhibitors: [k]}
`,
		"self guarded": `
membranes:
  - name: skin
    objects: a^5 s
rules:
  - {id: halve, membrane: skin, lhs: a^2, rhs: b, priority: 1, promoters: [a]}
  - {id: stop, membrane: skin, lhs: s, rhs: t, inhibitors: [a]}
  - {id: last, membrane: skin, lhs: a, rhs: c}
  - {id: join, membrane: skin, lhs: b c, rhs: a}
`,
	}
	for name, src := range systems {
		t.Run(name, func(t *testing.T) {
			for seed := uint64(0); seed < 64; seed++ {
				e := mustEngine(t, src, WithSeed(seed))
				rules := e.Definition().Rules
				for i := 0; i < 6 && !e.Halted(); i++ {
					before := e.Configuration()
					mustStep(t, e)
					assertMaximal(t, rules, before, e.LastApplications())
				}
			}
		})
	}
}

// assertMaximal enumerates every rule of every membrane after a step: the
// applied instances must fit the starting multiset, no rule may still fit
// what is left, and no rule without inhibitors may fit what is left plus the
// objects lower priority rules consumed.
func assertMaximal(t *testing.T, rules []domain.Rule, before domain.Configuration, apps domain.RuleApplicationSet) {
	t.Helper()
	byID := make(map[domain.RuleID]domain.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	for _, m := range before.Membranes {
		left := m.Objects.Clone()
		consumed := map[int]domain.Multiset{}
		for _, a := range apps.Applications {
			if a.Membrane != m.ID {
				continue
			}
			r := byID[a.Rule]
			if err := left.RemoveAll(r.LHS, a.Count); err != nil {
				t.Fatalf("step %d: %s x%d does not fit %s: %v", apps.Step, r.ID, a.Count, m.Objects, err)
			}
			if consumed[r.Priority] == nil {
				consumed[r.Priority] = domain.Multiset{}
			}
			consumed[r.Priority].AddAll(r.LHS, a.Count)
		}
		for _, r := range rules {
			if r.Membrane != m.Label {
				continue
			}
			if guardsHold(r, left) {
				t.Fatalf("step %d %s: %s still fits %s (applied %+v)", apps.Step, m.Label, r.ID, left, apps.Applications)
			}
			if len(r.Inhibitors) > 0 {
				continue
			}
			reserved := left.Clone()
			for priority, ms := range consumed {
				if priority < r.Priority {
					reserved.AddAll(ms, 1)
				}
			}
			if guardsHold(r, reserved) {
				t.Fatalf("step %d %s: lower priority rules took an instance of %s (applied %+v)", apps.Step, m.Label, r.ID, apps.Applications)
			}
		}
	}
}

func guardsHold(r domain.Rule, ms domain.Multiset) bool {
	if !ms.Contains(r.LHS) {
		return false
	}
	for _, p := range r.Promoters {
		if !ms.Has(p) {
			return false
		}
	}
	for _, s := range r.Inhibitors {
		if ms.Has(s) {
			return false
		}
	}
	return true
}
