package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"membranecore/pkg/domain"
)

// Engine runs one P system. Steps are barrier-parallel: every membrane is
// planned against the same snapshot, then committed in two ordered phases.
// All methods are safe for concurrent use; steps are serialized.
type Engine struct {
	mu sync.Mutex

	def       domain.Definition
	limits    domain.Limits
	index     *RuleIndex
	objects   *ObjectStore
	membranes *MembraneStore
	scheduler *Scheduler
	executor  *Executor
	topology  *TopologyController
	halting   HaltingDetector
	recorder  *Recorder

	rng        *rand.Rand
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	invariants *domain.InvariantSet

	step     int
	pending  []domain.PendingApplication
	halted   bool
	limitHit bool
	last     domain.RuleApplicationSet

	traced   atomic.Bool
	traceErr error
}

// NewEngine validates def and builds the initial configuration. Membrane ids
// are assigned breadth-first from the root in declaration order.
func NewEngine(def domain.Definition, opts ...Option) (*Engine, error) {
	norm, err := def.Normalized()
	if err != nil {
		return nil, err
	}
	o := collectOptions(opts)
	e := newEngine(norm, o)

	children := map[string][]domain.MembraneDefinition{}
	var root domain.MembraneDefinition
	for _, m := range norm.Membranes {
		if m.Parent == "" {
			root = m
			continue
		}
		children[m.Parent] = append(children[m.Parent], m)
	}
	type queued struct {
		def    domain.MembraneDefinition
		parent domain.MembraneID
	}
	queue := []queued{{root, domain.NoMembrane}}
	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]
		id, err := e.membranes.Create(q.parent, q.def.Name)
		if err != nil {
			return nil, err
		}
		if err := errors.Join(
			e.membranes.SetCharge(id, q.def.Charge),
			e.membranes.SetPermeability(id, q.def.Permeability),
			e.membranes.AttachRules(id, e.index.RuleIDs(q.def.Name)),
		); err != nil {
			return nil, err
		}
		e.objects.Set(id, q.def.Objects)
		for _, c := range children[q.def.Name] {
			queue = append(queue, queued{c, id})
		}
	}

	problems := &domain.ConfigurationError{}
	if n := e.membranes.Len(); n > e.limits.MaxMembranes {
		problems.Add("initial tree has %d membranes, limit is %d", n, e.limits.MaxMembranes)
	}
	if d := e.membranes.MaxDepth(); d > e.limits.MaxDepth {
		problems.Add("initial tree has depth %d, limit is %d", d, e.limits.MaxDepth)
	}
	if err := problems.OrNil(); err != nil {
		return nil, err
	}
	e.recorder = NewRecorder(e.membranes.Len(), o.observers...)
	e.logger.Debug("engine loaded", "system", norm.Name, "membranes", e.membranes.Len(), "rules", e.index.Len())
	return e, nil
}

// NewEngineFromConfiguration resumes def from a stored configuration.
func NewEngineFromConfiguration(def domain.Definition, cfg domain.Configuration, opts ...Option) (*Engine, error) {
	e, err := NewEngine(def, opts...)
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Pending {
		if _, ok := e.index.Rule(p.Rule); !ok {
			return nil, fmt.Errorf("%w: pending rule %s is not defined", domain.ErrConfiguration, p.Rule)
		}
	}
	if err := e.membranes.Restore(cfg.Membranes, cfg.Environment); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	e.step = cfg.Step
	e.pending = slices.Clone(cfg.Pending)
	e.recorder = NewRecorder(e.membranes.Len(), collectOptions(opts).observers...)
	return e, nil
}

func newEngine(def domain.Definition, o options) *Engine {
	index := NewRuleIndex(def.Rules)
	objects := NewObjectStore()
	membranes := NewMembraneStore(objects)
	limits := resolveLimits(def.Limits, o.limits)
	scheduler := NewScheduler(index, o.workers)
	e := &Engine{
		def:       def,
		limits:    limits,
		index:     index,
		objects:   objects,
		membranes: membranes,
		scheduler: scheduler,
		executor:  &Executor{objects: objects},
		topology: &TopologyController{
			membranes: membranes,
			objects:   objects,
			index:     index,
			limits:    limits,
			logger:    o.logger,
		},
		halting: HaltingDetector{scheduler: scheduler},
		rng:     o.rng,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
	set := domain.NewInvariantSet(o.invariants...)
	if o.builtinChecks {
		set.Register(domain.TreeInvariant{})
		set.Register(domain.MultisetInvariant{})
		set.Register(domain.ConservationInvariant{Lookup: index.Rule})
	}
	e.invariants = set
	return e
}

// Configuration returns a private snapshot of the current configuration.
func (e *Engine) Configuration() domain.Configuration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configuration()
}

func (e *Engine) configuration() domain.Configuration {
	live := e.membranes.Live()
	cfg := domain.Configuration{
		Step:        e.step,
		Membranes:   make([]domain.MembraneState, 0, len(live)),
		Environment: e.objects.Environment(),
		Pending:     slices.Clone(e.pending),
	}
	for _, id := range live {
		st, _ := e.membranes.State(id)
		cfg.Membranes = append(cfg.Membranes, st)
	}
	return cfg
}

// Definition returns the normalized definition the engine runs.
func (e *Engine) Definition() domain.Definition { return e.def }

// Limits returns the effective resource ceilings.
func (e *Engine) Limits() domain.Limits { return e.limits }

// Step computes and commits one maximal-parallel step. On a terminal
// configuration it is a no-op returning the same configuration.
func (e *Engine) Step(ctx context.Context) (domain.Configuration, error) {
	var cfg domain.Configuration
	err := observe(ctx, e.tracer, e.metrics, "engine.step", func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		var err error
		cfg, err = e.stepLocked(ctx)
		return err
	})
	return cfg, err
}

func (e *Engine) stepLocked(ctx context.Context) (domain.Configuration, error) {
	prev := e.configuration()
	if err := ctx.Err(); err != nil {
		return prev, err
	}
	e.limitHit = false
	if e.halted {
		return prev, nil
	}
	if e.halting.Terminal(prev) {
		e.halted = true
		e.logger.Info("system halted", "step", e.step, "membranes", len(prev.Membranes))
		return prev, nil
	}

	seeds := make([]uint64, len(prev.Membranes))
	for i := range seeds {
		seeds[i] = e.rng.Uint64()
	}
	plans, err := e.scheduler.Plan(ctx, prev, seeds)
	if err != nil {
		return prev, err
	}
	for _, p := range plans {
		for _, id := range p.rejected {
			e.logger.Warn("rule rejected", "rule", id, "membrane", p.membrane, "error", domain.ErrCannotDissolveRoot)
		}
	}

	if err := e.executor.Consume(plans); err != nil {
		return prev, e.rollback(prev, err)
	}
	refused, err := e.topology.Exchange(plans)
	if err != nil {
		return prev, e.rollback(prev, err)
	}
	if err := e.executor.Produce(plans); err != nil {
		return prev, e.rollback(prev, err)
	}
	pending, report, err := e.topology.Commit(plans, e.pending)
	if err != nil {
		return prev, e.rollback(prev, err)
	}
	report.refused += refused
	applied := collectApplied(e.step+1, plans)
	if applied.Total() == 0 && len(prev.Pending) == 0 && !report.limitHit {
		// Every instance was refused, so the step would change nothing.
		if err := e.membranes.Restore(prev.Membranes, prev.Environment); err != nil {
			return prev, e.rollback(prev, err)
		}
		e.halted = true
		e.logger.Info("system halted", "step", e.step, "membranes", len(prev.Membranes), "refused", report.refused)
		return prev, nil
	}
	e.pending = pending
	e.step++
	next := e.configuration()

	if e.invariants.Len() > 0 {
		res, err := e.invariants.Evaluate(ctx, prev, next, applied)
		if err == nil && res.HasBlocking() {
			err = domain.InvariantViolationError{Step: e.step, Report: res}
		}
		if err != nil {
			return prev, e.rollback(prev, err)
		}
		for _, v := range res.Violations {
			e.logger.Warn("invariant warning", "invariant", v.Invariant, "membrane", v.Membrane, "message", v.Message)
		}
	}

	e.limitHit = report.limitHit
	e.last = applied
	e.recorder.RecordStep(next, stepStats{
		applications: applied.Total(),
		refused:      report.refused,
		divisions:    report.divisions,
		dissolutions: report.dissolutions,
		membranes:    len(next.Membranes),
	})
	if sr, ok := e.metrics.(StepRecorder); ok {
		sr.RecordStep(applied.Total(), len(next.Membranes), report.refused)
	}
	e.logger.Debug("step committed", "step", e.step, "applications", applied.Total(), "membranes", len(next.Membranes), "refused", report.refused)
	return next, nil
}

// rollback restores prev after a failed commit. The failure is an engine
// bug, never a property of the loaded system.
func (e *Engine) rollback(prev domain.Configuration, cause error) error {
	if err := e.membranes.Restore(prev.Membranes, prev.Environment); err != nil {
		cause = errors.Join(cause, err)
	}
	e.step = prev.Step
	e.pending = slices.Clone(prev.Pending)
	e.logger.Error("step aborted", "step", prev.Step+1, "error", cause)
	return fmt.Errorf("core: step %d aborted: %w", prev.Step+1, cause)
}

func collectApplied(step int, plans []membranePlan) domain.RuleApplicationSet {
	set := domain.RuleApplicationSet{Step: step, Applications: []domain.RuleApplication{}}
	for _, p := range plans {
		for _, a := range p.apps {
			if a.count == 0 {
				continue
			}
			app := domain.RuleApplication{Membrane: p.membrane, Rule: a.rule.ID, Count: a.count}
			if len(a.targets) > 0 {
				app.Targets = make(map[domain.MembraneID]int, len(a.targets))
				for id, n := range a.targets {
					app.Targets[id] = n
				}
			}
			set.Applications = append(set.Applications, app)
		}
	}
	return set
}

// LastApplications returns the applications committed by the latest step.
func (e *Engine) LastApplications() domain.RuleApplicationSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Halted reports whether the current configuration is terminal.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.halted && e.halting.Terminal(e.configuration()) {
		e.halted = true
	}
	return e.halted
}

// LimitExceeded reports whether the latest step refused a division.
func (e *Engine) LimitExceeded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limitHit
}

// RunUntilHalt steps until the configuration is terminal, a division is
// refused, ctx is cancelled or maxSteps steps have been committed. Reaching
// the bound without halting returns domain.ErrNotHalted together with the
// last valid configuration.
func (e *Engine) RunUntilHalt(ctx context.Context, maxSteps int) (domain.Configuration, domain.Outcome, error) {
	var (
		cfg     domain.Configuration
		outcome domain.Outcome
	)
	err := observe(ctx, e.tracer, e.metrics, "engine.run", func(ctx context.Context) error {
		var err error
		cfg, outcome, err = e.run(ctx, maxSteps)
		return err
	})
	return cfg, outcome, err
}

func (e *Engine) run(ctx context.Context, maxSteps int) (domain.Configuration, domain.Outcome, error) {
	if maxSteps < 0 {
		return e.Configuration(), "", fmt.Errorf("core: max steps must be non-negative, got %d", maxSteps)
	}
	for taken := 0; ; taken++ {
		if err := ctx.Err(); err != nil {
			return e.Configuration(), domain.OutcomeCancelled, err
		}
		if e.Halted() {
			return e.Configuration(), domain.OutcomeHalted, nil
		}
		if taken == maxSteps {
			return e.Configuration(), domain.OutcomeStepLimitExceeded, fmt.Errorf("%w after %d steps", domain.ErrNotHalted, maxSteps)
		}
		cfg, err := e.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return cfg, domain.OutcomeCancelled, err
			}
			return cfg, "", err
		}
		if e.LimitExceeded() {
			e.logger.Warn("run stopped by resource limit", "step", cfg.Step)
			return cfg, domain.OutcomeResourceLimitExceeded, nil
		}
	}
}

// Trace returns a lazy, single-use sequence of configurations: the current
// one, then one per committed step until the system halts, a division is
// refused, ctx is done or maxSteps steps were taken. Only the first
// iteration of the first sequence produces values; an error that stops the
// sequence is reported by TraceErr, which holds domain.ErrNotHalted when the
// bound was reached on a configuration that is not terminal.
func (e *Engine) Trace(ctx context.Context, maxSteps int) iter.Seq[domain.Configuration] {
	return func(yield func(domain.Configuration) bool) {
		if !e.traced.CompareAndSwap(false, true) {
			return
		}
		if !yield(e.Configuration()) {
			return
		}
		for taken := 0; taken < maxSteps; taken++ {
			if ctx.Err() != nil || e.Halted() {
				return
			}
			cfg, err := e.Step(ctx)
			if err != nil {
				e.setTraceErr(err)
				return
			}
			if !yield(cfg) || e.LimitExceeded() {
				return
			}
		}
		if ctx.Err() == nil && !e.Halted() {
			e.setTraceErr(fmt.Errorf("%w after %d steps", domain.ErrNotHalted, maxSteps))
		}
	}
}

func (e *Engine) setTraceErr(err error) {
	e.mu.Lock()
	e.traceErr = err
	e.mu.Unlock()
}

// TraceErr returns the error that ended the trace, if any.
func (e *Engine) TraceErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.traceErr
}

// Metrics returns the run metrics so far.
func (e *Engine) Metrics() domain.Metrics { return e.recorder.Metrics() }

// Result returns the multiset of the output region: the union of every live
// membrane carrying the output label, the environment, or the root.
func (e *Engine) Result() domain.Multiset {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.def.Output {
	case domain.OutputEnvironment:
		return e.objects.Environment()
	case "":
		return e.objects.Snapshot(e.membranes.Root())
	}
	out := domain.Multiset{}
	for _, id := range e.membranes.Live() {
		if e.membranes.Label(id) == e.def.Output {
			out.AddAll(e.objects.Snapshot(id), 1)
		}
	}
	return out
}

// Dissolve applies an explicit dissolve directive between steps. The
// membrane's contents, pending products and children move to its parent.
func (e *Engine) Dissolve(id domain.MembraneID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending, err := e.topology.dissolve(id, e.pending)
	if err != nil {
		return err
	}
	e.pending = pending
	e.halted = false
	e.recorder.RecordDissolution()
	e.logger.Info("membrane dissolved by directive", "membrane", id, "step", e.step)
	return nil
}
