package core

import (
	"math/rand/v2"
	"runtime"
	"time"

	"membranecore/pkg/domain"
)

// Option configures an Engine or a Service.
type Option func(*options)

type options struct {
	rng           *rand.Rand
	limits        *domain.Limits
	workers       int
	logger        Logger
	metrics       MetricsRecorder
	tracer        Tracer
	invariants    []domain.Invariant
	builtinChecks bool
	observers     []func(domain.Configuration)
	store         domain.ConfigurationStore
	archive       *TraceArchive
	now           func() time.Time
}

func collectOptions(opts []Option) options {
	o := options{
		workers: runtime.GOMAXPROCS(0),
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return o
}

// WithRand injects the generator that drives every nondeterministic choice.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		if r != nil {
			o.rng = r
		}
	}
}

// WithSeed makes runs reproducible by seeding a PCG generator.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithLimits overrides the membrane count and depth ceilings. Zero fields
// keep the definition's or the default value.
func WithLimits(l domain.Limits) Option {
	return func(o *options) { o.limits = &l }
}

// WithWorkers bounds the goroutines planning membranes concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithLogger injects a structured logger; *slog.Logger satisfies Logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRecorder injects a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer injects a tracer.
func WithTracer(t Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithInvariants registers invariants evaluated after every committed step.
func WithInvariants(invariants ...domain.Invariant) Option {
	return func(o *options) { o.invariants = append(o.invariants, invariants...) }
}

// WithInvariantChecks enables the built-in tree, multiset and conservation
// invariants.
func WithInvariantChecks() Option {
	return func(o *options) { o.builtinChecks = true }
}

// WithObserver registers a callback receiving every committed configuration.
// Observers run while the engine is locked and must not call back into it.
func WithObserver(fn func(domain.Configuration)) Option {
	return func(o *options) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	}
}

// WithStore persists every configuration of service runs.
func WithStore(store domain.ConfigurationStore) Option {
	return func(o *options) { o.store = store }
}

// WithTraceArchive archives the trace and result of service runs.
func WithTraceArchive(a *TraceArchive) Option {
	return func(o *options) { o.archive = a }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func resolveLimits(fromDef, override *domain.Limits) domain.Limits {
	out := domain.DefaultLimits
	for _, l := range []*domain.Limits{fromDef, override} {
		if l == nil {
			continue
		}
		if l.MaxMembranes > 0 {
			out.MaxMembranes = l.MaxMembranes
		}
		if l.MaxDepth > 0 {
			out.MaxDepth = l.MaxDepth
		}
	}
	return out
}
