package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"membranecore/internal/blob"
	"membranecore/pkg/domain"
)

// Service runs P systems end to end: it builds the engine, persists every
// configuration to the configured store, archives the trace and result, and
// reports metrics and spans for the whole run.
type Service struct {
	opts    []Option
	store   domain.ConfigurationStore
	archive *TraceArchive
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	now     func() time.Time
}

// RunOptions parameterizes one run. Zero values keep the service defaults.
type RunOptions struct {
	MaxSteps int
	Seed     *uint64
	Limits   *domain.Limits
	Workers  int
}

// RunReport describes a finished run.
type RunReport struct {
	RunID      string               `json:"run_id"`
	System     string               `json:"system"`
	Outcome    domain.Outcome       `json:"outcome"`
	Final      domain.Configuration `json:"final"`
	Result     domain.Multiset      `json:"result"`
	Metrics    domain.Metrics       `json:"metrics"`
	Persisted  int                  `json:"persisted_steps"`
	Archived   bool                 `json:"archived"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

// NewService constructs a service. Options are shared with every engine the
// service creates; WithStore and WithTraceArchive enable persistence.
func NewService(opts ...Option) *Service {
	o := collectOptions(opts)
	return &Service{
		opts:    slices.Clone(opts),
		store:   o.store,
		archive: o.archive,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		now:     o.now,
	}
}

// Store returns the configuration store, or nil when runs are not persisted.
func (s *Service) Store() domain.ConfigurationStore { return s.store }

// Archive returns the trace archive, or nil when runs are not archived.
func (s *Service) Archive() *TraceArchive { return s.archive }

func (s *Service) engineOptions(ro RunOptions) []Option {
	opts := slices.Clone(s.opts)
	if ro.Seed != nil {
		opts = append(opts, WithSeed(*ro.Seed))
	}
	if ro.Limits != nil {
		opts = append(opts, WithLimits(*ro.Limits))
	}
	if ro.Workers > 0 {
		opts = append(opts, WithWorkers(ro.Workers))
	}
	return opts
}

// Run executes def under a fresh run id until it halts, a division is
// refused, ctx is done or ro.MaxSteps steps were committed. The error
// contract matches Engine.RunUntilHalt: a step bound yields
// domain.ErrNotHalted, cancellation yields the context error, and the
// report is filled in every case where the engine could be built.
func (s *Service) Run(ctx context.Context, def domain.Definition, ro RunOptions) (RunReport, error) {
	var report RunReport
	err := observe(ctx, s.tracer, s.metrics, "service.run", func(ctx context.Context) error {
		e, err := NewEngine(def, s.engineOptions(ro)...)
		if err != nil {
			return err
		}
		report, err = s.drive(ctx, e, uuid.NewString(), ro.MaxSteps, true)
		return err
	})
	return report, err
}

// Resume continues runID from its latest stored configuration. def must be
// the definition the run was started with.
func (s *Service) Resume(ctx context.Context, def domain.Definition, runID string, ro RunOptions) (RunReport, error) {
	if s.store == nil {
		return RunReport{}, fmt.Errorf("core: resume %s: no configuration store", runID)
	}
	var report RunReport
	err := observe(ctx, s.tracer, s.metrics, "service.resume", func(ctx context.Context) error {
		latest, err := s.store.LatestConfiguration(ctx, runID)
		if err != nil {
			return fmt.Errorf("core: resume %s: %w", runID, err)
		}
		e, err := NewEngineFromConfiguration(def, latest, s.engineOptions(ro)...)
		if err != nil {
			return err
		}
		report, err = s.drive(ctx, e, runID, ro.MaxSteps, false)
		return err
	})
	return report, err
}

func (s *Service) drive(ctx context.Context, e *Engine, runID string, maxSteps int, saveFirst bool) (RunReport, error) {
	if maxSteps < 0 {
		return RunReport{}, fmt.Errorf("core: max steps must be non-negative, got %d", maxSteps)
	}
	report := RunReport{RunID: runID, System: e.Definition().Name, StartedAt: s.now().UTC()}
	s.logger.Info("run started", "run", runID, "system", report.System, "max_steps", maxSteps)

	var (
		trace   []domain.Configuration
		saveErr error
		first   = true
	)
	for cfg := range e.Trace(ctx, maxSteps) {
		skip := first && !saveFirst
		first = false
		if s.archive != nil {
			trace = append(trace, cfg)
		}
		if s.store == nil || skip {
			continue
		}
		if err := s.store.SaveConfiguration(ctx, runID, cfg); err != nil {
			saveErr = fmt.Errorf("core: persist run %s step %d: %w", runID, cfg.Step, err)
			break
		}
		report.Persisted++
	}

	var runErr error
	switch {
	case saveErr != nil:
		runErr = saveErr
		if ctx.Err() != nil {
			report.Outcome = domain.OutcomeCancelled
		}
	case errors.Is(e.TraceErr(), domain.ErrNotHalted):
		report.Outcome = domain.OutcomeStepLimitExceeded
		runErr = e.TraceErr()
	case e.TraceErr() != nil:
		runErr = e.TraceErr()
		if ctx.Err() != nil {
			report.Outcome = domain.OutcomeCancelled
		}
	case ctx.Err() != nil:
		report.Outcome = domain.OutcomeCancelled
		runErr = ctx.Err()
	case e.LimitExceeded():
		report.Outcome = domain.OutcomeResourceLimitExceeded
	case e.Halted():
		report.Outcome = domain.OutcomeHalted
	default:
		report.Outcome = domain.OutcomeStepLimitExceeded
		runErr = fmt.Errorf("%w after %d steps", domain.ErrNotHalted, maxSteps)
	}

	report.Final = e.Configuration()
	report.Result = e.Result()
	report.Metrics = e.Metrics()
	report.FinishedAt = s.now().UTC()

	if s.archive != nil {
		archived, err := s.archiveRun(context.WithoutCancel(ctx), report, trace, runErr)
		if err != nil {
			runErr = errors.Join(runErr, err)
		}
		report.Archived = archived
	}
	s.logger.Info("run finished", "run", runID, "outcome", report.Outcome, "steps", report.Metrics.Steps,
		"applications", report.Metrics.TotalRuleApplications, "peak_membranes", report.Metrics.PeakMembraneCount)
	return report, runErr
}

func (s *Service) archiveRun(ctx context.Context, report RunReport, trace []domain.Configuration, runErr error) (bool, error) {
	if _, err := s.archive.WriteTrace(ctx, report.RunID, trace); err != nil {
		if errors.Is(err, blob.ErrExists) {
			s.logger.Warn("run already archived", "run", report.RunID)
			return false, nil
		}
		return false, err
	}
	summary := RunSummary{
		RunID:      report.RunID,
		System:     report.System,
		Outcome:    report.Outcome,
		Steps:      report.Final.Step,
		Metrics:    report.Metrics,
		Result:     report.Result,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if _, err := s.archive.WriteSummary(ctx, summary); err != nil {
		return false, err
	}
	return true, nil
}

// Replay yields the configurations of a finished run in step order, read
// from the configuration store when it holds the run and from the trace
// archive otherwise. An unknown run yields domain.ErrNotFound.
func (s *Service) Replay(ctx context.Context, runID string) iter.Seq2[domain.Configuration, error] {
	return func(yield func(domain.Configuration, error) bool) {
		if s.store != nil {
			steps, err := s.store.ListSteps(ctx, runID)
			if err != nil {
				yield(domain.Configuration{}, err)
				return
			}
			if len(steps) > 0 {
				for _, step := range steps {
					cfg, err := s.store.LoadConfiguration(ctx, runID, step)
					if !yield(cfg, err) || err != nil {
						return
					}
				}
				return
			}
		}
		if s.archive != nil {
			for cfg, err := range s.archive.Trace(ctx, runID) {
				if !yield(cfg, err) || err != nil {
					return
				}
			}
			return
		}
		yield(domain.Configuration{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, runID))
	}
}
