package core

import (
	"context"
	"time"
)

// Logger is the structured logging contract used by the engine and run service.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder observes operation outcomes and durations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// StepRecorder is an optional extension of MetricsRecorder that receives
// per-step engine gauges.
type StepRecorder interface {
	RecordStep(applications, membranes, refused int)
}

// Tracer starts spans around engine and service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// observe wraps fn with a tracer span and a metrics observation.
func observe(ctx context.Context, tracer Tracer, metrics MetricsRecorder, operation string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, operation)
	started := time.Now()
	err := fn(ctx)
	metrics.Observe(ctx, operation, err == nil, time.Since(started))
	span.End(err)
	return err
}
