package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"membranecore/pkg/domain"
)

func mustDefinition(t testing.TB, src string) domain.Definition {
	t.Helper()
	def, err := ParseDefinitionYAML([]byte(src))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	return def
}

func mustEngine(t testing.TB, src string, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(mustDefinition(t, src), append([]Option{WithSeed(1), WithInvariantChecks()}, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func mustStep(t testing.TB, e *Engine) domain.Configuration {
	t.Helper()
	cfg, err := e.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	return cfg
}

// objectsOf returns the union of the multisets of every membrane labelled label.
func objectsOf(cfg domain.Configuration, label string) domain.Multiset {
	out := domain.Multiset{}
	for _, m := range cfg.WithLabel(label) {
		out.AddAll(m.Objects, 1)
	}
	return out
}

func expectObjects(t testing.TB, got domain.Multiset, want string) {
	t.Helper()
	if !got.Equal(domain.MustParseMultiset(want)) {
		t.Fatalf("objects = %q, want %q", got, want)
	}
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level, msg, args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
	steps int
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) RecordStep(int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps++
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	mu      sync.Mutex
	started []string
	ended   []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

// failingStore wraps a store and fails SaveConfiguration from step failAt on.
type failingStore struct {
	domain.ConfigurationStore
	failAt int
}

func (s failingStore) SaveConfiguration(ctx context.Context, runID string, cfg domain.Configuration) error {
	if cfg.Step >= s.failAt {
		return fmt.Errorf("disk full")
	}
	return s.ConfigurationStore.SaveConfiguration(ctx, runID, cfg)
}
