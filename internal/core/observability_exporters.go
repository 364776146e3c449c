package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes operation timings and step counters via
// expvar. Durations are totals in milliseconds per operation.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	steps     int64
	apps      int64
	refused   int64
	live      int64
}

// ExpvarMetricsSnapshot captures a read-only view of the recorded metrics.
type ExpvarMetricsSnapshot struct {
	DurationsMS   map[string]float64          `json:"durations_ms_total"`
	Results       map[string]map[string]int64 `json:"results_total"`
	Steps         int64                       `json:"steps_total"`
	Applications  int64                       `json:"rule_applications_total"`
	Refused       int64                       `json:"refused_applications_total"`
	LiveMembranes int64                       `json:"live_membranes"`
	RecordedAt    time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated unique name when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("membranecore_metrics_%d", id)
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string {
	return r.name
}

// Snapshot returns a copy of the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, statusCounts := range r.results {
		cpy := make(map[string]int64, len(statusCounts))
		for status, count := range statusCounts {
			cpy[status] = count
		}
		results[op] = cpy
	}
	return ExpvarMetricsSnapshot{
		DurationsMS:   durations,
		Results:       results,
		Steps:         r.steps,
		Applications:  r.apps,
		Refused:       r.refused,
		LiveMembranes: r.live,
		RecordedAt:    time.Now().UTC(),
	}
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	status := "error"
	if success {
		status = "success"
	}
	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][status]++
	r.mu.Unlock()
}

// RecordStep implements StepRecorder.
func (r *ExpvarMetricsRecorder) RecordStep(applications, membranes, refused int) {
	r.mu.Lock()
	r.steps++
	r.apps += int64(applications)
	r.refused += int64(refused)
	r.live = int64(membranes)
	r.mu.Unlock()
}

// PrometheusMetricsRecorder exports engine metrics through a Prometheus registerer.
type PrometheusMetricsRecorder struct {
	durations    *prometheus.HistogramVec
	steps        prometheus.Counter
	applications prometheus.Counter
	refused      prometheus.Counter
	live         prometheus.Gauge
}

// NewPrometheusMetricsRecorder registers the collectors with reg; a nil reg
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "membranecore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine and run-service operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation", "status"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "membranecore",
			Name:      "steps_total",
			Help:      "Committed engine steps.",
		}),
		applications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "membranecore",
			Name:      "rule_applications_total",
			Help:      "Rule instances committed across all steps.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "membranecore",
			Name:      "refused_applications_total",
			Help:      "Rule instances refused during commit (antiport or resource limit).",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membranecore",
			Name:      "live_membranes",
			Help:      "Live membranes after the latest step.",
		}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.steps, r.applications, r.refused, r.live} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("core: register prometheus collector: %w", err)
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// RecordStep implements StepRecorder.
func (r *PrometheusMetricsRecorder) RecordStep(applications, membranes, refused int) {
	r.steps.Inc()
	r.applications.Add(float64(applications))
	r.refused.Add(float64(refused))
	r.live.Set(float64(membranes))
}

// JSONTraceEntry is one span written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and retains them for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w; a nil w only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	var enc *json.Encoder
	if w != nil {
		enc = json.NewEncoder(w)
	}
	return &JSONTraceTracer{enc: enc}
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	status := "success"
	var errMsg string
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     status,
		DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
		Error:      errMsg,
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	s.tracer.mu.Lock()
	s.tracer.entries = append(s.tracer.entries, entry)
	if s.tracer.enc != nil {
		_ = s.tracer.enc.Encode(entry)
	}
	s.tracer.mu.Unlock()
}
