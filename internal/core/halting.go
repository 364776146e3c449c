package core

import (
	"slices"
	"sync"

	"membranecore/pkg/domain"
)

// HaltingDetector decides whether a configuration is terminal: no pending
// timed rule and no membrane with an applicable rule. An antiport rule is
// applicable only while its counterpart holds the import. The answer does
// not depend on the random generator.
type HaltingDetector struct {
	scheduler *Scheduler
}

// Terminal reports whether cfg admits no further step.
func (h HaltingDetector) Terminal(cfg domain.Configuration) bool {
	if len(cfg.Pending) > 0 {
		return false
	}
	views := h.scheduler.buildViews(cfg)
	for i := range views {
		v := &views[i]
		for _, level := range h.scheduler.index.Levels(v.state.Label) {
			for _, block := range level.blocks {
				for _, r := range block.rules {
					targets, ok, _ := h.scheduler.eligible(r, v)
					if ok && applicable(r, v.state.Objects) && h.importable(r, v, targets, cfg) {
						return false
					}
				}
			}
		}
	}
	return true
}

// importable reports whether the other side of an antiport can supply at
// least one instance. Rules without an antiport are always importable.
func (h HaltingDetector) importable(r *indexedRule, v *membraneView, targets []domain.MembraneID, cfg domain.Configuration) bool {
	if r.Antiport.Empty() {
		return true
	}
	switch r.Direction {
	case domain.DirectionOut:
		if v.state.IsRoot() {
			return cfg.Environment.Contains(r.Antiport)
		}
		parent, ok := cfg.Membrane(v.state.ParentID())
		return ok && parent.Objects.Contains(r.Antiport)
	case domain.DirectionIn:
		for _, c := range v.children {
			if slices.Contains(targets, c.ID) && c.Objects.Contains(r.Antiport) {
				return true
			}
		}
	}
	return false
}

// Recorder accumulates run metrics and notifies observers of every committed
// configuration.
type Recorder struct {
	mu        sync.Mutex
	metrics   domain.Metrics
	observers []func(domain.Configuration)
}

// NewRecorder starts a recorder from the initial membrane count.
func NewRecorder(initialMembranes int, observers ...func(domain.Configuration)) *Recorder {
	r := &Recorder{metrics: domain.Metrics{PeakMembraneCount: initialMembranes}}
	for _, o := range observers {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
	return r
}

// stepStats is what one committed step contributes to the metrics.
type stepStats struct {
	applications int
	refused      int
	divisions    int
	dissolutions int
	membranes    int
}

// RecordStep folds a committed step into the metrics and notifies observers.
func (r *Recorder) RecordStep(cfg domain.Configuration, s stepStats) {
	r.mu.Lock()
	m := &r.metrics
	m.Steps++
	m.TotalRuleApplications += s.applications
	m.RefusedApplications += s.refused
	m.Divisions += s.divisions
	m.Dissolutions += s.dissolutions
	m.PeakMembraneCount = max(m.PeakMembraneCount, s.membranes)
	m.AverageParallelism = float64(m.TotalRuleApplications) / float64(m.Steps)
	observers := r.observers
	r.mu.Unlock()
	for _, o := range observers {
		o(cfg)
	}
}

// RecordDissolution counts a dissolution applied outside a step.
func (r *Recorder) RecordDissolution() {
	r.mu.Lock()
	r.metrics.Dissolutions++
	r.mu.Unlock()
}

// Metrics returns a copy of the accumulated metrics.
func (r *Recorder) Metrics() domain.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}
