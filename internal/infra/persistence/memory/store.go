// Package memory provides an in-process ConfigurationStore used by tests and
// ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"membranecore/pkg/domain"
)

var _ domain.ConfigurationStore = (*Store)(nil)

// Store keeps configuration snapshots per run and step in memory. Saved and
// loaded values are deep copies.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]map[int]domain.StoredConfiguration
	now    func() time.Time
	closed bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		runs: make(map[string]map[int]domain.StoredConfiguration),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SaveConfiguration stores cfg under (runID, cfg.Step), replacing an earlier
// snapshot of the same step.
func (s *Store) SaveConfiguration(ctx context.Context, runID string, cfg domain.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("memory store: run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store: closed")
	}
	steps, ok := s.runs[runID]
	if !ok {
		steps = make(map[int]domain.StoredConfiguration)
		s.runs[runID] = steps
	}
	steps[cfg.Step] = domain.StoredConfiguration{RunID: runID, Step: cfg.Step, Configuration: cfg.Clone(), SavedAt: s.now()}
	return nil
}

// LoadConfiguration returns the snapshot of step, or domain.ErrNotFound.
func (s *Store) LoadConfiguration(_ context.Context, runID string, step int) (domain.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.runs[runID][step]
	if !ok {
		return domain.Configuration{}, fmt.Errorf("%w: run %s step %d", domain.ErrNotFound, runID, step)
	}
	return stored.Configuration.Clone(), nil
}

// LatestConfiguration returns the highest saved step of runID.
func (s *Store) LatestConfiguration(ctx context.Context, runID string) (domain.Configuration, error) {
	steps, err := s.ListSteps(ctx, runID)
	if err != nil {
		return domain.Configuration{}, err
	}
	if len(steps) == 0 {
		return domain.Configuration{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, runID)
	}
	return s.LoadConfiguration(ctx, runID, steps[len(steps)-1])
}

// ListSteps returns the saved steps of runID in ascending order.
func (s *Store) ListSteps(_ context.Context, runID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.runs[runID]))
	for step := range s.runs[runID] {
		out = append(out, step)
	}
	sort.Ints(out)
	return out, nil
}

// Runs returns the ids of every run with at least one snapshot.
func (s *Store) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Close marks the store closed; later saves fail.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
