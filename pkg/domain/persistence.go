package domain

import (
	"context"
	"time"
)

// StoredConfiguration is a configuration snapshot persisted for one run step.
type StoredConfiguration struct {
	RunID         string        `json:"run_id"`
	Step          int           `json:"step"`
	Configuration Configuration `json:"configuration"`
	SavedAt       time.Time     `json:"saved_at"`
}

// ConfigurationStore persists per-step configuration snapshots so runs can be
// inspected or replayed. Implementations must be safe for concurrent use.
type ConfigurationStore interface {
	SaveConfiguration(ctx context.Context, runID string, cfg Configuration) error
	// LoadConfiguration returns ErrNotFound when the step was never saved.
	LoadConfiguration(ctx context.Context, runID string, step int) (Configuration, error)
	// LatestConfiguration returns the highest saved step for runID.
	LatestConfiguration(ctx context.Context, runID string) (Configuration, error)
	// ListSteps returns saved step indices in ascending order.
	ListSteps(ctx context.Context, runID string) ([]int, error)
	Close() error
}
