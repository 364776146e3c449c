package core

import (
	"context"
	"fmt"

	"membranecore/internal/infra/persistence/memory"
	"membranecore/internal/infra/persistence/postgres"
	"membranecore/internal/infra/persistence/sqlite"
	"membranecore/pkg/domain"
)

// StorageDriver identifies a concrete configuration store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects the configuration store backing service runs.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenConfigurationStore returns the store selected by cfg.Driver. An empty
// driver selects memory.
func OpenConfigurationStore(ctx context.Context, cfg StorageConfig) (domain.ConfigurationStore, error) {
	switch cfg.Driver {
	case "", StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("core: open sqlite store: %w", err)
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("core: open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("core: unknown storage driver %q", cfg.Driver)
	}
}
