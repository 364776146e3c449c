// Package postgres persists configuration snapshots to PostgreSQL as JSONB
// rows through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"membranecore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.ConfigurationStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/membranecore?sslmode=disable"

	schemaDDL = `CREATE TABLE IF NOT EXISTS configurations (
		run_id   TEXT        NOT NULL,
		step     INTEGER     NOT NULL,
		payload  JSONB       NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, step)
	)`
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open implementation used by NewStore and
// returns a restore function. Tests use it to inject a stub driver.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Store writes one JSONB row per (run, step).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens a store on dsn (falling back to a local default), pings the
// server and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure configurations table: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SaveConfiguration upserts the snapshot of cfg.Step.
func (s *Store) SaveConfiguration(ctx context.Context, runID string, cfg domain.Configuration) error {
	if runID == "" {
		return fmt.Errorf("postgres store: run id required")
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode step %d: %w", cfg.Step, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO configurations (run_id, step, payload, saved_at) VALUES ($1, $2, $3, $4) ON CONFLICT (run_id, step) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		runID, cfg.Step, string(payload), s.now())
	if err != nil {
		return fmt.Errorf("upsert %s/%d: %w", runID, cfg.Step, err)
	}
	return nil
}

// LoadConfiguration returns the snapshot of step, or domain.ErrNotFound.
func (s *Store) LoadConfiguration(ctx context.Context, runID string, step int) (domain.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM configurations WHERE run_id = $1 AND step = $2`, runID, step)
	return scanConfiguration(row, runID)
}

// LatestConfiguration returns the highest saved step of runID.
func (s *Store) LatestConfiguration(ctx context.Context, runID string) (domain.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM configurations WHERE run_id = $1 ORDER BY step DESC LIMIT 1`, runID)
	return scanConfiguration(row, runID)
}

// ListSteps returns the saved steps of runID in ascending order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step FROM configurations WHERE run_id = $1 ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var steps []int
	for rows.Next() {
		var step int
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func scanConfiguration(row *sql.Row, runID string) (domain.Configuration, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Configuration{}, fmt.Errorf("%w: run %s", domain.ErrNotFound, runID)
		}
		return domain.Configuration{}, fmt.Errorf("select configuration: %w", err)
	}
	var cfg domain.Configuration
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return domain.Configuration{}, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}
