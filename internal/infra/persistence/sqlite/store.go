// Package sqlite persists configuration snapshots in an embedded SQLite
// database. The schema is versioned with golang-migrate.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"membranecore/pkg/domain"
)

var _ domain.ConfigurationStore = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// Store writes one row per (run, step) holding the JSON configuration.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewStore opens (creating if needed) the database at path and migrates it
// to the latest schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "membranecore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate applies every pending up migration to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("init migrations: %w", err)
	}
	// m.Close would also close db, which the store keeps using.
	defer func() { _ = src.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SaveConfiguration upserts the snapshot of cfg.Step.
func (s *Store) SaveConfiguration(ctx context.Context, runID string, cfg domain.Configuration) error {
	if runID == "" {
		return fmt.Errorf("sqlite store: run id required")
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode step %d: %w", cfg.Step, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO configurations(run_id, step, payload, saved_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		runID, cfg.Step, payload, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %s/%d: %w", runID, cfg.Step, err)
	}
	return nil
}

// LoadConfiguration returns the snapshot of step, or domain.ErrNotFound.
func (s *Store) LoadConfiguration(ctx context.Context, runID string, step int) (domain.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM configurations WHERE run_id = ? AND step = ?`, runID, step)
	return scanConfiguration(row, runID)
}

// LatestConfiguration returns the highest saved step of runID.
func (s *Store) LatestConfiguration(ctx context.Context, runID string) (domain.Configuration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM configurations WHERE run_id = ? ORDER BY step DESC LIMIT 1`, runID)
	return scanConfiguration(row, runID)
}

// ListSteps returns the saved steps of runID in ascending order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step FROM configurations WHERE run_id = ? ORDER BY step`, runID)
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

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

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
