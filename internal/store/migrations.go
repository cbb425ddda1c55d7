package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS regions (
    code TEXT PRIMARY KEY,
    name TEXT,
    enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS carbon_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    region TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    intensity REAL NOT NULL CHECK (intensity >= 0),
    source TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(region, timestamp)
);

CREATE TABLE IF NOT EXISTS carbon_forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    region TEXT NOT NULL,
    forecast_time DATETIME NOT NULL,
    predicted_intensity REAL NOT NULL,
    confidence REAL NOT NULL,
    trend TEXT NOT NULL,
    model_version TEXT NOT NULL,
    features TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(region, forecast_time)
);

CREATE INDEX IF NOT EXISTS idx_samples_region_time ON carbon_samples(region, timestamp);
CREATE INDEX IF NOT EXISTS idx_forecasts_region_time ON carbon_forecasts(region, forecast_time);
`,
	},
	{
		Version:     2,
		Description: "Add refresh run audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_refresh_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    region TEXT NOT NULL,
    refreshed_at DATETIME NOT NULL,
    records_ingested INTEGER NOT NULL DEFAULT 0,
    forecasts_generated INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_refresh_runs_time ON forecast_refresh_runs(refreshed_at);
CREATE INDEX IF NOT EXISTS idx_refresh_runs_cycle ON forecast_refresh_runs(cycle_id);
`,
	},
	{
		Version:     3,
		Description: "Add integration metrics for provider health",
		SQL: `
CREATE TABLE IF NOT EXISTS integration_metrics (
    source TEXT PRIMARY KEY,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_success_at DATETIME,
    last_failure_at DATETIME,
    last_error TEXT
);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applying migration")

		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
