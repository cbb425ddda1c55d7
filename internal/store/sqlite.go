package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lox/greenroute/internal/models"
)

type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens the database file at path, creating its directory if needed. The pragmas are
// part of the DSN so that every pooled connection waits on a locked database instead of
// failing with SQLITE_BUSY when refresh workers write concurrently.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func New(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertRegion(ctx context.Context, r models.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (code, name, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled
	`, strings.TrimSpace(r.Code), r.Name, r.Enabled)
	return err
}

// EnabledRegions returns the codes of all enabled regions in code order.
func (s *Store) EnabledRegions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code FROM regions WHERE enabled = TRUE ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *Store) GetRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, COALESCE(name, ''), enabled FROM regions ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regions []models.Region
	for rows.Next() {
		var r models.Region
		if err := rows.Scan(&r.Code, &r.Name, &r.Enabled); err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}
