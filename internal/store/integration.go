package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/greenroute/internal/models"
)

const maxIntegrationErrorLen = 500

// RecordIntegrationSuccess bumps the success counter for an upstream source.
func (s *Store) RecordIntegrationSuccess(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_metrics (source, success_count, last_success_at)
		VALUES (?, 1, ?)
		ON CONFLICT(source) DO UPDATE SET
			success_count = success_count + 1,
			last_success_at = excluded.last_success_at,
			last_error = NULL
	`, source, time.Now().UTC())
	return err
}

// RecordIntegrationFailure bumps the failure counter and keeps a truncated error message.
func (s *Store) RecordIntegrationFailure(ctx context.Context, source string, cause error) error {
	var lastError sql.NullString
	if cause != nil {
		msg := cause.Error()
		if len(msg) > maxIntegrationErrorLen {
			msg = msg[:maxIntegrationErrorLen]
		}
		lastError = sql.NullString{String: msg, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integration_metrics (source, failure_count, last_failure_at, last_error)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			failure_count = failure_count + 1,
			last_failure_at = excluded.last_failure_at,
			last_error = excluded.last_error
	`, source, time.Now().UTC(), lastError)
	return err
}

// GetIntegrationMetric returns nil when the source has never been recorded.
func (s *Store) GetIntegrationMetric(ctx context.Context, source string) (*models.IntegrationMetric, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source, success_count, failure_count, last_success_at, last_failure_at, last_error
		FROM integration_metrics
		WHERE source = ?
	`, source)

	var m models.IntegrationMetric
	err := row.Scan(&m.Source, &m.SuccessCount, &m.FailureCount, &m.LastSuccessAt, &m.LastFailureAt, &m.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
