package store

import (
	"context"
	"time"

	"github.com/lox/greenroute/internal/models"
)

const maxSummaryRuns = 500

// InsertRefreshRun appends one region outcome for a refresh cycle.
func (s *Store) InsertRefreshRun(ctx context.Context, run *models.RefreshRun) error {
	if run.RefreshedAt.IsZero() {
		run.RefreshedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO forecast_refresh_runs (cycle_id, region, refreshed_at, records_ingested, forecasts_generated, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.CycleID, run.Region, run.RefreshedAt.UTC(), run.RecordsIngested, run.ForecastsGenerated, string(run.Status), run.Message)
	if err != nil {
		return err
	}
	run.ID, err = result.LastInsertId()
	return err
}

// GetRefreshRuns returns runs refreshed at or after since, most recent first.
func (s *Store) GetRefreshRuns(ctx context.Context, since time.Time, limit int) ([]models.RefreshRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, region, refreshed_at, records_ingested, forecasts_generated, status, message
		FROM forecast_refresh_runs
		WHERE refreshed_at >= ?
		ORDER BY refreshed_at DESC, id DESC
		LIMIT ?
	`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RefreshRun
	for rows.Next() {
		var r models.RefreshRun
		var status string
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Region, &r.RefreshedAt, &r.RecordsIngested,
			&r.ForecastsGenerated, &status, &r.Message); err != nil {
			return nil, err
		}
		r.Status = models.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRefreshSummary aggregates the most recent runs (at most 500) since the given time.
func (s *Store) GetRefreshSummary(ctx context.Context, since time.Time) (*models.RefreshSummary, error) {
	runs, err := s.GetRefreshRuns(ctx, since, maxSummaryRuns)
	if err != nil {
		return nil, err
	}

	summary := &models.RefreshSummary{}
	if len(runs) == 0 {
		return summary, nil
	}

	summary.RunCount = len(runs)
	for _, r := range runs {
		if r.Status == models.StatusSuccess {
			summary.SuccessCount++
		}
		summary.TotalRecords += r.RecordsIngested
		summary.TotalForecasts += r.ForecastsGenerated
	}
	summary.FailureCount = summary.RunCount - summary.SuccessCount

	last := runs[0]
	summary.LastRunAt = &last.RefreshedAt
	summary.LastStatus = &last.Status
	if last.Message.Valid {
		summary.LastMessage = &last.Message.String
	}
	return summary, nil
}
