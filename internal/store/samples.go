package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/greenroute/internal/models"
)

// UpsertSample stores a sample keyed by (region, timestamp). A second write for the
// same key overwrites intensity and source.
func (s *Store) UpsertSample(ctx context.Context, region string, timestamp time.Time, intensity float64, source models.SampleSource) error {
	if region == "" {
		return fmt.Errorf("%w: sample region is empty", models.ErrInvalidInput)
	}
	if intensity < 0 {
		return fmt.Errorf("%w: negative intensity %v for %s", models.ErrInvalidInput, intensity, region)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO carbon_samples (region, timestamp, intensity, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(region, timestamp) DO UPDATE SET
			intensity = excluded.intensity,
			source = excluded.source
	`, region, timestamp.UTC(), intensity, string(source))
	return err
}

// GetSamplesSince returns samples at or after since, most recent first.
func (s *Store) GetSamplesSince(ctx context.Context, region string, since time.Time) ([]models.CarbonSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, region, timestamp, intensity, source, created_at
		FROM carbon_samples
		WHERE region = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`, region, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.CarbonSample
	for rows.Next() {
		var cs models.CarbonSample
		var source string
		if err := rows.Scan(&cs.ID, &cs.Region, &cs.Timestamp, &cs.Intensity, &source, &cs.CreatedAt); err != nil {
			return nil, err
		}
		cs.Source = models.SampleSource(source)
		samples = append(samples, cs)
	}
	return samples, rows.Err()
}

func (s *Store) CountSamples(ctx context.Context, region string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM carbon_samples WHERE region = ?`, region).Scan(&n)
	return n, err
}

const forecastModelVersion = "v1.0"

// InsertForecast records a forecast for audit. Duplicates on (region, forecast_time) are ignored.
func (s *Store) InsertForecast(ctx context.Context, f models.CarbonForecast, features models.ForecastFeatures) error {
	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO carbon_forecasts (region, forecast_time, predicted_intensity, confidence, trend, model_version, features)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region, forecast_time) DO NOTHING
	`, f.Region, f.ForecastTime.UTC(), f.PredictedIntensity, f.Confidence, string(f.Trend), forecastModelVersion, string(featuresJSON))
	return err
}

// GetForecasts returns stored forecasts with forecast_time in [start, end], earliest first.
func (s *Store) GetForecasts(ctx context.Context, region string, start, end time.Time) ([]models.CarbonForecast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT region, forecast_time, predicted_intensity, confidence, trend
		FROM carbon_forecasts
		WHERE region = ? AND forecast_time >= ? AND forecast_time <= ?
		ORDER BY forecast_time ASC
	`, region, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forecasts []models.CarbonForecast
	for rows.Next() {
		var f models.CarbonForecast
		var trend string
		if err := rows.Scan(&f.Region, &f.ForecastTime, &f.PredictedIntensity, &f.Confidence, &trend); err != nil {
			return nil, err
		}
		f.Trend = models.Trend(trend)
		forecasts = append(forecasts, f)
	}
	return forecasts, rows.Err()
}
