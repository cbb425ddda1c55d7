package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
)

const (
	DefaultLookback     = 7 * 24 * time.Hour
	MinHistorySamples   = 24
	FallbackConfidence  = 0.7
	minConfidence       = 0.5
	maxConfidence       = 0.95
	trendSampleSize     = 3
	trendUpperThreshold = 1.05
	trendLowerThreshold = 0.95
)

type SampleStore interface {
	GetSamplesSince(ctx context.Context, region string, since time.Time) ([]models.CarbonSample, error)
	InsertForecast(ctx context.Context, f models.CarbonForecast, features models.ForecastFeatures) error
}

type NativeForecaster interface {
	NativeForecast(ctx context.Context, region string) ([]models.IntensityPoint, error)
}

type Options struct {
	Lookback time.Duration
	// Location is used to derive hour-of-day and day-of-week for similarity matching.
	Location *time.Location
}

// Engine predicts hourly carbon intensity from recent samples that share the target's
// hour of day and day of week.
type Engine struct {
	samples  SampleStore
	native   NativeForecaster
	lookback time.Duration
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

func NewEngine(samples SampleStore, native NativeForecaster, opts Options, log zerolog.Logger) *Engine {
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		samples:  samples,
		native:   native,
		lookback: lookback,
		loc:      loc,
		now:      time.Now,
		log:      log.With().Str("component", "forecast").Logger(),
	}
}

// Forecast returns up to hoursAhead hourly predictions for region. Offsets with no similar
// history are skipped, so the result may have gaps. With too little history it returns the
// provider's native forecast at reduced confidence, and an empty slice if that is unavailable.
func (e *Engine) Forecast(ctx context.Context, region string, hoursAhead int) ([]models.CarbonForecast, error) {
	if region == "" {
		return nil, fmt.Errorf("%w: region is required", models.ErrInvalidInput)
	}
	if hoursAhead <= 0 {
		return nil, fmt.Errorf("%w: hoursAhead must be positive, got %d", models.ErrInvalidInput, hoursAhead)
	}

	now := e.now()
	history, err := e.samples.GetSamplesSince(ctx, region, now.Add(-e.lookback))
	if err != nil {
		return nil, fmt.Errorf("load samples for %s: %w", region, err)
	}

	if len(history) < MinHistorySamples {
		e.log.Warn().Str("region", region).Int("samples", len(history)).Msg("insufficient history, using provider forecast")
		return e.fallback(ctx, region, hoursAhead, now), nil
	}

	forecasts := make([]models.CarbonForecast, 0, hoursAhead)
	for h := 1; h <= hoursAhead; h++ {
		target := now.Add(time.Duration(h) * time.Hour)
		local := target.In(e.loc)

		similar := similarSamples(history, local.Hour(), int(local.Weekday()), e.loc)
		if len(similar) == 0 {
			continue
		}

		f := predict(region, target, similar)
		forecasts = append(forecasts, f)

		features := models.ForecastFeatures{
			Hour:            local.Hour(),
			DayOfWeek:       int(local.Weekday()),
			HistoricalCount: len(similar),
		}
		if err := e.samples.InsertForecast(ctx, f, features); err != nil {
			e.log.Debug().Err(err).Str("region", region).Time("forecast_time", target).Msg("persist forecast")
		}
	}

	metrics.ForecastsGenerated.WithLabelValues(region, "model").Add(float64(len(forecasts)))
	e.log.Debug().Str("region", region).Int("hours_ahead", hoursAhead).Int("forecasts", len(forecasts)).Msg("forecast generated")
	return forecasts, nil
}

func (e *Engine) fallback(ctx context.Context, region string, hoursAhead int, now time.Time) []models.CarbonForecast {
	if e.native == nil {
		return []models.CarbonForecast{}
	}
	points, err := e.native.NativeForecast(ctx, region)
	if err != nil {
		e.log.Warn().Err(err).Str("region", region).Msg("provider forecast unavailable")
		return []models.CarbonForecast{}
	}

	forecasts := make([]models.CarbonForecast, 0, len(points))
	for _, p := range points {
		if !p.Timestamp.After(now) {
			continue
		}
		if len(forecasts) == hoursAhead {
			break
		}
		r := p.Region
		if r == "" {
			r = region
		}
		forecasts = append(forecasts, models.CarbonForecast{
			Region:             r,
			ForecastTime:       p.Timestamp,
			PredictedIntensity: p.Intensity,
			Confidence:         FallbackConfidence,
			Trend:              models.TrendStable,
		})
	}
	metrics.ForecastsGenerated.WithLabelValues(region, "native").Add(float64(len(forecasts)))
	return forecasts
}

// similarSamples keeps samples within one hour of day and one weekday of the target,
// preserving the most-recent-first order. Distances are not circular.
func similarSamples(history []models.CarbonSample, hour, weekday int, loc *time.Location) []models.CarbonSample {
	var out []models.CarbonSample
	for _, s := range history {
		t := s.Timestamp.In(loc)
		if absInt(t.Hour()-hour) <= 1 && absInt(int(t.Weekday())-weekday) <= 1 {
			out = append(out, s)
		}
	}
	return out
}

// predict expects similar ordered most recent first.
func predict(region string, target time.Time, similar []models.CarbonSample) models.CarbonForecast {
	values := make([]float64, len(similar))
	weights := make([]float64, len(similar))
	for k, s := range similar {
		values[k] = s.Intensity
		weights[k] = 1 / float64(k+1)
	}

	predicted := math.Round(stat.Mean(values, weights))

	return models.CarbonForecast{
		Region:             region,
		ForecastTime:       target,
		PredictedIntensity: predicted,
		Confidence:         confidence(values, predicted),
		Trend:              trend(values),
	}
}

// confidence penalizes spread around the prediction rather than around the sample mean.
func confidence(values []float64, predicted float64) float64 {
	stddev := math.Sqrt(stat.MomentAbout(2, values, predicted, nil))
	c := 1 - stddev/predicted
	if math.IsNaN(c) {
		// 0/0: every sample is zero and so is the prediction.
		return maxConfidence
	}
	return math.Max(minConfidence, math.Min(maxConfidence, c))
}

// trend compares the newest three values with the oldest three; values are most recent first.
func trend(values []float64) models.Trend {
	n := min(trendSampleSize, len(values))
	recent := stat.Mean(values[:n], nil)
	older := stat.Mean(values[len(values)-n:], nil)

	switch {
	case recent > older*trendUpperThreshold:
		return models.TrendIncreasing
	case recent < older*trendLowerThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
