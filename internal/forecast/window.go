package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/lox/greenroute/internal/models"
)

// WindowOptimizer finds the cheapest contiguous run of forecast hours.
type WindowOptimizer struct {
	engine           *Engine
	defaultIntensity float64
}

func NewWindowOptimizer(engine *Engine, defaultIntensity float64) *WindowOptimizer {
	return &WindowOptimizer{engine: engine, defaultIntensity: defaultIntensity}
}

// FindOptimalWindow forecasts lookAheadHours ahead and picks the durationHours window with the
// lowest mean intensity. When there are too few forecast points it returns a window starting
// now at the default intensity with zero savings.
func (w *WindowOptimizer) FindOptimalWindow(ctx context.Context, region string, durationHours, lookAheadHours int) (models.OptimalWindow, error) {
	if durationHours <= 0 {
		return models.OptimalWindow{}, fmt.Errorf("%w: durationHours must be positive, got %d", models.ErrInvalidInput, durationHours)
	}
	if lookAheadHours <= 0 {
		return models.OptimalWindow{}, fmt.Errorf("%w: lookAheadHours must be positive, got %d", models.ErrInvalidInput, lookAheadHours)
	}

	forecasts, err := w.engine.Forecast(ctx, region, lookAheadHours)
	if err != nil {
		return models.OptimalWindow{}, err
	}

	window, ok := OptimalWindow(forecasts, durationHours)
	if !ok {
		w.engine.log.Warn().Str("region", region).Int("forecasts", len(forecasts)).Int("duration_hours", durationHours).Msg("not enough forecast data for window, using default")
		now := w.engine.now()
		return models.OptimalWindow{
			StartTime:    now,
			EndTime:      now.Add(time.Duration(durationHours) * time.Hour),
			AvgIntensity: w.defaultIntensity,
		}, nil
	}
	return window, nil
}

// OptimalWindow slides a window of durationHours points over forecasts as given, gaps included.
// The first window with the strictly lowest mean wins. ok is false when no full window fits.
func OptimalWindow(forecasts []models.CarbonForecast, durationHours int) (models.OptimalWindow, bool) {
	if durationHours <= 0 || len(forecasts) < durationHours {
		return models.OptimalWindow{}, false
	}

	bestStart := 0
	bestAvg := math.Inf(1)
	for i := 0; i+durationHours <= len(forecasts); i++ {
		avg := meanIntensity(forecasts[i : i+durationHours])
		if avg < bestAvg {
			bestAvg = avg
			bestStart = i
		}
	}

	immediate := meanIntensity(forecasts[:durationHours])
	savings := 0.0
	if immediate != 0 {
		savings = (immediate - bestAvg) / immediate * 100
	}

	start := forecasts[bestStart].ForecastTime
	return models.OptimalWindow{
		StartTime:      start,
		EndTime:        start.Add(time.Duration(durationHours) * time.Hour),
		AvgIntensity:   bestAvg,
		SavingsPercent: savings,
	}, true
}

func meanIntensity(forecasts []models.CarbonForecast) float64 {
	var sum float64
	for _, f := range forecasts {
		sum += f.PredictedIntensity
	}
	return sum / float64(len(forecasts))
}
