package forecast

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/greenroute/internal/models"
)

// Wednesday.
var testNow = time.Date(2024, 3, 6, 10, 30, 0, 0, time.UTC)

type fakeSamples struct {
	samples   []models.CarbonSample
	err       error
	persisted []models.CarbonForecast
	since     time.Time
}

func (f *fakeSamples) GetSamplesSince(ctx context.Context, region string, since time.Time) ([]models.CarbonSample, error) {
	f.since = since
	return f.samples, f.err
}

func (f *fakeSamples) InsertForecast(ctx context.Context, fc models.CarbonForecast, features models.ForecastFeatures) error {
	f.persisted = append(f.persisted, fc)
	return nil
}

type fakeNative struct {
	points []models.IntensityPoint
	err    error
}

func (f *fakeNative) NativeForecast(ctx context.Context, region string) ([]models.IntensityPoint, error) {
	return f.points, f.err
}

func newTestEngine(samples SampleStore, native NativeForecaster) *Engine {
	e := NewEngine(samples, native, Options{}, zerolog.Nop())
	e.now = func() time.Time { return testNow }
	return e
}

// hourlySamples returns n samples at one-hour spacing before testNow, most recent first.
func hourlySamples(n int, intensity float64) []models.CarbonSample {
	out := make([]models.CarbonSample, n)
	latest := testNow.Truncate(time.Hour)
	for i := range out {
		out[i] = models.CarbonSample{
			Region:    "FR",
			Timestamp: latest.Add(-time.Duration(i) * time.Hour),
			Intensity: intensity,
			Source:    models.SourceProvider,
		}
	}
	return out
}

func TestPredictWeightedAverage(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"single sample", []float64{250}, 250},
		{"recent weighted higher", []float64{100, 200, 300}, 164},
		{"two samples", []float64{90, 60}, 80},
		{"constant", []float64{58, 58, 58, 58}, 58},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			similar := make([]models.CarbonSample, len(tt.values))
			var weighted, total float64
			for k, v := range tt.values {
				similar[k] = models.CarbonSample{Intensity: v}
				weighted += v / float64(k+1)
				total += 1 / float64(k+1)
			}
			if math.Round(weighted/total) != tt.want {
				t.Fatalf("bad fixture: expected %v, reference gives %v", tt.want, math.Round(weighted/total))
			}

			got := predict("FR", testNow, similar)
			if got.PredictedIntensity != tt.want {
				t.Errorf("PredictedIntensity = %v, want %v", got.PredictedIntensity, tt.want)
			}
		})
	}
}

func TestConfidenceBounds(t *testing.T) {
	tests := []struct {
		name      string
		values    []float64
		predicted float64
		want      float64
	}{
		{"no spread", []float64{200, 200, 200}, 200, 0.95},
		{"huge spread", []float64{10, 900, 20, 800}, 300, 0.5},
		{"moderate spread", []float64{180, 220}, 200, 0.9},
		{"zero prediction with spread", []float64{0, 10}, 0, 0.5},
		{"all zero", []float64{0, 0}, 0, 0.95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confidence(tt.values, tt.predicted)
			if got < minConfidence || got > maxConfidence {
				t.Fatalf("confidence %v outside [%v, %v]", got, minConfidence, maxConfidence)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("confidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name   string
		values []float64 // most recent first
		want   models.Trend
	}{
		{"increasing over time", []float64{160, 150, 140, 130, 120, 110}, models.TrendIncreasing},
		{"decreasing over time", []float64{100, 110, 120, 130, 140, 150}, models.TrendDecreasing},
		{"constant", []float64{200, 200, 200, 200}, models.TrendStable},
		{"within five percent", []float64{103, 101, 102, 100, 100, 100}, models.TrendStable},
		{"fewer than three", []float64{300, 100}, models.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trend(tt.values); got != tt.want {
				t.Errorf("trend(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestSimilarSamplesNonCircular(t *testing.T) {
	sunday := time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)
	saturday := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC)
	history := []models.CarbonSample{
		{Timestamp: monday, Intensity: 1},
		{Timestamp: sunday, Intensity: 2},
		{Timestamp: saturday, Intensity: 3},
	}

	got := similarSamples(history, 12, int(time.Sunday), time.UTC)
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Intensity != 1 || got[1].Intensity != 2 {
		t.Errorf("order not preserved: %+v", got)
	}

	// Saturday (6) and Sunday (0) are not treated as adjacent.
	got = similarSamples(history, 12, int(time.Saturday), time.UTC)
	if len(got) != 1 || got[0].Intensity != 3 {
		t.Errorf("saturday match = %+v, want only the saturday sample", got)
	}
}

func TestForecastFromHistory(t *testing.T) {
	store := &fakeSamples{samples: hourlySamples(72, 200)}
	e := newTestEngine(store, nil)

	got, err := e.Forecast(context.Background(), "FR", 24)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(got) != 24 {
		t.Fatalf("got %d forecasts, want 24", len(got))
	}
	for i, f := range got {
		if !f.ForecastTime.After(testNow) {
			t.Errorf("forecast %d at %v is not in the future", i, f.ForecastTime)
		}
		if f.PredictedIntensity != 200 || f.Confidence != 0.95 || f.Trend != models.TrendStable {
			t.Errorf("forecast %d = %+v", i, f)
		}
	}
	if len(store.persisted) != 24 {
		t.Errorf("persisted %d forecasts, want 24", len(store.persisted))
	}
	if want := testNow.Add(-DefaultLookback); !store.since.Equal(want) {
		t.Errorf("lookback since = %v, want %v", store.since, want)
	}
}

func TestForecastSkipsOffsetsWithoutHistory(t *testing.T) {
	var samples []models.CarbonSample
	base := time.Date(2024, 3, 6, 3, 0, 0, 0, time.UTC)
	for k := 23; k >= 0; k-- {
		samples = append(samples, models.CarbonSample{Region: "FR", Timestamp: base.Add(time.Duration(k) * time.Minute), Intensity: 150})
	}
	e := newTestEngine(&fakeSamples{samples: samples}, nil)

	got, err := e.Forecast(context.Background(), "FR", 24)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	// Only Thursday 02:30, 03:30 and 04:30 are within an hour and a day of the samples.
	if len(got) != 3 {
		t.Fatalf("got %d forecasts, want 3: %+v", len(got), got)
	}
	if h := got[0].ForecastTime.Hour(); h != 2 {
		t.Errorf("first forecast hour = %d, want 2", h)
	}
}

func TestForecastFallsBackToNative(t *testing.T) {
	native := &fakeNative{points: []models.IntensityPoint{
		{Region: "FR", Timestamp: testNow.Add(-time.Hour), Intensity: 90},
		{Region: "FR", Timestamp: testNow.Add(time.Hour), Intensity: 70},
		{Region: "FR", Timestamp: testNow.Add(2 * time.Hour), Intensity: 65},
		{Region: "FR", Timestamp: testNow.Add(3 * time.Hour), Intensity: 60},
	}}
	store := &fakeSamples{samples: hourlySamples(MinHistorySamples-1, 100)}
	e := newTestEngine(store, native)

	got, err := e.Forecast(context.Background(), "FR", 2)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d forecasts, want 2", len(got))
	}
	for _, f := range got {
		if f.Confidence != FallbackConfidence || f.Trend != models.TrendStable {
			t.Errorf("fallback forecast = %+v", f)
		}
	}
	if got[0].PredictedIntensity != 70 {
		t.Errorf("first fallback intensity = %v, want 70", got[0].PredictedIntensity)
	}
	if len(store.persisted) != 0 {
		t.Errorf("fallback forecasts should not be persisted")
	}
}

func TestForecastNativeUnavailableIsEmpty(t *testing.T) {
	e := newTestEngine(&fakeSamples{}, &fakeNative{err: errors.New("provider down")})

	got, err := e.Forecast(context.Background(), "FR", 24)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
}

func TestForecastErrors(t *testing.T) {
	e := newTestEngine(&fakeSamples{err: errors.New("db gone")}, nil)
	if _, err := e.Forecast(context.Background(), "FR", 24); err == nil {
		t.Error("expected store failure to surface")
	}

	e = newTestEngine(&fakeSamples{}, nil)
	if _, err := e.Forecast(context.Background(), "FR", 0); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("hoursAhead=0 error = %v, want ErrInvalidInput", err)
	}
	if _, err := e.Forecast(context.Background(), "", 1); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("empty region error = %v, want ErrInvalidInput", err)
	}
}
