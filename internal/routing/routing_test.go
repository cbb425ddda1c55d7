package routing

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/greenroute/internal/cache"
	"github.com/lox/greenroute/internal/models"
)

type fakeProvider struct {
	mu          sync.Mutex
	intensities map[string]float64
	failing     map[string]bool
	estimated   bool
	calls       map[string]int
}

func newFakeProvider(intensities map[string]float64) *fakeProvider {
	return &fakeProvider{intensities: intensities, failing: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakeProvider) Current(ctx context.Context, region string) (models.IntensityPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[region]++
	if f.failing[region] {
		return models.IntensityPoint{}, errors.New("provider down")
	}
	return models.IntensityPoint{
		Region:    region,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Intensity: f.intensities[region],
		Estimated: f.estimated,
	}, nil
}

type fakeSamples struct {
	mu      sync.Mutex
	written map[string]float64
}

func (f *fakeSamples) UpsertSample(ctx context.Context, region string, ts time.Time, intensity float64, source models.SampleSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = map[string]float64{}
	}
	f.written[region] = intensity
	return nil
}

func newTestScorer(t *testing.T, p *fakeProvider) (*Scorer, *cache.Memory, *fakeSamples) {
	t.Helper()
	c := cache.New(time.Hour, zerolog.Nop())
	t.Cleanup(c.Close)
	samples := &fakeSamples{}
	r := NewResolver(p, c, samples, 400, zerolog.Nop())
	return NewScorer(r, zerolog.Nop()), c, samples
}

func carbonOnly() models.Weights {
	return models.Weights{Carbon: 1}
}

func ptr(v float64) *float64 { return &v }

func TestRouteGreenRanksByCarbon(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 58, "DE": 320, "SE": 45}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions: []string{"FR", "DE", "SE"},
		Weights:          carbonOnly(),
	})
	require.NoError(t, err)

	assert.Equal(t, "SE", res.SelectedRegion)
	assert.Equal(t, 45.0, res.Intensity)
	require.Len(t, res.Alternatives, 2)
	assert.Equal(t, "FR", res.Alternatives[0].Region)
	assert.Equal(t, "DE", res.Alternatives[1].Region)
	assert.Greater(t, res.Score, res.Alternatives[0].Score)
	assert.Greater(t, res.Alternatives[0].Score, res.Alternatives[1].Score)
	assert.InDelta(t, 1-45.0/320, res.Score, 1e-9)
	assert.Equal(t, 0.0, res.Alternatives[1].Score)
}

func TestRouteGreenCeilingFallback(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"DE": 320}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions:    []string{"DE"},
		MaxIntensityCeiling: ptr(100),
		Weights:             models.DefaultWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "DE", res.SelectedRegion)
	assert.Equal(t, 0.0, res.Score)
	assert.Empty(t, res.Alternatives)
}

func TestRouteGreenCeilingFallbackAlternatives(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"DE": 320, "PL": 700, "GB": 200, "IN": 650}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions:    []string{"DE", "PL", "GB", "IN"},
		MaxIntensityCeiling: ptr(100),
		Weights:             models.DefaultWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "GB", res.SelectedRegion)
	assert.Equal(t, 0.0, res.Score)
	require.Len(t, res.Alternatives, 2)
	assert.Equal(t, "DE", res.Alternatives[0].Region)
	assert.Equal(t, "IN", res.Alternatives[1].Region)
	for _, alt := range res.Alternatives {
		assert.Equal(t, "Exceeds carbon budget (100 gCO2/kWh)", alt.Reason)
		assert.Equal(t, 0.0, alt.Score)
	}
}

func TestRouteGreenCeilingFilters(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 58, "DE": 320, "SE": 45}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions:    []string{"FR", "DE", "SE"},
		MaxIntensityCeiling: ptr(100),
		Weights:             carbonOnly(),
	})
	require.NoError(t, err)
	assert.Equal(t, "SE", res.SelectedRegion)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, "FR", res.Alternatives[0].Region)
	// Normalized against FR, the max of the surviving set.
	assert.InDelta(t, 1-45.0/58, res.Score, 1e-9)
}

func TestRouteGreenLatencyWeighting(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 100, "DE": 100, "US-CAL-CISO": 100}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions: []string{"FR", "DE", "US-CAL-CISO"},
		LatencyByRegion:  map[string]float64{"FR": 80, "DE": 60},
		Weights:          models.Weights{Latency: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "DE", res.SelectedRegion)
	assert.Equal(t, 60.0, res.EstimatedLatency)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	assert.Equal(t, "FR", res.Alternatives[0].Region)
	assert.Equal(t, "US-CAL-CISO", res.Alternatives[1].Region)
	assert.Equal(t, float64(DefaultLatencyMs), res.Alternatives[1].EstimatedLatency)
}

func TestRouteGreenStableTies(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 100, "DE": 100, "GB": 100}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions: []string{"GB", "FR", "DE"},
		Weights:          models.DefaultWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "GB", res.SelectedRegion)
	assert.Equal(t, "FR", res.Alternatives[0].Region)
	assert.Equal(t, "DE", res.Alternatives[1].Region)
}

func TestRouteGreenDeduplicates(t *testing.T) {
	p := newFakeProvider(map[string]float64{"FR": 58, "DE": 320})
	s, _, _ := newTestScorer(t, p)

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions: []string{"FR", "FR", "DE"},
		Weights:          models.DefaultWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "FR", res.SelectedRegion)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, 1, p.calls["FR"])
}

func TestRouteGreenSingleRegion(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 58}))

	res, err := s.RouteGreen(context.Background(), models.RoutingRequest{
		CandidateRegions: []string{"FR"},
		Weights:          models.DefaultWeights(),
	})
	require.NoError(t, err)
	assert.Equal(t, "FR", res.SelectedRegion)
	assert.NotNil(t, res.Alternatives)
	assert.Empty(t, res.Alternatives)
}

func TestRouteGreenInvalidInput(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(nil))

	tests := []struct {
		name string
		req  models.RoutingRequest
	}{
		{"empty candidates", models.RoutingRequest{Weights: models.DefaultWeights()}},
		{"nil candidates with ceiling", models.RoutingRequest{CandidateRegions: nil, MaxIntensityCeiling: ptr(100), Weights: models.DefaultWeights()}},
		{"negative weight", models.RoutingRequest{CandidateRegions: []string{"FR"}, Weights: models.Weights{Carbon: -0.1, Latency: 0.5}}},
		{"weight above one", models.RoutingRequest{CandidateRegions: []string{"FR"}, Weights: models.Weights{Carbon: 1.5}}},
		{"all zero weights", models.RoutingRequest{CandidateRegions: []string{"FR"}}},
		{"zero ceiling", models.RoutingRequest{CandidateRegions: []string{"FR"}, MaxIntensityCeiling: ptr(0), Weights: models.DefaultWeights()}},
		{"negative latency", models.RoutingRequest{CandidateRegions: []string{"FR"}, LatencyByRegion: map[string]float64{"FR": -5}, Weights: models.DefaultWeights()}},
		{"infinite latency", models.RoutingRequest{CandidateRegions: []string{"FR", "DE"}, LatencyByRegion: map[string]float64{"DE": math.Inf(1)}, Weights: models.DefaultWeights()}},
		{"NaN latency", models.RoutingRequest{CandidateRegions: []string{"FR"}, LatencyByRegion: map[string]float64{"FR": math.NaN()}, Weights: models.DefaultWeights()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RouteGreen(context.Background(), tt.req)
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}

func TestNormalizeWeights(t *testing.T) {
	w, err := normalizeWeights(models.Weights{Carbon: 1, Latency: 1, Cost: 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, w.Carbon, 1e-12)
	assert.InDelta(t, 0.5, w.Latency, 1e-12)
	assert.InDelta(t, 1.0, w.Carbon+w.Latency+w.Cost, 1e-12)

	w, err = normalizeWeights(models.DefaultWeights())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w.Carbon+w.Latency+w.Cost, 1e-12)
}

func TestResolverReadThrough(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(map[string]float64{"FR": 58})
	s, c, samples := newTestScorer(t, p)

	assert.Equal(t, 58.0, s.resolver.Intensity(ctx, "FR"))
	assert.Equal(t, 58.0, s.resolver.Intensity(ctx, "FR"))
	assert.Equal(t, 1, p.calls["FR"], "second lookup should be served from cache")

	cached, ok, err := c.Get(ctx, CacheKey("FR"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "58", cached)
	assert.Equal(t, 58.0, samples.written["FR"])
}

func TestResolverProviderFailureUsesDefault(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(nil)
	p.failing["DE"] = true
	s, c, samples := newTestScorer(t, p)

	assert.Equal(t, 400.0, s.resolver.Intensity(ctx, "DE"))
	_, ok, _ := c.Get(ctx, CacheKey("DE"))
	assert.False(t, ok, "defaults are not cached")
	assert.Empty(t, samples.written)
}

func TestResolverEstimatedNotStored(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider(map[string]float64{"FR": 400})
	p.estimated = true
	s, c, samples := newTestScorer(t, p)

	assert.Equal(t, 400.0, s.resolver.Intensity(ctx, "FR"))
	_, ok, _ := c.Get(ctx, CacheKey("FR"))
	assert.False(t, ok)
	assert.Empty(t, samples.written)
}

func TestEstimateEnergyKwh(t *testing.T) {
	tests := []struct {
		workload  models.WorkloadType
		modelSize string
		volume    float64
		want      float64
	}{
		{models.WorkloadInference, "llama-3-8b", 1000, 0.05},
		{models.WorkloadInference, "", 1000, 0.15},
		{models.WorkloadInference, "mixtral-70b", 1000, 0.40},
		{models.WorkloadInference, "mixtral-8x22", 1000, 1.20},
		{models.WorkloadTraining, "large", 100, 2.5},
		{models.WorkloadBatch, "gpt-175b", 2000, 1.6},
	}

	for _, tt := range tests {
		t.Run(string(tt.workload)+"/"+tt.modelSize, func(t *testing.T) {
			got, err := EstimateEnergyKwh(tt.volume, tt.workload, tt.modelSize)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := EstimateEnergyKwh(1000, "mining", "")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestEstimateEnergy(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(map[string]float64{"FR": 58, "DE": 320, "US-CAL-CISO": 250}))

	res, err := s.EstimateEnergy(context.Background(), models.EnergyRequest{
		RequestVolume: 1000,
		WorkloadType:  models.WorkloadInference,
		ModelSize:     "mixtral-70b",
		RegionTargets: []string{"DE", "FR", "US-CAL-CISO"},
		CarbonBudget:  ptr(20),
	})
	require.NoError(t, err)

	require.Len(t, res.RoutingRecommendation, 3)
	assert.Equal(t, "FR", res.RoutingRecommendation[0].Region)
	assert.Equal(t, "US-CAL-CISO", res.RoutingRecommendation[1].Region)
	assert.Equal(t, "DE", res.RoutingRecommendation[2].Region)
	for i, r := range res.RoutingRecommendation {
		assert.Equal(t, i+1, r.Rank)
	}

	require.Len(t, res.RegionEstimates, 3)
	assert.Equal(t, "DE", res.RegionEstimates[0].Region, "estimates keep input order")

	assert.InDelta(t, 0.4*58, res.TotalEstimatedCO2, 1e-9)
	assert.False(t, res.WithinBudget)
}

func TestEstimateEnergyInvalidInput(t *testing.T) {
	s, _, _ := newTestScorer(t, newFakeProvider(nil))

	for name, req := range map[string]models.EnergyRequest{
		"zero volume":  {RequestVolume: 0, WorkloadType: models.WorkloadBatch, RegionTargets: []string{"FR"}},
		"no regions":   {RequestVolume: 10, WorkloadType: models.WorkloadBatch},
		"bad workload": {RequestVolume: 10, WorkloadType: "render", RegionTargets: []string{"FR"}},
		"budget <= 0":  {RequestVolume: 10, WorkloadType: models.WorkloadBatch, RegionTargets: []string{"FR"}, CarbonBudget: ptr(0)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.EstimateEnergy(context.Background(), req)
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}
