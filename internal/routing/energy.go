package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lox/greenroute/internal/models"
)

type sizeCategory int

const (
	sizeSmall sizeCategory = iota
	sizeMedium
	sizeLarge
	sizeXLarge
)

// kWh per 1000 requests, indexed by sizeCategory.
var energyPer1kRequests = map[models.WorkloadType][4]float64{
	models.WorkloadInference: {0.05, 0.15, 0.40, 1.20},
	models.WorkloadTraining:  {5.0, 25.0, 100.0, 500.0},
	models.WorkloadBatch:     {0.03, 0.10, 0.30, 0.80},
}

func modelSizeCategory(modelSize string) sizeCategory {
	lower := strings.ToLower(modelSize)
	switch {
	case strings.Contains(lower, "8b"), strings.Contains(lower, "7b"):
		return sizeSmall
	case strings.Contains(lower, "70b"), strings.Contains(lower, "65b"):
		return sizeLarge
	case strings.Contains(lower, "175b"), strings.Contains(lower, "mixtral"):
		return sizeXLarge
	default:
		return sizeMedium
	}
}

// EstimateEnergyKwh returns the energy for requestVolume requests of the given workload.
func EstimateEnergyKwh(requestVolume float64, workload models.WorkloadType, modelSize string) (float64, error) {
	table, ok := energyPer1kRequests[workload]
	if !ok {
		return 0, fmt.Errorf("%w: unknown workload type %q", models.ErrInvalidInput, workload)
	}
	return requestVolume / 1000 * table[modelSizeCategory(modelSize)], nil
}

// EstimateEnergy prices a workload in every target region and ranks them by intensity.
func (s *Scorer) EstimateEnergy(ctx context.Context, req models.EnergyRequest) (models.EnergyResult, error) {
	if req.RequestVolume <= 0 || math.IsNaN(req.RequestVolume) {
		return models.EnergyResult{}, fmt.Errorf("%w: requestVolume must be positive", models.ErrInvalidInput)
	}
	if len(req.RegionTargets) == 0 {
		return models.EnergyResult{}, fmt.Errorf("%w: at least one region target is required", models.ErrInvalidInput)
	}
	if req.CarbonBudget != nil && *req.CarbonBudget <= 0 {
		return models.EnergyResult{}, fmt.Errorf("%w: carbonBudget must be positive", models.ErrInvalidInput)
	}
	energyKwh, err := EstimateEnergyKwh(req.RequestVolume, req.WorkloadType, req.ModelSize)
	if err != nil {
		return models.EnergyResult{}, err
	}

	estimates := make([]models.RegionEstimate, len(req.RegionTargets))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range req.RegionTargets {
		i, region := i, region
		g.Go(func() error {
			intensity := s.resolver.Intensity(gctx, region)
			estimates[i] = models.RegionEstimate{
				Region:             region,
				Intensity:          intensity,
				EstimatedCO2:       energyKwh * intensity,
				EstimatedEnergyKwh: energyKwh,
			}
			return nil
		})
	}
	_ = g.Wait()

	var maxIntensity float64
	for _, e := range estimates {
		maxIntensity = math.Max(maxIntensity, e.Intensity)
	}

	ranked := make([]models.EnergyRecommendation, len(estimates))
	for i, e := range estimates {
		ranked[i] = models.EnergyRecommendation{RegionEstimate: e, Score: relativeScore(e.Intensity, maxIntensity)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	total := ranked[0].EstimatedCO2
	result := models.EnergyResult{
		RoutingRecommendation: ranked,
		RegionEstimates:       estimates,
		TotalEstimatedCO2:     total,
		WithinBudget:          req.CarbonBudget == nil || total <= *req.CarbonBudget,
	}

	s.log.Info().Str("workload", string(req.WorkloadType)).Float64("energy_kwh", energyKwh).Str("best_region", ranked[0].Region).Float64("co2_g", total).Msg("energy estimated")
	return result, nil
}
