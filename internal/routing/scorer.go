package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
)

const (
	DefaultLatencyMs = 100
	maxAlternatives  = 2
)

type Scorer struct {
	resolver *Resolver
	log      zerolog.Logger
}

func NewScorer(resolver *Resolver, log zerolog.Logger) *Scorer {
	return &Scorer{
		resolver: resolver,
		log:      log.With().Str("component", "routing").Logger(),
	}
}

type candidate struct {
	region    string
	intensity float64
	latency   float64
	score     float64
}

// RouteGreen ranks the candidate regions by weighted carbon, latency and cost scores.
// When a ceiling excludes every region the lowest-intensity region is still returned,
// with score 0 and the violation recorded on each alternative.
func (s *Scorer) RouteGreen(ctx context.Context, req models.RoutingRequest) (models.RoutingResult, error) {
	if len(req.CandidateRegions) == 0 {
		return models.RoutingResult{}, fmt.Errorf("%w: at least one candidate region is required", models.ErrInvalidInput)
	}
	weights, err := normalizeWeights(req.Weights)
	if err != nil {
		return models.RoutingResult{}, err
	}
	if req.MaxIntensityCeiling != nil && *req.MaxIntensityCeiling <= 0 {
		return models.RoutingResult{}, fmt.Errorf("%w: maxIntensityCeiling must be positive", models.ErrInvalidInput)
	}
	for region, latency := range req.LatencyByRegion {
		if latency < 0 || math.IsNaN(latency) || math.IsInf(latency, 0) {
			return models.RoutingResult{}, fmt.Errorf("%w: latency for %s must be a finite non-negative number", models.ErrInvalidInput, region)
		}
	}

	regions := dedupe(req.CandidateRegions)
	intensities := s.resolveAll(ctx, regions)

	all := make([]candidate, len(regions))
	for i, region := range regions {
		latency, ok := req.LatencyByRegion[region]
		if !ok {
			latency = DefaultLatencyMs
		}
		all[i] = candidate{region: region, intensity: intensities[i], latency: latency}
	}

	surviving := all
	if req.MaxIntensityCeiling != nil {
		surviving = make([]candidate, 0, len(all))
		for _, c := range all {
			if c.intensity <= *req.MaxIntensityCeiling {
				surviving = append(surviving, c)
			}
		}
	}

	if len(surviving) == 0 {
		return s.ceilingFallback(all, *req.MaxIntensityCeiling), nil
	}

	score(surviving, weights)
	sort.SliceStable(surviving, func(i, j int) bool {
		return surviving[i].score > surviving[j].score
	})

	best := surviving[0]
	result := models.RoutingResult{
		SelectedRegion:   best.region,
		Intensity:        best.intensity,
		EstimatedLatency: best.latency,
		Score:            best.score,
		Alternatives:     make([]models.RegionScore, 0, maxAlternatives),
	}
	for _, c := range surviving[1:min(len(surviving), maxAlternatives+1)] {
		result.Alternatives = append(result.Alternatives, models.RegionScore{
			Region:           c.region,
			Intensity:        c.intensity,
			EstimatedLatency: c.latency,
			Score:            c.score,
		})
	}

	metrics.RoutingDecisions.WithLabelValues(best.region, "false").Inc()
	s.log.Info().Str("region", best.region).Float64("score", best.score).Float64("intensity", best.intensity).Int("candidates", len(regions)).Msg("green route selected")
	return result, nil
}

func (s *Scorer) ceilingFallback(all []candidate, ceiling float64) models.RoutingResult {
	sorted := make([]candidate, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].intensity < sorted[j].intensity
	})

	best := sorted[0]
	reason := "Exceeds carbon budget (" + strconv.FormatFloat(ceiling, 'f', -1, 64) + " gCO2/kWh)"
	result := models.RoutingResult{
		SelectedRegion:   best.region,
		Intensity:        best.intensity,
		EstimatedLatency: best.latency,
		Score:            0,
		Alternatives:     make([]models.RegionScore, 0, maxAlternatives),
	}
	for _, c := range sorted[1:min(len(sorted), maxAlternatives+1)] {
		result.Alternatives = append(result.Alternatives, models.RegionScore{
			Region:           c.region,
			Intensity:        c.intensity,
			EstimatedLatency: c.latency,
			Score:            0,
			Reason:           reason,
		})
	}

	metrics.RoutingDecisions.WithLabelValues(best.region, "true").Inc()
	s.log.Warn().Str("region", best.region).Float64("intensity", best.intensity).Float64("ceiling", ceiling).Msg("all candidates exceed carbon ceiling, selecting lowest")
	return result
}

// resolveAll fetches intensities concurrently; results keep the input order.
func (s *Scorer) resolveAll(ctx context.Context, regions []string) []float64 {
	out := make([]float64, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			out[i] = s.resolver.Intensity(gctx, region)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// score normalizes each component against the maximum within cs. A zero maximum
// gives that component a score of 0 for every candidate.
func score(cs []candidate, w models.Weights) {
	var maxIntensity, maxLatency float64
	for _, c := range cs {
		maxIntensity = math.Max(maxIntensity, c.intensity)
		maxLatency = math.Max(maxLatency, c.latency)
	}

	for i := range cs {
		carbon := relativeScore(cs[i].intensity, maxIntensity)
		latency := relativeScore(cs[i].latency, maxLatency)
		// Cost is modelled as proportional to carbon.
		cost := carbon
		cs[i].score = w.Carbon*carbon + w.Latency*latency + w.Cost*cost
	}
}

func relativeScore(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return 1 - v/max
}

func normalizeWeights(w models.Weights) (models.Weights, error) {
	for name, v := range map[string]float64{"carbonWeight": w.Carbon, "latencyWeight": w.Latency, "costWeight": w.Cost} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return models.Weights{}, fmt.Errorf("%w: %s must be within [0, 1], got %v", models.ErrInvalidInput, name, v)
		}
	}
	total := w.Carbon + w.Latency + w.Cost
	if total == 0 {
		return models.Weights{}, fmt.Errorf("%w: weights must not all be zero", models.ErrInvalidInput)
	}
	return models.Weights{
		Carbon:  w.Carbon / total,
		Latency: w.Latency / total,
		Cost:    w.Cost / total,
	}, nil
}

// dedupe keeps the first occurrence of each region.
func dedupe(regions []string) []string {
	seen := make(map[string]struct{}, len(regions))
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
