package routing

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/greenroute/internal/cache"
	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
)

const (
	IntensityCacheTTL = 15 * time.Minute
	cacheKeyPrefix    = "carbon:"
)

type IntensityProvider interface {
	Current(ctx context.Context, region string) (models.IntensityPoint, error)
}

type SampleWriter interface {
	UpsertSample(ctx context.Context, region string, timestamp time.Time, intensity float64, source models.SampleSource) error
}

// Resolver returns current intensity through a shared TTL cache. Concurrent misses for the
// same region may both call the provider; the last cache write wins.
type Resolver struct {
	provider         IntensityProvider
	cache            cache.Store
	samples          SampleWriter
	defaultIntensity float64
	log              zerolog.Logger
}

func NewResolver(provider IntensityProvider, c cache.Store, samples SampleWriter, defaultIntensity float64, log zerolog.Logger) *Resolver {
	return &Resolver{
		provider:         provider,
		cache:            c,
		samples:          samples,
		defaultIntensity: defaultIntensity,
		log:              log.With().Str("component", "resolver").Logger(),
	}
}

func CacheKey(region string) string {
	return cacheKeyPrefix + region
}

// Intensity never fails: any provider error yields the configured default.
func (r *Resolver) Intensity(ctx context.Context, region string) float64 {
	key := CacheKey(region)

	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("region", region).Msg("cache read failed")
	} else if ok {
		if v, perr := strconv.ParseFloat(cached, 64); perr == nil {
			metrics.IntensityCacheLookups.WithLabelValues("hit").Inc()
			return v
		}
		r.log.Warn().Str("region", region).Str("value", cached).Msg("discarding unparseable cache entry")
	}
	metrics.IntensityCacheLookups.WithLabelValues("miss").Inc()

	point, err := r.provider.Current(ctx, region)
	if err != nil {
		r.log.Warn().Err(err).Str("region", region).Float64("default", r.defaultIntensity).Msg("using default intensity")
		return r.defaultIntensity
	}

	metrics.CurrentIntensity.WithLabelValues(region).Set(point.Intensity)

	// Default substitutions are not cached or stored so a configured key takes effect immediately.
	if point.Estimated {
		return point.Intensity
	}

	if err := r.cache.SetWithTTL(ctx, key, strconv.FormatFloat(point.Intensity, 'f', -1, 64), IntensityCacheTTL); err != nil {
		r.log.Warn().Err(err).Str("region", region).Msg("cache write failed")
	}
	if r.samples != nil {
		if err := r.samples.UpsertSample(ctx, region, point.Timestamp, point.Intensity, models.SourceProvider); err != nil {
			r.log.Debug().Err(err).Str("region", region).Msg("store provider sample")
		}
	}
	return point.Intensity
}
