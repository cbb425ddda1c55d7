package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_provider_calls_total",
			Help: "Total carbon-intensity provider API calls",
		},
		[]string{"endpoint", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "greenroute_provider_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_samples_ingested_total",
			Help: "Total carbon-intensity samples upserted by the refresh scheduler",
		},
		[]string{"region"},
	)

	ForecastsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_forecasts_generated_total",
			Help: "Total forecast points produced by the forecast engine",
		},
		[]string{"region", "mode"},
	)

	RefreshRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_refresh_runs_total",
			Help: "Per-region refresh outcomes",
		},
		[]string{"region", "status"},
	)

	RefreshCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "greenroute_refresh_cycle_duration_seconds",
			Help:    "Wall time of a full refresh cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	IntensityCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_intensity_cache_lookups_total",
			Help: "Intensity cache lookups by result",
		},
		[]string{"result"},
	)

	CurrentIntensity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "greenroute_carbon_intensity",
			Help: "Most recently resolved carbon intensity (gCO2eq/kWh)",
		},
		[]string{"region"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_routing_decisions_total",
			Help: "Green routing selections by region and whether the ceiling was violated",
		},
		[]string{"region", "ceiling_violated"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroute_http_requests_total",
			Help: "HTTP requests by route pattern and status code",
		},
		[]string{"route", "status"},
	)
)
