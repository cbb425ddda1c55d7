package models

import (
	"database/sql"
	"errors"
	"time"
)

// ErrInvalidInput marks caller contract violations. Wrap it with %w so callers can use errors.Is.
var ErrInvalidInput = errors.New("invalid input")

type SampleSource string

const (
	SourceProvider SampleSource = "PROVIDER"
	SourceDerived  SampleSource = "DERIVED"
)

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

type RunStatus string

const (
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailure RunStatus = "FAILURE"
)

type Region struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// CarbonSample is one historical intensity reading in gCO2-eq/kWh.
type CarbonSample struct {
	ID        int64
	Region    string
	Timestamp time.Time
	Intensity float64
	Source    SampleSource
	CreatedAt time.Time
}

// IntensityPoint is a provider reading (current, history or native forecast).
type IntensityPoint struct {
	Region    string    `json:"region"`
	Timestamp time.Time `json:"timestamp"`
	Intensity float64   `json:"carbonIntensity"`
	// Estimated is set when the value is the configured default rather than a provider answer.
	Estimated bool `json:"estimated,omitempty"`
}

type CarbonForecast struct {
	Region             string    `json:"region"`
	ForecastTime       time.Time `json:"forecastTime"`
	PredictedIntensity float64   `json:"predictedIntensity"`
	Confidence         float64   `json:"confidence"`
	Trend              Trend     `json:"trend"`
}

// ForecastFeatures records which inputs produced a persisted forecast.
type ForecastFeatures struct {
	Hour            int `json:"hour"`
	DayOfWeek       int `json:"dayOfWeek"`
	HistoricalCount int `json:"historicalCount"`
}

type OptimalWindow struct {
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	AvgIntensity   float64   `json:"avgCarbonIntensity"`
	SavingsPercent float64   `json:"savings"`
}

type Weights struct {
	Carbon  float64 `json:"carbonWeight"`
	Latency float64 `json:"latencyWeight"`
	Cost    float64 `json:"costWeight"`
}

func DefaultWeights() Weights {
	return Weights{Carbon: 0.5, Latency: 0.2, Cost: 0.3}
}

type RoutingRequest struct {
	CandidateRegions    []string
	MaxIntensityCeiling *float64
	LatencyByRegion     map[string]float64
	Weights             Weights
}

type RegionScore struct {
	Region           string  `json:"region"`
	Intensity        float64 `json:"carbonIntensity"`
	EstimatedLatency float64 `json:"estimatedLatency"`
	Score            float64 `json:"score"`
	Reason           string  `json:"reason,omitempty"`
}

type RoutingResult struct {
	SelectedRegion   string        `json:"selectedRegion"`
	Intensity        float64       `json:"carbonIntensity"`
	EstimatedLatency float64       `json:"estimatedLatency"`
	Score            float64       `json:"score"`
	Alternatives     []RegionScore `json:"alternatives"`
}

// RefreshRun is the append-only outcome of one region in one refresh cycle.
type RefreshRun struct {
	ID                 int64
	CycleID            string
	Region             string
	RefreshedAt        time.Time
	RecordsIngested    int
	ForecastsGenerated int
	Status             RunStatus
	Message            sql.NullString
}

// RefreshState is the aggregate snapshot written after every cycle.
type RefreshState struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalRegions   int       `json:"totalRegions"`
	TotalRecords   int       `json:"totalRecords"`
	TotalForecasts int       `json:"totalForecasts"`
	Status         RunStatus `json:"status"`
	Message        string    `json:"message"`
}

type RefreshSummary struct {
	RunCount       int        `json:"runCount"`
	SuccessCount   int        `json:"successCount"`
	FailureCount   int        `json:"failureCount"`
	TotalRecords   int        `json:"totalRecords"`
	TotalForecasts int        `json:"totalForecasts"`
	LastRunAt      *time.Time `json:"lastRunAt"`
	LastStatus     *RunStatus `json:"lastStatus"`
	LastMessage    *string    `json:"lastMessage"`
}

type IntegrationMetric struct {
	Source        string         `json:"source"`
	SuccessCount  int64          `json:"successCount"`
	FailureCount  int64          `json:"failureCount"`
	LastSuccessAt sql.NullTime   `json:"-"`
	LastFailureAt sql.NullTime   `json:"-"`
	LastError     sql.NullString `json:"-"`
}

// SuccessRate returns nil when no calls have been recorded.
func (m *IntegrationMetric) SuccessRate() *float64 {
	if m == nil {
		return nil
	}
	total := m.SuccessCount + m.FailureCount
	if total == 0 {
		return nil
	}
	rate := float64(m.SuccessCount) / float64(total)
	return &rate
}

type WorkloadType string

const (
	WorkloadInference WorkloadType = "inference"
	WorkloadTraining  WorkloadType = "training"
	WorkloadBatch     WorkloadType = "batch"
)

type EnergyRequest struct {
	RequestVolume float64      `json:"requestVolume"`
	WorkloadType  WorkloadType `json:"workloadType"`
	ModelSize     string       `json:"modelSize,omitempty"`
	RegionTargets []string     `json:"regionTargets"`
	// CarbonBudget is in gCO2eq.
	CarbonBudget *float64 `json:"carbonBudget,omitempty"`
}

type RegionEstimate struct {
	Region             string  `json:"region"`
	Intensity          float64 `json:"carbonIntensity"`
	EstimatedCO2       float64 `json:"estimatedCO2"`
	EstimatedEnergyKwh float64 `json:"estimatedEnergyKwh"`
}

type EnergyRecommendation struct {
	RegionEstimate
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

type EnergyResult struct {
	RoutingRecommendation []EnergyRecommendation `json:"routingRecommendation"`
	RegionEstimates       []RegionEstimate       `json:"regionEstimates"`
	TotalEstimatedCO2     float64                `json:"totalEstimatedCO2"`
	WithinBudget          bool                   `json:"withinBudget"`
}
