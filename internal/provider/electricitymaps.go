package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/lox/greenroute/internal/httputil"
	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
)

const (
	SourceElectricityMaps = "ELECTRICITY_MAPS"

	DefaultBaseURL    = "https://api.electricitymap.org"
	defaultMaxRetries = 3
)

// Recorder persists per-source call outcomes.
type Recorder interface {
	RecordIntegrationSuccess(ctx context.Context, source string) error
	RecordIntegrationFailure(ctx context.Context, source string, cause error) error
}

type Config struct {
	BaseURL          string
	APIKey           string
	DefaultIntensity float64
	Timeout          time.Duration
	MaxRetries       uint64
}

// ElectricityMaps is a read-only client for the Electricity Maps v3 carbon-intensity API.
// It is built once from configuration and shared; it holds no mutable request state.
type ElectricityMaps struct {
	baseURL          string
	apiKey           string
	defaultIntensity float64
	maxRetries       uint64
	client           *http.Client
	recorder         Recorder
	log              zerolog.Logger
	now              func() time.Time
}

func NewElectricityMaps(cfg Config, log zerolog.Logger) *ElectricityMaps {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &ElectricityMaps{
		baseURL:          baseURL,
		apiKey:           cfg.APIKey,
		defaultIntensity: cfg.DefaultIntensity,
		maxRetries:       maxRetries,
		client:           httputil.NewClient(cfg.Timeout),
		log:              log.With().Str("component", "electricitymaps").Logger(),
		now:              time.Now,
	}
}

// SetRecorder configures where call outcomes are persisted.
func (c *ElectricityMaps) SetRecorder(r Recorder) {
	c.recorder = r
}

// Available reports whether credentials are configured.
func (c *ElectricityMaps) Available() bool {
	return c.apiKey != ""
}

func (c *ElectricityMaps) DefaultIntensity() float64 {
	return c.defaultIntensity
}

type intensityItem struct {
	Zone            string   `json:"zone"`
	CarbonIntensity *float64 `json:"carbonIntensity"`
	Datetime        string   `json:"datetime"`
}

// Current returns the latest intensity for region. Without credentials it returns the
// configured default marked as estimated.
func (c *ElectricityMaps) Current(ctx context.Context, region string) (models.IntensityPoint, error) {
	if !c.Available() {
		c.log.Warn().Str("region", region).Float64("default", c.defaultIntensity).Msg("no API key, using default intensity")
		return models.IntensityPoint{
			Region:    region,
			Timestamp: c.now().UTC(),
			Intensity: c.defaultIntensity,
			Estimated: true,
		}, nil
	}

	var item intensityItem
	params := url.Values{"zone": {region}}
	if err := c.getJSON(ctx, "latest", region, "/v3/carbon-intensity/latest", params, &item); err != nil {
		return models.IntensityPoint{}, err
	}

	points, err := toPoints(region, []intensityItem{item})
	if err != nil {
		return models.IntensityPoint{}, &Error{Kind: ErrorKindInvalidData, Operation: "latest", Region: region, Err: err}
	}
	if len(points) == 0 {
		return models.IntensityPoint{}, &Error{Kind: ErrorKindInvalidData, Operation: "latest", Region: region, Err: fmt.Errorf("missing carbonIntensity")}
	}
	return points[0], nil
}

// History returns readings between start and end, oldest first. Without credentials it is empty.
func (c *ElectricityMaps) History(ctx context.Context, region string, start, end time.Time) ([]models.IntensityPoint, error) {
	if !c.Available() {
		return nil, nil
	}

	var body struct {
		History []intensityItem `json:"history"`
	}
	params := url.Values{
		"zone":  {region},
		"start": {start.UTC().Format(time.RFC3339)},
		"end":   {end.UTC().Format(time.RFC3339)},
	}
	if err := c.getJSON(ctx, "history", region, "/v3/carbon-intensity/history", params, &body); err != nil {
		return nil, err
	}

	points, err := toPoints(region, body.History)
	if err != nil {
		return nil, &Error{Kind: ErrorKindInvalidData, Operation: "history", Region: region, Err: err}
	}
	return points, nil
}

// NativeForecast returns the provider's own forecast, earliest first. Without credentials it is empty.
func (c *ElectricityMaps) NativeForecast(ctx context.Context, region string) ([]models.IntensityPoint, error) {
	if !c.Available() {
		return nil, nil
	}

	var body struct {
		Forecast []intensityItem `json:"forecast"`
	}
	if err := c.getJSON(ctx, "forecast", region, "/v3/carbon-intensity/forecast", url.Values{"zone": {region}}, &body); err != nil {
		return nil, err
	}

	points, err := toPoints(region, body.Forecast)
	if err != nil {
		return nil, &Error{Kind: ErrorKindInvalidData, Operation: "forecast", Region: region, Err: err}
	}
	return points, nil
}

func (c *ElectricityMaps) getJSON(ctx context.Context, operation, region, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	start := time.Now()

	var body []byte
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(&Error{Kind: ErrorKindNetwork, Operation: operation, Region: region, Err: err})
		}
		req.Header.Set("auth-token", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(operation, "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(&Error{Kind: ErrorKindNetwork, Operation: operation, Region: region, Err: err})
			}
			return &Error{Kind: ErrorKindNetwork, Operation: operation, Region: region, Err: err}
		}
		defer resp.Body.Close()

		metrics.ProviderCallsTotal.WithLabelValues(operation, fmt.Sprintf("%d", resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			perr := &Error{
				Kind:       kindForStatus(resp.StatusCode),
				Operation:  operation,
				Region:     region,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("%s", strings.TrimSpace(string(b))),
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return perr
			}
			return backoff.Permanent(perr)
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(&Error{Kind: ErrorKindNetwork, Operation: operation, Region: region, Err: fmt.Errorf("read body: %w", err)})
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	metrics.ProviderLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err == nil {
		if jerr := json.Unmarshal(body, out); jerr != nil {
			err = &Error{Kind: ErrorKindInvalidData, Operation: operation, Region: region, Err: fmt.Errorf("unmarshal: %w", jerr)}
		}
	}

	c.record(ctx, err)
	if err != nil {
		c.log.Error().Err(err).Str("region", region).Str("operation", operation).Msg("provider call failed")
	}
	return err
}

func (c *ElectricityMaps) record(ctx context.Context, callErr error) {
	if c.recorder == nil {
		return
	}
	var err error
	if callErr == nil {
		err = c.recorder.RecordIntegrationSuccess(ctx, SourceElectricityMaps)
	} else {
		err = c.recorder.RecordIntegrationFailure(ctx, SourceElectricityMaps, callErr)
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("record integration metric")
	}
}

// toPoints converts wire items to points sorted by time. Items without an intensity are skipped.
func toPoints(region string, items []intensityItem) ([]models.IntensityPoint, error) {
	points := make([]models.IntensityPoint, 0, len(items))
	for _, item := range items {
		if item.CarbonIntensity == nil {
			continue
		}
		ts, err := parseDatetime(item.Datetime)
		if err != nil {
			return nil, err
		}
		zone := item.Zone
		if zone == "" {
			zone = region
		}
		points = append(points, models.IntensityPoint{
			Region:    zone,
			Timestamp: ts.UTC(),
			Intensity: *item.CarbonIntensity,
		})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

func parseDatetime(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000Z", value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", value)
}
