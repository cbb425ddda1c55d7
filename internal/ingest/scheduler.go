package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lox/greenroute/internal/cache"
	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
)

const (
	RefreshStateKey = "forecast:refresh:state"

	DefaultCron        = "*/30 * * * *"
	DefaultLookback    = 168 * time.Hour
	DefaultHorizon     = 24
	DefaultConcurrency = 4
)

type Store interface {
	EnabledRegions(ctx context.Context) ([]string, error)
	UpsertSample(ctx context.Context, region string, timestamp time.Time, intensity float64, source models.SampleSource) error
	InsertRefreshRun(ctx context.Context, run *models.RefreshRun) error
	GetRefreshSummary(ctx context.Context, since time.Time) (*models.RefreshSummary, error)
}

type HistoryProvider interface {
	History(ctx context.Context, region string, start, end time.Time) ([]models.IntensityPoint, error)
}

type Forecaster interface {
	Forecast(ctx context.Context, region string, hoursAhead int) ([]models.CarbonForecast, error)
}

type Config struct {
	Cron        string
	Concurrency int
	Lookback    time.Duration
	Horizon     int
}

// Scheduler refreshes sample history and forecasts for every enabled region.
type Scheduler struct {
	store       Store
	provider    HistoryProvider
	forecaster  Forecaster
	cache       cache.Store
	cronSpec    string
	concurrency int
	lookback    time.Duration
	horizon     int
	now         func() time.Time
	log         zerolog.Logger

	inflight singleflight.Group

	mu       sync.Mutex
	lifetime context.Context
}

func NewScheduler(st Store, provider HistoryProvider, forecaster Forecaster, c cache.Store, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Cron == "" {
		cfg.Cron = DefaultCron
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	return &Scheduler{
		store:       st,
		provider:    provider,
		forecaster:  forecaster,
		cache:       c,
		cronSpec:    cfg.Cron,
		concurrency: cfg.Concurrency,
		lookback:    cfg.Lookback,
		horizon:     cfg.Horizon,
		now:         time.Now,
		log:         log.With().Str("component", "scheduler").Logger(),
	}
}

// Run refreshes once immediately and then on the cron schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lifetime = ctx
	s.mu.Unlock()

	c := cron.New()
	if _, err := c.AddFunc(s.cronSpec, func() { s.runLogged(ctx, "scheduled") }); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", s.cronSpec, err)
	}
	c.Start()
	s.log.Info().Str("cron", s.cronSpec).Msg("forecast refresh scheduled")

	s.runLogged(ctx, "startup")

	<-ctx.Done()
	s.log.Info().Msg("shutting down")
	<-c.Stop().Done()
	return nil
}

func (s *Scheduler) runLogged(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunRefreshCycle(ctx); err != nil {
		s.log.Error().Err(err).Str("trigger", trigger).Msg("refresh cycle failed")
	}
}

// RunRefreshCycle refreshes all enabled regions and writes the aggregate snapshot once every
// region has finished. Calls made while a cycle is running wait for and share its result.
func (s *Scheduler) RunRefreshCycle(ctx context.Context) (*models.RefreshState, error) {
	v, err, shared := s.inflight.Do("refresh", func() (any, error) {
		cycleCtx, cancel := s.cycleContext(ctx)
		defer cancel()
		return s.runCycle(cycleCtx)
	})
	if shared {
		s.log.Debug().Msg("joined in-flight refresh cycle")
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.RefreshState), nil
}

// cycleContext detaches the cycle from the caller that started it, since other callers may
// join it, but cancels it when the scheduler started by Run shuts down.
func (s *Scheduler) cycleContext(caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(caller))

	s.mu.Lock()
	lifetime := s.lifetime
	s.mu.Unlock()
	if lifetime == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type regionOutcome struct {
	records   int
	forecasts int
	err       error
}

func (s *Scheduler) runCycle(ctx context.Context) (*models.RefreshState, error) {
	start := time.Now()
	defer func() { metrics.RefreshCycleDuration.Observe(time.Since(start).Seconds()) }()

	regions, err := s.store.EnabledRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enabled regions: %w", err)
	}

	cycleID := uuid.NewString()
	log := s.log.With().Str("cycle", cycleID).Logger()
	log.Info().Int("regions", len(regions)).Msg("refresh cycle started")

	outcomes := make([]regionOutcome, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			outcomes[i] = s.refreshRegion(gctx, cycleID, region)
			return nil
		})
	}
	_ = g.Wait()

	state := &models.RefreshState{
		Timestamp:    s.now().UTC(),
		TotalRegions: len(regions),
		Status:       models.StatusSuccess,
	}
	for i, o := range outcomes {
		state.TotalRecords += o.records
		state.TotalForecasts += o.forecasts
		if o.err != nil {
			state.Status = models.StatusFailure
			state.Message = fmt.Sprintf("%s: %v", regions[i], o.err)
		}
	}

	if err := s.writeState(ctx, state); err != nil {
		return state, fmt.Errorf("write refresh state: %w", err)
	}

	log.Info().
		Str("status", string(state.Status)).
		Int("records", state.TotalRecords).
		Int("forecasts", state.TotalForecasts).
		Dur("elapsed", time.Since(start)).
		Msg("refresh cycle complete")
	return state, nil
}

func (s *Scheduler) refreshRegion(ctx context.Context, cycleID, region string) regionOutcome {
	log := s.log.With().Str("cycle", cycleID).Str("region", region).Logger()

	records, forecasts, err := s.ingestRegion(ctx, region)
	run := &models.RefreshRun{
		CycleID:     cycleID,
		Region:      region,
		RefreshedAt: s.now().UTC(),
		Status:      models.StatusSuccess,
	}
	if err != nil {
		// A failed region reports no work, even if some samples were written before the error.
		records, forecasts = 0, 0
		run.Status = models.StatusFailure
		run.Message = sql.NullString{String: err.Error(), Valid: true}
		log.Error().Err(err).Msg("region refresh failed")
	} else {
		log.Info().Int("records", records).Int("forecasts", forecasts).Msg("region refreshed")
	}
	run.RecordsIngested = records
	run.ForecastsGenerated = forecasts

	metrics.RefreshRuns.WithLabelValues(region, string(run.Status)).Inc()
	if rerr := s.store.InsertRefreshRun(ctx, run); rerr != nil {
		log.Error().Err(rerr).Msg("record refresh run")
	}

	return regionOutcome{records: records, forecasts: forecasts, err: err}
}

func (s *Scheduler) ingestRegion(ctx context.Context, region string) (int, int, error) {
	end := s.now()
	history, err := s.provider.History(ctx, region, end.Add(-s.lookback), end)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch history: %w", err)
	}

	ingested := 0
	for _, p := range history {
		zone := p.Region
		if zone == "" {
			zone = region
		}
		if err := s.store.UpsertSample(ctx, zone, p.Timestamp, math.Round(p.Intensity), models.SourceProvider); err != nil {
			return ingested, 0, fmt.Errorf("upsert sample %s: %w", p.Timestamp.Format(time.RFC3339), err)
		}
		ingested++
	}
	metrics.SamplesIngested.WithLabelValues(region).Add(float64(ingested))

	forecasts, err := s.forecaster.Forecast(ctx, region, s.horizon)
	if err != nil {
		return ingested, 0, fmt.Errorf("forecast: %w", err)
	}
	return ingested, len(forecasts), nil
}

func (s *Scheduler) writeState(ctx context.Context, state *models.RefreshState) error {
	return s.cache.HSet(ctx, RefreshStateKey, map[string]string{
		"timestamp":      state.Timestamp.Format(time.RFC3339Nano),
		"totalRegions":   strconv.Itoa(state.TotalRegions),
		"totalRecords":   strconv.Itoa(state.TotalRecords),
		"totalForecasts": strconv.Itoa(state.TotalForecasts),
		"status":         string(state.Status),
		"message":        state.Message,
	})
}

// LastRefreshState returns the snapshot from the most recent cycle, or nil if none has run.
func (s *Scheduler) LastRefreshState(ctx context.Context) (*models.RefreshState, error) {
	hash, err := s.cache.HGetAll(ctx, RefreshStateKey)
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, nil
	}

	state := &models.RefreshState{
		Status:  models.StatusFailure,
		Message: hash["message"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, hash["timestamp"]); err == nil {
		state.Timestamp = ts
	} else {
		state.Timestamp = time.Unix(0, 0).UTC()
	}
	state.TotalRegions, _ = strconv.Atoi(hash["totalRegions"])
	state.TotalRecords, _ = strconv.Atoi(hash["totalRecords"])
	state.TotalForecasts, _ = strconv.Atoi(hash["totalForecasts"])
	if st := hash["status"]; st != "" {
		state.Status = models.RunStatus(st)
	}
	return state, nil
}

// RefreshSummary aggregates refresh runs recorded within window of now. A non-positive
// window uses the default lookback.
func (s *Scheduler) RefreshSummary(ctx context.Context, window time.Duration) (*models.RefreshSummary, error) {
	if window <= 0 {
		window = DefaultLookback
	}
	return s.store.GetRefreshSummary(ctx, s.now().Add(-window))
}
