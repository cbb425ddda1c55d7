package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/greenroute/internal/api"
	"github.com/lox/greenroute/internal/cache"
	"github.com/lox/greenroute/internal/config"
	"github.com/lox/greenroute/internal/forecast"
	"github.com/lox/greenroute/internal/ingest"
	"github.com/lox/greenroute/internal/logging"
	"github.com/lox/greenroute/internal/models"
	"github.com/lox/greenroute/internal/provider"
	"github.com/lox/greenroute/internal/routing"
	"github.com/lox/greenroute/internal/store"
)

type CLI struct {
	config.Config `embed:""`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API and the scheduled forecast refresh."`
	Refresh  RefreshCmd  `cmd:"" help:"Run a single refresh cycle and exit."`
	Forecast ForecastCmd `cmd:"" help:"Print an hourly forecast for a region."`
	Window   WindowCmd   `cmd:"" help:"Print the lowest-carbon window for a job."`
	Route    RouteCmd    `cmd:"" help:"Pick the greenest region from a candidate list."`
	Energy   EnergyCmd   `cmd:"" help:"Estimate energy and emissions for a workload."`
}

type ServeCmd struct {
	Port string `help:"HTTP server port." default:"8080" env:"PORT"`
}

type RefreshCmd struct{}

type ForecastCmd struct {
	Region     string `arg:"" help:"Region code."`
	HoursAhead int    `name:"hours-ahead" help:"Hours to forecast." default:"24"`
}

type WindowCmd struct {
	Region         string `arg:"" help:"Region code."`
	DurationHours  int    `name:"duration" help:"Job duration in hours." default:"4"`
	LookAheadHours int    `name:"look-ahead" help:"Hours to search ahead." default:"48"`
}

type RouteCmd struct {
	Regions    []string           `arg:"" help:"Candidate regions."`
	MaxCarbon  float64            `name:"max-carbon" help:"Intensity ceiling in gCO2eq/kWh (0 disables)."`
	Latency    map[string]float64 `name:"latency" help:"Per-region latency in ms, e.g. FR=40."`
	Carbon     float64            `name:"carbon-weight" default:"0.5"`
	LatencyW   float64            `name:"latency-weight" default:"0.2"`
	CostWeight float64            `name:"cost-weight" default:"0.3"`
}

type EnergyCmd struct {
	Regions   []string `arg:"" help:"Target regions."`
	Volume    float64  `name:"volume" help:"Number of requests." default:"1000"`
	Workload  string   `name:"workload" help:"Workload type (inference, training, batch)." default:"inference" enum:"inference,training,batch"`
	ModelSize string   `name:"model-size" help:"Model size hint, e.g. 7b or 70b."`
	Budget    float64  `name:"budget" help:"Carbon budget in gCO2eq (0 disables)."`
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *sql.DB
	store     *store.Store
	cache     *cache.Memory
	engine    *forecast.Engine
	optimizer *forecast.WindowOptimizer
	scorer    *routing.Scorer
	scheduler *ingest.Scheduler
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("greenroute"),
		kong.Description("Carbon-aware forecasting and region routing."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(cli.Config.Validate())

	log := logging.New(logging.Config{Level: cli.LogLevel, Pretty: cli.LogPretty})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, &cli.Config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.close()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(a); err != nil {
		log.Fatal().Err(err).Str("command", kctx.Command()).Msg("command failed")
	}
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	db, err := store.Open(cfg.DB)
	if err != nil {
		return nil, err
	}

	st := store.New(db, log)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, code := range cfg.RegionCodes() {
		if err := st.UpsertRegion(ctx, models.Region{Code: code, Enabled: true}); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed region %s: %w", code, err)
		}
	}
	log.Info().Strs("regions", cfg.RegionCodes()).Msg("database ready")

	em := provider.NewElectricityMaps(provider.Config{
		BaseURL:          cfg.ElectricityMapsBaseURL,
		APIKey:           cfg.ElectricityMapsAPIKey,
		DefaultIntensity: cfg.DefaultIntensity,
		Timeout:          cfg.ProviderTimeout,
	}, log)
	em.SetRecorder(st)
	if !em.Available() {
		log.Warn().Float64("default_intensity", em.DefaultIntensity()).Msg("no Electricity Maps API key, using default intensity")
	}

	c := cache.New(time.Minute, log)
	engine := forecast.NewEngine(st, em, forecast.Options{}, log)
	resolver := routing.NewResolver(em, c, st, cfg.DefaultIntensity, log)

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		store:     st,
		cache:     c,
		engine:    engine,
		optimizer: forecast.NewWindowOptimizer(engine, cfg.DefaultIntensity),
		scorer:    routing.NewScorer(resolver, log),
		scheduler: ingest.NewScheduler(st, em, engine, c, ingest.Config{
			Cron:        cfg.ForecastRefreshCron,
			Concurrency: cfg.RefreshConcurrency,
		}, log),
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	a.db.Close()
}

func (cmd *ServeCmd) Run(ctx context.Context, a *app) error {
	server := api.NewServer(api.Config{
		Port:      cmd.Port,
		Log:       a.log,
		Store:     a.store,
		Cache:     a.cache,
		Engine:    a.engine,
		Optimizer: a.optimizer,
		Scorer:    a.scorer,
		Scheduler: a.scheduler,
	})

	enabled, err := a.cfg.RefreshEnabled()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if enabled {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	} else {
		a.log.Info().Msg("scheduled forecast refresh disabled")
	}
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

func (cmd *RefreshCmd) Run(ctx context.Context, a *app) error {
	state, err := a.scheduler.RunRefreshCycle(ctx)
	if err != nil {
		return err
	}
	return printJSON(state)
}

func (cmd *ForecastCmd) Run(ctx context.Context, a *app) error {
	forecasts, err := a.engine.Forecast(ctx, cmd.Region, cmd.HoursAhead)
	if err != nil {
		return err
	}
	return printJSON(forecasts)
}

func (cmd *WindowCmd) Run(ctx context.Context, a *app) error {
	window, err := a.optimizer.FindOptimalWindow(ctx, cmd.Region, cmd.DurationHours, cmd.LookAheadHours)
	if err != nil {
		return err
	}
	return printJSON(window)
}

func (cmd *RouteCmd) Run(ctx context.Context, a *app) error {
	req := models.RoutingRequest{
		CandidateRegions: cmd.Regions,
		LatencyByRegion:  cmd.Latency,
		Weights:          models.Weights{Carbon: cmd.Carbon, Latency: cmd.LatencyW, Cost: cmd.CostWeight},
	}
	if cmd.MaxCarbon > 0 {
		req.MaxIntensityCeiling = &cmd.MaxCarbon
	}
	result, err := a.scorer.RouteGreen(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (cmd *EnergyCmd) Run(ctx context.Context, a *app) error {
	req := models.EnergyRequest{
		RequestVolume: cmd.Volume,
		WorkloadType:  models.WorkloadType(cmd.Workload),
		ModelSize:     cmd.ModelSize,
		RegionTargets: cmd.Regions,
	}
	if cmd.Budget > 0 {
		req.CarbonBudget = &cmd.Budget
	}
	result, err := a.scorer.EstimateEnergy(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
