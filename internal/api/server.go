package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/greenroute/internal/cache"
	"github.com/lox/greenroute/internal/forecast"
	"github.com/lox/greenroute/internal/ingest"
	"github.com/lox/greenroute/internal/metrics"
	"github.com/lox/greenroute/internal/models"
	"github.com/lox/greenroute/internal/routing"
	"github.com/lox/greenroute/internal/store"
)

type Config struct {
	Port      string
	Log       zerolog.Logger
	Store     *store.Store
	Cache     *cache.Memory
	Engine    *forecast.Engine
	Optimizer *forecast.WindowOptimizer
	Scorer    *routing.Scorer
	Scheduler *ingest.Scheduler
}

type Server struct {
	router    *chi.Mux
	port      string
	log       zerolog.Logger
	store     *store.Store
	cache     *cache.Memory
	engine    *forecast.Engine
	optimizer *forecast.WindowOptimizer
	scorer    *routing.Scorer
	scheduler *ingest.Scheduler
}

func NewServer(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		port:      cfg.Port,
		log:       cfg.Log.With().Str("component", "server").Logger(),
		store:     cfg.Store,
		cache:     cfg.Cache,
		engine:    cfg.Engine,
		optimizer: cfg.Optimizer,
		scorer:    cfg.Scorer,
		scheduler: cfg.Scheduler,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/regions", s.handleRegions)

		r.Route("/forecasting", func(r chi.Router) {
			r.Get("/refresh/status", s.handleRefreshStatus)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/{region}/forecasts", s.handleForecasts)
			r.Get("/{region}/stored", s.handleStoredForecasts)
			r.Get("/{region}/optimal-window", s.handleOptimalWindow)
		})
		r.Post("/route/green", s.handleRouteGreen)
		r.Post("/energy/equation", s.handleEnergyEquation)
		r.Post("/carbon/samples", s.handleIngestSamples)
		r.Get("/integrations/{source}", s.handleIntegration)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         ":" + s.port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("port", s.port).Msg("starting HTTP server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeInvalid(w http.ResponseWriter, details ...fieldError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Invalid request",
		"details": details,
	})
}

// writeError maps domain errors to responses; anything other than invalid input is a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrInvalidInput) {
		writeInvalid(w, fieldError{Message: err.Error()})
		return
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
