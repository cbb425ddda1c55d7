package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lox/greenroute/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "healthy",
		"service":   "greenroute",
		"timestamp": time.Now().UTC(),
		"checks":    map[string]bool{"database": true},
	}
	if s.cache != nil {
		hits, misses := s.cache.Stats()
		body["cache"] = map[string]any{"entries": s.cache.Size(), "hits": hits, "misses": misses}
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		body["status"] = "unhealthy"
		body["checks"] = map[string]bool{"database": false}
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// intQuery parses an optional integer query parameter within [min, max].
func intQuery(r *http.Request, name string, def, min, max int) (int, *fieldError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &fieldError{Field: name, Message: "must be an integer"}
	}
	if v < min || v > max {
		return 0, &fieldError{Field: name, Message: "must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max)}
	}
	return v, nil
}

func regionParam(r *http.Request) (string, *fieldError) {
	region := strings.TrimSpace(chi.URLParam(r, "region"))
	if region == "" {
		return "", &fieldError{Field: "region", Message: "is required"}
	}
	return region, nil
}

func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	region, ferr := regionParam(r)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}
	hoursAhead, ferr := intQuery(r, "hoursAhead", 24, 1, 168)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}

	forecasts, err := s.engine.Forecast(r.Context(), region, hoursAhead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":     region,
		"hoursAhead": hoursAhead,
		"forecasts":  forecasts,
	})
}

// handleStoredForecasts returns persisted model forecasts from the last hours up to a week ahead.
func (s *Server) handleStoredForecasts(w http.ResponseWriter, r *http.Request) {
	region, ferr := regionParam(r)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}
	hours, ferr := intQuery(r, "hours", 24, 1, 168)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}

	now := time.Now()
	forecasts, err := s.store.GetForecasts(r.Context(), region, now.Add(-time.Duration(hours)*time.Hour), now.Add(168*time.Hour))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if forecasts == nil {
		forecasts = []models.CarbonForecast{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":    region,
		"hours":     hours,
		"forecasts": forecasts,
	})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.store.GetRegions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if regions == nil {
		regions = []models.Region{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

func (s *Server) handleOptimalWindow(w http.ResponseWriter, r *http.Request) {
	region, ferr := regionParam(r)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}
	var details []fieldError
	durationHours, ferr := intQuery(r, "durationHours", 4, 1, 72)
	if ferr != nil {
		details = append(details, *ferr)
	}
	lookAheadHours, ferr := intQuery(r, "lookAheadHours", 48, 1, 168)
	if ferr != nil {
		details = append(details, *ferr)
	}
	if len(details) > 0 {
		writeInvalid(w, details...)
		return
	}

	window, err := s.optimizer.FindOptimalWindow(r.Context(), region, durationHours, lookAheadHours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"region":         region,
		"durationHours":  durationHours,
		"lookAheadHours": lookAheadHours,
		"window":         window,
	})
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	windowHours, ferr := intQuery(r, "windowHours", 168, 1, 24*90)
	if ferr != nil {
		writeInvalid(w, *ferr)
		return
	}

	state, err := s.scheduler.LastRefreshState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.scheduler.RefreshSummary(r.Context(), time.Duration(windowHours)*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"windowHours": windowHours,
		"lastRefresh": state,
		"summary":     summary,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	state, err := s.scheduler.RunRefreshCycle(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type routeGreenRequest struct {
	PreferredRegions  []string           `json:"preferredRegions"`
	MaxCarbonGPerKwh  *float64           `json:"maxCarbonGPerKwh"`
	LatencyMsByRegion map[string]float64 `json:"latencyMsByRegion"`
	CarbonWeight      *float64           `json:"carbonWeight"`
	LatencyWeight     *float64           `json:"latencyWeight"`
	CostWeight        *float64           `json:"costWeight"`
}

// toRoutingRequest applies per-field weight defaults.
func (req routeGreenRequest) toRoutingRequest() models.RoutingRequest {
	weights := models.DefaultWeights()
	if req.CarbonWeight != nil {
		weights.Carbon = *req.CarbonWeight
	}
	if req.LatencyWeight != nil {
		weights.Latency = *req.LatencyWeight
	}
	if req.CostWeight != nil {
		weights.Cost = *req.CostWeight
	}
	return models.RoutingRequest{
		CandidateRegions:    req.PreferredRegions,
		MaxIntensityCeiling: req.MaxCarbonGPerKwh,
		LatencyByRegion:     req.LatencyMsByRegion,
		Weights:             weights,
	}
}

func (s *Server) handleRouteGreen(w http.ResponseWriter, r *http.Request) {
	var req routeGreenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalid(w, fieldError{Field: "body", Message: err.Error()})
		return
	}
	if len(req.PreferredRegions) == 0 {
		writeInvalid(w, fieldError{Field: "preferredRegions", Message: "must contain at least one region"})
		return
	}

	result, err := s.scorer.RouteGreen(r.Context(), req.toRoutingRequest())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnergyEquation(w http.ResponseWriter, r *http.Request) {
	var req models.EnergyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalid(w, fieldError{Field: "body", Message: err.Error()})
		return
	}

	result, err := s.scorer.EstimateEnergy(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeInvalid(w, fieldError{Field: "body", Message: err.Error()})
		return
	}
	samples, details := parseSamples(raw)
	if len(details) > 0 {
		writeInvalid(w, details...)
		return
	}

	for _, smp := range samples {
		if err := s.store.UpsertSample(r.Context(), smp.Region, smp.Timestamp, smp.Intensity, models.SourceDerived); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.log.Info().Int("samples", len(samples)).Msg("ingested derived samples")
	writeJSON(w, http.StatusOK, map[string]int{"ingested": len(samples)})
}

func (s *Server) handleIntegration(w http.ResponseWriter, r *http.Request) {
	source := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "source")))

	m, err := s.store.GetIntegrationMetric(r.Context(), source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"source":        source,
		"successCount":  int64(0),
		"failureCount":  int64(0),
		"successRate":   m.SuccessRate(),
		"lastSuccessAt": nil,
		"lastFailureAt": nil,
		"lastError":     nil,
	}
	if m != nil {
		resp["successCount"] = m.SuccessCount
		resp["failureCount"] = m.FailureCount
		if m.LastSuccessAt.Valid {
			resp["lastSuccessAt"] = m.LastSuccessAt.Time
		}
		if m.LastFailureAt.Valid {
			resp["lastFailureAt"] = m.LastFailureAt.Time
		}
		if m.LastError.Valid {
			resp["lastError"] = m.LastError.String
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
