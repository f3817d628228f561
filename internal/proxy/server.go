package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relayplane/relayplane/internal/config"
)

// Routes builds the full HTTP surface.
func (x *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(x.requestLogger)
	r.Use(x.recoverer)

	r.Post("/v1/messages", x.handleAnthropic)
	r.Post("/v1/chat/completions", x.handleOpenAI)

	r.Get("/health", x.handleHealth)
	r.Get("/stats", x.handleStats)
	r.Get("/runs", x.handleRuns)

	r.Route("/v1/telemetry", func(r chi.Router) {
		r.Get("/stats", x.handleStats)
		r.Get("/runs", x.handleRuns)
		r.Get("/savings", x.handleSavings)
		r.Get("/health", x.handleHealth)
	})

	r.Route("/control", func(r chi.Router) {
		r.Get("/status", x.handleControlStatus)
		r.Post("/status", x.handleControlStatus)
		r.Get("/enable", x.handleEnable)
		r.Post("/enable", x.handleEnable)
		r.Get("/disable", x.handleDisable)
		r.Post("/disable", x.handleDisable)
		r.Get("/config", x.handleConfigGet)
		r.Post("/config", x.handleConfigPost)
	})

	r.Get("/v1/mesh/stats", x.handleMeshStats)
	r.Post("/v1/mesh/sync", x.handleMeshSync)

	r.Handle("/metrics", x.deps.Metrics.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (x *Server) uptimeSeconds() int64 {
	return int64(x.clock.Now().Sub(x.startedAt).Seconds())
}

func (x *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       x.deps.Version,
		"enabled":       x.enabled.Load(),
		"uptimeSeconds": x.uptimeSeconds(),
		"providers":     x.deps.Providers,
		"cacheEnabled":  x.Config().Cache.Enabled,
	})
}

func (x *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	bcfg := x.deps.Budget.Config()
	chk := x.deps.Budget.Check(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": x.uptimeSeconds(),
		"enabled":       x.enabled.Load(),
		"requests":      x.deps.Recorder.Snapshot(),
		"cache":         x.deps.Cache.Snapshot(),
		"budget": map[string]any{
			"dailySpendUsd":  chk.CurrentDailySpend,
			"hourlySpendUsd": chk.CurrentHourlySpend,
			"dailyLimitUsd":  bcfg.DailyUSD,
			"hourlyLimitUsd": bcfg.HourlyUSD,
			"utilizationPct": x.deps.Budget.DailyUtilizationPercent(),
		},
		"alerts":    x.deps.Alerts.Count(),
		"cooldowns": x.deps.Cooldown.Snapshot(),
	})
}

func (x *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, apiError{Type: errMalformed, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": x.deps.Recorder.Recent(limit)})
}

func (x *Server) handleSavings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, x.deps.Recorder.SavingsView())
}

func (x *Server) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       x.enabled.Load(),
		"version":       x.deps.Version,
		"uptimeSeconds": x.uptimeSeconds(),
	})
}

func (x *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	x.SetEnabled(true)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (x *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	x.SetEnabled(false)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

// handleConfigGet serves the active config with secret-bearing fields
// redacted.
func (x *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, x.Config().Redacted())
}

func (x *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, apiError{Type: errMalformed, Message: "invalid config body"})
		return
	}
	x.ApplyConfig(cfg)
	if x.deps.ConfigPath != "" {
		if err := config.Save(x.deps.ConfigPath, cfg); err != nil {
			x.log.Error().Err(err).Msg("config persist failed")
			writeError(w, http.StatusInternalServerError, apiError{Type: errInternal, Message: "config applied but not persisted"})
			return
		}
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (x *Server) handleMeshStats(w http.ResponseWriter, r *http.Request) {
	if x.deps.Mesh == nil {
		writeError(w, http.StatusServiceUnavailable, apiError{Type: errInternal, Message: "mesh store unavailable"})
		return
	}
	stats, err := x.deps.Mesh.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, apiError{Type: errInternal, Message: "mesh store read failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (x *Server) handleMeshSync(w http.ResponseWriter, r *http.Request) {
	if x.deps.Mesh == nil {
		writeError(w, http.StatusServiceUnavailable, apiError{Type: errInternal, Message: "mesh store unavailable"})
		return
	}
	stats, err := x.deps.Mesh.Sync()
	if err != nil {
		writeError(w, http.StatusInternalServerError, apiError{Type: errInternal, Message: "mesh sync failed"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
