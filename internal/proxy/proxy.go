// Package proxy is the pipeline orchestrator and HTTP surface. Each request
// drives the stage sequence (parse, resolve, cache, budget, downgrade,
// route, cooldown, auth, forward, post-process) against the shared
// subsystems; the orchestrator itself is stateless and reentrant.
package proxy

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/relayplane/relayplane/internal/alerts"
	"github.com/relayplane/relayplane/internal/anomaly"
	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/budget"
	"github.com/relayplane/relayplane/internal/cache"
	"github.com/relayplane/relayplane/internal/config"
	"github.com/relayplane/relayplane/internal/cooldown"
	"github.com/relayplane/relayplane/internal/mesh"
	"github.com/relayplane/relayplane/internal/router"
	"github.com/relayplane/relayplane/internal/telemetry"
	"github.com/relayplane/relayplane/internal/upstream"
)

type (
	// Deps are the wired subsystems. Mesh may be nil; everything else is
	// required.
	Deps struct {
		Cache    *cache.Cache
		Budget   *budget.Manager
		Anomaly  *anomaly.Detector
		Alerts   *alerts.Manager
		Cooldown *cooldown.Tracker
		Auth     *authz.Resolver
		Upstream *upstream.Client
		Recorder *telemetry.Recorder
		Mesh     *mesh.Store
		Metrics  *Metrics
		Clock    clockwork.Clock
		Log      zerolog.Logger
		Version  string
		// Providers are the families with credentials configured, for the
		// health view.
		Providers []string
		// ConfigPath, when set, lets POST /control/config persist.
		ConfigPath string
	}

	// Server owns the runtime config view and the enable toggle. All other
	// cross-request state lives in the subsystems.
	Server struct {
		deps      Deps
		clock     clockwork.Clock
		log       zerolog.Logger
		startedAt time.Time
		enabled   atomic.Bool

		mu     sync.RWMutex
		cfg    config.Config
		router *router.Router
	}
)

// New creates a Server over already-constructed subsystems.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	x := &Server{
		deps:      deps,
		clock:     deps.Clock,
		log:       deps.Log,
		startedAt: deps.Clock.Now(),
		cfg:       cfg,
		router:    router.New(cfg.Router),
	}
	x.enabled.Store(cfg.Enabled)
	return x
}

// ApplyConfig swaps the runtime policy: routing, cache, budget, downgrade
// and the enable toggle take effect immediately. Cooldown, anomaly and
// alert tuning apply on restart.
func (x *Server) ApplyConfig(cfg config.Config) {
	x.mu.Lock()
	x.cfg = cfg
	x.router = router.New(cfg.Router)
	x.mu.Unlock()

	x.enabled.Store(cfg.Enabled)
	x.deps.Cache.SetConfig(cfg.Cache)
	x.deps.Budget.SetConfig(cfg.Budget)
	x.log.Info().Msg("runtime config applied")
}

// Config returns the active config.
func (x *Server) Config() config.Config {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.cfg
}

func (x *Server) currentRouter() *router.Router {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.router
}

// SetEnabled flips the runtime toggle. Disabled means every chat request is
// forwarded unchanged, as if it carried the bypass header.
func (x *Server) SetEnabled(enabled bool) {
	x.enabled.Store(enabled)
}

func (x *Server) Enabled() bool {
	return x.enabled.Load()
}

// requestLogger emits one line per request with method, path, status and
// duration.
func (x *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := x.clock.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		x.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", x.clock.Now().Sub(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// recoverer converts handler panics into sanitized 500s. Subsystem state is
// guarded by short critical sections, so a panicking request cannot leave
// shared state mid-mutation.
func (x *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				x.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("request panic")
				writeError(w, http.StatusInternalServerError, apiError{
					Type:    errInternal,
					Message: "internal proxy error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
