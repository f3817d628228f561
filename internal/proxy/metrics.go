package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the proxy's Prometheus counters, on a private registry so
// tests and embedders never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	Requests    *prometheus.CounterVec
	CacheHits   prometheus.Counter
	SpendUSD    prometheus.Counter
	Cooldowns   prometheus.Counter
	Escalations prometheus.Counter
	Downgrades  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relayplane_requests_total",
			Help: "Proxied requests by served model, cache disposition and status class.",
		}, []string{"model", "cache", "status"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayplane_cache_hits_total",
			Help: "Responses served from the cache.",
		}),
		SpendUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayplane_spend_usd_total",
			Help: "Accumulated provider spend in USD.",
		}),
		Cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayplane_cooldowns_total",
			Help: "Provider cooldown activations.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayplane_escalations_total",
			Help: "Cascade escalations to a higher tier.",
		}),
		Downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayplane_downgrades_total",
			Help: "Budget-driven model downgrades.",
		}),
	}
	m.registry.MustRegister(m.Requests, m.CacheHits, m.SpendUSD, m.Cooldowns, m.Escalations, m.Downgrades)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
