package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/relayplane/internal/anomaly"
	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/budget"
	"github.com/relayplane/relayplane/internal/cache"
	"github.com/relayplane/relayplane/internal/downgrade"
	"github.com/relayplane/relayplane/internal/envelope"
	"github.com/relayplane/relayplane/internal/pricing"
	"github.com/relayplane/relayplane/internal/router"
	"github.com/relayplane/relayplane/internal/telemetry"
	"github.com/relayplane/relayplane/internal/upstream"
)

const (
	// maxBodyBytes bounds an ingress request body.
	maxBodyBytes = 20 << 20

	// cacheWriteTimeout bounds the off-path cache insert.
	cacheWriteTimeout = 5 * time.Second

	headerBypass          = "X-RelayPlane-Bypass"
	headerRoutedModel     = "X-RelayPlane-Routed-Model"
	headerOriginalModel   = "X-RelayPlane-Original-Model"
	headerCache           = "X-RelayPlane-Cache"
	headerDowngraded      = "X-RelayPlane-Downgraded"
	headerDowngradeReason = "X-RelayPlane-Downgrade-Reason"
	headerMode            = "X-RelayPlane-Mode"
	headerEscalations     = "X-RelayPlane-Escalations"

	cacheHit    = "hit"
	cacheMiss   = "miss"
	cacheBypass = "bypass"
)

// reqTrace is the per-request context accumulated across stages.
type reqTrace struct {
	id            string
	originalModel string
	servedModel   string
	cacheStatus   string
	taskType      string
	decision      router.Decision
	downgrade     downgrade.Result
	escalations   int
	start         time.Time
}

func (x *Server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	x.handleChat(w, r, envelope.ShapeAnthropic)
}

func (x *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	x.handleChat(w, r, envelope.ShapeOpenAI)
}

func (x *Server) handleChat(w http.ResponseWriter, r *http.Request, shape envelope.Shape) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Type: errMalformed, Message: "unreadable request body"})
		return
	}
	env, err := envelope.Parse(body, shape)
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Type: errMalformed, Message: err.Error()})
		return
	}

	if strings.EqualFold(r.Header.Get(headerBypass), "true") || !x.enabled.Load() {
		x.forwardBypass(w, r, env)
		return
	}

	tr := &reqTrace{
		id:            env.ID,
		originalModel: env.Model,
		cacheStatus:   cacheMiss,
		start:         x.clock.Now(),
	}
	log := x.log.With().Str("request_id", tr.id).Str("model", env.Model).Logger()
	rt := x.currentRouter()
	cfg := x.Config()

	// Model-name resolution happens before keying so aliased requests share
	// cache entries with their resolved form.
	if resolved, _ := router.Resolve(env.Model, rt.Config().Aliases); resolved != env.Model {
		env = env.WithModel(resolved)
	}
	tr.taskType = router.TaskType(env)

	// Cache lookup.
	var cacheKey string
	if skip, why := cache.ShouldBypass(env, cfg.Cache); skip {
		tr.cacheStatus = cacheBypass
		x.deps.Cache.RecordBypass()
		log.Debug().Str("reason", why).Msg("cache bypassed")
	} else if cacheKey, err = cache.ComputeKey(env, cfg.Cache.Mode); err != nil {
		tr.cacheStatus = cacheBypass
		log.Warn().Err(err).Msg("cache key computation failed")
	} else if cached, meta, ok := x.deps.Cache.Get(cacheKey); ok {
		tr.cacheStatus = cacheHit
		tr.servedModel = meta.Model
		tr.decision = rt.Route(env)
		x.deps.Metrics.CacheHits.Inc()
		x.writeProxyResponse(w, tr, rt.Config().Mode, http.StatusOK, "application/json", cached)
		x.finishRun(tr, telemetry.Run{
			TokensIn:  meta.TokensIn,
			TokensOut: meta.TokensOut,
			SavedUSD:  meta.CostUSD,
			Status:    http.StatusOK,
		})
		return
	}

	// Budget precheck: memory only, never blocks on I/O.
	estCost := pricing.Cost(env.Model, env.EstimateTokens(), 0)
	chk := x.deps.Budget.Check(estCost)
	dailyLimit := x.deps.Budget.Config().DailyUSD
	for _, th := range chk.ThresholdsCrossed {
		x.deps.Budget.MarkThresholdFired(th)
		x.deps.Alerts.FireThreshold(th, chk.CurrentDailySpend, dailyLimit)
	}
	if chk.Breached {
		x.deps.Alerts.FireBreach(chk.BreachType, chk.Action, chk.CurrentDailySpend)
	}
	if !chk.Allowed {
		writeError(w, http.StatusPaymentRequired, apiError{
			Type:    errBudget,
			Message: fmt.Sprintf("%s budget exceeded (spent $%.2f today)", chk.BreachType, chk.CurrentDailySpend),
			Data: map[string]any{
				"breachType":        chk.BreachType,
				"currentDailySpend": chk.CurrentDailySpend,
			},
		})
		tr.servedModel = env.Model
		x.finishRun(tr, telemetry.Run{Status: http.StatusPaymentRequired, Error: "budget " + chk.BreachType})
		return
	}

	// Anomaly precheck: read-only, never gates the request.
	if active := x.deps.Anomaly.Check(); len(active) > 0 {
		log.Warn().Int("count", len(active)).Str("type", active[0].Type).Msg("active anomalies")
	}

	// Auto-downgrade. A breach with the downgrade action forces it
	// regardless of the threshold.
	pct := x.deps.Budget.DailyUtilizationPercent()
	if chk.Breached && chk.Action == budget.ActionDowngrade {
		pct = 100
	}
	tr.downgrade = downgrade.Check(env.Model, pct, cfg.Downgrade)
	if tr.downgrade.Downgraded {
		env = env.WithModel(tr.downgrade.NewModel)
		x.deps.Metrics.Downgrades.Inc()
		log.Info().
			Str("from", tr.downgrade.OriginalModel).
			Str("to", tr.downgrade.NewModel).
			Float64("utilization_pct", pct).
			Msg("model downgraded")
	}

	// Classification and route selection.
	tr.decision = rt.Route(env)
	tr.servedModel = tr.decision.Model
	mode := rt.Config().Mode

	// Cooldown filter. Cascade mode walks the ladder past cooled
	// providers; other modes fail fast.
	cascadeIdx := -1
	if mode == router.ModeCascade {
		cascadeIdx = ladderIndex(rt.Config().CascadeModels, tr.servedModel)
	}
	for !x.deps.Cooldown.Available(providerOf(tr.servedModel)) {
		if cascadeIdx >= 0 {
			if next, ok := rt.NextCascadeModel(cascadeIdx); ok {
				cascadeIdx++
				tr.servedModel = next
				continue
			}
		}
		until, _ := x.deps.Cooldown.CooledUntil(providerOf(tr.servedModel))
		retryAfter := int(until.Sub(x.clock.Now()).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusServiceUnavailable, apiError{
			Type:    errCooldown,
			Message: fmt.Sprintf("provider %s is cooling down after repeated failures", providerOf(tr.servedModel)),
		})
		x.finishRun(tr, telemetry.Run{Status: http.StatusServiceUnavailable, Error: "provider cooldown"})
		return
	}

	// Auth selection.
	incoming := authz.ClassifyIncoming(r.Header.Get("x-api-key"), r.Header.Get("Authorization"))
	cred, err := x.deps.Auth.Resolve(incoming, tr.servedModel)
	if err != nil {
		x.writeAuthError(w, err)
		x.finishRun(tr, telemetry.Run{Status: http.StatusUnauthorized, Error: "missing credential"})
		return
	}

	// Forward, with cascade escalation on weak answers and transport
	// failures.
	resp, err := x.forwardWithCascade(r.Context(), env, tr, rt, cascadeIdx, incoming, cred, log)
	if err != nil {
		x.writeForwardError(w, tr, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Mirror the upstream failure.
		x.writeProxyResponse(w, tr, mode, resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
		x.finishRun(tr, telemetry.Run{Status: resp.StatusCode, Error: fmt.Sprintf("upstream status %d", resp.StatusCode)})
		return
	}

	// Post-process: spend, anomalies, cache insert.
	usage := resp.Usage
	if usage.TokensIn == 0 && usage.TokensOut == 0 {
		usage = upstream.Usage{TokensIn: env.EstimateTokens(), TokensOut: len(resp.Body) / 4}
	}
	cost := pricing.Cost(tr.servedModel, usage.TokensIn, usage.TokensOut)
	x.deps.Budget.RecordSpend(cost, tr.servedModel)
	x.deps.Metrics.SpendUSD.Add(cost)

	var saved float64
	if tr.downgrade.Downgraded {
		if full := pricing.Cost(tr.downgrade.OriginalModel, usage.TokensIn, usage.TokensOut); full > cost {
			saved = full - cost
		}
	}

	for _, a := range x.deps.Anomaly.RecordAndAnalyze(anomaly.Trace{
		TimestampMS: x.clock.Now().UnixMilli(),
		Model:       tr.servedModel,
		TokensIn:    usage.TokensIn,
		TokensOut:   usage.TokensOut,
		CostUSD:     cost,
	}) {
		x.deps.Alerts.FireAnomaly(a)
	}

	// Tool-call responses are cached like any other; identical agent
	// requests yield identical tool calls.
	if tr.cacheStatus == cacheMiss && cacheKey != "" {
		meta := cache.Metadata{
			Model:     tr.servedModel,
			TaskType:  tr.taskType,
			TokensIn:  usage.TokensIn,
			TokensOut: usage.TokensOut,
			CostUSD:   cost,
		}
		respBody := resp.Body
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
			defer cancel()
			if err := x.deps.Cache.Set(ctx, cacheKey, respBody, meta); err != nil {
				log.Warn().Err(err).Msg("cache insert failed")
			}
		}()
	}

	x.writeProxyResponse(w, tr, mode, resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	x.finishRun(tr, telemetry.Run{
		TokensIn:  usage.TokensIn,
		TokensOut: usage.TokensOut,
		CostUSD:   cost,
		SavedUSD:  saved,
		Status:    resp.StatusCode,
	})
}

// forwardWithCascade drives the upstream call and, in cascade mode, walks
// the ladder on transport failures or weak answers until maxEscalations is
// spent.
func (x *Server) forwardWithCascade(ctx context.Context, env *envelope.Envelope, tr *reqTrace, rt *router.Router, cascadeIdx int, incoming authz.Credential, cred authz.Credential, log zerolog.Logger) (*upstream.Response, error) {
	for {
		resp, err := x.deps.Upstream.Forward(ctx, env, tr.servedModel, cred)

		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				if x.deps.Cooldown.RecordFailure(providerOf(tr.servedModel)) {
					x.deps.Metrics.Cooldowns.Inc()
				}
			} else {
				x.deps.Cooldown.RecordSuccess(providerOf(tr.servedModel))
			}
			if !router.ShouldEscalate(resp.Body, nil) {
				return resp, nil
			}
			next, ok := x.nextEscalation(rt, tr, &cascadeIdx, incoming, &cred)
			if !ok {
				return resp, nil
			}
			tr.servedModel = next
			log.Info().Str("model", next).Int("escalations", tr.escalations).Msg("cascade escalation")
			continue
		}

		if errors.Is(err, upstream.ErrNoEndpoint) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if x.deps.Cooldown.RecordFailure(providerOf(tr.servedModel)) {
			x.deps.Metrics.Cooldowns.Inc()
		}
		next, ok := x.nextEscalation(rt, tr, &cascadeIdx, incoming, &cred)
		if !ok {
			return nil, err
		}
		tr.servedModel = next
		log.Warn().Err(err).Str("model", next).Msg("transport failure, escalating")
	}
}

// nextEscalation advances the cascade ladder, skipping cooled providers and
// models the caller cannot authenticate against.
func (x *Server) nextEscalation(rt *router.Router, tr *reqTrace, cascadeIdx *int, incoming authz.Credential, cred *authz.Credential) (string, bool) {
	if *cascadeIdx < 0 || tr.escalations >= rt.MaxEscalations() {
		return "", false
	}
	for {
		next, ok := rt.NextCascadeModel(*cascadeIdx)
		if !ok {
			return "", false
		}
		*cascadeIdx++
		if !x.deps.Cooldown.Available(providerOf(next)) {
			continue
		}
		nextCred, err := x.deps.Auth.Resolve(incoming, next)
		if err != nil {
			continue
		}
		*cred = nextCred
		tr.escalations++
		x.deps.Metrics.Escalations.Inc()
		return next, true
	}
}

// forwardBypass is the no-pipeline path: the body goes upstream unchanged
// and nothing is cached or recorded.
func (x *Server) forwardBypass(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	incoming := authz.ClassifyIncoming(r.Header.Get("x-api-key"), r.Header.Get("Authorization"))
	cred, err := x.deps.Auth.Resolve(incoming, env.Model)
	if err != nil {
		x.writeAuthError(w, err)
		return
	}
	resp, err := x.deps.Upstream.Forward(r.Context(), env, env.Model, cred)
	if err != nil {
		tr := &reqTrace{originalModel: env.Model, servedModel: env.Model, cacheStatus: cacheBypass}
		x.writeForwardErrorHeadersOnly(w, tr, err)
		return
	}
	w.Header().Set(headerCache, cacheBypass)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (x *Server) writeAuthError(w http.ResponseWriter, err error) {
	var missing *authz.ErrMissingCredential
	if errors.As(err, &missing) {
		writeError(w, http.StatusUnauthorized, apiError{
			Type:    errAuth,
			Message: missing.Explain,
			Data:    map[string]any{"model": missing.Model, "envVar": missing.EnvVar},
		})
		return
	}
	writeError(w, http.StatusUnauthorized, apiError{Type: errAuth, Message: "credential resolution failed"})
}

func (x *Server) writeForwardError(w http.ResponseWriter, tr *reqTrace, err error) {
	status, e := forwardErrorBody(tr, err)
	writeError(w, status, e)
	x.finishRun(tr, telemetry.Run{Status: status, Error: e.Type})
}

func (x *Server) writeForwardErrorHeadersOnly(w http.ResponseWriter, tr *reqTrace, err error) {
	status, e := forwardErrorBody(tr, err)
	writeError(w, status, e)
}

// forwardErrorBody maps a transport failure to its taxonomy entry. The
// underlying error is logged, never echoed; bodies stay sanitized.
func forwardErrorBody(tr *reqTrace, err error) (int, apiError) {
	switch {
	case errors.Is(err, upstream.ErrNoEndpoint):
		return http.StatusNotFound, apiError{
			Type:        errUnknownModel,
			Message:     fmt.Sprintf("unknown model %q", tr.originalModel),
			Suggestions: modelSuggestions(tr.originalModel),
		}
	case upstream.IsTimeout(err):
		return http.StatusGatewayTimeout, apiError{
			Type:    errTimeout,
			Message: fmt.Sprintf("provider %s timed out", providerOf(tr.servedModel)),
		}
	default:
		return http.StatusBadGateway, apiError{
			Type:    errUpstream,
			Message: fmt.Sprintf("provider %s is unreachable", providerOf(tr.servedModel)),
		}
	}
}

// writeProxyResponse emits the proxied body plus the X-RelayPlane response
// headers. Upstream headers are not copied wholesale; credentials must
// never leak through.
func (x *Server) writeProxyResponse(w http.ResponseWriter, tr *reqTrace, mode router.Mode, status int, contentType string, body []byte) {
	h := w.Header()
	h.Set(headerRoutedModel, tr.servedModel)
	h.Set(headerOriginalModel, tr.originalModel)
	h.Set(headerCache, tr.cacheStatus)
	h.Set(headerMode, string(mode))
	h.Set(headerEscalations, strconv.Itoa(tr.escalations))
	if tr.downgrade.Downgraded {
		h.Set(headerDowngraded, "true")
		h.Set(headerDowngradeReason, tr.downgrade.Reason)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	h.Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// finishRun records the completed request in telemetry, metrics and the
// mesh upload queue.
func (x *Server) finishRun(tr *reqTrace, run telemetry.Run) {
	run.ID = tr.id
	run.TimestampMS = x.clock.Now().UnixMilli()
	run.RequestedModel = tr.originalModel
	run.ServedModel = tr.servedModel
	run.TaskType = tr.taskType
	run.Complexity = string(tr.decision.Complexity)
	run.CacheHit = tr.cacheStatus == cacheHit
	run.Downgraded = tr.downgrade.Downgraded
	run.Escalations = tr.escalations
	run.DurationMS = x.clock.Now().Sub(tr.start).Milliseconds()
	x.deps.Recorder.Record(run)

	x.deps.Metrics.Requests.WithLabelValues(run.ServedModel, tr.cacheStatus, strconv.Itoa(run.Status/100*100)).Inc()
	if x.deps.Mesh != nil {
		go func() { _ = x.deps.Mesh.Enqueue(1) }()
	}
}

func providerOf(model string) string {
	return string(envelope.FamilyForModel(model))
}

// ladderIndex locates a model in the cascade ladder, -1 when absent.
func ladderIndex(ladder []string, model string) int {
	for i, m := range ladder {
		if m == model {
			return i
		}
	}
	return -1
}
