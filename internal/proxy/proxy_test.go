package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayplane/relayplane/internal/alerts"
	"github.com/relayplane/relayplane/internal/anomaly"
	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/budget"
	"github.com/relayplane/relayplane/internal/cache"
	"github.com/relayplane/relayplane/internal/config"
	"github.com/relayplane/relayplane/internal/cooldown"
	"github.com/relayplane/relayplane/internal/envelope"
	"github.com/relayplane/relayplane/internal/router"
	"github.com/relayplane/relayplane/internal/telemetry"
	"github.com/relayplane/relayplane/internal/upstream"
)

// providerStub plays every upstream provider. Responses are selected per
// served model; bodies received are retained for assertions.
type providerStub struct {
	mu        sync.Mutex
	requests  [][]byte
	responses map[string]stubResponse // keyed by model, "" is the default
	srv       *httptest.Server
}

type stubResponse struct {
	status int
	body   string
}

func newProviderStub() *providerStub {
	p := &providerStub{responses: map[string]stubResponse{}}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.requests = append(p.requests, body)
		var probe struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(body, &probe)
		resp, ok := p.responses[probe.Model]
		if !ok {
			resp = p.responses[""]
		}
		p.mu.Unlock()
		if resp.status == 0 {
			resp.status = http.StatusOK
		}
		if resp.body == "" {
			resp.body = `{"id":"msg_ok","content":[{"type":"text","text":"fine"}],"usage":{"input_tokens":10,"output_tokens":20}}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	return p
}

func (p *providerStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *providerStub) lastBody() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func (p *providerStub) respond(model string, status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[model] = stubResponse{status: status, body: body}
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	provider *providerStub
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Budget.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	provider := newProviderStub()
	t.Cleanup(provider.srv.Close)

	overrides := map[envelope.Family]string{}
	for _, fam := range []envelope.Family{
		envelope.FamilyAnthropic, envelope.FamilyOpenAI, envelope.FamilyGoogle,
		envelope.FamilyXAI, envelope.FamilyOpenRouter, envelope.FamilyDeepSeek,
		envelope.FamilyGroq, envelope.FamilyMoonshot,
	} {
		overrides[fam] = provider.srv.URL
	}

	respCache, err := cache.New(cfg.Cache, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	budgetMgr := budget.NewManager(cfg.Budget, nil, nil, zerolog.Nop())
	t.Cleanup(func() { _ = budgetMgr.Close(context.Background()) })

	keys := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-api03-test",
		"OPENAI_API_KEY":    "sk-openai-test",
	}

	srv := New(cfg, Deps{
		Cache:     respCache,
		Budget:    budgetMgr,
		Anomaly:   anomaly.New(cfg.Anomaly, nil),
		Alerts:    alerts.NewManager(cfg.Alerts, nil, nil, zerolog.Nop()),
		Cooldown:  cooldown.New(cfg.Cooldown, nil),
		Auth:      authz.New(func(k string) string { return keys[k] }),
		Upstream:  upstream.NewClient(2*time.Second, overrides, zerolog.Nop()),
		Recorder:  telemetry.NewRecorder(nil, zerolog.Nop()),
		Log:       zerolog.Nop(),
		Version:   "test",
		Providers: []string{"anthropic", "openai"},
	})

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, http: ts, provider: provider}
}

func (e *testEnv) post(t *testing.T, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func waitForCacheEntry(t *testing.T, e *testEnv, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.server.deps.Cache.Snapshot().MemoryEntries >= n
	}, 2*time.Second, 10*time.Millisecond, "cache insert is asynchronous")
}

func TestPipeline_exactModeCacheHit(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}],"temperature":0,"max_tokens":16}`

	resp1, body1 := e.post(t, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	assert.Equal(t, "miss", resp1.Header.Get("X-RelayPlane-Cache"))

	waitForCacheEntry(t, e, 1)

	resp2, body2 := e.post(t, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "hit", resp2.Header.Get("X-RelayPlane-Cache"))
	assert.Equal(t, body1, body2)
	assert.Equal(t, 1, e.provider.count(), "provider must receive exactly one request")
}

func TestPipeline_toolCallResponsesAreCached(t *testing.T) {
	e := newTestEnv(t, nil)
	e.provider.respond("claude-sonnet-4-6", http.StatusOK,
		`{"id":"msg_tool","content":[{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Oslo"}}],"usage":{"input_tokens":10,"output_tokens":20}}`)

	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"weather in oslo"}],"tools":[{"name":"get_weather","input_schema":{"type":"object"}}]}`

	resp1, body1 := e.post(t, "/v1/messages", body, nil)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	assert.Equal(t, "miss", resp1.Header.Get("X-RelayPlane-Cache"))

	waitForCacheEntry(t, e, 1)

	resp2, body2 := e.post(t, "/v1/messages", body, nil)
	assert.Equal(t, "hit", resp2.Header.Get("X-RelayPlane-Cache"))
	assert.Equal(t, body1, body2)
	assert.Contains(t, string(body2), "tool_use")
	assert.Equal(t, 1, e.provider.count(), "identical tool requests replay from the cache")
}

func TestPipeline_aggressiveKeyingIgnoresHistory(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Cache.Mode = cache.ModeAggressive
	})

	first := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hello"},{"role":"assistant","content":"hi there"},{"role":"user","content":"What is 2+2?"}]}`
	second := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"What is 2+2?"}]}`

	resp1, body1 := e.post(t, "/v1/messages", first, nil)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	waitForCacheEntry(t, e, 1)

	resp2, body2 := e.post(t, "/v1/messages", second, nil)
	assert.Equal(t, "hit", resp2.Header.Get("X-RelayPlane-Cache"))
	assert.Equal(t, body1, body2)
	assert.Equal(t, 1, e.provider.count())
}

func TestPipeline_budgetBlock(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Budget = budget.Config{Enabled: true, DailyUSD: 1, OnBreach: budget.ActionBlock}
	})
	e.server.deps.Budget.RecordSpend(1.00, "claude-sonnet-4-6")

	resp, body := e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, string(body), "budget")
	assert.Equal(t, 0, e.provider.count(), "blocked requests never reach the provider")
}

func TestPipeline_budgetDowngrade(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Budget = budget.Config{Enabled: true, DailyUSD: 10, OnBreach: budget.ActionWarn}
		cfg.Downgrade.Enabled = true
		cfg.Downgrade.ThresholdPercent = 80
		cfg.Downgrade.Mapping = map[string]string{"claude-opus-4-6": "claude-sonnet-4-6"}
	})
	e.server.deps.Budget.RecordSpend(8.00, "claude-opus-4-6")

	resp, _ := e.post(t, "/v1/messages", `{"model":"claude-opus-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-sonnet-4-6", resp.Header.Get("X-RelayPlane-Routed-Model"))
	assert.Equal(t, "claude-opus-4-6", resp.Header.Get("X-RelayPlane-Original-Model"))
	assert.Equal(t, "true", resp.Header.Get("X-RelayPlane-Downgraded"))
	assert.NotEmpty(t, resp.Header.Get("X-RelayPlane-Downgrade-Reason"))

	var sent struct {
		Model string `json:"model"`
	}
	require.NoError(t, json.Unmarshal(e.provider.lastBody(), &sent))
	assert.Equal(t, "claude-sonnet-4-6", sent.Model)
}

func TestPipeline_aliasResolution(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.post(t, "/v1/messages", `{"model":"rp:fast","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-haiku-4-5", resp.Header.Get("X-RelayPlane-Routed-Model"))
	assert.Equal(t, "rp:fast", resp.Header.Get("X-RelayPlane-Original-Model"))
}

func TestPipeline_missingCredential401(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.post(t, "/v1/messages", `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "GEMINI_API_KEY")
	assert.Equal(t, 0, e.provider.count())
}

func TestPipeline_unknownModel404WithSuggestions(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.post(t, "/v1/messages",
		`{"model":"cloude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"x-api-key": "sk-ant-api03-caller"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var parsed struct {
		Error apiError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Contains(t, parsed.Error.Suggestions, "claude-sonnet-4-6")
}

func TestPipeline_cooldown503(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Cooldown = cooldown.Config{AllowedFails: 1, WindowSeconds: 60, CooldownSeconds: 300}
	})
	e.provider.respond("claude-sonnet-4-6", http.StatusInternalServerError, `{"error":{"type":"server_error"}}`)

	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`

	resp, _ := e.post(t, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "first failure mirrors upstream")

	resp, respBody := e.post(t, "/v1/messages", body, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Contains(t, string(respBody), "cooling down")
	assert.Equal(t, 1, e.provider.count(), "cooled provider is not called again")
}

func TestPipeline_cascadeEscalatesOnUncertainty(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Router.Mode = router.ModeCascade
		cfg.Router.CascadeModels = []string{"claude-haiku-4-5", "claude-sonnet-4-6", "claude-opus-4-6"}
		cfg.Router.MaxEscalations = 2
	})
	e.provider.respond("claude-haiku-4-5", http.StatusOK,
		`{"id":"msg_1","content":[{"type":"text","text":"I'm not sure about that."}],"usage":{"input_tokens":5,"output_tokens":5}}`)
	e.provider.respond("claude-sonnet-4-6", http.StatusOK,
		`{"id":"msg_2","content":[{"type":"text","text":"The answer is 4."}],"usage":{"input_tokens":5,"output_tokens":5}}`)

	resp, body := e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"What is 2+2?"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude-sonnet-4-6", resp.Header.Get("X-RelayPlane-Routed-Model"))
	assert.Equal(t, "1", resp.Header.Get("X-RelayPlane-Escalations"))
	assert.Contains(t, string(body), "The answer is 4")
	assert.Equal(t, 2, e.provider.count())
}

func TestPipeline_bypassHeaderSkipsEverything(t *testing.T) {
	e := newTestEnv(t, nil)
	body := `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}],"custom_field":"survives"}`

	resp, _ := e.post(t, "/v1/messages", body, map[string]string{"X-RelayPlane-Bypass": "true"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-RelayPlane-Cache"))
	assert.Empty(t, resp.Header.Get("X-RelayPlane-Routed-Model"))

	assert.True(t, bytes.Contains(e.provider.lastBody(), []byte(`"custom_field":"survives"`)), "bypass forwards the body unchanged")
	assert.Empty(t, e.server.deps.Recorder.Recent(0), "bypassed requests are not recorded")
}

func TestPipeline_malformedBody400(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.post(t, "/v1/messages", `{"model":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "invalid_request_error")
}

func TestPipeline_openaiIngress(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, _ := e.post(t, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o", resp.Header.Get("X-RelayPlane-Routed-Model"))
}

func TestControl_disableBypassesPipeline(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.post(t, "/control/disable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-RelayPlane-Cache"))

	resp, _ = e.post(t, "/control/enable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.NotEqual(t, "bypass", resp.Header.Get("X-RelayPlane-Cache"))
}

func TestViews_healthStatsRuns(t *testing.T) {
	e := newTestEnv(t, nil)
	_, _ = e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)

	resp, body := e.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), `"anthropic"`)
	assert.Contains(t, string(body), `"cacheEnabled":true`)

	resp, body = e.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Contains(t, stats, "cache")
	assert.Contains(t, stats, "budget")

	resp, body = e.get(t, "/runs?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs struct {
		Runs []telemetry.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, "claude-sonnet-4-6", runs.Runs[0].ServedModel)
	_, err := ulid.Parse(runs.Runs[0].ID)
	assert.NoError(t, err, "run ids carry the envelope's ULID")

	resp, _ = e.get(t, "/runs?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.get(t, "/v1/telemetry/savings")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "totalUsd")
}

func TestControl_configRoundTrip(t *testing.T) {
	e := newTestEnv(t, nil)

	cfg := e.server.Config()
	cfg.Alerts.WebhookURL = "https://hooks.example.com/secret"
	cfg.Router.Mode = router.ModeComplexity
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)

	resp, body := e.post(t, "/control/config", string(payload), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "(redacted)")
	assert.NotContains(t, string(body), "hooks.example.com", "secrets never echo")

	resp, body = e.get(t, "/control/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), string(router.ModeComplexity))
}

func TestMetrics_endpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	_, _ = e.post(t, "/v1/messages", `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, nil)

	resp, body := e.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relayplane_requests_total")
}
