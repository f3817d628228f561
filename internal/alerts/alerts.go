// Package alerts owns the deduplicated alert stream: budget thresholds,
// anomalies and budget breaches are folded into Alert records, retained for
// a bounded history, and optionally pushed to a webhook. Webhook delivery is
// fire-and-forget; it never affects the request path.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/relayplane/relayplane/internal/anomaly"
)

type (
	// Alert is a single emitted event. Immutable after creation except for
	// the Delivered flag, which flips after a successful webhook POST.
	Alert struct {
		ID          string         `json:"id"`
		Type        string         `json:"type"`
		Severity    string         `json:"severity"`
		Message     string         `json:"message"`
		TimestampMS int64          `json:"timestampMs"`
		Data        map[string]any `json:"data,omitempty"`
		Delivered   bool           `json:"delivered"`
	}

	// Config controls dedup, retention and webhook delivery.
	Config struct {
		WebhookURL      string `json:"webhookUrl,omitempty"`
		MaxHistory      int    `json:"maxHistory"`
		CooldownSeconds int    `json:"cooldownSeconds"`
	}

	// Manager is the alert store plus dedup state. Safe for concurrent use;
	// webhook POSTs happen outside the lock.
	Manager struct {
		clock     clockwork.Clock
		log       zerolog.Logger
		store     *Store
		client    *http.Client
		lastFired map[string]time.Time
		history   []Alert
		cfg       Config
		mu        sync.Mutex
	}
)

const (
	TypeThreshold = "threshold"
	TypeAnomaly   = "anomaly"
	TypeBreach    = "breach"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	webhookTimeout = 10 * time.Second
)

// DefaultConfig keeps 500 alerts and dedups per key for five minutes.
func DefaultConfig() Config {
	return Config{MaxHistory: 500, CooldownSeconds: 300}
}

// NewManager creates a Manager. store may be nil (memory-only mode) and
// clock may be nil (real clock).
func NewManager(cfg Config, store *Store, clock clockwork.Clock, log zerolog.Logger) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultConfig().MaxHistory
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultConfig().CooldownSeconds
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		log:       log,
		client:    &http.Client{Timeout: webhookTimeout},
		lastFired: make(map[string]time.Time),
	}
}

// FireThreshold emits a budget-threshold alert, deduped per percentage.
// Returns nil when suppressed by the cooldown.
func (x *Manager) FireThreshold(pct float64, dailySpend, dailyLimit float64) *Alert {
	severity := SeverityInfo
	if pct >= 95 {
		severity = SeverityCritical
	} else if pct >= 80 {
		severity = SeverityWarning
	}
	return x.fire(fmt.Sprintf("threshold:%g", pct), Alert{
		Type:     TypeThreshold,
		Severity: severity,
		Message:  fmt.Sprintf("daily budget %g%% threshold crossed ($%.2f of $%.2f)", pct, dailySpend, dailyLimit),
		Data:     map[string]any{"percent": pct, "dailySpend": dailySpend, "dailyLimit": dailyLimit},
	})
}

// FireAnomaly emits an alert for a detector result, deduped per anomaly type.
func (x *Manager) FireAnomaly(a anomaly.Anomaly) *Alert {
	return x.fire("anomaly:"+a.Type, Alert{
		Type:     TypeAnomaly,
		Severity: a.Severity,
		Message:  a.Message,
		Data:     a.Data,
	})
}

// FireBreach emits a budget-breach alert, deduped per breach type.
func (x *Manager) FireBreach(breachType, action string, dailySpend float64) *Alert {
	return x.fire("breach:"+breachType, Alert{
		Type:     TypeBreach,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("%s budget breached, action=%s", breachType, action),
		Data:     map[string]any{"breachType": breachType, "action": action, "dailySpend": dailySpend},
	})
}

func (x *Manager) fire(dedupKey string, a Alert) *Alert {
	now := x.clock.Now()
	cooldown := time.Duration(x.cfg.CooldownSeconds) * time.Second

	x.mu.Lock()
	if last, ok := x.lastFired[dedupKey]; ok && now.Sub(last) < cooldown {
		x.mu.Unlock()
		return nil
	}
	x.lastFired[dedupKey] = now

	a.ID = uuid.NewString()
	a.TimestampMS = now.UnixMilli()

	x.history = append(x.history, a)
	if len(x.history) > x.cfg.MaxHistory {
		x.history = x.history[len(x.history)-x.cfg.MaxHistory:]
	}
	webhookURL := x.cfg.WebhookURL
	x.mu.Unlock()

	if x.store != nil {
		if err := x.store.Append(a, x.cfg.MaxHistory); err != nil {
			x.log.Warn().Err(err).Msg("alert store append failed, continuing in memory")
		}
	}

	if webhookURL != "" {
		go x.deliver(webhookURL, a)
	}

	x.log.Info().
		Str("alert_id", a.ID).
		Str("type", a.Type).
		Str("severity", a.Severity).
		Msg(a.Message)

	return &a
}

// deliver POSTs the alert to the webhook. Failures are logged and dropped;
// on success the Delivered flag is flipped in memory and, best-effort, in
// the store.
func (x *Manager) deliver(url string, a Alert) {
	body, err := json.Marshal(map[string]any{"source": "relayplane", "alert": a})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		x.log.Warn().Err(err).Str("alert_id", a.ID).Msg("alert webhook delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		x.log.Warn().Int("status", resp.StatusCode).Str("alert_id", a.ID).Msg("alert webhook rejected")
		return
	}

	x.mu.Lock()
	for i := range x.history {
		if x.history[i].ID == a.ID {
			x.history[i].Delivered = true
			break
		}
	}
	x.mu.Unlock()

	if x.store != nil {
		a.Delivered = true
		_ = x.store.Update(a)
	}
}

// History returns up to n recent alerts, newest last.
func (x *Manager) History(n int) []Alert {
	x.mu.Lock()
	defer x.mu.Unlock()
	h := x.history
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]Alert, len(h))
	copy(out, h)
	return out
}

// Count returns the number of retained alerts.
func (x *Manager) Count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.history)
}
