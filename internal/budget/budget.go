// Package budget enforces rolling daily and hourly spend limits. The check
// path is memory-only and cheap enough to sit in front of every request; the
// record path updates memory synchronously and persists through a
// write-behind queue flushed roughly once a second.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type (
	// Config is the budget policy.
	Config struct {
		Enabled       bool      `json:"enabled"`
		DailyUSD      float64   `json:"dailyUsd"`
		HourlyUSD     float64   `json:"hourlyUsd"`
		PerRequestUSD float64   `json:"perRequestUsd"`
		OnBreach      string    `json:"onBreach"`
		Thresholds    []float64 `json:"thresholds,omitempty"`
	}

	// Record is one spend event. Append-only; never mutated.
	Record struct {
		AmountUSD   float64 `json:"amountUsd"`
		Model       string  `json:"model"`
		Daily       string  `json:"daily"`
		Hourly      string  `json:"hourly"`
		TimestampMS int64   `json:"timestampMs"`
	}

	// CheckResult is the fast-path verdict.
	CheckResult struct {
		Allowed            bool      `json:"allowed"`
		Breached           bool      `json:"breached"`
		BreachType         string    `json:"breachType"`
		Action             string    `json:"action"`
		CurrentDailySpend  float64   `json:"currentDailySpend"`
		CurrentHourlySpend float64   `json:"currentHourlySpend"`
		ThresholdsCrossed  []float64 `json:"thresholdsCrossed,omitempty"`
	}

	// Manager owns the in-memory spend cache and the write-behind queue.
	// The in-memory view leads durable state, never lags it: RecordSpend
	// updates the cache before the record reaches the queue.
	Manager struct {
		clock clockwork.Clock
		log   zerolog.Logger
		store *Store

		mu          sync.Mutex
		cfg         Config
		dailyKey    string
		hourlyKey   string
		dailySpend  float64
		hourlySpend float64
		fired       map[float64]bool
		queue       []Record

		flushStop chan struct{}
		flushDone chan struct{}
		stopOnce  sync.Once
		warnOnce  sync.Once
	}
)

const (
	BreachNone       = "none"
	BreachDaily      = "daily"
	BreachHourly     = "hourly"
	BreachPerRequest = "per-request"

	ActionBlock     = "block"
	ActionWarn      = "warn"
	ActionDowngrade = "downgrade"
	ActionAlert     = "alert"

	flushInterval = time.Second
)

// DefaultThresholds are the percentages at which threshold alerts fire.
var DefaultThresholds = []float64{50, 80, 95}

// NewManager creates a Manager. store may be nil (memory-only mode); clock
// may be nil (real clock). The flush loop starts immediately and must be
// stopped with Close.
func NewManager(cfg Config, store *Store, clock clockwork.Clock, log zerolog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.OnBreach == "" {
		cfg.OnBreach = ActionBlock
	}
	x := &Manager{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		log:       log,
		fired:     make(map[float64]bool),
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	x.ensureWindowsLocked() // initial keys; lock not yet contended
	go x.flushLoop()
	return x
}

// windowKeys computes the UTC daily and hourly keys for now.
func windowKeys(now time.Time) (daily, hourly string) {
	utc := now.UTC()
	return utc.Format("2006-01-02"), utc.Format("2006-01-02T15")
}

// ensureWindowsLocked recomputes the window keys and, on rollover, reloads
// the cached sums from durable storage and clears the fired-thresholds set
// for the daily window. Caller must hold mu (or be the constructor).
func (x *Manager) ensureWindowsLocked() {
	daily, hourly := windowKeys(x.clock.Now())

	if daily != x.dailyKey {
		x.dailyKey = daily
		x.dailySpend = x.reload(daily, true)
		x.fired = make(map[float64]bool)
	}
	if hourly != x.hourlyKey {
		x.hourlyKey = hourly
		x.hourlySpend = x.reload(hourly, false)
	}
}

func (x *Manager) reload(window string, daily bool) float64 {
	if x.store == nil {
		return 0
	}
	var (
		total float64
		err   error
	)
	if daily {
		total, err = x.store.DailyTotal(window)
	} else {
		total, err = x.store.HourlyTotal(window)
	}
	if err != nil {
		x.log.Warn().Err(err).Str("window", window).Msg("budget window reload failed")
		return 0
	}
	return total
}

// Check is the fast path. It never touches I/O: the verdict comes from the
// in-memory cache and the config alone. estimatedCost <= 0 skips the
// per-request check.
func (x *Manager) Check(estimatedCost float64) CheckResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.ensureWindowsLocked()

	res := CheckResult{
		Allowed:            true,
		BreachType:         BreachNone,
		Action:             x.cfg.OnBreach,
		CurrentDailySpend:  x.dailySpend,
		CurrentHourlySpend: x.hourlySpend,
	}

	if !x.cfg.Enabled {
		res.Action = ""
		return res
	}

	switch {
	case estimatedCost > 0 && x.cfg.PerRequestUSD > 0 && estimatedCost > x.cfg.PerRequestUSD:
		res.Breached = true
		res.BreachType = BreachPerRequest
	case x.cfg.DailyUSD > 0 && x.dailySpend >= x.cfg.DailyUSD:
		res.Breached = true
		res.BreachType = BreachDaily
	case x.cfg.HourlyUSD > 0 && x.hourlySpend >= x.cfg.HourlyUSD:
		res.Breached = true
		res.BreachType = BreachHourly
	}

	if res.Breached && x.cfg.OnBreach == ActionBlock {
		res.Allowed = false
	}
	if !res.Breached {
		res.Action = ""
	}

	if x.cfg.DailyUSD > 0 {
		pct := x.dailySpend / x.cfg.DailyUSD * 100
		for _, threshold := range x.cfg.Thresholds {
			if pct >= threshold && !x.fired[threshold] {
				res.ThresholdsCrossed = append(res.ThresholdsCrossed, threshold)
			}
		}
	}

	return res
}

// MarkThresholdFired suppresses further emissions of a crossed threshold
// within the current daily window.
func (x *Manager) MarkThresholdFired(threshold float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.fired[threshold] = true
}

// RecordSpend applies the spend to the in-memory cache synchronously and
// queues the durable record for the next flush.
func (x *Manager) RecordSpend(amountUSD float64, model string) {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	x.ensureWindowsLocked()
	x.dailySpend += amountUSD
	x.hourlySpend += amountUSD

	if x.store == nil {
		return
	}
	x.queue = append(x.queue, Record{
		AmountUSD:   amountUSD,
		Model:       model,
		Daily:       x.dailyKey,
		Hourly:      x.hourlyKey,
		TimestampMS: now.UnixMilli(),
	})
}

// DailyUtilizationPercent returns spend as a percentage of the daily limit,
// or 0 when no limit is configured.
func (x *Manager) DailyUtilizationPercent() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureWindowsLocked()
	if x.cfg.DailyUSD <= 0 {
		return 0
	}
	return x.dailySpend / x.cfg.DailyUSD * 100
}

// Config returns the active budget policy.
func (x *Manager) Config() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg
}

// SetConfig swaps the budget policy at runtime.
func (x *Manager) SetConfig(cfg Config) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.OnBreach == "" {
		cfg.OnBreach = ActionBlock
	}
	x.cfg = cfg
}

// Reset clears in-memory and durable spend state.
func (x *Manager) Reset() error {
	x.mu.Lock()
	x.dailySpend = 0
	x.hourlySpend = 0
	x.queue = nil
	x.fired = make(map[float64]bool)
	x.mu.Unlock()

	if x.store != nil {
		return x.store.Reset()
	}
	return nil
}

// flushLoop drains the write-behind queue on a ticker until Close.
func (x *Manager) flushLoop() {
	defer close(x.flushDone)
	ticker := x.clock.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			x.Flush()
		case <-x.flushStop:
			return
		}
	}
}

// Flush synchronously drains the queue to durable storage. Safe to call at
// any time; a store failure re-queues the batch and warns once.
func (x *Manager) Flush() {
	x.mu.Lock()
	batch := x.queue
	x.queue = nil
	x.mu.Unlock()

	if len(batch) == 0 || x.store == nil {
		return
	}
	if err := x.store.AppendBatch(batch); err != nil {
		x.warnOnce.Do(func() {
			x.log.Warn().Err(err).Msg("budget flush failed, spend accounting degraded to memory-only")
		})
		x.mu.Lock()
		x.queue = append(batch, x.queue...)
		x.mu.Unlock()
	}
}

// Close stops the flush loop and flushes whatever remains.
func (x *Manager) Close(ctx context.Context) error {
	x.stopOnce.Do(func() { close(x.flushStop) })
	select {
	case <-x.flushDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	x.Flush()
	return nil
}
