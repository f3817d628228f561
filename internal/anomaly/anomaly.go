// Package anomaly watches the recent request stream for pathological
// patterns: single runaway-cost requests, bursts far above the usual rate,
// agent loops replaying near-identical requests, and accelerating spend.
// All analysis is local and rule-based over a bounded trace ring.
package anomaly

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type (
	// Trace is one completed request, as recorded by the orchestrator.
	Trace struct {
		TimestampMS int64   `json:"timestampMs"`
		Model       string  `json:"model"`
		TokensIn    int     `json:"tokensIn"`
		TokensOut   int     `json:"tokensOut"`
		CostUSD     float64 `json:"costUsd"`
	}

	// Anomaly is one triggered detection.
	Anomaly struct {
		Type     string         `json:"type"`
		Severity string         `json:"severity"`
		Message  string         `json:"message"`
		Data     map[string]any `json:"data,omitempty"`
	}

	// Config tunes the detectors.
	Config struct {
		WindowSeconds       int     `json:"windowSeconds"`
		CostThresholdUSD    float64 `json:"costThresholdUsd"`
		VelocityThreshold   int     `json:"velocityThreshold"`
		RepetitionThreshold int     `json:"repetitionThreshold"`
	}

	// Detector holds the trace ring and the per-minute baseline. The ring is
	// the only shared state and mutates only inside RecordAndAnalyze.
	Detector struct {
		clock   clockwork.Clock
		ring    *traceRing
		buckets map[int64]int // minute bucket -> request count, for the baseline
		cfg     Config
		mu      sync.Mutex
	}
)

const (
	TypeTokenExplosion   = "token_explosion"
	TypeVelocitySpike    = "velocity_spike"
	TypeRepetition       = "repetition"
	TypeCostAcceleration = "cost_acceleration"

	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	ringLimit       = 100
	baselineBuckets = 60
)

// DefaultConfig mirrors the documented detector defaults.
func DefaultConfig() Config {
	return Config{
		WindowSeconds:       300,
		CostThresholdUSD:    5,
		VelocityThreshold:   30,
		RepetitionThreshold: 20,
	}
}

// New creates a Detector. A nil clock defaults to the real clock.
func New(cfg Config, clock clockwork.Clock) *Detector {
	def := DefaultConfig()
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = def.WindowSeconds
	}
	if cfg.CostThresholdUSD <= 0 {
		cfg.CostThresholdUSD = def.CostThresholdUSD
	}
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = def.VelocityThreshold
	}
	if cfg.RepetitionThreshold <= 0 {
		cfg.RepetitionThreshold = def.RepetitionThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		cfg:     cfg,
		clock:   clock,
		ring:    newTraceRing(ringLimit),
		buckets: make(map[int64]int),
	}
}

// RecordAndAnalyze appends the trace and runs every detector over the
// entries inside the configured window. The returned slice aggregates all
// triggered anomalies (possibly none).
func (x *Detector) RecordAndAnalyze(t Trace) []Anomaly {
	now := x.clock.Now()
	if t.TimestampMS == 0 {
		t.TimestampMS = now.UnixMilli()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.ring.Push(t)
	x.bumpBaseline(now)

	window := x.inWindow(now)

	var out []Anomaly
	if a := x.detectTokenExplosion(t); a != nil {
		out = append(out, *a)
	}
	if a := x.detectVelocitySpike(window); a != nil {
		out = append(out, *a)
	}
	if a := x.detectRepetition(window); a != nil {
		out = append(out, *a)
	}
	if a := x.detectCostAcceleration(window); a != nil {
		out = append(out, *a)
	}
	return out
}

// Check runs the window detectors over the current ring without recording
// anything. Used for read-only pre-flight inspection; the per-trace token
// explosion detector needs a trace and is skipped.
func (x *Detector) Check() []Anomaly {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	window := x.inWindow(now)

	var out []Anomaly
	if a := x.detectVelocitySpike(window); a != nil {
		out = append(out, *a)
	}
	if a := x.detectRepetition(window); a != nil {
		out = append(out, *a)
	}
	if a := x.detectCostAcceleration(window); a != nil {
		out = append(out, *a)
	}
	return out
}

// Recent returns up to n traces, newest last.
func (x *Detector) Recent(n int) []Trace {
	x.mu.Lock()
	defer x.mu.Unlock()
	all := x.ring.Slice()
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// inWindow returns ring entries within the detection window, oldest first.
func (x *Detector) inWindow(now time.Time) []Trace {
	cutoff := now.Add(-time.Duration(x.cfg.WindowSeconds) * time.Second).UnixMilli()
	var out []Trace
	for i := 0; i < x.ring.Len(); i++ {
		if t := x.ring.Get(i); t.TimestampMS >= cutoff {
			out = append(out, t)
		}
	}
	return out
}

// bumpBaseline records the request in its minute bucket and prunes buckets
// beyond the baseline horizon.
func (x *Detector) bumpBaseline(now time.Time) {
	minute := now.Unix() / 60
	x.buckets[minute]++
	horizon := minute - baselineBuckets
	for k := range x.buckets {
		if k < horizon {
			delete(x.buckets, k)
		}
	}
}

// baselinePerMinute averages request counts over the retained minute
// buckets. Zero means no baseline is available yet.
func (x *Detector) baselinePerMinute(now time.Time) float64 {
	minute := now.Unix() / 60
	var sum, n int
	for k, c := range x.buckets {
		if k < minute { // exclude the in-progress minute
			sum += c
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func (x *Detector) detectTokenExplosion(t Trace) *Anomaly {
	if t.CostUSD <= x.cfg.CostThresholdUSD {
		return nil
	}
	return &Anomaly{
		Type:     TypeTokenExplosion,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("single request cost $%.2f exceeds $%.2f threshold", t.CostUSD, x.cfg.CostThresholdUSD),
		Data: map[string]any{
			"model":     t.Model,
			"costUsd":   t.CostUSD,
			"tokensIn":  t.TokensIn,
			"tokensOut": t.TokensOut,
		},
	}
}

func (x *Detector) detectVelocitySpike(window []Trace) *Anomaly {
	count := len(window)
	trigger := count >= x.cfg.VelocityThreshold

	baseline := x.baselinePerMinute(x.clock.Now())
	if !trigger && baseline > 0 {
		windowMinutes := float64(x.cfg.WindowSeconds) / 60
		rate := float64(count) / windowMinutes
		trigger = rate > baseline*10
	}
	if !trigger {
		return nil
	}
	return &Anomaly{
		Type:     TypeVelocitySpike,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d requests within %ds window", count, x.cfg.WindowSeconds),
		Data:     map[string]any{"count": count, "baselinePerMinute": baseline},
	}
}

func (x *Detector) detectRepetition(window []Trace) *Anomaly {
	type bucketKey struct {
		model  string
		tokens int
	}
	buckets := make(map[bucketKey]int)
	for _, t := range window {
		total := t.TokensIn + t.TokensOut
		key := bucketKey{model: t.Model, tokens: (total + 50) / 100 * 100}
		buckets[key]++
		if buckets[key] >= x.cfg.RepetitionThreshold {
			return &Anomaly{
				Type:     TypeRepetition,
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("%d near-identical requests to %s, likely an agent loop", buckets[key], t.Model),
				Data:     map[string]any{"model": key.model, "tokenBucket": key.tokens, "count": buckets[key]},
			}
		}
	}
	return nil
}

func (x *Detector) detectCostAcceleration(window []Trace) *Anomaly {
	if len(window) < 10 {
		return nil
	}
	half := len(window) / 2
	first, second := window[:half], window[half:]

	firstRate := spendRate(first)
	secondRate := spendRate(second)
	secondCost := sumCost(second)

	if secondRate > 2*firstRate && secondCost > 1 {
		return &Anomaly{
			Type:     TypeCostAcceleration,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("spend rate accelerating: $%.4f/s -> $%.4f/s", firstRate, secondRate),
			Data:     map[string]any{"firstRate": firstRate, "secondRate": secondRate, "secondHalfCost": secondCost},
		}
	}
	return nil
}

// spendRate time-normalizes the summed cost of a span by its duration.
// Spans shorter than a second are treated as one second to avoid blowups.
func spendRate(span []Trace) float64 {
	if len(span) == 0 {
		return 0
	}
	durMS := span[len(span)-1].TimestampMS - span[0].TimestampMS
	if durMS < 1000 {
		durMS = 1000
	}
	return sumCost(span) / (float64(durMS) / 1000)
}

func sumCost(span []Trace) (total float64) {
	for _, t := range span {
		total += t.CostUSD
	}
	return
}
