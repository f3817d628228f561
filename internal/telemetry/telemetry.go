// Package telemetry keeps the recent-run window and the aggregate views
// served by /stats, /runs, and /v1/telemetry. Recording is in-memory and
// never blocks the request path; an optional Postgres mirror receives runs
// asynchronously.
package telemetry

import (
	"sync"

	"github.com/rs/zerolog"
)

type (
	// Run is one completed proxy exchange, successful or not.
	Run struct {
		ID             string  `json:"id"`
		TimestampMS    int64   `json:"timestampMs"`
		RequestedModel string  `json:"requestedModel"`
		ServedModel    string  `json:"servedModel"`
		TaskType       string  `json:"taskType,omitempty"`
		Complexity     string  `json:"complexity,omitempty"`
		CacheHit       bool    `json:"cacheHit"`
		Downgraded     bool    `json:"downgraded"`
		Escalations    int     `json:"escalations,omitempty"`
		TokensIn       int     `json:"tokensIn"`
		TokensOut      int     `json:"tokensOut"`
		CostUSD        float64 `json:"costUsd"`
		SavedUSD       float64 `json:"savedUsd"`
		DurationMS     int64   `json:"durationMs"`
		Status         int     `json:"status"`
		Error          string  `json:"error,omitempty"`
	}

	// ModelStats aggregates per served model.
	ModelStats struct {
		Requests  int     `json:"requests"`
		TokensIn  int     `json:"tokensIn"`
		TokensOut int     `json:"tokensOut"`
		CostUSD   float64 `json:"costUsd"`
	}

	// Stats is the /stats view: lifetime counters plus the recent window.
	Stats struct {
		Requests     int                   `json:"requests"`
		CacheHits    int                   `json:"cacheHits"`
		CacheHitRate float64               `json:"cacheHitRate"`
		Downgrades   int                   `json:"downgrades"`
		Escalations  int                   `json:"escalations"`
		Errors       int                   `json:"errors"`
		TokensIn     int                   `json:"tokensIn"`
		TokensOut    int                   `json:"tokensOut"`
		CostUSD      float64               `json:"costUsd"`
		SavedUSD     float64               `json:"savedUsd"`
		ByModel      map[string]ModelStats `json:"byModel"`
		ByTaskType   map[string]ModelStats `json:"byTaskType"`
	}

	// Savings breaks SavedUSD down by source for /v1/telemetry/savings.
	Savings struct {
		TotalUSD     float64 `json:"totalUsd"`
		CacheUSD     float64 `json:"cacheUsd"`
		DowngradeUSD float64 `json:"downgradeUsd"`
		CacheHits    int     `json:"cacheHits"`
		Downgrades   int     `json:"downgrades"`
	}

	// Recorder accumulates runs. Lifetime counters are never pruned; the
	// run ring holds the most recent window only.
	Recorder struct {
		mu     sync.Mutex
		ring   *runRing
		stats  Stats
		mirror *Mirror
		log    zerolog.Logger
	}
)

// ringLimit caps the recent-run window.
const ringLimit = 100

// NewRecorder creates a Recorder. mirror may be nil.
func NewRecorder(mirror *Mirror, log zerolog.Logger) *Recorder {
	return &Recorder{
		ring:   newRunRing(ringLimit),
		mirror: mirror,
		log:    log,
		stats: Stats{
			ByModel:    make(map[string]ModelStats),
			ByTaskType: make(map[string]ModelStats),
		},
	}
}

// Record folds one run into the window and the lifetime counters.
func (x *Recorder) Record(run Run) {
	x.mu.Lock()
	x.ring.Push(run)
	s := &x.stats
	s.Requests++
	s.TokensIn += run.TokensIn
	s.TokensOut += run.TokensOut
	s.CostUSD += run.CostUSD
	s.SavedUSD += run.SavedUSD
	if run.CacheHit {
		s.CacheHits++
	}
	if run.Downgraded {
		s.Downgrades++
	}
	s.Escalations += run.Escalations
	if run.Status >= 400 {
		s.Errors++
	}
	bump := func(m map[string]ModelStats, key string) {
		if key == "" {
			return
		}
		ms := m[key]
		ms.Requests++
		ms.TokensIn += run.TokensIn
		ms.TokensOut += run.TokensOut
		ms.CostUSD += run.CostUSD
		m[key] = ms
	}
	bump(s.ByModel, run.ServedModel)
	bump(s.ByTaskType, run.TaskType)
	x.mu.Unlock()

	x.mirror.Record(run)
}

// Recent returns up to n runs, newest first. n <= 0 returns the whole
// window.
func (x *Recorder) Recent(n int) []Run {
	x.mu.Lock()
	defer x.mu.Unlock()
	all := x.ring.Slice()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Run, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Snapshot returns a copy of the lifetime counters.
func (x *Recorder) Snapshot() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := x.stats
	if out.Requests > 0 {
		out.CacheHitRate = float64(out.CacheHits) / float64(out.Requests)
	}
	out.ByModel = make(map[string]ModelStats, len(x.stats.ByModel))
	for k, v := range x.stats.ByModel {
		out.ByModel[k] = v
	}
	out.ByTaskType = make(map[string]ModelStats, len(x.stats.ByTaskType))
	for k, v := range x.stats.ByTaskType {
		out.ByTaskType[k] = v
	}
	return out
}

// SavingsView attributes saved spend to its source using the recent
// window; lifetime totals come from the counters.
func (x *Recorder) SavingsView() Savings {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := Savings{
		TotalUSD:   x.stats.SavedUSD,
		CacheHits:  x.stats.CacheHits,
		Downgrades: x.stats.Downgrades,
	}
	for _, run := range x.ring.Slice() {
		switch {
		case run.CacheHit:
			out.CacheUSD += run.SavedUSD
		case run.Downgraded:
			out.DowngradeUSD += run.SavedUSD
		}
	}
	return out
}

// runRing is a bounded FIFO over power-of-2 storage, mask-indexed.
type runRing struct {
	s     []Run
	r, w  uint
	limit int
}

func newRunRing(limit int) *runRing {
	size := 1
	for size < limit {
		size <<= 1
	}
	return &runRing{s: make([]Run, size), limit: limit}
}

func (x *runRing) mask(val uint) uint {
	return val & (uint(len(x.s)) - 1)
}

func (x *runRing) Len() int {
	return int(x.w - x.r)
}

func (x *runRing) Push(run Run) {
	if x.Len() == x.limit {
		x.r++
	}
	x.s[x.mask(x.w)] = run
	x.w++
}

// Slice returns the entries oldest-first.
func (x *runRing) Slice() []Run {
	out := make([]Run, x.Len())
	for i := range out {
		out[i] = x.s[x.mask(x.r+uint(i))]
	}
	return out
}
