// Package cooldown quarantines upstream providers that fail repeatedly.
// Failures are tracked per provider in a sliding window; once the window
// holds the allowed number of failures the provider is cooled for a fixed
// duration. A success clears the counter outright.
package cooldown

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type (
	// Config controls failure accounting.
	Config struct {
		AllowedFails    int `json:"allowedFails"`
		WindowSeconds   int `json:"windowSeconds"`
		CooldownSeconds int `json:"cooldownSeconds"`
	}

	// Tracker is the per-process cooldown state. Safe for concurrent use.
	Tracker struct {
		clock     clockwork.Clock
		providers map[string]*record
		cfg       Config
		mu        sync.Mutex
	}

	record struct {
		failures    []time.Time
		cooledUntil time.Time
	}

	// Status is a point-in-time view of one provider, for /stats.
	Status struct {
		Provider       string    `json:"provider"`
		RecentFailures int       `json:"recentFailures"`
		Cooled         bool      `json:"cooled"`
		CooledUntil    time.Time `json:"cooledUntil,omitzero"`
	}
)

// DefaultConfig allows 3 failures per minute before a five-minute cooldown.
func DefaultConfig() Config {
	return Config{AllowedFails: 3, WindowSeconds: 60, CooldownSeconds: 300}
}

// New creates a Tracker. A nil clock defaults to the real clock.
func New(cfg Config, clock clockwork.Clock) *Tracker {
	if cfg.AllowedFails <= 0 {
		cfg.AllowedFails = DefaultConfig().AllowedFails
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultConfig().WindowSeconds
	}
	if cfg.CooldownSeconds <= 0 {
		cfg.CooldownSeconds = DefaultConfig().CooldownSeconds
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		cfg:       cfg,
		clock:     clock,
		providers: make(map[string]*record),
	}
}

// RecordFailure registers a failure and reports whether the provider is now
// (or already was) cooled.
func (x *Tracker) RecordFailure(provider string) bool {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	rec := x.providers[provider]
	if rec == nil {
		rec = &record{}
		x.providers[provider] = rec
	}

	rec.prune(now, x.window())
	rec.failures = append(rec.failures, now)

	if len(rec.failures) >= x.cfg.AllowedFails && now.After(rec.cooledUntil) {
		rec.cooledUntil = now.Add(time.Duration(x.cfg.CooldownSeconds) * time.Second)
	}
	return now.Before(rec.cooledUntil)
}

// RecordSuccess clears the failure counter and any active cooldown.
func (x *Tracker) RecordSuccess(provider string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.providers, provider)
}

// Available reports whether the provider may be selected right now.
func (x *Tracker) Available(provider string) bool {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	rec := x.providers[provider]
	if rec == nil {
		return true
	}
	return !now.Before(rec.cooledUntil)
}

// CooledUntil returns the quarantine deadline, if the provider is cooled.
func (x *Tracker) CooledUntil(provider string) (time.Time, bool) {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	rec := x.providers[provider]
	if rec == nil || !now.Before(rec.cooledUntil) {
		return time.Time{}, false
	}
	return rec.cooledUntil, true
}

// Snapshot returns the current state of every tracked provider, sorted by
// provider name.
func (x *Tracker) Snapshot() []Status {
	now := x.clock.Now()

	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]Status, 0, len(x.providers))
	for name, rec := range x.providers {
		rec.prune(now, x.window())
		s := Status{Provider: name, RecentFailures: len(rec.failures)}
		if now.Before(rec.cooledUntil) {
			s.Cooled = true
			s.CooledUntil = rec.cooledUntil
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (x *Tracker) window() time.Duration {
	return time.Duration(x.cfg.WindowSeconds) * time.Second
}

// prune drops failures that have slid out of the window. Timestamps are
// appended in order, so a single scan from the front suffices.
func (r *record) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(r.failures) && !r.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.failures = append(r.failures[:0], r.failures[i:]...)
	}
}
