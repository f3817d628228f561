// Package cache is the deterministic response cache: content-addressed keys
// over a canonical subset of the request, an in-memory LRU bounded by bytes,
// gzipped bodies on disk, and a durable bbolt index tying the two together.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type (
	// Config controls keying, TTLs and the storage tiers.
	Config struct {
		Enabled               bool           `json:"enabled"`
		Mode                  Mode           `json:"mode"`
		OnlyWhenDeterministic bool           `json:"onlyWhenDeterministic"`
		MaxMemoryBytes        int64          `json:"maxMemoryBytes"`
		TTLSeconds            int            `json:"ttlSeconds,omitempty"`
		TTLByTaskType         map[string]int `json:"ttlByTaskType,omitempty"`
		Dir                   string         `json:"-"`
	}

	// Stats are the running counters, snapshotted for /stats.
	Stats struct {
		Hits           int64              `json:"hits"`
		Misses         int64              `json:"misses"`
		Bypasses       int64              `json:"bypasses"`
		SavedCostUSD   float64            `json:"savedCostUsd"`
		SizeBytes      int64              `json:"sizeBytes"`
		MemoryEntries  int                `json:"memoryEntries"`
		HitsByModel    map[string]int64   `json:"hitsByModel,omitempty"`
		EntriesByModel map[string]int64   `json:"entriesByModel,omitempty"`
		HitsByTask     map[string]int64   `json:"hitsByTask,omitempty"`
		EntriesByTask  map[string]int64   `json:"entriesByTask,omitempty"`
	}

	memEntry struct {
		body []byte
		meta Metadata
	}

	// Cache is the three-tier response cache. All map state is guarded by a
	// single mutex; disk and index writes happen write-through on insert.
	Cache struct {
		clock clockwork.Clock
		log   zerolog.Logger
		disk  *diskStore
		index *Index

		mu        sync.Mutex
		cfg       Config
		memory    *lru.Cache[string, *memEntry]
		sizeBytes int64
		stats     Stats
	}
)

const (
	defaultMaxMemoryBytes = 100 << 20 // 100 MB

	defaultExactTTL      = time.Hour
	defaultAggressiveTTL = 30 * time.Minute

	// lruSlots bounds entry count; the byte budget is the real limit.
	lruSlots = 1 << 16
)

// DefaultConfig is exact-mode caching of deterministic requests with a
// 100 MB memory tier.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Mode:                  ModeExact,
		OnlyWhenDeterministic: true,
		MaxMemoryBytes:        defaultMaxMemoryBytes,
	}
}

// New creates a Cache. dir == "" disables the disk tier; index may be nil
// (memory-only mode). The startup sweep runs before New returns.
func New(cfg Config, index *Index, clock clockwork.Clock, log zerolog.Logger) (*Cache, error) {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeExact
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	x := &Cache{cfg: cfg, index: index, clock: clock, log: log}

	mem, err := lru.NewWithEvict[string, *memEntry](lruSlots, func(_ string, e *memEntry) {
		// Runs under x.mu via Add/Remove callers.
		x.sizeBytes -= int64(len(e.body))
	})
	if err != nil {
		return nil, err
	}
	x.memory = mem

	if cfg.Dir != "" {
		disk, err := newDiskStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		x.disk = disk
	}

	x.startupSweep()
	return x, nil
}

// TTLFor resolves the TTL for a task type: per-task override, then the
// configured default, then the mode default.
func (x *Cache) TTLFor(taskType string) time.Duration {
	x.mu.Lock()
	defer x.mu.Unlock()
	if secs, ok := x.cfg.TTLByTaskType[taskType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if x.cfg.TTLSeconds > 0 {
		return time.Duration(x.cfg.TTLSeconds) * time.Second
	}
	if x.cfg.Mode == ModeAggressive {
		return defaultAggressiveTTL
	}
	return defaultExactTTL
}

// Mode returns the active keying mode.
func (x *Cache) Mode() Mode {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg.Mode
}

// Config returns the active cache configuration.
func (x *Cache) Config() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg
}

// SetConfig swaps the cache configuration at runtime. The memory tier is
// re-bounded against the (possibly smaller) byte budget.
func (x *Cache) SetConfig(cfg Config) {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = defaultMaxMemoryBytes
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cfg.Enabled = cfg.Enabled
	x.cfg.Mode = cfg.Mode
	x.cfg.OnlyWhenDeterministic = cfg.OnlyWhenDeterministic
	x.cfg.MaxMemoryBytes = cfg.MaxMemoryBytes
	x.cfg.TTLSeconds = cfg.TTLSeconds
	x.cfg.TTLByTaskType = cfg.TTLByTaskType
	x.evictToBudgetLocked()
}

// Get looks up a key: memory first, then index + disk with promotion into
// memory. The boolean reports a usable, unexpired hit.
func (x *Cache) Get(key string) ([]byte, Metadata, bool) {
	now := x.clock.Now()

	x.mu.Lock()
	if e, ok := x.memory.Get(key); ok {
		if now.Before(e.meta.ExpiresAt) {
			e.meta.HitCount++
			x.recordHitLocked(e.meta)
			body, meta := e.body, e.meta
			x.mu.Unlock()
			x.touchIndex(key, meta)
			return body, meta, true
		}
		x.memory.Remove(key)
	}
	x.stats.Misses++
	x.mu.Unlock()

	if x.index == nil || x.disk == nil {
		return nil, Metadata{}, false
	}

	meta, ok, err := x.index.Get(key)
	if err != nil || !ok {
		return nil, Metadata{}, false
	}
	if !now.Before(meta.ExpiresAt) {
		// Lazy expiry: drop the row and the file.
		_ = x.index.Delete(key)
		_ = x.disk.Delete(key)
		return nil, Metadata{}, false
	}
	body, err := x.disk.Read(key)
	if err != nil {
		// Index row without a readable file; heal the index.
		_ = x.index.Delete(key)
		return nil, Metadata{}, false
	}

	meta.HitCount++

	x.mu.Lock()
	x.stats.Misses-- // the miss counted above became a disk hit
	x.recordHitLocked(meta)
	x.insertMemoryLocked(key, &memEntry{body: body, meta: meta})
	x.mu.Unlock()

	x.touchIndex(key, meta)
	return body, meta, true
}

// RecordBypass counts a request that skipped the cache.
func (x *Cache) RecordBypass() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stats.Bypasses++
}

// Set inserts an entry into all tiers. The memory byte budget holds by the
// time Set returns; disk and index writes respect ctx (callers pass a
// short deadline and may run Set off the request path).
func (x *Cache) Set(ctx context.Context, key string, body []byte, meta Metadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = x.clock.Now()
	}
	if meta.ExpiresAt.IsZero() {
		meta.ExpiresAt = meta.CreatedAt.Add(x.TTLFor(meta.TaskType))
	}
	meta.Size = len(body)

	x.mu.Lock()
	x.insertMemoryLocked(key, &memEntry{body: append([]byte(nil), body...), meta: meta})
	if x.stats.EntriesByModel == nil {
		x.stats.EntriesByModel = make(map[string]int64)
		x.stats.EntriesByTask = make(map[string]int64)
	}
	x.stats.EntriesByModel[meta.Model]++
	x.stats.EntriesByTask[meta.TaskType]++
	x.mu.Unlock()

	if x.disk == nil || x.index == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := x.disk.Write(key, body); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return x.index.Put(key, meta)
}

// insertMemoryLocked adds to the LRU and evicts oldest entries until the
// byte budget holds. Bodies larger than the whole budget skip memory.
func (x *Cache) insertMemoryLocked(key string, e *memEntry) {
	if int64(len(e.body)) > x.cfg.MaxMemoryBytes {
		return
	}
	if old, ok := x.memory.Peek(key); ok {
		x.sizeBytes -= int64(len(old.body))
	}
	x.memory.Add(key, e)
	x.sizeBytes += int64(len(e.body))
	x.evictToBudgetLocked()
}

func (x *Cache) evictToBudgetLocked() {
	for x.sizeBytes > x.cfg.MaxMemoryBytes && x.memory.Len() > 0 {
		x.memory.RemoveOldest()
	}
}

func (x *Cache) recordHitLocked(meta Metadata) {
	x.stats.Hits++
	x.stats.SavedCostUSD += meta.CostUSD
	if x.stats.HitsByModel == nil {
		x.stats.HitsByModel = make(map[string]int64)
		x.stats.HitsByTask = make(map[string]int64)
	}
	x.stats.HitsByModel[meta.Model]++
	x.stats.HitsByTask[meta.TaskType]++
}

// touchIndex persists the bumped hit count, best-effort and off the lock.
func (x *Cache) touchIndex(key string, meta Metadata) {
	if x.index == nil {
		return
	}
	go func() { _ = x.index.Put(key, meta) }()
}

// Delete removes a key from every tier.
func (x *Cache) Delete(key string) {
	x.mu.Lock()
	x.memory.Remove(key)
	x.mu.Unlock()
	if x.index != nil {
		_ = x.index.Delete(key)
	}
	if x.disk != nil {
		_ = x.disk.Delete(key)
	}
}

// Clear empties every tier and resets counters.
func (x *Cache) Clear() {
	x.mu.Lock()
	x.memory.Purge()
	x.sizeBytes = 0
	x.stats = Stats{}
	x.mu.Unlock()

	if x.index != nil {
		keys, _ := x.index.Keys()
		_ = x.index.Clear()
		if x.disk != nil {
			for _, k := range keys {
				_ = x.disk.Delete(k)
			}
		}
	}
}

// Cleanup removes expired entries from every tier and returns how many
// index rows were dropped.
func (x *Cache) Cleanup() int {
	now := x.clock.Now()

	x.mu.Lock()
	for _, key := range x.memory.Keys() {
		if e, ok := x.memory.Peek(key); ok && !now.Before(e.meta.ExpiresAt) {
			x.memory.Remove(key)
		}
	}
	x.mu.Unlock()

	if x.index == nil {
		return 0
	}
	var expired []string
	_ = x.index.Each(func(key string, meta Metadata) error {
		if !now.Before(meta.ExpiresAt) {
			expired = append(expired, key)
		}
		return nil
	})
	for _, key := range expired {
		_ = x.index.Delete(key)
		if x.disk != nil {
			_ = x.disk.Delete(key)
		}
	}
	return len(expired)
}

// startupSweep enforces the disk/index invariant: expired rows are removed
// with their files, and orphan files without an index row are deleted.
func (x *Cache) startupSweep() {
	if x.index == nil || x.disk == nil {
		return
	}
	removed := x.Cleanup()

	indexed := make(map[string]bool)
	_ = x.index.Each(func(key string, _ Metadata) error {
		indexed[key] = true
		return nil
	})
	files, err := x.disk.Keys()
	if err != nil {
		return
	}
	orphans := 0
	for _, key := range files {
		if !indexed[key] {
			_ = x.disk.Delete(key)
			orphans++
		}
	}
	if removed > 0 || orphans > 0 {
		x.log.Debug().Int("expired", removed).Int("orphans", orphans).Msg("cache startup sweep")
	}
}

// SizeBytes returns the current memory-tier footprint.
func (x *Cache) SizeBytes() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.sizeBytes
}

// Snapshot returns a copy of the running counters.
func (x *Cache) Snapshot() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.stats
	s.SizeBytes = x.sizeBytes
	s.MemoryEntries = x.memory.Len()
	s.HitsByModel = copyMap(x.stats.HitsByModel)
	s.EntriesByModel = copyMap(x.stats.EntriesByModel)
	s.HitsByTask = copyMap(x.stats.HitsByTask)
	s.EntriesByTask = copyMap(x.stats.EntriesByTask)
	return s
}

func copyMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
