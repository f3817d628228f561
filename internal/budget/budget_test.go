package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config, store *Store) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	m := NewManager(cfg, store, clock, zerolog.Nop())
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, clock
}

func TestManager_recordThenCheckIsMonotonic(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 100}, nil)

	amounts := []float64{0.25, 1.5, 0.03, 7}
	var sum, prev float64
	for _, a := range amounts {
		m.RecordSpend(a, "claude-sonnet-4-6")
		sum += a
		res := m.Check(0)
		require.GreaterOrEqual(t, res.CurrentDailySpend, prev+a)
		prev = res.CurrentDailySpend
	}
	res := m.Check(0)
	assert.InDelta(t, sum, res.CurrentDailySpend, 1e-9)
	assert.InDelta(t, sum, res.CurrentHourlySpend, 1e-9)
}

func TestManager_blockOnDailyBreach(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 1, OnBreach: ActionBlock}, nil)

	m.RecordSpend(1.00, "claude-sonnet-4-6")
	res := m.Check(0)
	assert.False(t, res.Allowed)
	assert.True(t, res.Breached)
	assert.Equal(t, BreachDaily, res.BreachType)
	assert.Equal(t, ActionBlock, res.Action)
}

func TestManager_nonBlockActionsAllow(t *testing.T) {
	for _, action := range []string{ActionWarn, ActionDowngrade, ActionAlert} {
		t.Run(action, func(t *testing.T) {
			m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 1, OnBreach: action}, nil)
			m.RecordSpend(2, "m")
			res := m.Check(0)
			assert.True(t, res.Allowed)
			assert.True(t, res.Breached)
			assert.Equal(t, action, res.Action)
		})
	}
}

func TestManager_perRequestBreachChecksFirst(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 1, PerRequestUSD: 0.5, OnBreach: ActionBlock}, nil)

	// Daily is also breached, but the estimated-cost check runs first.
	m.RecordSpend(5, "m")
	res := m.Check(0.75)
	assert.Equal(t, BreachPerRequest, res.BreachType)
	assert.False(t, res.Allowed)
}

func TestManager_hourlyBreach(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, HourlyUSD: 1, OnBreach: ActionBlock}, nil)
	m.RecordSpend(1.5, "m")
	res := m.Check(0)
	assert.Equal(t, BreachHourly, res.BreachType)
	assert.False(t, res.Allowed)
}

func TestManager_disabled(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: false, DailyUSD: 1}, nil)
	m.RecordSpend(100, "m")
	res := m.Check(0)
	assert.True(t, res.Allowed)
	assert.False(t, res.Breached)
}

func TestManager_thresholds(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 10}, nil)

	m.RecordSpend(5.5, "m") // 55%
	res := m.Check(0)
	require.Equal(t, []float64{50}, res.ThresholdsCrossed)

	// Until marked fired, the threshold keeps reporting.
	res = m.Check(0)
	require.Equal(t, []float64{50}, res.ThresholdsCrossed)

	m.MarkThresholdFired(50)
	res = m.Check(0)
	assert.Empty(t, res.ThresholdsCrossed)

	m.RecordSpend(4, "m") // 95%
	res = m.Check(0)
	assert.Equal(t, []float64{80, 95}, res.ThresholdsCrossed)
}

func TestManager_dailyRolloverResetsCacheAndThresholds(t *testing.T) {
	m, clock := newTestManager(t, Config{Enabled: true, DailyUSD: 10}, nil)

	m.RecordSpend(9, "m")
	m.MarkThresholdFired(50)
	m.MarkThresholdFired(80)

	clock.Advance(24 * time.Hour)
	res := m.Check(0)
	assert.Zero(t, res.CurrentDailySpend)
	assert.Zero(t, res.CurrentHourlySpend)

	// Thresholds fire again in the new window.
	m.RecordSpend(6, "m")
	res = m.Check(0)
	assert.Equal(t, []float64{50}, res.ThresholdsCrossed)
}

func TestManager_hourlyRolloverKeepsDaily(t *testing.T) {
	m, clock := newTestManager(t, Config{Enabled: true, DailyUSD: 10, HourlyUSD: 5}, nil)

	m.RecordSpend(3, "m")
	clock.Advance(time.Hour)
	res := m.Check(0)
	assert.InDelta(t, 3, res.CurrentDailySpend, 1e-9)
	assert.Zero(t, res.CurrentHourlySpend)
}

func TestManager_writeBehindFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "budget.db"))
	require.NoError(t, err)
	defer store.Close()

	m, clock := newTestManager(t, Config{Enabled: true, DailyUSD: 100}, store)

	m.RecordSpend(1.25, "claude-sonnet-4-6")
	m.RecordSpend(0.75, "gpt-4o")
	m.Flush()

	records, err := store.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "claude-sonnet-4-6", records[0].Model)

	daily, _ := windowKeys(clock.Now())
	total, err := store.DailyTotal(daily)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, total, 1e-9)

	// A second manager over the same store sees the durable sum.
	m2 := NewManager(Config{Enabled: true, DailyUSD: 100}, store, clockwork.NewFakeClockAt(clock.Now()), zerolog.Nop())
	defer m2.Close(context.Background())
	res := m2.Check(0)
	assert.InDelta(t, 2.0, res.CurrentDailySpend, 1e-9)
}

func TestManager_closeFlushesSynchronously(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	defer store.Close()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	m := NewManager(Config{Enabled: true}, store, clock, zerolog.Nop())

	m.RecordSpend(0.5, "m")
	require.NoError(t, m.Close(context.Background()))

	records, err := store.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestWindowKeys_utc(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 45, 0, 0, time.FixedZone("plus5", 5*3600))
	daily, hourly := windowKeys(now)
	assert.Equal(t, "2026-03-01", daily)
	assert.Equal(t, "2026-03-01T18", hourly)
}

func TestManager_checkFastPathLatency(t *testing.T) {
	m, _ := newTestManager(t, Config{Enabled: true, DailyUSD: 100}, nil)
	for i := 0; i < 1000; i++ {
		m.RecordSpend(0.001, "m")
	}
	start := time.Now()
	for i := 0; i < 100; i++ {
		m.Check(0.01)
	}
	if avg := time.Since(start) / 100; avg > 5*time.Millisecond {
		t.Fatalf("fast-path check averaged %v, want < 5ms", avg)
	}
}
