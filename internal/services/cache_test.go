package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/metrics"
	"github.com/bobby-s-dev/sky-events/internal/models"
)

func newTestCache(t *testing.T, capacity int, days DayComputer, opts ...CacheOption) *DailyResultCache {
	t.Helper()
	c, err := NewDailyResultCache(capacity, days, testCities, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNewDailyResultCache_Validation(t *testing.T) {
	_, err := NewDailyResultCache(0, newFakeDays(), testCities, zap.NewNop())
	assert.Error(t, err)

	_, err = NewDailyResultCache(3, nil, testCities, zap.NewNop())
	assert.Error(t, err)
}

func TestDailyResultCache_MissComputesEveryCity(t *testing.T) {
	days := newFakeDays()
	c := newTestCache(t, 3, days)

	results, err := c.Get(context.Background(), day(2026, 2, 16))
	require.NoError(t, err)
	require.Len(t, results, len(testCities))
	assert.Equal(t, "berlin", results[0].CityKey)
	assert.Equal(t, "tokyo", results[1].CityKey)
	assert.Equal(t, 2, days.callsFor(day(2026, 2, 16)))
}

func TestDailyResultCache_HitDoesNotRecompute(t *testing.T) {
	days := newFakeDays()
	c := newTestCache(t, 3, days)
	ctx := context.Background()
	d := day(2026, 2, 16)

	first, err := c.Get(ctx, d)
	require.NoError(t, err)
	for range 5 {
		again, err := c.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Equal(t, len(testCities), days.callsFor(d))
	stats := c.GetStats()
	assert.Equal(t, 5, stats["hits"])
	assert.Equal(t, 1, stats["misses"])
}

func TestDailyResultCache_CapacityEvictsOldestInserted(t *testing.T) {
	const capacity = 3
	days := newFakeDays()
	c := newTestCache(t, capacity, days)
	ctx := context.Background()

	dates := []civil.Date{day(2026, 2, 1), day(2026, 2, 2), day(2026, 2, 3), day(2026, 2, 4)}
	for _, d := range dates {
		_, err := c.Get(ctx, d)
		require.NoError(t, err)
	}

	assert.Equal(t, capacity, c.Len())
	assert.False(t, c.Contains(dates[0]))
	assert.Equal(t, dates[1:], c.Keys())
	assert.Equal(t, 1, c.GetStats()["evictions"])
}

func TestDailyResultCache_EvictionIgnoresReadRecency(t *testing.T) {
	days := newFakeDays()
	c := newTestCache(t, 3, days)
	ctx := context.Background()

	for _, d := range []civil.Date{day(2026, 2, 1), day(2026, 2, 2), day(2026, 2, 3)} {
		_, err := c.Get(ctx, d)
		require.NoError(t, err)
	}

	// Reading the oldest entry does not protect it.
	_, err := c.Get(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	_, err = c.Get(ctx, day(2026, 2, 4))
	require.NoError(t, err)

	assert.False(t, c.Contains(day(2026, 2, 1)))
	assert.True(t, c.Contains(day(2026, 2, 2)))
	assert.Equal(t, 1, days.callsFor(day(2026, 2, 1))/len(testCities))
}

func TestDailyResultCache_FailureIsTypedAndNotCached(t *testing.T) {
	days := newFakeDays()
	boom := errors.New("ephemeris unavailable")
	d := day(2026, 2, 16)
	days.fail[d] = boom
	c := newTestCache(t, 3, days)

	_, err := c.Get(context.Background(), d)
	require.Error(t, err)

	var failure *ComputationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "berlin", failure.City)
	assert.Equal(t, d, failure.Date)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Contains(d))
	assert.False(t, IsCancellation(err))
}

func TestDailyResultCache_CancelledMiss(t *testing.T) {
	days := newFakeDays()
	c := newTestCache(t, 3, days)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, day(2026, 2, 16))
	require.Error(t, err)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, 0, days.totalCalls())
	assert.Equal(t, 0, c.Len())
}

func TestDailyResultCache_ResetSwapsCitySet(t *testing.T) {
	days := newFakeDays()
	c := newTestCache(t, 3, days)
	ctx := context.Background()
	d := day(2026, 2, 16)

	_, err := c.Get(ctx, d)
	require.NoError(t, err)

	c.Reset(testCities[:1])
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.GetStats()["evictions"])

	results, err := c.Get(ctx, d)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "berlin", results[0].CityKey)
}

func TestDailyResultCache_ResetDuringMissDropsStaleWrite(t *testing.T) {
	days := newFakeDays()
	d := day(2026, 2, 16)
	release := make(chan struct{})
	days.block[d] = release
	c := newTestCache(t, 3, days)

	done := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), d)
		done <- err
	}()

	require.Eventually(t, func() bool { return days.callsFor(d) == 1 }, time.Second, time.Millisecond)
	c.Reset(testCities[:1])
	close(release)

	require.NoError(t, <-done)
	assert.False(t, c.Contains(d))
}

func TestDailyResultCache_ConcurrentMissesBothCompute(t *testing.T) {
	days := newFakeDays()
	d := day(2026, 2, 16)
	release := make(chan struct{})
	days.block[d] = release
	c, err := NewDailyResultCache(3, days, testCities[:1], zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), d)
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return days.callsFor(d) == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, c.Len())
}

func TestDailyResultCache_CoalescingComputesOnce(t *testing.T) {
	days := newFakeDays()
	d := day(2026, 2, 16)
	release := make(chan struct{})
	days.block[d] = release
	c, err := NewDailyResultCache(3, days, testCities[:1], zap.NewNop(), WithCoalescing(true))
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := c.Get(context.Background(), d)
			assert.NoError(t, err)
			assert.Len(t, results, 1)
		}()
	}

	start()
	require.Eventually(t, func() bool { return days.callsFor(d) == 1 }, time.Second, time.Millisecond)
	start()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, days.callsFor(d))
}

func TestDailyResultCache_ConcurrentAccessKeepsCapacity(t *testing.T) {
	const capacity = 4
	days := newFakeDays()
	c := newTestCache(t, capacity, days)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), day(2026, 3, 1+i%10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), capacity)
	for _, d := range c.Keys() {
		results, err := c.Get(context.Background(), d)
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, d, r.Date)
		}
	}
}

func TestDailyResultCache_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	days := newFakeDays()
	c := newTestCache(t, 1, days, WithCacheMetrics(m, "alice"))
	ctx := context.Background()

	_, err := c.Get(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	_, err = c.Get(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	_, err = c.Get(ctx, day(2026, 2, 2))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "skyevents_cache_requests_total", "skyevents_cache_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDailyResultCache_EntryGaugeIsPerSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	alice := newTestCache(t, 3, newFakeDays(), WithCacheMetrics(m, "alice"))
	bob := newTestCache(t, 3, newFakeDays(), WithCacheMetrics(m, "bob"))
	ctx := context.Background()

	_, err := alice.Get(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	_, err = alice.Get(ctx, day(2026, 2, 2))
	require.NoError(t, err)
	_, err = bob.Get(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	bob.Reset(testCities)

	const header = `
# HELP skyevents_cache_entries Date keys currently held by each session's daily result cache
# TYPE skyevents_cache_entries gauge
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(header+`
skyevents_cache_entries{session="alice"} 2
skyevents_cache_entries{session="bob"} 0
`), "skyevents_cache_entries"))

	bob.Forget()
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(header+`
skyevents_cache_entries{session="alice"} 2
`), "skyevents_cache_entries"))
}

// A late writer for a date that is already stored must not refresh its
// insertion position.
func TestDailyResultCache_LateWriteKeepsInsertionOrder(t *testing.T) {
	c := newTestCache(t, 2, newFakeDays())
	ctx := context.Background()

	_, err := c.fill(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	_, err = c.fill(ctx, day(2026, 2, 2))
	require.NoError(t, err)
	_, err = c.fill(ctx, day(2026, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []civil.Date{day(2026, 2, 1), day(2026, 2, 2)}, c.Keys())

	_, err = c.Get(ctx, day(2026, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []civil.Date{day(2026, 2, 2), day(2026, 2, 3)}, c.Keys())
}

func TestDailyResultCache_CoalescedCallerOutlivesCancelledLeader(t *testing.T) {
	days := newFakeDays()
	d := day(2026, 2, 16)
	release := make(chan struct{})
	days.block[d] = release
	c := newTestCache(t, 3, days, WithCoalescing(true))

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, d)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return days.callsFor(d) == 1 }, time.Second, time.Millisecond)

	type result struct {
		results []models.RawDayResult
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		results, err := c.Get(context.Background(), d)
		follower <- result{results, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	close(release)

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	require.Len(t, got.results, len(testCities))
	assert.Equal(t, d, got.results[0].Date)
	assert.True(t, c.Contains(d))
}

func TestDailyResultCache_ReturnsCopies(t *testing.T) {
	c := newTestCache(t, 2, newFakeDays())
	ctx := context.Background()
	d := day(2026, 2, 16)

	first, err := c.Get(ctx, d)
	require.NoError(t, err)
	first[0] = models.RawDayResult{CityKey: "mutated", Date: d}

	again, err := c.Get(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "berlin", again[0].CityKey)
}
