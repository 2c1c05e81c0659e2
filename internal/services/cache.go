package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bobby-s-dev/sky-events/internal/metrics"
	"github.com/bobby-s-dev/sky-events/internal/models"
)

// DayComputer computes one city's sun and moon events for one civil date.
type DayComputer interface {
	ComputeDay(ctx context.Context, date civil.Date, city models.City) (models.RawDayResult, error)
}

// DailyResultCache maps a civil date to the raw results of every city in
// the current city set.
//
// Eviction is by insertion order: reads use Peek and never refresh an
// entry, so once more than capacity dates have been stored the oldest
// insert goes first, however recently it was read.
//
// Misses are computed outside the lock. Two concurrent misses for the same
// date both compute and the first write is kept in its insertion position;
// ComputeDay is a pure function of (date, city) so the values agree.
// WithCoalescing switches to at most one in-flight computation per date.
type DailyResultCache struct {
	mu         sync.Mutex
	entries    *simplelru.LRU[civil.Date, []models.RawDayResult]
	cities     []models.City
	generation uint64
	dropping   bool // Purge/Remove in progress; not capacity evictions

	computer DayComputer
	capacity int
	coalesce bool
	flights  singleflight.Group
	name     string

	logger  *zap.Logger
	metrics *metrics.Collectors

	hits      int
	misses    int
	evictions int
}

type CacheOption func(*DailyResultCache)

func WithCoalescing(enabled bool) CacheOption {
	return func(c *DailyResultCache) { c.coalesce = enabled }
}

// WithCacheMetrics records to m. name labels the per-cache entry gauge.
func WithCacheMetrics(m *metrics.Collectors, name string) CacheOption {
	return func(c *DailyResultCache) {
		c.metrics = m
		c.name = name
	}
}

func NewDailyResultCache(capacity int, computer DayComputer, cities []models.City, logger *zap.Logger, opts ...CacheOption) (*DailyResultCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if computer == nil {
		return nil, fmt.Errorf("day computer is required")
	}

	c := &DailyResultCache{
		cities:   slices.Clone(cities),
		computer: computer,
		capacity: capacity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := simplelru.NewLRU[civil.Date, []models.RawDayResult](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("creating cache storage: %w", err)
	}
	c.entries = entries

	return c, nil
}

// onEvict runs inside Add, with c.mu held.
func (c *DailyResultCache) onEvict(date civil.Date, _ []models.RawDayResult) {
	if c.dropping {
		return
	}
	c.evictions++
	c.metrics.CacheEvicted()
	c.logger.Debug("Evicted oldest date from day cache",
		zap.Stringer("date", date))
}

// Get returns the results for date, computing them on a miss. The
// returned slice is a copy.
func (c *DailyResultCache) Get(ctx context.Context, date civil.Date) ([]models.RawDayResult, error) {
	if results, ok := c.lookup(date); ok {
		return results, nil
	}

	if !c.coalesce {
		return c.fill(ctx, date)
	}

	v, err, shared := c.flights.Do(date.String(), func() (interface{}, error) {
		return c.fill(ctx, date)
	})
	if err != nil {
		// The flight ran on another caller's context. If that caller went
		// away, this one still wants the date.
		if shared && ctx.Err() == nil && isContextError(err) {
			c.logger.Debug("Joined day computation was cancelled, computing again",
				zap.Stringer("date", date))
			return c.fill(ctx, date)
		}
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight day computation", zap.Stringer("date", date))
	}
	return slices.Clone(v.([]models.RawDayResult)), nil
}

func (c *DailyResultCache) lookup(date civil.Date) ([]models.RawDayResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	results, ok := c.entries.Peek(date)
	if !ok {
		c.misses++
		c.metrics.CacheMiss()
		return nil, false
	}

	for _, r := range results {
		if r.Date != date {
			c.logger.DPanic("Cache entry does not match its key",
				zap.Stringer("key", date),
				zap.Stringer("entry_date", r.Date),
				zap.Error(ErrCacheInconsistency))
			c.dropping = true
			c.entries.Remove(date)
			c.dropping = false
			c.misses++
			c.metrics.CacheMiss()
			return nil, false
		}
	}

	c.hits++
	c.metrics.CacheHit()
	return slices.Clone(results), true
}

func (c *DailyResultCache) fill(ctx context.Context, date civil.Date) ([]models.RawDayResult, error) {
	c.mu.Lock()
	cities := slices.Clone(c.cities)
	generation := c.generation
	c.mu.Unlock()

	c.logger.Debug("Day cache miss, computing",
		zap.Stringer("date", date),
		zap.Int("cities", len(cities)))

	results := make([]models.RawDayResult, 0, len(cities))
	for _, city := range cities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now()
		result, err := c.computer.ComputeDay(ctx, date, city)
		c.metrics.ObserveCompute("day", started)
		if err != nil {
			return nil, &ComputationFailure{Unit: "day", Date: date, City: city.Key, Err: err}
		}
		result.Date = date
		results = append(results, result)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A Reset while we were computing means these results belong to a
	// city set that is no longer configured.
	if generation != c.generation {
		return slices.Clone(results), nil
	}
	// Add would move an existing key to the newest position.
	if !c.entries.Contains(date) {
		c.entries.Add(date, results)
	}
	c.metrics.CacheSize(c.name, c.entries.Len())

	return slices.Clone(results), nil
}

// Reset drops every entry and installs a new city set.
func (c *DailyResultCache) Reset(cities []models.City) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropping = true
	c.entries.Purge()
	c.dropping = false
	c.cities = slices.Clone(cities)
	c.generation++
	c.metrics.CacheSize(c.name, 0)

	c.logger.Info("Day cache reset", zap.Int("cities", len(cities)))
}

// Forget drops the cache's metric series. The cache stays usable.
func (c *DailyResultCache) Forget() {
	c.metrics.ForgetCache(c.name)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *DailyResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Keys lists cached dates from oldest to newest insertion.
func (c *DailyResultCache) Keys() []civil.Date {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

func (c *DailyResultCache) Contains(date civil.Date) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(date)
}

func (c *DailyResultCache) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"entries":   c.entries.Len(),
		"capacity":  c.capacity,
		"cities":    len(c.cities),
		"hits":      c.hits,
		"misses":    c.misses,
		"evictions": c.evictions,
		"coalesce":  c.coalesce,
	}
}
