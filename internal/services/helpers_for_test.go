package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/require"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

func day(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

var testCities = []models.City{
	{Key: "berlin", Label: "Berlin", Timezone: "Europe/Berlin", Latitude: 52.52, Longitude: 13.405},
	{Key: "tokyo", Label: "Tokyo", Timezone: "Asia/Tokyo", Latitude: 35.6762, Longitude: 139.6503},
}

// fakeDays returns a sunrise at 06:00 and a sunset at 17:00 city time.
// Dates in block wait for their channel to close and ignore ctx; dates in
// fail return the error.
type fakeDays struct {
	mu          sync.Mutex
	calls       map[civil.Date]int
	total       int
	inFlight    int
	maxInFlight int
	block       map[civil.Date]chan struct{}
	fail        map[civil.Date]error
	delay       time.Duration
}

func newFakeDays() *fakeDays {
	return &fakeDays{
		calls: make(map[civil.Date]int),
		block: make(map[civil.Date]chan struct{}),
		fail:  make(map[civil.Date]error),
	}
}

func (f *fakeDays) ComputeDay(ctx context.Context, date civil.Date, city models.City) (models.RawDayResult, error) {
	f.mu.Lock()
	f.calls[date]++
	f.total++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	wait := f.block[date]
	failure := f.fail[date]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if wait != nil {
		<-wait
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.RawDayResult{}, ctx.Err()
		}
	}
	if failure != nil {
		return models.RawDayResult{}, failure
	}

	loc, err := city.Location()
	if err != nil {
		return models.RawDayResult{}, err
	}
	return models.RawDayResult{
		CityKey:   city.Key,
		CityLabel: city.Label,
		Timezone:  city.Timezone,
		Date:      date,
		Sunrise:   &models.SubEvent{Instant: date.In(loc).Add(6 * time.Hour)},
		Sunset:    &models.SubEvent{Instant: date.In(loc).Add(17 * time.Hour)},
	}, nil
}

func (f *fakeDays) callsFor(date civil.Date) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[date]
}

func (f *fakeDays) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeDays) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// fakeAspects returns day-of-month aspects, listed latest first so callers
// have to sort.
type fakeAspects struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	fail        map[civil.Date]error
	delay       time.Duration
}

func newFakeAspects() *fakeAspects {
	return &fakeAspects{fail: make(map[civil.Date]error)}
}

func (f *fakeAspects) ComputeAspects(ctx context.Context, date civil.Date, zone *time.Location, cfg models.AspectConfig) ([]models.AspectEvent, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	failure := f.fail[date]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}

	midnight := date.In(zone)
	events := make([]models.AspectEvent, 0, date.Day%3)
	for i := date.Day % 3; i > 0; i-- {
		events = append(events, models.AspectEvent{
			Name:    "aspect-" + string(rune('a'+i-1)),
			Bodies:  []string{"Sun", "Moon"},
			Instant: midnight.Add(time.Duration(i*4) * time.Hour),
			Orb:     cfg.OrbDegrees,
		})
	}
	return events, nil
}

func (f *fakeAspects) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAspects) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// progressLog records progress reports in order.
type progressLog struct {
	mu      sync.Mutex
	reports [][2]int
}

func (p *progressLog) record(completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, [2]int{completed, total})
}

func (p *progressLog) all() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]int, len(p.reports))
	copy(out, p.reports)
	return out
}

func (p *progressLog) requireMonotonic(t *testing.T, total int) {
	t.Helper()
	prev := 0
	for _, r := range p.all() {
		require.Equal(t, total, r[1])
		require.GreaterOrEqual(t, r[0], prev)
		prev = r[0]
	}
}
