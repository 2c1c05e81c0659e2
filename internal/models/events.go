package models

import (
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
)

type EventKind string

const (
	Sunrise  EventKind = "sunrise"
	Sunset   EventKind = "sunset"
	Moonrise EventKind = "moonrise"
	Moonset  EventKind = "moonset"
)

// EventKinds is the fixed iteration order used when normalizing a result.
var EventKinds = []EventKind{Sunrise, Sunset, Moonrise, Moonset}

func (k EventKind) IsSun() bool {
	return k == Sunrise || k == Sunset
}

type City struct {
	Key       string  `json:"key" yaml:"key"`
	Label     string  `json:"label" yaml:"label"`
	Timezone  string  `json:"timezone" yaml:"timezone"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

func (c City) Location() (*time.Location, error) {
	return LoadZone(c.Timezone)
}

var zones sync.Map // name -> *time.Location

// LoadZone is time.LoadLocation with a process-wide cache; zone files are
// read once per name.
func LoadZone(name string) (*time.Location, error) {
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}
	zones.Store(name, loc)
	return loc, nil
}

// SubEvent is one timestamped occurrence inside a RawDayResult. Instant
// carries the producing city's zone as its Location.
type SubEvent struct {
	Instant time.Time `json:"instant"`
	Azimuth *float64  `json:"azimuth,omitempty"`
}

// RawDayResult is one city's computation for one civil date. Nil
// sub-events are valid (polar day, moon not rising, ...).
type RawDayResult struct {
	CityKey   string     `json:"city_key"`
	CityLabel string     `json:"city_label"`
	Timezone  string     `json:"timezone"`
	Date      civil.Date `json:"date"`
	Sunrise   *SubEvent  `json:"sunrise,omitempty"`
	Sunset    *SubEvent  `json:"sunset,omitempty"`
	Moonrise  *SubEvent  `json:"moonrise,omitempty"`
	Moonset   *SubEvent  `json:"moonset,omitempty"`
}

func (r RawDayResult) Event(kind EventKind) *SubEvent {
	switch kind {
	case Sunrise:
		return r.Sunrise
	case Sunset:
		return r.Sunset
	case Moonrise:
		return r.Moonrise
	case Moonset:
		return r.Moonset
	default:
		return nil
	}
}

type TimezoneHint struct {
	OffsetMinutes int    `json:"offset_minutes"`
	NextDay       bool   `json:"next_day"`
	Label         string `json:"label"`
}

type NormalizedEvent struct {
	CityKey       string        `json:"city_key"`
	CityLabel     string        `json:"city_label"`
	Kind          EventKind     `json:"kind"`
	Azimuth       *float64      `json:"azimuth,omitempty"`
	CityTime      time.Time     `json:"city_time"`
	ObserverTime  time.Time     `json:"observer_time"`
	UTCTime       time.Time     `json:"utc_time"`
	CityDayOffset int           `json:"city_day_offset"`
	Hint          *TimezoneHint `json:"hint,omitempty"`
	IsToday       bool          `json:"is_today"`
}

type AspectConfig struct {
	OrbDegrees float64 `json:"orb_degrees"`
	Scope      string  `json:"scope"`
}

type AspectEvent struct {
	Name    string    `json:"name"`
	Bodies  []string  `json:"bodies"`
	Instant time.Time `json:"instant"`
	Orb     float64   `json:"orb"`
}

type DaySummary struct {
	Date       civil.Date `json:"date"`
	EventCount int        `json:"event_count"`
}

type WeekView struct {
	Center          civil.Date    `json:"center"`
	CenterDayEvents []AspectEvent `json:"center_day_events"`
	WeekSummaries   []DaySummary  `json:"week_summaries"`
}

type DayRow struct {
	Date          civil.Date  `json:"date"`
	Sunrise       *time.Time  `json:"sunrise,omitempty"`
	Sunset        *time.Time  `json:"sunset,omitempty"`
	Moonrise      *time.Time  `json:"moonrise,omitempty"`
	Moonset       *time.Time  `json:"moonset,omitempty"`
	AspectTimes   []time.Time `json:"aspect_times"`
	FirstAspect   string      `json:"first_aspect,omitempty"`
	LastAspect    string      `json:"last_aspect,omitempty"`
	EarliestEvent *time.Time  `json:"earliest_event,omitempty"`
	LatestEvent   *time.Time  `json:"latest_event,omitempty"`
}

// ExportTable is keyed by city key; rows are in day-of-month order.
type ExportTable map[string][]DayRow

// Month identifies a calendar month for the export matrix.
type Month struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func (m Month) Days() []civil.Date {
	first := civil.Date{Year: m.Year, Month: m.Month, Day: 1}
	days := make([]civil.Date, 0, 31)
	for d := first; d.Month == m.Month; d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func (m Month) String() string {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// Slot names one logical fan-out position in the UI. A new request for a
// slot supersedes the one before it.
type Slot string

const (
	SlotSliding Slot = "sliding"
	SlotWeek    Slot = "week"
	SlotExport  Slot = "export"
	SlotPrewarm Slot = "prewarm"
)

// LoadRequest identifies one logical fan-out unit. Currency is decided by
// ID; the remaining fields describe what was asked for.
type LoadRequest struct {
	ID           string       `json:"id"`
	Slot         Slot         `json:"slot"`
	Date         civil.Date   `json:"date"`
	Month        Month        `json:"month"`
	ObserverZone string       `json:"observer_zone"`
	Aspects      AspectConfig `json:"aspects"`
	Cities       []string     `json:"cities"`
}

func NewLoadRequest(slot Slot) LoadRequest {
	return LoadRequest{
		ID:   uuid.NewString(),
		Slot: slot,
	}
}
