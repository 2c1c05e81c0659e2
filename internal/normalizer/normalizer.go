// Package normalizer projects per-city, per-day raw results into the
// observer's civil day.
//
// A result computed for a city's day D can land on the observer's D-1 or
// D+1 once converted, so callers pass the raw results of a three-day
// window (see Window) and Normalize keeps only what falls on the target
// date in the observer zone.
package normalizer

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/chiplabel"
	"github.com/bobby-s-dev/sky-events/internal/models"
)

type Normalizer struct {
	locale chiplabel.Locale
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Normalizer)

// WithClock replaces time.Now for the IsToday flag.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func New(locale chiplabel.Locale, logger *zap.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		locale: locale,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Window returns target-1, target and target+1.
func Window(target civil.Date) []civil.Date {
	return []civil.Date{target.AddDays(-1), target, target.AddDays(1)}
}

// Normalize converts raw results into observer-relative events whose
// observer-zone civil date equals targetDate. Sun kinds are shifted by
// sunOffsetMinutes and moon kinds by moonOffsetMinutes before any
// projection. The result is ordered by observer instant, city label and
// kind.
func (n *Normalizer) Normalize(rawResults []models.RawDayResult, observerZone *time.Location, targetDate civil.Date, sunOffsetMinutes, moonOffsetMinutes int) []models.NormalizedEvent {
	now := n.now()
	events := make([]models.NormalizedEvent, 0, len(rawResults)*len(models.EventKinds))

	for _, raw := range rawResults {
		for _, kind := range models.EventKinds {
			sub := raw.Event(kind)
			if sub == nil || sub.Instant.IsZero() {
				continue
			}

			shift := moonOffsetMinutes
			if kind.IsSun() {
				shift = sunOffsetMinutes
			}
			instant := sub.Instant.Add(time.Duration(shift) * time.Minute)

			cityZone := n.cityZone(raw, sub.Instant)
			cityTime := instant.In(cityZone)
			observerTime := instant.In(observerZone)
			observerDate := civil.DateOf(observerTime)
			if observerDate != targetDate {
				continue
			}

			cityDate := civil.DateOf(cityTime)
			ev := models.NormalizedEvent{
				CityKey:       raw.CityKey,
				CityLabel:     raw.CityLabel,
				Kind:          kind,
				Azimuth:       sub.Azimuth,
				CityTime:      cityTime,
				ObserverTime:  observerTime,
				UTCTime:       instant.UTC(),
				CityDayOffset: cityDate.DaysSince(targetDate),
				IsToday:       chiplabel.IsWithinObserverToday(observerTime, observerZone, now),
			}

			if chiplabel.CivilDatesDiffer(cityDate, observerDate) {
				offset := chiplabel.OffsetMinutes(instant, cityZone, observerZone)
				if label := chiplabel.BuildHintLabel(&cityDate, observerDate, offset, n.locale); label != nil {
					ev.Hint = &models.TimezoneHint{
						OffsetMinutes: offset,
						NextDay:       cityDate.After(observerDate),
						Label:         *label,
					}
				}
			}

			events = append(events, ev)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.UTCTime.Equal(b.UTCTime) {
			return a.UTCTime.Before(b.UTCTime)
		}
		if a.CityLabel != b.CityLabel {
			return a.CityLabel < b.CityLabel
		}
		return kindIndex(a.Kind) < kindIndex(b.Kind)
	})

	return events
}

// cityZone prefers the result's declared zone and falls back to the
// instant's own location.
func (n *Normalizer) cityZone(raw models.RawDayResult, instant time.Time) *time.Location {
	if raw.Timezone == "" {
		return instant.Location()
	}
	loc, err := models.LoadZone(raw.Timezone)
	if err != nil {
		n.logger.Warn("Unknown city timezone, using instant location",
			zap.String("city", raw.CityKey),
			zap.String("timezone", raw.Timezone),
			zap.Error(err))
		return instant.Location()
	}
	return loc
}

func kindIndex(k models.EventKind) int {
	for i, kind := range models.EventKinds {
		if kind == k {
			return i
		}
	}
	return len(models.EventKinds)
}
