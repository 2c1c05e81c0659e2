// Package chiplabel builds the small "other zone" hints shown next to an
// event when the event's own civil date differs from the observer's.
package chiplabel

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

type Locale string

const (
	LocaleEN Locale = "en"
	LocaleDE Locale = "de"
)

const separator = " · "

type phrases struct {
	nextDay string
	prevDay string
	sameDay string
}

var catalog = map[Locale]phrases{
	LocaleEN: {
		nextDay: "already tomorrow in the other zone",
		prevDay: "still yesterday in the other zone",
		sameDay: "same day in the other zone",
	},
	LocaleDE: {
		nextDay: "dort bereits morgen",
		prevDay: "dort noch gestern",
		sameDay: "dort derselbe Tag",
	},
}

// ParseLocale maps a config value onto a supported locale, defaulting to
// English.
func ParseLocale(s string) Locale {
	switch Locale(strings.ToLower(strings.TrimSpace(s))) {
	case LocaleDE:
		return LocaleDE
	default:
		return LocaleEN
	}
}

func CivilDatesDiffer(eventZoneDate, observerZoneDate civil.Date) bool {
	return eventZoneDate != observerZoneDate
}

// BuildHintLabel renders "<offset> · <direction>". It returns nil when
// there is no event date to annotate. Equal dates are not expected
// (callers gate on CivilDatesDiffer) and yield the neutral phrase.
func BuildHintLabel(eventZoneDate *civil.Date, observerZoneDate civil.Date, offsetMinutes int, locale Locale) *string {
	if eventZoneDate == nil {
		return nil
	}
	p, ok := catalog[locale]
	if !ok {
		p = catalog[LocaleEN]
	}

	direction := p.sameDay
	switch {
	case eventZoneDate.After(observerZoneDate):
		direction = p.nextDay
	case eventZoneDate.Before(observerZoneDate):
		direction = p.prevDay
	}

	label := FormatOffset(offsetMinutes) + separator + direction
	return &label
}

// FormatOffset renders a signed minute offset as +6h, +5h30m, -45m or ±0h.
func FormatOffset(offsetMinutes int) string {
	if offsetMinutes == 0 {
		return "±0h"
	}
	sign := "+"
	abs := offsetMinutes
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	hours, minutes := abs/60, abs%60
	switch {
	case minutes == 0:
		return fmt.Sprintf("%s%dh", sign, hours)
	case hours == 0:
		return fmt.Sprintf("%s%dm", sign, minutes)
	default:
		return fmt.Sprintf("%s%dh%dm", sign, hours, minutes)
	}
}

// StartOfDay returns local midnight of t's civil date in loc. On days
// where midnight does not exist, time.Date normalizes forward.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// IsWithinObserverToday reports whether instant falls in
// [start of observer day, start of next observer day).
func IsWithinObserverToday(instant time.Time, observerZone *time.Location, now time.Time) bool {
	start := StartOfDay(now, observerZone)
	y, m, d := start.Date()
	end := time.Date(y, m, d+1, 0, 0, 0, 0, observerZone)
	return !instant.Before(start) && instant.Before(end)
}

// OffsetMinutes is the UTC-offset difference (a minus b) at instant.
func OffsetMinutes(instant time.Time, a, b *time.Location) int {
	_, offA := instant.In(a).Zone()
	_, offB := instant.In(b).Zone()
	return (offA - offB) / 60
}
