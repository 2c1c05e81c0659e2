package compute

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

var (
	berlin = models.City{Key: "berlin", Label: "Berlin", Timezone: "Europe/Berlin", Latitude: 52.52, Longitude: 13.405}
	tokyo  = models.City{Key: "tokyo", Label: "Tokyo", Timezone: "Asia/Tokyo", Latitude: 35.6762, Longitude: 139.6503}
	tromso = models.City{Key: "tromso", Label: "Tromsø", Timezone: "Europe/Oslo", Latitude: 69.6492, Longitude: 18.9553}
)

func TestSunComputer_ComputeDay(t *testing.T) {
	tests := []struct {
		name       string
		city       models.City
		date       civil.Date
		riseHour   int
		setHour    int
		riseAzimin float64
		riseAzimax float64
	}{
		{
			name:       "berlin midsummer",
			city:       berlin,
			date:       civil.Date{Year: 2026, Month: time.June, Day: 21},
			riseHour:   4,
			setHour:    21,
			riseAzimin: 40,
			riseAzimax: 60,
		},
		{
			name:       "berlin midwinter",
			city:       berlin,
			date:       civil.Date{Year: 2026, Month: time.December, Day: 21},
			riseHour:   8,
			setHour:    15,
			riseAzimin: 120,
			riseAzimax: 140,
		},
		{
			name:       "tokyo february",
			city:       tokyo,
			date:       civil.Date{Year: 2026, Month: time.February, Day: 16},
			riseHour:   6,
			setHour:    17,
			riseAzimin: 100,
			riseAzimax: 115,
		},
	}

	s := NewSunComputer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.ComputeDay(context.Background(), tt.date, tt.city)
			require.NoError(t, err)

			assert.Equal(t, tt.city.Key, result.CityKey)
			assert.Equal(t, tt.city.Timezone, result.Timezone)
			assert.Equal(t, tt.date, result.Date)
			assert.Nil(t, result.Moonrise)
			assert.Nil(t, result.Moonset)

			require.NotNil(t, result.Sunrise)
			require.NotNil(t, result.Sunset)
			assert.Equal(t, tt.city.Timezone, result.Sunrise.Instant.Location().String())
			assert.Equal(t, tt.riseHour, result.Sunrise.Instant.Hour())
			assert.Equal(t, tt.setHour, result.Sunset.Instant.Hour())
			assert.Equal(t, tt.date, civil.DateOf(result.Sunrise.Instant))

			require.NotNil(t, result.Sunrise.Azimuth)
			require.NotNil(t, result.Sunset.Azimuth)
			assert.GreaterOrEqual(t, *result.Sunrise.Azimuth, tt.riseAzimin)
			assert.LessOrEqual(t, *result.Sunrise.Azimuth, tt.riseAzimax)
			assert.InDelta(t, 360-*result.Sunrise.Azimuth, *result.Sunset.Azimuth, 0.01)
		})
	}
}

func TestSunComputer_PolarDayHasNoEvents(t *testing.T) {
	result, err := NewSunComputer().ComputeDay(context.Background(), civil.Date{Year: 2026, Month: time.June, Day: 21}, tromso)
	require.NoError(t, err)
	assert.Nil(t, result.Sunrise)
	assert.Nil(t, result.Sunset)
	assert.Equal(t, "tromso", result.CityKey)
}

func TestSunComputer_Errors(t *testing.T) {
	s := NewSunComputer()
	date := civil.Date{Year: 2026, Month: time.June, Day: 21}

	bad := berlin
	bad.Timezone = "Atlantis/Capital"
	_, err := s.ComputeDay(context.Background(), date, bad)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.ComputeDay(ctx, date, berlin)
	assert.ErrorIs(t, err, context.Canceled)
}
