package compute

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/civil"
	"github.com/nathan-osman/go-sunrise"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

// SunComputer fills the sunrise and sunset of a RawDayResult. Days without
// a sunrise or sunset (polar day or night) leave the sub-event nil.
type SunComputer struct{}

func NewSunComputer() *SunComputer {
	return &SunComputer{}
}

func (s *SunComputer) ComputeDay(ctx context.Context, date civil.Date, city models.City) (models.RawDayResult, error) {
	if err := ctx.Err(); err != nil {
		return models.RawDayResult{}, err
	}

	loc, err := city.Location()
	if err != nil {
		return models.RawDayResult{}, fmt.Errorf("city %s: %w", city.Key, err)
	}

	result := models.RawDayResult{
		CityKey:   city.Key,
		CityLabel: city.Label,
		Timezone:  city.Timezone,
		Date:      date,
	}

	rise, set := sunrise.SunriseSunset(city.Latitude, city.Longitude, date.Year, date.Month, date.Day)
	if rise.IsZero() || set.IsZero() {
		return result, nil
	}

	riseAzimuth := horizonAzimuth(date, city.Latitude)
	setAzimuth := 360 - riseAzimuth
	result.Sunrise = &models.SubEvent{Instant: rise.In(loc), Azimuth: &riseAzimuth}
	result.Sunset = &models.SubEvent{Instant: set.In(loc), Azimuth: &setAzimuth}

	return result, nil
}

// horizonAzimuth approximates the sunrise azimuth in degrees east of north
// from the solar declination of date. Sunset mirrors it about the meridian.
func horizonAzimuth(date civil.Date, latitude float64) float64 {
	yday := date.In(time.UTC).YearDay()
	declination := -23.44 * math.Cos(2*math.Pi/365*float64(yday+10))

	cosAz := math.Sin(radians(declination)) / math.Cos(radians(latitude))
	cosAz = math.Max(-1, math.Min(1, cosAz))
	return math.Round(degrees(math.Acos(cosAz))*10) / 10
}

func radians(d float64) float64 { return d * math.Pi / 180 }
func degrees(r float64) float64 { return r * 180 / math.Pi }
