package compute

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/models"
	"github.com/bobby-s-dev/sky-events/internal/services"
)

// MoonSource supplies moonrise and moonset for a city and date. Either
// sub-event may be nil when the moon does not rise or set that day.
type MoonSource interface {
	MoonTimes(ctx context.Context, date civil.Date, city models.City) (rise, set *models.SubEvent, err error)
}

// Engine is the DayComputer the service runs with: sun events from the
// solver and, when a moon source is configured, moon events from it.
type Engine struct {
	sun    services.DayComputer
	moon   MoonSource
	logger *zap.Logger
}

func NewEngine(sun services.DayComputer, moon MoonSource, logger *zap.Logger) *Engine {
	return &Engine{sun: sun, moon: moon, logger: logger}
}

func (e *Engine) ComputeDay(ctx context.Context, date civil.Date, city models.City) (models.RawDayResult, error) {
	result, err := e.sun.ComputeDay(ctx, date, city)
	if err != nil {
		return models.RawDayResult{}, fmt.Errorf("sun events: %w", err)
	}
	if e.moon == nil {
		return result, nil
	}

	rise, set, err := e.moon.MoonTimes(ctx, date, city)
	if err != nil {
		return models.RawDayResult{}, fmt.Errorf("moon events: %w", err)
	}
	result.Moonrise = rise
	result.Moonset = set

	e.logger.Debug("Computed day",
		zap.String("city", city.Key),
		zap.Stringer("date", date),
		zap.Bool("moonrise", rise != nil),
		zap.Bool("moonset", set != nil))

	return result, nil
}
