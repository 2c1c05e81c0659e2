package compute

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/models"
	"github.com/bobby-s-dev/sky-events/internal/services"
)

type BreakerConfig struct {
	Threshold int
	Timeout   time.Duration
}

func newBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.Threshold)
	if threshold == 0 {
		threshold = 3
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= threshold && failureRatio >= 0.6
		},
		// A superseded request says nothing about the collaborator's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("collaborator", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// BreakerDayComputer fails fast while the wrapped computer keeps failing.
type BreakerDayComputer struct {
	next services.DayComputer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerDayComputer(next services.DayComputer, cfg BreakerConfig, logger *zap.Logger) *BreakerDayComputer {
	return &BreakerDayComputer{next: next, cb: newBreaker("day", cfg, logger)}
}

func (b *BreakerDayComputer) ComputeDay(ctx context.Context, date civil.Date, city models.City) (models.RawDayResult, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ComputeDay(ctx, date, city)
	})
	if err != nil {
		return models.RawDayResult{}, err
	}
	return v.(models.RawDayResult), nil
}

func (b *BreakerDayComputer) State() gobreaker.State {
	return b.cb.State()
}

type BreakerAspectComputer struct {
	next services.AspectComputer
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerAspectComputer(next services.AspectComputer, cfg BreakerConfig, logger *zap.Logger) *BreakerAspectComputer {
	return &BreakerAspectComputer{next: next, cb: newBreaker("aspects", cfg, logger)}
}

func (b *BreakerAspectComputer) ComputeAspects(ctx context.Context, date civil.Date, zone *time.Location, cfg models.AspectConfig) ([]models.AspectEvent, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ComputeAspects(ctx, date, zone, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.AspectEvent), nil
}

func (b *BreakerAspectComputer) State() gobreaker.State {
	return b.cb.State()
}

// NoAspects is used when no ephemeris service is configured.
type NoAspects struct{}

func (NoAspects) ComputeAspects(ctx context.Context, _ civil.Date, _ *time.Location, _ models.AspectConfig) ([]models.AspectEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []models.AspectEvent{}, nil
}
