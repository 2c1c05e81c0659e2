package compute

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

type stubMoon struct {
	rise, set *models.SubEvent
	err       error
	calls     int
}

func (s *stubMoon) MoonTimes(ctx context.Context, date civil.Date, city models.City) (*models.SubEvent, *models.SubEvent, error) {
	s.calls++
	return s.rise, s.set, s.err
}

func TestEngine_MergesMoonEvents(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	rise := &models.SubEvent{Instant: time.Date(2026, 2, 16, 7, 12, 0, 0, loc)}
	moon := &stubMoon{rise: rise}

	e := NewEngine(NewSunComputer(), moon, zap.NewNop())
	result, err := e.ComputeDay(context.Background(), civil.Date{Year: 2026, Month: time.February, Day: 16}, berlin)
	require.NoError(t, err)

	assert.NotNil(t, result.Sunrise)
	assert.NotNil(t, result.Sunset)
	assert.Equal(t, rise, result.Moonrise)
	assert.Nil(t, result.Moonset)
	assert.Equal(t, 1, moon.calls)
}

func TestEngine_WithoutMoonSource(t *testing.T) {
	e := NewEngine(NewSunComputer(), nil, zap.NewNop())
	result, err := e.ComputeDay(context.Background(), civil.Date{Year: 2026, Month: time.February, Day: 16}, berlin)
	require.NoError(t, err)
	assert.NotNil(t, result.Sunrise)
	assert.Nil(t, result.Moonrise)
}

func TestEngine_MoonFailure(t *testing.T) {
	boom := errors.New("ephemeris down")
	e := NewEngine(NewSunComputer(), &stubMoon{err: boom}, zap.NewNop())

	_, err := e.ComputeDay(context.Background(), civil.Date{Year: 2026, Month: time.February, Day: 16}, berlin)
	assert.ErrorIs(t, err, boom)
}
