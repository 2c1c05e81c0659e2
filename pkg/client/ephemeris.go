package client

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

// EphemerisClient talks to a remote ephemeris service for moon rise/set
// times and aspect events.
type EphemerisClient struct {
	*BaseClient
	baseURL string
	logger  *zap.Logger
}

type ephemerisEvent struct {
	Time    string   `json:"time"`
	Azimuth *float64 `json:"azimuth,omitempty"`
}

type MoonResponse struct {
	Date     string          `json:"date"`
	Moonrise *ephemerisEvent `json:"moonrise"`
	Moonset  *ephemerisEvent `json:"moonset"`
}

type AspectsResponse struct {
	Date    string `json:"date"`
	Aspects []struct {
		Name   string   `json:"name"`
		Bodies []string `json:"bodies"`
		Time   string   `json:"time"`
		Orb    float64  `json:"orb"`
	} `json:"aspects"`
}

func NewEphemerisClient(baseURL string, config ClientConfig, logger *zap.Logger) *EphemerisClient {
	return &EphemerisClient{
		BaseClient: NewBaseClient("ephemeris", config, logger),
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// MoonTimes fetches moonrise and moonset for city on date. Instants are
// returned in the city's zone; a missing rise or set is nil.
func (c *EphemerisClient) MoonTimes(ctx context.Context, date civil.Date, city models.City) (*models.SubEvent, *models.SubEvent, error) {
	loc, err := city.Location()
	if err != nil {
		return nil, nil, err
	}

	q := url.Values{}
	q.Set("date", date.String())
	q.Set("lat", strconv.FormatFloat(city.Latitude, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(city.Longitude, 'f', 4, 64))
	q.Set("tz", city.Timezone)

	data, err := c.GetWithRetry(ctx, c.baseURL+"/moon?"+q.Encode())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch moon times: %w", err)
	}

	var response MoonResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, nil, fmt.Errorf("failed to parse moon response: %w", err)
	}

	rise, err := toSubEvent(response.Moonrise, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("moonrise: %w", err)
	}
	set, err := toSubEvent(response.Moonset, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("moonset: %w", err)
	}

	return rise, set, nil
}

// ComputeAspects fetches the aspect events of date in the observer zone,
// ordered by instant.
func (c *EphemerisClient) ComputeAspects(ctx context.Context, date civil.Date, observerZone *time.Location, cfg models.AspectConfig) ([]models.AspectEvent, error) {
	q := url.Values{}
	q.Set("date", date.String())
	q.Set("tz", observerZone.String())
	q.Set("orb", strconv.FormatFloat(cfg.OrbDegrees, 'f', -1, 64))
	if cfg.Scope != "" {
		q.Set("scope", cfg.Scope)
	}

	data, err := c.GetWithRetry(ctx, c.baseURL+"/aspects?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch aspects: %w", err)
	}

	var response AspectsResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("failed to parse aspects response: %w", err)
	}

	events := make([]models.AspectEvent, 0, len(response.Aspects))
	for _, a := range response.Aspects {
		instant, err := time.Parse(time.RFC3339, a.Time)
		if err != nil {
			return nil, fmt.Errorf("aspect %q: %w", a.Name, err)
		}
		events = append(events, models.AspectEvent{
			Name:    a.Name,
			Bodies:  a.Bodies,
			Instant: instant.In(observerZone),
			Orb:     a.Orb,
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Instant.Before(events[j].Instant)
	})

	c.logger.Debug("Fetched aspects",
		zap.Stringer("date", date),
		zap.Int("count", len(events)))

	return events, nil
}

func toSubEvent(ev *ephemerisEvent, loc *time.Location) (*models.SubEvent, error) {
	if ev == nil || ev.Time == "" {
		return nil, nil
	}
	instant, err := time.Parse(time.RFC3339, ev.Time)
	if err != nil {
		return nil, err
	}
	return &models.SubEvent{Instant: instant.In(loc), Azimuth: ev.Azimuth}, nil
}
