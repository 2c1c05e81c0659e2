package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/models"
	"github.com/bobby-s-dev/sky-events/internal/normalizer"
)

type Settings struct {
	ObserverZone      string              `json:"observer_zone"`
	Cities            []models.City       `json:"cities"`
	SunOffsetMinutes  int                 `json:"sun_offset_minutes"`
	MoonOffsetMinutes int                 `json:"moon_offset_minutes"`
	Aspects           models.AspectConfig `json:"aspects"`
}

func (s Settings) cityKeys() []string {
	keys := make([]string, len(s.Cities))
	for i, c := range s.Cities {
		keys[i] = c.Key
	}
	return keys
}

func (s Settings) clone() Settings {
	s.Cities = slices.Clone(s.Cities)
	return s
}

// Snapshot is a copy of a session's visible state.
type Snapshot struct {
	Settings     Settings                 `json:"settings"`
	SelectedDate civil.Date               `json:"selected_date"`
	Events       []models.NormalizedEvent `json:"events"`
	Week         *models.WeekView         `json:"week,omitempty"`
	ExportMonth  *models.Month            `json:"export_month,omitempty"`
	Export       models.ExportTable       `json:"export,omitempty"`
	Progress     map[models.Slot]float64  `json:"progress"`
	Errors       map[models.Slot]string   `json:"errors,omitempty"`
}

// Session owns one observer's visible state. Every field of state is
// replaced wholesale and only by the request that is current for its slot
// and was issued under the current settings generation.
type Session struct {
	id         string
	loader     *Loader
	normalizer *normalizer.Normalizer
	stepBudget int
	logger     *zap.Logger

	mu         sync.RWMutex
	settings   Settings
	generation uint64
	state      Snapshot
}

// issued ties a request to the settings it was built from.
type issued struct {
	req        models.LoadRequest
	generation uint64
}

func NewSession(id string, settings Settings, loader *Loader, norm *normalizer.Normalizer, stepBudget int, logger *zap.Logger) *Session {
	return &Session{
		id:         id,
		loader:     loader,
		normalizer: norm,
		stepBudget: stepBudget,
		logger:     logger.With(zap.String("session", id)),
		settings:   settings.clone(),
		state: Snapshot{
			Events:   []models.NormalizedEvent{},
			Progress: make(map[models.Slot]float64),
			Errors:   make(map[models.Slot]string),
		},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// current returns the settings together with their generation.
func (s *Session) current() (Settings, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone(), s.generation
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.state
	snap.Settings = s.settings.clone()
	snap.Events = slices.Clone(s.state.Events)
	snap.Progress = make(map[models.Slot]float64, len(s.state.Progress))
	for k, v := range s.state.Progress {
		snap.Progress[k] = v
	}
	snap.Errors = make(map[models.Slot]string, len(s.state.Errors))
	for k, v := range s.state.Errors {
		snap.Errors[k] = v
	}
	return snap
}

// UpdateSettings installs new settings. Requests issued before the update
// can no longer commit. A changed city set, observer zone or aspect config
// also cancels every slot, and a changed city set resets the day cache
// before any request can see the new settings.
func (s *Session) UpdateSettings(next Settings) error {
	if _, err := models.LoadZone(next.ObserverZone); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.settings
	citiesChanged := !slices.Equal(prev.cityKeys(), next.cityKeys())
	if citiesChanged {
		s.loader.Cache().Reset(next.Cities)
	}
	s.settings = next.clone()
	s.generation++
	s.mu.Unlock()

	if citiesChanged || prev.ObserverZone != next.ObserverZone || prev.Aspects != next.Aspects {
		s.loader.CancelAll()
	}

	s.logger.Info("Session settings updated",
		zap.String("observer_zone", next.ObserverZone),
		zap.Strings("cities", next.cityKeys()),
		zap.Bool("cities_changed", citiesChanged))
	return nil
}

// SetCities replaces the city set and resets the day cache.
func (s *Session) SetCities(cities []models.City) error {
	next := s.Settings()
	next.Cities = slices.Clone(cities)
	return s.UpdateSettings(next)
}

func (s *Session) SetObserverZone(zone string) error {
	next := s.Settings()
	next.ObserverZone = zone
	return s.UpdateSettings(next)
}

func (s *Session) SetOffsets(sunMinutes, moonMinutes int) error {
	next := s.Settings()
	next.SunOffsetMinutes = sunMinutes
	next.MoonOffsetMinutes = moonMinutes
	return s.UpdateSettings(next)
}

func (s *Session) progressFor(is issued) ProgressFunc {
	return func(completed, total int) {
		if total <= 0 || !s.loader.IsCurrent(is.req) {
			return
		}
		s.mu.Lock()
		if s.generation == is.generation {
			s.state.Progress[is.req.Slot] = float64(completed) / float64(total)
		}
		s.mu.Unlock()
	}
}

// commit applies fn to the state if the request is still current and the
// settings have not changed since it was issued.
func (s *Session) commit(is issued, fn func(st *Snapshot)) bool {
	applied := false
	s.loader.Commit(is.req, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != is.generation {
			return
		}
		fn(&s.state)
		applied = true
	})
	return applied
}

// SelectDate loads the sliding window around date and publishes the
// events that fall on date in the observer zone.
func (s *Session) SelectDate(ctx context.Context, date civil.Date) Outcome[[]models.NormalizedEvent] {
	settings, generation := s.current()
	zone, err := models.LoadZone(settings.ObserverZone)
	if err != nil {
		return failed[[]models.NormalizedEvent](err)
	}

	req := models.NewLoadRequest(models.SlotSliding)
	req.Date = date
	req.ObserverZone = settings.ObserverZone
	req.Cities = settings.cityKeys()
	is := issued{req: req, generation: generation}

	normalize := func(raw []models.RawDayResult) []models.NormalizedEvent {
		return s.normalizer.Normalize(raw, zone, date, settings.SunOffsetMinutes, settings.MoonOffsetMinutes)
	}

	out := s.loader.LoadSlidingWindow(ctx, req, SlidingOptions{
		StepBudget: s.stepBudget,
		Progress:   s.progressFor(is),
		OnTarget: func(target []models.RawDayResult) {
			preliminary := normalize(target)
			s.commit(is, func(st *Snapshot) {
				st.SelectedDate = date
				st.Events = preliminary
			})
		},
	})

	return publish(s, is, out, normalize, func(st *Snapshot, events []models.NormalizedEvent) {
		st.SelectedDate = date
		st.Events = events
	}, func(st *Snapshot) {
		st.SelectedDate = date
		st.Events = []models.NormalizedEvent{}
	})
}

// SelectWeek loads the aspect week strip centred on date.
func (s *Session) SelectWeek(ctx context.Context, center civil.Date) Outcome[models.WeekView] {
	settings, generation := s.current()

	req := models.NewLoadRequest(models.SlotWeek)
	req.Date = center
	req.ObserverZone = settings.ObserverZone
	req.Aspects = settings.Aspects
	is := issued{req: req, generation: generation}

	out := s.loader.LoadWeekWindow(ctx, req, s.progressFor(is))
	return publish(s, is, out, identity[models.WeekView], func(st *Snapshot, view models.WeekView) {
		st.Week = &view
	}, func(st *Snapshot) {
		st.Week = &models.WeekView{Center: center}
	})
}

// ExportMonth builds the month × city table. An empty cities list means
// the session's city set.
func (s *Session) ExportMonth(ctx context.Context, month models.Month, cities []models.City) Outcome[models.ExportTable] {
	settings, generation := s.current()
	if len(cities) == 0 {
		cities = settings.Cities
	}

	req := models.NewLoadRequest(models.SlotExport)
	req.Month = month
	req.ObserverZone = settings.ObserverZone
	req.Aspects = settings.Aspects
	for _, c := range cities {
		req.Cities = append(req.Cities, c.Key)
	}
	is := issued{req: req, generation: generation}

	out := s.loader.LoadExportMatrix(ctx, req, cities, s.progressFor(is))
	return publish(s, is, out, identity[models.ExportTable], func(st *Snapshot, table models.ExportTable) {
		st.ExportMonth = &month
		st.Export = table
	}, func(st *Snapshot) {
		st.ExportMonth = &month
		st.Export = models.ExportTable{}
	})
}

// Prewarm fills the day cache for observer-today and its neighbours
// without touching visible state.
func (s *Session) Prewarm(ctx context.Context, now time.Time) error {
	settings := s.Settings()
	zone, err := models.LoadZone(settings.ObserverZone)
	if err != nil {
		return err
	}

	req := models.NewLoadRequest(models.SlotPrewarm)
	req.Date = civil.DateOf(now.In(zone))
	req.ObserverZone = settings.ObserverZone
	req.Cities = settings.cityKeys()

	out := s.loader.LoadSlidingWindow(ctx, req, SlidingOptions{})
	if out.Status == StatusFailed {
		return fmt.Errorf("prewarming %s: %w", req.Date, out.Err)
	}
	return nil
}

// Close cancels everything the session has in flight.
func (s *Session) Close() {
	s.loader.CancelAll()
}

func identity[T any](v T) T { return v }

// publish commits a finished load. Successes go through transform and
// apply, failures clear the slot and record a generic error. Cancellations
// and loads outdated by a settings change leave the state alone.
func publish[In, Out any](s *Session, is issued, out Outcome[In], transform func(In) Out, apply func(*Snapshot, Out), clear func(*Snapshot)) Outcome[Out] {
	switch out.Status {
	case StatusOK:
		value := transform(out.Value)
		if !s.commit(is, func(st *Snapshot) {
			apply(st, value)
			delete(st.Errors, is.req.Slot)
			st.Progress[is.req.Slot] = 1
		}) {
			return cancelled[Out]()
		}
		return ok(value)

	case StatusFailed:
		if !s.commit(is, func(st *Snapshot) {
			clear(st)
			st.Errors[is.req.Slot] = "computation failed"
			st.Progress[is.req.Slot] = 0
		}) {
			return cancelled[Out]()
		}
		return failed[Out](out.Err)

	default:
		return cancelled[Out]()
	}
}
