package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobby-s-dev/sky-events/internal/metrics"
	"github.com/bobby-s-dev/sky-events/internal/models"
)

// AspectComputer computes the aspect events of one observer-zone day.
type AspectComputer interface {
	ComputeAspects(ctx context.Context, date civil.Date, observerZone *time.Location, cfg models.AspectConfig) ([]models.AspectEvent, error)
}

// ProgressFunc receives completed/total after each finished unit. It is
// called with the loader's progress lock held and must not block.
type ProgressFunc func(completed, total int)

type LoaderConfig struct {
	WeekPermits        int
	MonthAspectPermits int
	MonthCityPermits   int
	SlidingStepBudget  int
}

func (c LoaderConfig) withDefaults() LoaderConfig {
	if c.WeekPermits <= 0 {
		c.WeekPermits = 3
	}
	if c.MonthAspectPermits <= 0 {
		c.MonthAspectPermits = 4
	}
	if c.MonthCityPermits <= 0 {
		c.MonthCityPermits = 4
	}
	if c.SlidingStepBudget < 3 {
		c.SlidingStepBudget = 3
	}
	return c
}

const weekRadius = 3

// Loader runs the three windowed fan-outs. Each slot has at most one
// current request; starting a new one cancels the previous and makes its
// results uncommittable.
type Loader struct {
	cache   *DailyResultCache
	days    DayComputer
	aspects AspectComputer
	cfg     LoaderConfig
	logger  *zap.Logger
	metrics *metrics.Collectors

	mu    sync.Mutex
	slots map[models.Slot]*inflight
}

type inflight struct {
	req    models.LoadRequest
	cancel context.CancelFunc
}

func NewLoader(cache *DailyResultCache, days DayComputer, aspects AspectComputer, cfg LoaderConfig, logger *zap.Logger, m *metrics.Collectors) *Loader {
	return &Loader{
		cache:   cache,
		days:    days,
		aspects: aspects,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		slots:   make(map[models.Slot]*inflight),
	}
}

// begin makes req current for its slot and cancels whatever was there.
// The returned release func frees the context; the request stays current
// until superseded so its results can still be committed.
func (l *Loader) begin(parent context.Context, req models.LoadRequest) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	l.mu.Lock()
	prev := l.slots[req.Slot]
	l.slots[req.Slot] = &inflight{req: req, cancel: cancel}
	l.mu.Unlock()

	if prev != nil {
		prev.cancel()
		l.logger.Debug("Superseded in-flight request",
			zap.String("slot", string(req.Slot)),
			zap.String("previous", prev.req.ID),
			zap.String("current", req.ID))
	}

	return ctx, cancel
}

// IsCurrent reports whether req is still the newest request of its slot.
func (l *Loader) IsCurrent(req models.LoadRequest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.slots[req.Slot]
	return ok && cur.req.ID == req.ID
}

// Commit runs apply only if req is still current. No request can become
// current for the slot while apply runs, so apply must be quick.
func (l *Loader) Commit(req models.LoadRequest, apply func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.slots[req.Slot]
	if !ok || cur.req.ID != req.ID {
		return false
	}
	apply()
	return true
}

// Cancel supersedes whatever is running in slot.
func (l *Loader) Cancel(slot models.Slot) {
	l.mu.Lock()
	prev := l.slots[slot]
	delete(l.slots, slot)
	l.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
}

func (l *Loader) CancelAll() {
	l.mu.Lock()
	prev := l.slots
	l.slots = make(map[models.Slot]*inflight)
	l.mu.Unlock()

	for _, p := range prev {
		p.cancel()
	}
}

func (l *Loader) Cache() *DailyResultCache {
	return l.cache
}

// finish classifies the result of a fan-out. A superseded request is a
// cancellation whatever the fan-out itself returned.
func finish[T any](l *Loader, shape string, req models.LoadRequest, value T, err error) Outcome[T] {
	var out Outcome[T]
	switch {
	case !l.IsCurrent(req):
		out = cancelled[T]()
	case err != nil:
		out = fromError[T](err)
	default:
		out = ok(value)
	}

	l.metrics.Load(shape, out.Status.String())
	switch out.Status {
	case StatusFailed:
		l.logger.Error("Load failed",
			zap.String("shape", shape),
			zap.String("request", req.ID),
			zap.String("target", describe(req)),
			zap.Error(out.Err))
	case StatusCancelled:
		l.logger.Debug("Load cancelled",
			zap.String("shape", shape),
			zap.String("request", req.ID),
			zap.String("target", describe(req)))
	}
	return out
}

type progressCounter struct {
	mu        sync.Mutex
	completed int
	total     int
	report    ProgressFunc
}

func (p *progressCounter) step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed < p.total {
		p.completed++
	}
	if p.report != nil {
		p.report(p.completed, p.total)
	}
}

// SlidingOptions tunes LoadSlidingWindow. OnTarget receives the target
// day's results as soon as they are available, before the neighbours.
type SlidingOptions struct {
	StepBudget int
	Progress   ProgressFunc
	OnTarget   func([]models.RawDayResult)
}

// LoadSlidingWindow fetches req.Date through the cache, hands it to
// OnTarget, then fetches the day before and after in parallel. The value
// is the three-day window ordered previous, target, next.
func (l *Loader) LoadSlidingWindow(ctx context.Context, req models.LoadRequest, opts SlidingOptions) Outcome[[]models.RawDayResult] {
	ctx, release := l.begin(ctx, req)
	defer release()

	budget := opts.StepBudget
	if budget < 3 {
		budget = l.cfg.SlidingStepBudget
	}
	progress := &progressCounter{total: budget, report: opts.Progress}

	target, err := l.cache.Get(ctx, req.Date)
	if err != nil {
		return finish[[]models.RawDayResult](l, "sliding", req, nil, err)
	}
	progress.step()

	if opts.OnTarget != nil && l.IsCurrent(req) {
		opts.OnTarget(target)
	}

	neighbours := [2][]models.RawDayResult{}
	g, gctx := errgroup.WithContext(ctx)
	for i, date := range []civil.Date{req.Date.AddDays(-1), req.Date.AddDays(1)} {
		g.Go(func() error {
			results, err := l.cache.Get(gctx, date)
			if err != nil {
				return err
			}
			neighbours[i] = results
			progress.step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return finish[[]models.RawDayResult](l, "sliding", req, nil, err)
	}

	window := make([]models.RawDayResult, 0, len(neighbours[0])+len(target)+len(neighbours[1]))
	window = append(window, neighbours[0]...)
	window = append(window, target...)
	window = append(window, neighbours[1]...)

	return finish(l, "sliding", req, window, nil)
}

// LoadWeekWindow computes aspects for the seven days around req.Date with
// at most WeekPermits computations in flight.
func (l *Loader) LoadWeekWindow(ctx context.Context, req models.LoadRequest, report ProgressFunc) Outcome[models.WeekView] {
	ctx, release := l.begin(ctx, req)
	defer release()

	zone, err := models.LoadZone(req.ObserverZone)
	if err != nil {
		return finish(l, "week", req, models.WeekView{}, err)
	}

	days := make([]civil.Date, 0, 2*weekRadius+1)
	for offset := -weekRadius; offset <= weekRadius; offset++ {
		days = append(days, req.Date.AddDays(offset))
	}

	perDay, err := l.aspectsFor(ctx, days, zone, req.Aspects, l.cfg.WeekPermits, &progressCounter{total: len(days), report: report})
	if err != nil {
		return finish(l, "week", req, models.WeekView{}, err)
	}

	view := models.WeekView{
		Center:          req.Date,
		CenterDayEvents: perDay[weekRadius],
		WeekSummaries:   make([]models.DaySummary, len(days)),
	}
	for i, date := range days {
		view.WeekSummaries[i] = models.DaySummary{Date: date, EventCount: len(perDay[i])}
	}

	return finish(l, "week", req, view, nil)
}

// aspectsFor fans out over days bounded by permits. Results are indexed
// by position in days and each day's events are sorted by instant.
func (l *Loader) aspectsFor(ctx context.Context, days []civil.Date, zone *time.Location, cfg models.AspectConfig, permits int, progress *progressCounter) ([][]models.AspectEvent, error) {
	perDay := make([][]models.AspectEvent, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(permits)
	for i, date := range days {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			started := time.Now()
			events, err := l.aspects.ComputeAspects(gctx, date, zone, cfg)
			l.metrics.ObserveCompute("aspects", started)
			if err != nil {
				return &ComputationFailure{Unit: "aspect", Date: date, Err: err}
			}
			events = slices.Clone(events)
			sort.SliceStable(events, func(a, b int) bool {
				return events[a].Instant.Before(events[b].Instant)
			})
			perDay[i] = events
			progress.step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return perDay, nil
}

// LoadExportMatrix builds the month × city table. Aspects are computed
// once per day for all cities (MonthAspectPermits), then every city-day
// is computed directly against the day collaborator (MonthCityPermits).
func (l *Loader) LoadExportMatrix(ctx context.Context, req models.LoadRequest, cities []models.City, report ProgressFunc) Outcome[models.ExportTable] {
	ctx, release := l.begin(ctx, req)
	defer release()

	zone, err := models.LoadZone(req.ObserverZone)
	if err != nil {
		return finish[models.ExportTable](l, "export", req, nil, err)
	}

	days := req.Month.Days()
	progress := &progressCounter{total: len(days) + len(days)*len(cities), report: report}

	perDay, err := l.aspectsFor(ctx, days, zone, req.Aspects, l.cfg.MonthAspectPermits, progress)
	if err != nil {
		return finish[models.ExportTable](l, "export", req, nil, err)
	}

	raw := make([][]models.RawDayResult, len(cities))
	for i := range raw {
		raw[i] = make([]models.RawDayResult, len(days))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MonthCityPermits)
	for ci, city := range cities {
		for di, date := range days {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				started := time.Now()
				result, err := l.days.ComputeDay(gctx, date, city)
				l.metrics.ObserveCompute("day", started)
				if err != nil {
					return &ComputationFailure{Unit: "day", Date: date, City: city.Key, Err: err}
				}
				raw[ci][di] = result
				progress.step()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return finish[models.ExportTable](l, "export", req, nil, err)
	}

	table := make(models.ExportTable, len(cities))
	for ci, city := range cities {
		loc := l.cityLocation(city)
		rows := make([]models.DayRow, len(days))
		for di, date := range days {
			rows[di] = buildDayRow(date, raw[ci][di], perDay[di], loc)
		}
		table[city.Key] = rows
	}

	return finish(l, "export", req, table, nil)
}

// cityLocation resolves the zone export rows are rendered in, falling
// back to UTC.
func (l *Loader) cityLocation(city models.City) *time.Location {
	loc, err := city.Location()
	if err != nil {
		l.logger.Warn("Unknown city timezone, rendering export rows in UTC",
			zap.String("city", city.Key),
			zap.String("timezone", city.Timezone),
			zap.Error(err))
		return time.UTC
	}
	return loc
}

func buildDayRow(date civil.Date, raw models.RawDayResult, aspects []models.AspectEvent, loc *time.Location) models.DayRow {
	row := models.DayRow{
		Date:        date,
		AspectTimes: make([]time.Time, 0, len(aspects)),
	}

	inCity := func(sub *models.SubEvent) *time.Time {
		if sub == nil || sub.Instant.IsZero() {
			return nil
		}
		t := sub.Instant.In(loc)
		return &t
	}
	row.Sunrise = inCity(raw.Sunrise)
	row.Sunset = inCity(raw.Sunset)
	row.Moonrise = inCity(raw.Moonrise)
	row.Moonset = inCity(raw.Moonset)

	for _, a := range aspects {
		row.AspectTimes = append(row.AspectTimes, a.Instant)
	}
	if len(aspects) > 0 {
		row.FirstAspect = aspects[0].Name
		row.LastAspect = aspects[len(aspects)-1].Name
	}

	var all []time.Time
	for _, t := range []*time.Time{row.Sunrise, row.Sunset, row.Moonrise, row.Moonset} {
		if t != nil {
			all = append(all, *t)
		}
	}
	all = append(all, row.AspectTimes...)
	if len(all) > 0 {
		earliest := slices.MinFunc(all, func(a, b time.Time) int { return a.Compare(b) })
		latest := slices.MaxFunc(all, func(a, b time.Time) int { return a.Compare(b) })
		row.EarliestEvent = &earliest
		row.LatestEvent = &latest
	}

	return row
}

// describe is used in log fields.
func describe(req models.LoadRequest) string {
	switch req.Slot {
	case models.SlotExport:
		return fmt.Sprintf("%s %s", req.Slot, req.Month)
	default:
		return fmt.Sprintf("%s %s", req.Slot, req.Date)
	}
}
