package api

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/bobby-s-dev/sky-events/internal/config"
	"github.com/bobby-s-dev/sky-events/internal/models"
	"github.com/bobby-s-dev/sky-events/internal/services"
)

const (
	ObserverHeader  = "X-Observer-ID"
	defaultObserver = "default"
)

// StatusReporter is implemented by the prewarm scheduler.
type StatusReporter interface {
	GetStatus() map[string]interface{}
}

type Handler struct {
	registry  *services.SessionRegistry
	catalog   []models.City
	scheduler StatusReporter
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(registry *services.SessionRegistry, catalog []models.City, scheduler StatusReporter, logger *zap.Logger) *Handler {
	return &Handler{
		registry:  registry,
		catalog:   catalog,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) session(c *fiber.Ctx) (*services.Session, error) {
	id := c.Get(ObserverHeader, defaultObserver)
	return h.registry.Get(id)
}

// respond maps an outcome to the HTTP response: the value under key on
// success, 204 when superseded, 502 with an empty result on failure.
func respond[T any](c *fiber.Ctx, h *Handler, out services.Outcome[T], key string, empty interface{}, extra fiber.Map) error {
	switch out.Status {
	case services.StatusOK:
		body := fiber.Map{key: out.Value, "success": true}
		for k, v := range extra {
			body[k] = v
		}
		return c.JSON(body)

	case services.StatusCancelled:
		return c.SendStatus(fiber.StatusNoContent)

	default:
		h.logger.Error("Load failed",
			zap.String("path", c.Path()),
			zap.Error(out.Err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "Failed to compute " + key,
			key:       empty,
			"success": false,
		})
	}
}

// GetEvents handles GET /api/v1/events
func (h *Handler) GetEvents(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	settings := sess.Settings()

	date, err := h.dateParam(c, "date", settings.ObserverZone)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Date parameter must be YYYY-MM-DD",
		})
	}

	h.logger.Info("Loading events",
		zap.String("observer", sess.ID()),
		zap.Stringer("date", date))

	out := sess.SelectDate(c.UserContext(), date)
	return respond(c, h, out, "events", []models.NormalizedEvent{}, fiber.Map{
		"date":          date,
		"observer_zone": settings.ObserverZone,
	})
}

// GetWeek handles GET /api/v1/week
func (h *Handler) GetWeek(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}

	center, err := h.dateParam(c, "center", sess.Settings().ObserverZone)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Center parameter must be YYYY-MM-DD",
		})
	}

	out := sess.SelectWeek(c.UserContext(), center)
	return respond(c, h, out, "week", models.WeekView{Center: center}, nil)
}

// GetExport handles GET /api/v1/export
func (h *Handler) GetExport(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}

	monthStr := c.Query("month")
	if monthStr == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Month parameter is required",
		})
	}
	parsed, err := time.Parse("2006-01", monthStr)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Month parameter must be YYYY-MM",
		})
	}
	month := models.Month{Year: parsed.Year(), Month: parsed.Month()}

	var cities []models.City
	if keys := splitKeys(c.Query("cities")); len(keys) > 0 {
		cities, err = config.SelectCities(h.catalog, keys)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	h.logger.Info("Building export",
		zap.String("observer", sess.ID()),
		zap.Stringer("month", month),
		zap.Int("cities", len(cities)))

	out := sess.ExportMonth(c.UserContext(), month, cities)
	return respond(c, h, out, "export", models.ExportTable{}, fiber.Map{
		"month": month.String(),
	})
}

type sessionUpdate struct {
	Zone              *string  `json:"zone"`
	Cities            []string `json:"cities"`
	SunOffsetMinutes  *int     `json:"sunOffsetMinutes"`
	MoonOffsetMinutes *int     `json:"moonOffsetMinutes"`
	OrbDegrees        *float64 `json:"orbDegrees"`
	Scope             *string  `json:"scope"`
}

// GetSession handles GET /api/v1/session
func (h *Handler) GetSession(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(sess.Snapshot())
}

// UpdateSession handles PUT /api/v1/session
func (h *Handler) UpdateSession(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}

	var body sessionUpdate
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	next := sess.Settings()
	if body.Zone != nil {
		next.ObserverZone = *body.Zone
	}
	if body.Cities != nil {
		cities, err := config.SelectCities(h.catalog, body.Cities)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		next.Cities = cities
	}
	if body.SunOffsetMinutes != nil {
		next.SunOffsetMinutes = *body.SunOffsetMinutes
	}
	if body.MoonOffsetMinutes != nil {
		next.MoonOffsetMinutes = *body.MoonOffsetMinutes
	}
	if body.OrbDegrees != nil {
		next.Aspects.OrbDegrees = *body.OrbDegrees
	}
	if body.Scope != nil {
		next.Aspects.Scope = *body.Scope
	}

	if err := sess.UpdateSettings(next); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"settings": sess.Settings(),
		"success":  true,
	})
}

// GetHealth handles GET /api/v1/health
func (h *Handler) GetHealth(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":    "healthy",
		"timestamp": h.now(),
		"uptime":    time.Since(startTime).String(),
		"stats":     h.registry.GetStats(),
	}
	if h.scheduler != nil {
		body["scheduler"] = h.scheduler.GetStatus()
	}
	return c.JSON(body)
}

// GetCities handles GET /api/v1/cities
func (h *Handler) GetCities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"cities": h.catalog,
	})
}

// dateParam reads a YYYY-MM-DD query parameter, defaulting to today in
// zone.
func (h *Handler) dateParam(c *fiber.Ctx, name, zone string) (civil.Date, error) {
	if v := c.Query(name); v != "" {
		return civil.ParseDate(v)
	}
	loc, err := models.LoadZone(zone)
	if err != nil {
		return civil.Date{}, err
	}
	return civil.DateOf(h.now().In(loc)), nil
}

func splitKeys(value string) []string {
	var keys []string
	for _, k := range strings.Split(value, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

var startTime = time.Now()
