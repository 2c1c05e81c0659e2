package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bobby-s-dev/sky-events/internal/api"
	"github.com/bobby-s-dev/sky-events/internal/chiplabel"
	"github.com/bobby-s-dev/sky-events/internal/compute"
	"github.com/bobby-s-dev/sky-events/internal/config"
	"github.com/bobby-s-dev/sky-events/internal/metrics"
	"github.com/bobby-s-dev/sky-events/internal/models"
	"github.com/bobby-s-dev/sky-events/internal/scheduler"
	"github.com/bobby-s-dev/sky-events/internal/services"
	"github.com/bobby-s-dev/sky-events/pkg/client"
)

func main() {
	// Initialize logger
	zapConfig := zap.NewProductionConfig()
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	zap.ReplaceGlobals(logger)
	logger.Info("Starting Sky Events Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if level, err := zapcore.ParseLevel(cfg.Server.LogLevel); err != nil {
		logger.Warn("Unknown log level, keeping info", zap.String("level", cfg.Server.LogLevel))
	} else {
		zapConfig.Level.SetLevel(level)
	}

	// City catalog and default city set
	catalog, err := config.LoadCities(cfg.Cities.File)
	if err != nil {
		logger.Fatal("Failed to load city catalog", zap.Error(err))
	}
	defaultCities, err := config.SelectCities(catalog, cfg.Cities.Default)
	if err != nil {
		logger.Fatal("Invalid DEFAULT_CITIES", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collectorSet := metrics.New(reg)

	// Computation collaborators
	days, aspects := buildCollaborators(cfg, logger)

	registry := services.NewSessionRegistry(services.RegistryConfig{
		CacheCapacity: cfg.Cache.Capacity,
		Coalesce:      cfg.Cache.Coalesce,
		MaxSessions:   cfg.Cache.MaxSessions,
		Loader: services.LoaderConfig{
			WeekPermits:        cfg.Loader.WeekPermits,
			MonthAspectPermits: cfg.Loader.MonthAspectPermits,
			MonthCityPermits:   cfg.Loader.MonthCityPermits,
			SlidingStepBudget:  cfg.Loader.SlidingStepBudget,
		},
		Locale: chiplabel.ParseLocale(cfg.Observer.Locale),
		Defaults: services.Settings{
			ObserverZone:      cfg.Observer.Timezone,
			Cities:            defaultCities,
			SunOffsetMinutes:  cfg.Observer.SunOffsetMinutes,
			MoonOffsetMinutes: cfg.Observer.MoonOffsetMinutes,
			Aspects: models.AspectConfig{
				OrbDegrees: cfg.Aspects.OrbDegrees,
				Scope:      cfg.Aspects.Scope,
			},
		},
	}, days, aspects, logger, collectorSet)

	defaultSession, err := registry.Pin("default")
	if err != nil {
		logger.Fatal("Failed to create default session", zap.Error(err))
	}

	// Initialize scheduler
	prewarmScheduler, err := scheduler.NewScheduler(defaultSession, cfg.Scheduler.PrewarmCron, 60*time.Second, logger)
	if err != nil {
		logger.Fatal("Failed to initialize scheduler", zap.Error(err))
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: errorHandler,
	})

	// Setup handlers and routes
	handler := api.NewHandler(registry, catalog, prewarmScheduler, logger)
	api.SetupRoutes(app, handler, reg, logger)

	// Start scheduler
	prewarmScheduler.Start()

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Info("Starting server", zap.String("address", addr))

		if err := app.Listen(addr); err != nil {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop scheduler and in-flight loads
	prewarmScheduler.Stop()
	registry.Close()

	// Shutdown Fiber app
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// buildCollaborators wires the sun solver, the optional ephemeris service
// and the circuit breakers around both ports.
func buildCollaborators(cfg *config.Config, logger *zap.Logger) (services.DayComputer, services.AspectComputer) {
	var moon compute.MoonSource
	var aspects services.AspectComputer = compute.NoAspects{}

	if cfg.Ephemeris.URL != "" {
		ephemeris := client.NewEphemerisClient(cfg.Ephemeris.URL, client.ClientConfig{
			Timeout:        cfg.Ephemeris.Timeout,
			MaxRetries:     cfg.Retry.MaxRetries,
			RetryDelay:     cfg.Retry.Delay,
			Multiplier:     cfg.Retry.Multiplier,
			Threshold:      cfg.CircuitBreaker.Threshold,
			BreakerTimeout: cfg.CircuitBreaker.Timeout,
		}, logger)
		moon = ephemeris
		aspects = ephemeris
		logger.Info("Using remote ephemeris", zap.String("url", cfg.Ephemeris.URL))
	} else {
		logger.Info("No EPHEMERIS_URL set, moon events and aspects disabled")
	}

	breaker := compute.BreakerConfig{
		Threshold: cfg.CircuitBreaker.Threshold,
		Timeout:   cfg.CircuitBreaker.Timeout,
	}
	days := compute.NewBreakerDayComputer(compute.NewEngine(compute.NewSunComputer(), moon, logger), breaker, logger)
	return days, compute.NewBreakerAspectComputer(aspects, breaker, logger)
}

func errorHandler(c *fiber.Ctx, err error) error {
	zap.L().Error("HTTP error",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Error(err))

	// Default to 500 status code
	code := fiber.StatusInternalServerError

	// Check if it's a Fiber error
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   err.Error(),
		"success": false,
	})
}
