package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server struct {
		Port         string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		LogLevel     string
	}

	Observer struct {
		Timezone          string
		SunOffsetMinutes  int
		MoonOffsetMinutes int
		Locale            string
	}

	Cities struct {
		File    string
		Default []string
	}

	Cache struct {
		Capacity    int
		Coalesce    bool
		MaxSessions int
	}

	Loader struct {
		WeekPermits        int
		MonthAspectPermits int
		MonthCityPermits   int
		SlidingStepBudget  int
	}

	Aspects struct {
		OrbDegrees float64
		Scope      string
	}

	Ephemeris struct {
		URL     string
		Timeout time.Duration
	}

	Scheduler struct {
		PrewarmCron string
	}

	CircuitBreaker struct {
		Threshold int
		Timeout   time.Duration
	}

	Retry struct {
		MaxRetries int
		Delay      time.Duration
		Multiplier float64
	}
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		zap.L().Info("No .env file found, using environment variables")
	}

	cfg := &Config{}

	// Server configuration
	cfg.Server.Port = getEnv("FIBER_PORT", "8080")
	cfg.Server.ReadTimeout = parseDuration(getEnv("FIBER_READ_TIMEOUT", "10s"), 10*time.Second)
	cfg.Server.WriteTimeout = parseDuration(getEnv("FIBER_WRITE_TIMEOUT", "10s"), 10*time.Second)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", "info")

	// Observer defaults
	cfg.Observer.Timezone = getEnv("OBSERVER_TIMEZONE", "Europe/Berlin")
	if _, err := time.LoadLocation(cfg.Observer.Timezone); err != nil {
		return nil, fmt.Errorf("invalid OBSERVER_TIMEZONE %q: %w", cfg.Observer.Timezone, err)
	}
	cfg.Observer.SunOffsetMinutes = parseInt(getEnv("SUN_OFFSET_MINUTES", "0"), 0)
	cfg.Observer.MoonOffsetMinutes = parseInt(getEnv("MOON_OFFSET_MINUTES", "0"), 0)
	cfg.Observer.Locale = getEnv("LABEL_LOCALE", "en")

	// City catalog
	cfg.Cities.File = getEnv("CITIES_FILE", "cities.yaml")
	cfg.Cities.Default = splitList(getEnv("DEFAULT_CITIES", "berlin,new-york,tokyo"))

	// Cache configuration
	cfg.Cache.Capacity = parseInt(getEnv("CACHE_CAPACITY", "31"), 31)
	if cfg.Cache.Capacity <= 0 {
		return nil, fmt.Errorf("invalid CACHE_CAPACITY %d: must be positive", cfg.Cache.Capacity)
	}
	cfg.Cache.Coalesce = parseBool(getEnv("CACHE_COALESCE", "false"), false)
	cfg.Cache.MaxSessions = parseInt(getEnv("MAX_SESSIONS", "256"), 256)

	// Permit pools
	cfg.Loader.WeekPermits = parseInt(getEnv("WEEK_PERMITS", "3"), 3)
	cfg.Loader.MonthAspectPermits = parseInt(getEnv("MONTH_ASPECT_PERMITS", "4"), 4)
	cfg.Loader.MonthCityPermits = parseInt(getEnv("MONTH_CITY_PERMITS", "4"), 4)
	cfg.Loader.SlidingStepBudget = parseInt(getEnv("SLIDING_STEP_BUDGET", "3"), 3)

	// Aspect defaults
	cfg.Aspects.OrbDegrees = parseFloat(getEnv("ASPECT_ORB_DEGREES", "6"), 6)
	cfg.Aspects.Scope = getEnv("ASPECT_SCOPE", "personal")

	// Ephemeris service
	cfg.Ephemeris.URL = getEnv("EPHEMERIS_URL", "")
	cfg.Ephemeris.Timeout = parseDuration(getEnv("EPHEMERIS_TIMEOUT", "10s"), 10*time.Second)

	// Scheduler configuration
	cfg.Scheduler.PrewarmCron = getEnv("PREWARM_CRON", "*/15 * * * *")

	// Circuit breaker configuration
	cfg.CircuitBreaker.Threshold = parseInt(getEnv("CIRCUIT_BREAKER_THRESHOLD", "3"), 3)
	cfg.CircuitBreaker.Timeout = parseDuration(getEnv("CIRCUIT_BREAKER_TIMEOUT", "30s"), 30*time.Second)

	// Retry configuration
	cfg.Retry.MaxRetries = parseInt(getEnv("MAX_RETRIES", "0"), 0)
	cfg.Retry.Delay = parseDuration(getEnv("RETRY_DELAY", "1s"), time.Second)
	cfg.Retry.Multiplier = parseFloat(getEnv("RETRY_MULTIPLIER", "2"), 2)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		zap.L().Warn("Failed to parse duration", zap.String("value", value), zap.Error(err))
		return fallback
	}
	return duration
}

func parseInt(value string, fallback int) int {
	intValue, err := strconv.Atoi(value)
	if err != nil {
		zap.L().Warn("Failed to parse int", zap.String("value", value), zap.Error(err))
		return fallback
	}
	return intValue
}

func parseFloat(value string, fallback float64) float64 {
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		zap.L().Warn("Failed to parse float", zap.String("value", value), zap.Error(err))
		return fallback
	}
	return floatValue
}

func parseBool(value string, fallback bool) bool {
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		zap.L().Warn("Failed to parse bool", zap.String("value", value), zap.Error(err))
		return fallback
	}
	return boolValue
}
