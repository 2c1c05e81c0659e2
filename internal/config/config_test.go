package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		check       func(t *testing.T, cfg *Config)
		wantErr     bool
		errContains string
	}{
		{
			name: "defaults when no env vars set",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.Server.Port)
				assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "info", cfg.Server.LogLevel)
				assert.Equal(t, "Europe/Berlin", cfg.Observer.Timezone)
				assert.Equal(t, "en", cfg.Observer.Locale)
				assert.Equal(t, []string{"berlin", "new-york", "tokyo"}, cfg.Cities.Default)
				assert.Equal(t, 31, cfg.Cache.Capacity)
				assert.False(t, cfg.Cache.Coalesce)
				assert.Equal(t, 256, cfg.Cache.MaxSessions)
				assert.Equal(t, 3, cfg.Loader.WeekPermits)
				assert.Equal(t, 4, cfg.Loader.MonthAspectPermits)
				assert.Equal(t, 4, cfg.Loader.MonthCityPermits)
				assert.Equal(t, 3, cfg.Loader.SlidingStepBudget)
				assert.Equal(t, 6.0, cfg.Aspects.OrbDegrees)
				assert.Equal(t, "personal", cfg.Aspects.Scope)
				assert.Empty(t, cfg.Ephemeris.URL)
				assert.Equal(t, "*/15 * * * *", cfg.Scheduler.PrewarmCron)
				assert.Equal(t, 0, cfg.Retry.MaxRetries)
				assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
			},
		},
		{
			name: "custom configuration from environment variables",
			env: map[string]string{
				"FIBER_PORT":         "9090",
				"OBSERVER_TIMEZONE":  "America/New_York",
				"DEFAULT_CITIES":     " tokyo, singapore ,,",
				"CACHE_CAPACITY":     "7",
				"CACHE_COALESCE":     "true",
				"MAX_SESSIONS":       "16",
				"WEEK_PERMITS":       "5",
				"SUN_OFFSET_MINUTES": "-15",
				"LABEL_LOCALE":       "de",
				"EPHEMERIS_URL":      "http://ephemeris:8000",
				"RETRY_MULTIPLIER":   "1.5",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "9090", cfg.Server.Port)
				assert.Equal(t, "America/New_York", cfg.Observer.Timezone)
				assert.Equal(t, []string{"tokyo", "singapore"}, cfg.Cities.Default)
				assert.Equal(t, 7, cfg.Cache.Capacity)
				assert.True(t, cfg.Cache.Coalesce)
				assert.Equal(t, 16, cfg.Cache.MaxSessions)
				assert.Equal(t, 5, cfg.Loader.WeekPermits)
				assert.Equal(t, -15, cfg.Observer.SunOffsetMinutes)
				assert.Equal(t, "de", cfg.Observer.Locale)
				assert.Equal(t, "http://ephemeris:8000", cfg.Ephemeris.URL)
				assert.Equal(t, 1.5, cfg.Retry.Multiplier)
			},
		},
		{
			name: "malformed numbers fall back to defaults",
			env: map[string]string{
				"WEEK_PERMITS":       "many",
				"FIBER_READ_TIMEOUT": "soon",
				"CACHE_COALESCE":     "maybe",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3, cfg.Loader.WeekPermits)
				assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
				assert.False(t, cfg.Cache.Coalesce)
			},
		},
		{
			name:        "invalid observer timezone returns error",
			env:         map[string]string{"OBSERVER_TIMEZONE": "Moon/Tranquility_Base"},
			wantErr:     true,
			errContains: "invalid OBSERVER_TIMEZONE",
		},
		{
			name:        "non-positive cache capacity returns error",
			env:         map[string]string{"CACHE_CAPACITY": "0"},
			wantErr:     true,
			errContains: "invalid CACHE_CAPACITY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg, err := LoadConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadCities(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	tests := []struct {
		name        string
		path        string
		wantKeys    []string
		errContains string
	}{
		{
			name: "valid catalog",
			path: write("valid.yaml", `
cities:
  - key: reykjavik
    label: Reykjavík
    timezone: Atlantic/Reykjavik
    latitude: 64.1466
    longitude: -21.9426
  - key: tokyo
    label: Tokyo
    timezone: Asia/Tokyo
    latitude: 35.6762
    longitude: 139.6503
`),
			wantKeys: []string{"reykjavik", "tokyo"},
		},
		{
			name:     "missing file uses built-in catalog",
			path:     filepath.Join(dir, "absent.yaml"),
			wantKeys: []string{"berlin", "london", "new-york", "los-angeles", "honolulu", "tokyo", "singapore", "mumbai", "sydney", "kiritimati"},
		},
		{
			name:        "malformed yaml",
			path:        write("broken.yaml", "cities: [key: {"),
			errContains: "parsing city catalog",
		},
		{
			name: "duplicate keys",
			path: write("dup.yaml", `
cities:
  - {key: tokyo, label: Tokyo, timezone: Asia/Tokyo, latitude: 35.6, longitude: 139.6}
  - {key: tokyo, label: Tokyo 2, timezone: Asia/Tokyo, latitude: 35.6, longitude: 139.6}
`),
			errContains: "duplicate city key",
		},
		{
			name: "unknown zone",
			path: write("zone.yaml", `
cities:
  - {key: atlantis, label: Atlantis, timezone: Ocean/Atlantis, latitude: 0, longitude: 0}
`),
			errContains: "atlantis",
		},
		{
			name:        "empty catalog",
			path:        write("empty.yaml", "cities: []\n"),
			errContains: "no cities defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cities, err := LoadCities(tt.path)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			keys := make([]string, len(cities))
			for i, c := range cities {
				keys[i] = c.Key
			}
			assert.Equal(t, tt.wantKeys, keys)
		})
	}
}

func TestSelectCities(t *testing.T) {
	catalog := DefaultCatalog()

	selected, err := SelectCities(catalog, []string{"tokyo", "berlin"})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	assert.Equal(t, "Tokyo", selected[0].Label)
	assert.Equal(t, "Berlin", selected[1].Label)

	_, err = SelectCities(catalog, []string{"berlin", "gotham"})
	assert.ErrorContains(t, err, "gotham")
}

func TestDefaultCatalogIsValid(t *testing.T) {
	assert.NoError(t, validateCities(DefaultCatalog()))
}
