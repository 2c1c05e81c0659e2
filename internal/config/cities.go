package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bobby-s-dev/sky-events/internal/models"
)

type CityCatalog struct {
	Cities []models.City `yaml:"cities"`
}

// DefaultCatalog is used when no catalog file exists.
func DefaultCatalog() []models.City {
	return []models.City{
		{Key: "berlin", Label: "Berlin", Timezone: "Europe/Berlin", Latitude: 52.52, Longitude: 13.405},
		{Key: "london", Label: "London", Timezone: "Europe/London", Latitude: 51.5074, Longitude: -0.1278},
		{Key: "new-york", Label: "New York", Timezone: "America/New_York", Latitude: 40.7128, Longitude: -74.006},
		{Key: "los-angeles", Label: "Los Angeles", Timezone: "America/Los_Angeles", Latitude: 34.0522, Longitude: -118.2437},
		{Key: "honolulu", Label: "Honolulu", Timezone: "Pacific/Honolulu", Latitude: 21.3069, Longitude: -157.8583},
		{Key: "tokyo", Label: "Tokyo", Timezone: "Asia/Tokyo", Latitude: 35.6762, Longitude: 139.6503},
		{Key: "singapore", Label: "Singapore", Timezone: "Asia/Singapore", Latitude: 1.3521, Longitude: 103.8198},
		{Key: "mumbai", Label: "Mumbai", Timezone: "Asia/Kolkata", Latitude: 19.076, Longitude: 72.8777},
		{Key: "sydney", Label: "Sydney", Timezone: "Australia/Sydney", Latitude: -33.8688, Longitude: 151.2093},
		{Key: "kiritimati", Label: "Kiritimati", Timezone: "Pacific/Kiritimati", Latitude: 1.8721, Longitude: -157.4278},
	}
}

// LoadCities reads the YAML catalog at path. A missing file yields the
// built-in catalog; a malformed one is an error.
func LoadCities(path string) ([]models.City, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		zap.L().Info("No city catalog found, using built-in cities", zap.String("path", path))
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading city catalog: %w", err)
	}

	var catalog CityCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing city catalog %s: %w", path, err)
	}
	if err := validateCities(catalog.Cities); err != nil {
		return nil, fmt.Errorf("city catalog %s: %w", path, err)
	}
	return catalog.Cities, nil
}

func validateCities(cities []models.City) error {
	if len(cities) == 0 {
		return errors.New("no cities defined")
	}
	seen := make(map[string]bool, len(cities))
	for _, c := range cities {
		if c.Key == "" {
			return fmt.Errorf("city %q has no key", c.Label)
		}
		if seen[c.Key] {
			return fmt.Errorf("duplicate city key %q", c.Key)
		}
		seen[c.Key] = true
		if _, err := c.Location(); err != nil {
			return fmt.Errorf("city %q: %w", c.Key, err)
		}
		if c.Latitude < -90 || c.Latitude > 90 || c.Longitude < -180 || c.Longitude > 180 {
			return fmt.Errorf("city %q: coordinates out of range", c.Key)
		}
	}
	return nil
}

// SelectCities picks keys from catalog in the order given.
func SelectCities(catalog []models.City, keys []string) ([]models.City, error) {
	byKey := make(map[string]models.City, len(catalog))
	for _, c := range catalog {
		byKey[c.Key] = c
	}

	selected := make([]models.City, 0, len(keys))
	for _, key := range keys {
		c, ok := byKey[key]
		if !ok {
			return nil, fmt.Errorf("unknown city %q", key)
		}
		selected = append(selected, c)
	}
	return selected, nil
}
