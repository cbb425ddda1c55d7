// Package config holds runtime settings. Values come from command-line flags, each of
// which falls back to an environment variable; a .env file is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

type Config struct {
	DB        string `name:"db" help:"Path to SQLite database." default:"data/greenroute.db" env:"GREENROUTE_DB"`
	Env       string `name:"env" help:"Deployment environment (development, production, test)." default:"development" env:"GREENROUTE_ENV"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogPretty bool   `name:"log-pretty" help:"Human-readable console logs." env:"LOG_PRETTY"`

	ElectricityMapsAPIKey  string        `name:"electricity-maps-api-key" help:"Electricity Maps API token. Without it the provider degrades to the default intensity." env:"ELECTRICITY_MAPS_API_KEY"`
	ElectricityMapsBaseURL string        `name:"electricity-maps-base-url" help:"Electricity Maps API base URL." default:"https://api.electricitymap.org" env:"ELECTRICITY_MAPS_BASE_URL"`
	DefaultIntensity       float64       `name:"default-intensity" help:"Intensity (gCO2eq/kWh) assumed when the provider has no answer." default:"400" env:"DEFAULT_MAX_CARBON_G_PER_KWH"`
	ProviderTimeout        time.Duration `name:"provider-timeout" help:"Per-call provider timeout." default:"30s" env:"PROVIDER_TIMEOUT"`

	Regions                []string `name:"regions" help:"Regions seeded as enabled." default:"FR,DE,GB,SE,NO,US-CAL-CISO" env:"GREENROUTE_REGIONS"`
	ForecastRefreshEnabled string   `name:"forecast-refresh-enabled" help:"Enable the scheduled forecast refresh (true/false). Defaults to enabled outside test." env:"FORECAST_REFRESH_ENABLED"`
	ForecastRefreshCron    string   `name:"forecast-refresh-cron" help:"Five-field cron schedule for forecast refresh." default:"*/30 * * * *" env:"FORECAST_REFRESH_CRON"`
	RefreshConcurrency     int      `name:"refresh-concurrency" help:"Regions refreshed in parallel." default:"4" env:"FORECAST_REFRESH_CONCURRENCY"`
}

// LoadDotEnv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("env must be one of development, production, test: got %q", c.Env)
	}
	if _, err := c.RefreshEnabled(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.ForecastRefreshCron); err != nil {
		return fmt.Errorf("forecast refresh cron %q: %w", c.ForecastRefreshCron, err)
	}
	if c.DefaultIntensity < 0 {
		return fmt.Errorf("default intensity must be non-negative: got %v", c.DefaultIntensity)
	}
	if c.RefreshConcurrency < 1 {
		return fmt.Errorf("refresh concurrency must be at least 1: got %d", c.RefreshConcurrency)
	}
	return nil
}

// RefreshEnabled resolves the refresh flag. When unset the scheduler runs everywhere except test.
func (c *Config) RefreshEnabled() (bool, error) {
	v := strings.TrimSpace(c.ForecastRefreshEnabled)
	if v == "" {
		return c.Env != EnvTest, nil
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("forecast refresh enabled %q: %w", v, err)
	}
	return enabled, nil
}

// RegionCodes returns the configured regions, trimmed, upper-cased and de-duplicated.
func (c *Config) RegionCodes() []string {
	seen := make(map[string]bool, len(c.Regions))
	var codes []string
	for _, r := range c.Regions {
		code := strings.ToUpper(strings.TrimSpace(r))
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes
}
