// Package config loads engine settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-querysync/pkg/querykey"
	"github.com/joho/godotenv"
)

// Config is the full engine and client configuration.
type Config struct {
	LogLevel string

	APIBaseURL string
	APIToken   string
	APITimeout time.Duration

	// StaleTime is the default staleness window. KindStaleTime overrides it
	// per resource kind.
	StaleTime     time.Duration
	KindStaleTime map[querykey.Kind]time.Duration
	// GCTime is how long an unobserved entry is retained. Zero means twice
	// the staleness window of its kind.
	GCTime      time.Duration
	GCInterval  time.Duration
	ReadRetries int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RelayChannel  string

	DebugAddr string
}

// Defaults returns the configuration used when no variables are set.
func Defaults() Config {
	return Config{
		LogLevel:      "info",
		APIBaseURL:    "http://localhost:8080/api",
		APITimeout:    30 * time.Second,
		StaleTime:     5 * time.Minute,
		KindStaleTime: map[querykey.Kind]time.Duration{},
		GCInterval:    time.Minute,
		ReadRetries:   1,
		RelayChannel:  "querysync:effects",
	}
}

// Load reads the given .env files (missing files are ignored; with no
// arguments ".env" is tried), then the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables over Defaults.
func FromEnv() (Config, error) {
	cfg := Defaults()
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("API_BASE_URL", &cfg.APIBaseURL)
	str("API_TOKEN", &cfg.APIToken)
	dur("API_TIMEOUT", &cfg.APITimeout)
	dur("STALE_TIME", &cfg.StaleTime)
	dur("GC_TIME", &cfg.GCTime)
	dur("GC_INTERVAL", &cfg.GCInterval)
	num("READ_RETRIES", &cfg.ReadRetries)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	str("RELAY_CHANNEL", &cfg.RelayChannel)
	str("DEBUG_ADDR", &cfg.DebugAddr)

	for _, kind := range querykey.Kinds {
		var d time.Duration
		name := "STALE_TIME_" + strings.ToUpper(string(kind))
		dur(name, &d)
		if d != 0 {
			cfg.KindStaleTime[kind] = d
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL %q is not an absolute URL", c.APIBaseURL))
	}
	if c.APITimeout <= 0 {
		errs = append(errs, errors.New("API_TIMEOUT must be positive"))
	}
	if c.StaleTime <= 0 {
		errs = append(errs, errors.New("STALE_TIME must be positive"))
	}
	for kind, d := range c.KindStaleTime {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("STALE_TIME_%s must be positive", strings.ToUpper(string(kind))))
		}
	}
	if c.GCTime < 0 {
		errs = append(errs, errors.New("GC_TIME cannot be negative"))
	}
	if c.GCInterval <= 0 {
		errs = append(errs, errors.New("GC_INTERVAL must be positive"))
	}
	if c.ReadRetries < 0 {
		errs = append(errs, errors.New("READ_RETRIES cannot be negative"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB cannot be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RelayEnabled reports whether a Redis relay is configured.
func (c Config) RelayEnabled() bool {
	return c.RedisAddr != ""
}
