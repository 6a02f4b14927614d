// Package config loads the opcrawl application configuration from defaults,
// an optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/client"
	"github.com/Sternrassler/openproject-crawler/pkg/logging"
	"github.com/Sternrassler/openproject-crawler/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvURL           = "OPENPROJECT_URL"
	EnvUsername      = "OPENPROJECT_USERNAME"
	EnvAPIKey        = "OPENPROJECT_API_KEY"
	EnvRateLimit     = "OPENPROJECT_RATE_LIMIT"
	EnvPageSize      = "OPENPROJECT_PAGE_SIZE"
	EnvRedisURL      = "REDIS_URL"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvLogLevel      = "LOG_LEVEL"
	EnvOutputDir     = "OUTPUT_DIR"
)

// Config is the application configuration.
type Config struct {
	OpenProject OpenProject `yaml:"openproject"`
	Redis       Redis       `yaml:"redis"`
	Log         Log         `yaml:"log"`
	Output      Output      `yaml:"output"`
}

// OpenProject configures the API client.
type OpenProject struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	APIKey            string        `yaml:"api_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	PageSize          int           `yaml:"page_size"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

// Redis configures the optional shared rate limit. An empty URL disables it.
type Redis struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Output configures exports.
type Output struct {
	Dir     string `yaml:"dir"`
	Formats string `yaml:"formats"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OpenProject: OpenProject{
			URL:               "http://localhost:8080/api/v3",
			Username:          "apikey",
			RequestsPerSecond: ratelimit.DefaultRequestsPerSecond,
			PageSize:          1000,
			Timeout:           30 * time.Second,
			MaxAttempts:       client.DefaultRetryConfig().MaxAttempts,
		},
		Log: Log{
			Level: string(logging.LevelInfo),
		},
		Output: Output{
			Dir:     "output",
			Formats: "json",
		},
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when
// path is empty) and the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvURL, &c.OpenProject.URL)
	str(EnvUsername, &c.OpenProject.Username)
	str(EnvAPIKey, &c.OpenProject.APIKey)
	str(EnvRedisURL, &c.Redis.URL)
	str(EnvRedisPassword, &c.Redis.Password)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvOutputDir, &c.Output.Dir)

	if v, ok := lookup(EnvRateLimit); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimit, err)
		}
		c.OpenProject.RequestsPerSecond = rps
	}
	if v, ok := lookup(EnvPageSize); ok && v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPageSize, err)
		}
		c.OpenProject.PageSize = size
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.OpenProject.URL == "" {
		errs = append(errs, &client.ConfigError{Field: "openproject.url", Reason: "is required"})
	}
	if c.OpenProject.APIKey == "" {
		errs = append(errs, &client.ConfigError{Field: "openproject.api_key", Reason: fmt.Sprintf("is required (set %s)", EnvAPIKey)})
	}
	if c.OpenProject.RequestsPerSecond <= 0 {
		errs = append(errs, &client.ConfigError{Field: "openproject.requests_per_second", Reason: "must be > 0"})
	}
	if c.OpenProject.PageSize <= 0 {
		errs = append(errs, &client.ConfigError{Field: "openproject.page_size", Reason: "must be > 0"})
	}
	if c.OpenProject.Timeout <= 0 {
		errs = append(errs, &client.ConfigError{Field: "openproject.timeout", Reason: "must be > 0"})
	}
	if c.OpenProject.MaxAttempts < 1 {
		errs = append(errs, &client.ConfigError{Field: "openproject.max_attempts", Reason: "must be >= 1"})
	}
	if _, err := c.redisOptions(); err != nil {
		errs = append(errs, &client.ConfigError{Field: "redis.url", Reason: err.Error()})
	}
	return errors.Join(errs...)
}

// ClientConfig converts c into a client configuration. redisClient may be nil.
func (c Config) ClientConfig(redisClient *redis.Client) client.Config {
	cfg := client.DefaultConfig(c.OpenProject.URL, c.OpenProject.Username, c.OpenProject.APIKey)
	cfg.RequestsPerSecond = c.OpenProject.RequestsPerSecond
	cfg.PageSize = c.OpenProject.PageSize
	cfg.Timeout = c.OpenProject.Timeout
	cfg.Retry.MaxAttempts = c.OpenProject.MaxAttempts
	cfg.Redis = redisClient
	return cfg
}

// LogConfig converts c into a logging configuration.
func (c Config) LogConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// NewRedisClient returns a Redis client for the shared rate limit, or nil
// when no Redis URL is configured. URL may be "host:port" or a redis:// URL.
func (c Config) NewRedisClient() (*redis.Client, error) {
	opts, err := c.redisOptions()
	if err != nil {
		return nil, &client.ConfigError{Field: "redis.url", Reason: err.Error()}
	}
	if opts == nil {
		return nil, nil
	}
	return redis.NewClient(opts), nil
}

// redisOptions parses Redis.URL. A value with a scheme must be a valid
// redis:// or rediss:// URL; anything else is taken as a plain address.
func (c Config) redisOptions() (*redis.Options, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}

	var opts *redis.Options
	if strings.Contains(c.Redis.URL, "://") {
		parsed, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: c.Redis.URL, DB: c.Redis.DB}
	}

	if c.Redis.Password != "" {
		opts.Password = c.Redis.Password
	}
	return opts, nil
}
