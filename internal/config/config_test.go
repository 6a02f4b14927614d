package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/openproject-crawler/pkg/client"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opcrawl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvURL, EnvUsername, EnvAPIKey, EnvRateLimit, EnvPageSize, EnvRedisURL, EnvRedisPassword, EnvLogLevel, EnvOutputDir} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.OpenProject.RequestsPerSecond != 5 {
		t.Errorf("RequestsPerSecond = %v, want 5", cfg.OpenProject.RequestsPerSecond)
	}
	if cfg.OpenProject.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.OpenProject.MaxAttempts)
	}
	if cfg.OpenProject.Username != "apikey" {
		t.Errorf("Username = %q, want apikey", cfg.OpenProject.Username)
	}
	if cfg.Redis.URL != "" {
		t.Errorf("Redis should be disabled by default, got %q", cfg.Redis.URL)
	}

	// default has no API key
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error without API key")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
openproject:
  url: https://op.example.com/api/v3
  api_key: from-file
  page_size: 200
  timeout: 10s
redis:
  url: localhost:6379
log:
  level: debug
  pretty: true
output:
  formats: json,xlsx
`)
	t.Setenv(EnvAPIKey, "from-env")
	t.Setenv(EnvRateLimit, "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.OpenProject.URL != "https://op.example.com/api/v3" {
		t.Errorf("URL = %q", cfg.OpenProject.URL)
	}
	if cfg.OpenProject.APIKey != "from-env" {
		t.Errorf("env should override file, APIKey = %q", cfg.OpenProject.APIKey)
	}
	if cfg.OpenProject.RequestsPerSecond != 2.5 {
		t.Errorf("RequestsPerSecond = %v, want 2.5", cfg.OpenProject.RequestsPerSecond)
	}
	if cfg.OpenProject.PageSize != 200 {
		t.Errorf("PageSize = %d, want 200", cfg.OpenProject.PageSize)
	}
	if cfg.OpenProject.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.OpenProject.Timeout)
	}
	if cfg.OpenProject.MaxAttempts != 3 {
		t.Errorf("unset field should keep default, MaxAttempts = %d", cfg.OpenProject.MaxAttempts)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Output.Formats != "json,xlsx" || cfg.Output.Dir != "output" {
		t.Errorf("Output = %+v", cfg.Output)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvURL, "op.local:8080/api/v3")
	t.Setenv(EnvAPIKey, "secret")
	t.Setenv(EnvPageSize, "50")
	t.Setenv(EnvOutputDir, "/tmp/out")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenProject.URL != "op.local:8080/api/v3" || cfg.OpenProject.PageSize != 50 || cfg.Output.Dir != "/tmp/out" {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "missing file", file: "/does/not/exist.yaml", want: "read config"},
		{name: "invalid yaml", file: "openproject: [", want: "parse config"},
		{name: "invalid rate", env: map[string]string{EnvAPIKey: "k", EnvRateLimit: "fast"}, want: EnvRateLimit},
		{name: "invalid page size", env: map[string]string{EnvAPIKey: "k", EnvPageSize: "ten"}, want: EnvPageSize},
		{name: "zero rate", env: map[string]string{EnvAPIKey: "k", EnvRateLimit: "0"}, want: "requests_per_second"},
		{name: "no api key", want: "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := tt.file
			if path != "" && !strings.HasPrefix(path, "/") {
				path = writeFile(t, path)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.OpenProject.URL = ""
	cfg.OpenProject.PageSize = 0
	cfg.OpenProject.MaxAttempts = 0

	err := cfg.Validate()
	if !errors.Is(err, client.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	for _, field := range []string{"openproject.url", "openproject.api_key", "openproject.page_size", "openproject.max_attempts"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error does not mention %s: %v", field, err)
		}
	}
}

func TestClientConfig(t *testing.T) {
	cfg := Default()
	cfg.OpenProject.APIKey = "secret"
	cfg.OpenProject.RequestsPerSecond = 2
	cfg.OpenProject.MaxAttempts = 5

	cc := cfg.ClientConfig(nil)
	if cc.Password != "secret" || cc.Username != "apikey" {
		t.Errorf("credentials not mapped: %+v", cc)
	}
	if cc.RequestsPerSecond != 2 || cc.Retry.MaxAttempts != 5 || cc.PageSize != 1000 {
		t.Errorf("limits not mapped: %+v", cc)
	}
	if cc.Redis != nil {
		t.Error("expected no Redis client")
	}

	c, err := client.New(cc)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	c.Close()
}

func TestNewRedisClient(t *testing.T) {
	cfg := Default()
	if rc, err := cfg.NewRedisClient(); rc != nil || err != nil {
		t.Errorf("expected nil client without URL, got %v, %v", rc, err)
	}

	tests := []struct {
		url      string
		password string
		addr     string
		db       int
	}{
		{url: "localhost:6379", addr: "localhost:6379"},
		{url: "redis://cache:6380/2", addr: "cache:6380", db: 2},
		{url: "redis://cache:6379/0", password: "pw", addr: "cache:6379"},
	}

	for _, tt := range tests {
		cfg.Redis = Redis{URL: tt.url, Password: tt.password}
		rc, err := cfg.NewRedisClient()
		if err != nil {
			t.Fatalf("%s: NewRedisClient() error = %v", tt.url, err)
		}
		opts := rc.Options()
		if opts.Addr != tt.addr || opts.DB != tt.db || opts.Password != tt.password {
			t.Errorf("%s: got addr=%s db=%d password=%q", tt.url, opts.Addr, opts.DB, opts.Password)
		}
		rc.Close()
	}
}

func TestRedisURL_Malformed(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"unknown scheme", "http://cache:6379"},
		{"bad database", "redis://cache:6379/notanumber"},
		{"bad port", "redis://cache:port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.OpenProject.APIKey = "secret"
			cfg.Redis.URL = tt.url

			err := cfg.Validate()
			if !errors.Is(err, client.ErrConfiguration) || !strings.Contains(err.Error(), "redis.url") {
				t.Errorf("Validate() = %v, want redis.url configuration error", err)
			}

			rc, err := cfg.NewRedisClient()
			if err == nil || rc != nil {
				t.Errorf("NewRedisClient() = %v, %v, want error", rc, err)
			}
		})
	}
}

func TestLogConfig(t *testing.T) {
	cfg := Default()
	cfg.Log = Log{Level: "warn", Pretty: true}

	lc := cfg.LogConfig()
	if lc.Level != "warn" || !lc.Pretty || lc.Output == nil {
		t.Errorf("LogConfig() = %+v", lc)
	}
}
