// Package config loads the bridge's runtime configuration from (in
// increasing priority) defaults, a YAML file, a .env file, and process
// environment/flags, matching the layered load order the pack's
// godotenv-based binaries follow (e.g. cmd/verify-tables/main.go's
// godotenv.Load() before flag/env reads), generalized here to spec
// §9's full configuration surface.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the value object for the bridge's configuration surface:
// pool{}, retry{}, breaker{}, cache{}, strictMethodMapping, logging{},
// and metrics{}.
type Config struct {
	Pool struct {
		MaxWorkers              int      `yaml:"maxWorkers"`
		FrameworkPath           string   `yaml:"frameworkPath"`
		WorkDir                 string   `yaml:"workDir"`
		Env                     []string `yaml:"env"`
		ProcessStartupTimeoutMs int64    `yaml:"processStartupTimeoutMs"`
		ProcessIdleTimeoutMs    int64    `yaml:"processIdleTimeoutMs"`
		RequestTimeoutMs        int64    `yaml:"requestTimeoutMs"`
		MaxConcurrentPerWorker  int      `yaml:"maxConcurrentPerWorker"`
		StderrTailLines         int      `yaml:"stderrTailLines"`
		RestartOnExit           bool     `yaml:"restartOnExit"`
	} `yaml:"pool"`

	Retry struct {
		MaxAttempts int     `yaml:"maxAttempts"`
		BaseDelayMs int64   `yaml:"baseDelayMs"`
		Strategy    string  `yaml:"strategy"`
		Jitter      float64 `yaml:"jitter"`
	} `yaml:"retry"`

	Breaker struct {
		FailureThreshold     int   `yaml:"failureThreshold"`
		ResetTimeoutMs       int64 `yaml:"resetTimeoutMs"`
		HalfOpenRequestCount int   `yaml:"halfOpenRequestCount"`
	} `yaml:"breaker"`

	Cache struct {
		L1MaxEntries      int      `yaml:"l1MaxEntries"`
		L1TTLMs           int64    `yaml:"l1TtlMs"`
		L2Dir             string   `yaml:"l2Dir"`
		L2MaxBytes        int64    `yaml:"l2MaxBytes"`
		L2TTLMs           int64    `yaml:"l2TtlMs"`
		IdempotentMethods []string `yaml:"idempotentMethods"`
	} `yaml:"cache"`

	StrictMethodMapping bool `yaml:"strictMethodMapping"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Metrics struct {
		ListenAddr        string `yaml:"listenAddr"`
		OTelEnabled       bool   `yaml:"otelEnabled"`
		OTelExporter      string `yaml:"otelExporter"`
		OTelEndpoint      string `yaml:"otelEndpoint"`
		OTelServiceName   string `yaml:"otelServiceName"`
		OTelServiceVer    string `yaml:"otelServiceVersion"`
		OTelOTLPInsecure  bool   `yaml:"otelOtlpInsecure"`
	} `yaml:"metrics"`
}

// Default returns the built-in defaults spec §9 specifies.
func Default() Config {
	var c Config
	c.Pool.MaxWorkers = 4
	c.Pool.ProcessStartupTimeoutMs = 10000
	c.Pool.ProcessIdleTimeoutMs = 60000
	c.Pool.RequestTimeoutMs = 30000
	c.Pool.MaxConcurrentPerWorker = 4
	c.Pool.StderrTailLines = 20
	c.Pool.RestartOnExit = true
	c.Retry.MaxAttempts = 3
	c.Retry.BaseDelayMs = 100
	c.Retry.Strategy = "exponential"
	c.Retry.Jitter = 0.2
	c.Breaker.FailureThreshold = 5
	c.Breaker.ResetTimeoutMs = 30000
	c.Breaker.HalfOpenRequestCount = 1
	c.Cache.L1MaxEntries = 1000
	c.Cache.L1TTLMs = 60000
	c.Cache.L2TTLMs = 3600000
	c.Cache.L2MaxBytes = 100 << 20
	c.Logging.Level = "info"
	c.Metrics.ListenAddr = ":9090"
	c.Metrics.OTelExporter = "none"
	c.Metrics.OTelServiceName = "sqlitebridge"
	return c
}

// LoadFromFile overlays YAML file contents onto the defaults.
func LoadFromFile(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// LoadEnvFile loads a .env file into the process environment if
// present; a missing file is not an error (checked here before calling
// godotenv.Load, which would otherwise fail on it).
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// BindFlags registers flag.FlagSet entries for the fields a host binary
// commonly overrides at the command line, writing back into c.
func BindFlags(fs *flag.FlagSet, c *Config) {
	fs.IntVar(&c.Pool.MaxWorkers, "max-workers", c.Pool.MaxWorkers, "number of worker subprocesses in the pool")
	fs.StringVar(&c.Pool.FrameworkPath, "framework-path", c.Pool.FrameworkPath, "path to the worker subprocess entrypoint")
	fs.StringVar(&c.Pool.WorkDir, "work-dir", c.Pool.WorkDir, "working directory argument passed to each worker")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "structured log level (debug, info, warn, error)")
	fs.StringVar(&c.Metrics.ListenAddr, "metrics-addr", c.Metrics.ListenAddr, "listen address for the /metrics and /healthz endpoints")
	fs.BoolVar(&c.Metrics.OTelEnabled, "otel-enabled", c.Metrics.OTelEnabled, "additionally push metrics into an OpenTelemetry meter provider")
	fs.StringVar(&c.Metrics.OTelExporter, "otel-exporter", c.Metrics.OTelExporter, "otel exporter: none, stdout, otlp_grpc, otlp_http")
	fs.StringVar(&c.Metrics.OTelEndpoint, "otel-endpoint", c.Metrics.OTelEndpoint, "otlp collector endpoint, when otel-exporter is otlp_grpc/otlp_http")
}

// ApplyEnv overlays a fixed set of SQLITEBRIDGE_-prefixed environment
// variables onto c, for the fields ops most commonly override without a
// redeploy (spec §9's ambient configuration surface).
func ApplyEnv(c *Config) {
	if v := os.Getenv("SQLITEBRIDGE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("SQLITEBRIDGE_FRAMEWORK_PATH"); v != "" {
		c.Pool.FrameworkPath = v
	}
	if v := os.Getenv("SQLITEBRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SQLITEBRIDGE_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// RequestTimeout returns Pool.RequestTimeoutMs as a time.Duration for
// convenience at call sites that build context.WithTimeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Pool.RequestTimeoutMs) * time.Millisecond
}

// IdempotentMethodSet converts Cache.IdempotentMethods into the map
// shape cache.Config expects.
func (c Config) IdempotentMethodSet() map[string]bool {
	out := make(map[string]bool, len(c.Cache.IdempotentMethods))
	for _, m := range c.Cache.IdempotentMethods {
		out[m] = true
	}
	return out
}
