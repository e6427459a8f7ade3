// Command bridgehost is the demo host process wiring the full façade
// (pool, retry, breaker, cache, validation, adapter) behind an HTTP
// endpoint, plus /metrics and /healthz. Grounded on cmd/server/main.go's
// flag-parsing -> wire-components -> server.Start() -> signal-wait ->
// graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/sqlitebridge/internal/adapter"
	"github.com/bc-dunia/sqlitebridge/internal/breaker"
	"github.com/bc-dunia/sqlitebridge/internal/bridge"
	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/cache"
	"github.com/bc-dunia/sqlitebridge/internal/config"
	"github.com/bc-dunia/sqlitebridge/internal/facade"
	"github.com/bc-dunia/sqlitebridge/internal/logging"
	"github.com/bc-dunia/sqlitebridge/internal/metricscol"
	"github.com/bc-dunia/sqlitebridge/internal/pool"
	"github.com/bc-dunia/sqlitebridge/internal/retry"
)

func main() {
	cfg := config.Default()

	configFile := flag.String("config", "", "path to a YAML config file (overrides defaults)")
	envFile := flag.String("env-file", "", "path to a .env file (defaults to ./.env if present)")
	fs := flag.CommandLine
	config.BindFlags(fs, &cfg)
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "bridgehost: loading env file: %v\n", err)
	}
	config.ApplyEnv(&cfg)

	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bridgehost: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		// The flags are bound to cfg's fields, so parsing again
		// re-applies the command line over the file's values.
		flag.Parse()
		config.ApplyEnv(&cfg)
	}

	if cfg.Pool.FrameworkPath == "" {
		fmt.Fprintln(os.Stderr, "bridgehost: -framework-path is required")
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, logLevel(cfg.Logging.Level))
	metrics := metricscol.New()

	f, err := facade.New(facade.Config{
		Bridge: bridgeConfigFrom(cfg),
		Cache:  cacheConfigFrom(cfg),
		Methods: adapter.MethodMap{
			"query":       "query",
			"execute":     "execute",
			"transaction": "transaction",
			"schema":      "schema",
		},
		Strict: cfg.StrictMethodMapping,
	}, logger, metrics, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridgehost: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bridgehost: start: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/call", callHandler(f))
	mux.HandleFunc("/healthz", healthHandler(f))
	mux.HandleFunc("/metrics", metricsHandler(metrics))

	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()
	logger.Info("bridgehost listening", "addr", cfg.Metrics.ListenAddr, "max_workers", cfg.Pool.MaxWorkers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := f.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type callRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

func callHandler(f *facade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req callRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}

		result, err := f.Call(r.Context(), req.Method, req.Params, facade.CallOptions{})
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"result": result})
	}
}

func healthHandler(f *facade.Facade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.IsHealthy() {
			http.Error(w, "not healthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func metricsHandler(m *metricscol.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(m.Export()))
	}
}

func bridgeConfigFrom(cfg config.Config) bridge.Config {
	return bridge.Config{
		Pool: pool.Config{
			MaxWorkers:              cfg.Pool.MaxWorkers,
			FrameworkPath:           cfg.Pool.FrameworkPath,
			WorkDir:                 cfg.Pool.WorkDir,
			Env:                     cfg.Pool.Env,
			ProcessStartupTimeoutMs: cfg.Pool.ProcessStartupTimeoutMs,
			ProcessIdleTimeoutMs:    cfg.Pool.ProcessIdleTimeoutMs,
			RequestTimeoutMs:        cfg.Pool.RequestTimeoutMs,
			MaxConcurrentPerWorker:  cfg.Pool.MaxConcurrentPerWorker,
			StderrTailLines:         cfg.Pool.StderrTailLines,
			RestartOnExit:           cfg.Pool.RestartOnExit,
		},
		Retry: retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelayMs: cfg.Retry.BaseDelayMs,
			Strategy:    bridgeerr.RetryDelayStrategy(cfg.Retry.Strategy),
			Jitter:      cfg.Retry.Jitter,
		},
		Breaker: breaker.Config{
			FailureThreshold:     cfg.Breaker.FailureThreshold,
			ResetTimeoutMs:       cfg.Breaker.ResetTimeoutMs,
			HalfOpenRequestCount: cfg.Breaker.HalfOpenRequestCount,
		},
		OTel: metricscol.OTelConfig{
			Enabled:        cfg.Metrics.OTelEnabled,
			ServiceName:    cfg.Metrics.OTelServiceName,
			ServiceVersion: cfg.Metrics.OTelServiceVer,
			ExporterType:   metricscol.ExporterType(cfg.Metrics.OTelExporter),
			OTLPEndpoint:   cfg.Metrics.OTelEndpoint,
			OTLPInsecure:   cfg.Metrics.OTelOTLPInsecure,
		},
	}
}

func cacheConfigFrom(cfg config.Config) cache.Config {
	return cache.Config{
		L1MaxEntries:      cfg.Cache.L1MaxEntries,
		L1TTL:             time.Duration(cfg.Cache.L1TTLMs) * time.Millisecond,
		L2Dir:             cfg.Cache.L2Dir,
		L2MaxBytes:        cfg.Cache.L2MaxBytes,
		L2TTL:             time.Duration(cfg.Cache.L2TTLMs) * time.Millisecond,
		IdempotentMethods: cfg.IdempotentMethodSet(),
	}
}
