// Package bridge composes the circuit breaker, retry policy, and
// process pool into the single call(method, params, opts) entrypoint
// spec §4 describes as the mediator's core, and aggregates per-method
// counters/latency plus lifecycle events for the facade and metrics
// collector to consume.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/bc-dunia/sqlitebridge/internal/breaker"
	"github.com/bc-dunia/sqlitebridge/internal/logging"
	"github.com/bc-dunia/sqlitebridge/internal/metricscol"
	"github.com/bc-dunia/sqlitebridge/internal/pool"
	"github.com/bc-dunia/sqlitebridge/internal/procworker"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
	"github.com/bc-dunia/sqlitebridge/internal/retry"
)

// Config composes the sub-component configs spec §9 lists under the
// top-level bridge{} block.
type Config struct {
	Pool    pool.Config
	Retry   retry.Config
	Breaker breaker.Config
	OTel    metricscol.OTelConfig
}

// CallOptions lets a caller override defaults for one call.
type CallOptions struct {
	TimeoutMs int64
}

// Event is the lifecycle notification shape emitted on Events(). The
// types emitted are retry, process-started, process-crashed and
// process-restart; breaker state changes are not emitted on this
// channel, so FromState and ToState are always unset.
type Event struct {
	Type      string
	Method    string
	WorkerID  int
	Attempt   int
	FromState breaker.State
	ToState   breaker.State
}

// methodStats aggregates counters for one method name.
type methodStats struct {
	Calls      int64
	Successes  int64
	Failures   int64
	Retries    int64
	TotalNanos int64
}

// Bridge is the composed mediator: breaker -> retry -> pool -> (worker
// protocol + correlation, owned by pool/procworker).
type Bridge struct {
	cfg     Config
	logger  *logging.Logger
	pool    *pool.Pool
	breaker *breaker.Manager
	otel    *metricscol.OTelBridge

	events chan Event

	statsMu sync.Mutex
	stats   map[string]*methodStats
}

func New(cfg Config, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Noop()
	}
	b := &Bridge{
		cfg:     cfg,
		logger:  logger,
		breaker: breaker.NewManager(cfg.Breaker),
		events:  make(chan Event, 256),
		stats:   make(map[string]*methodStats),
	}

	if cfg.OTel.Enabled {
		otelBridge, err := metricscol.NewOTelBridge(context.Background(), cfg.OTel)
		if err != nil {
			logger.Warn("otel bridge init failed, continuing without it", "error", err.Error())
		} else {
			b.otel = otelBridge
		}
	}

	b.breaker.OnTrip(func(endpoint string) {
		if b.otel != nil {
			b.otel.RecordBreakerTrip(context.Background(), endpoint)
		}
	})

	b.pool = pool.New(cfg.Pool, logger, pool.Listener{
		ProcessStarted: func(workerID int) {
			b.emit(Event{Type: "process-started", WorkerID: workerID})
			if b.otel != nil {
				b.otel.SetActiveWorkers(context.Background(), 1)
			}
		},
		ProcessCrashed: func(workerID int, info procworker.ExitInfo) {
			b.emit(Event{Type: "process-crashed", WorkerID: workerID})
			if b.otel != nil {
				b.otel.SetActiveWorkers(context.Background(), -1)
			}
		},
		ProcessRestart: func(workerID int, attempt int) {
			b.emit(Event{Type: "process-restart", WorkerID: workerID, Attempt: attempt})
		},
	})
	return b
}

func (b *Bridge) Start(ctx context.Context) error {
	return b.pool.Start(ctx)
}

func (b *Bridge) Shutdown(ctx context.Context) error {
	close(b.events)
	err := b.pool.Shutdown(ctx)
	if b.otel != nil {
		if shutdownErr := b.otel.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}

// Events streams lifecycle notifications; callers (the metrics
// collector, structured logger) should drain it continuously.
func (b *Bridge) Events() <-chan Event { return b.events }

func (b *Bridge) emit(e Event) {
	select {
	case b.events <- e:
	default:
		b.logger.Warn("event channel full, dropping lifecycle event", "type", e.Type)
	}
}

// Call runs method through breaker.Execute(retry.Do(pool.Call)), the
// composition order spec §4 pins down so a circuit that's already open
// never burns a retry budget, and a retry never re-enters the breaker
// per attempt (the breaker wraps the whole retried operation once).
func (b *Bridge) Call(ctx context.Context, method string, params map[string]interface{}, opts CallOptions) (*protocol.ResultEnvelope, error) {
	start := time.Now()
	br := b.breaker.Get(method)

	var result retry.Result
	v, err := br.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		var innerErr error
		var value interface{}
		value, result, innerErr = retry.Do(ctx, b.retryConfigFor(method), func(ctx context.Context) (interface{}, error) {
			return b.pool.Call(ctx, method, params, opts.TimeoutMs)
		})
		return value, innerErr
	})

	elapsed := time.Since(start)
	b.recordCall(method, err == nil, result.Retries, elapsed)
	if b.otel != nil {
		b.otel.RecordCall(ctx, method, elapsed.Seconds(), err == nil)
	}
	if result.Retries > 0 {
		b.emit(Event{Type: "retry", Method: method, Attempt: result.Retries})
		if b.otel != nil {
			b.otel.RecordRetry(ctx, method)
		}
	}

	if err != nil {
		return nil, err
	}
	return v.(*protocol.ResultEnvelope), nil
}

// retryConfigFor returns the retry policy for method. Spec §9 defines a
// single shared retry{} block, not per-method overrides, so method is
// currently unused but kept in the signature for that future axis.
func (b *Bridge) retryConfigFor(method string) retry.Config {
	return b.cfg.Retry
}

func (b *Bridge) recordCall(method string, ok bool, retries int, elapsed time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s, found := b.stats[method]
	if !found {
		s = &methodStats{}
		b.stats[method] = s
	}
	s.Calls++
	if ok {
		s.Successes++
	} else {
		s.Failures++
	}
	s.Retries += int64(retries)
	s.TotalNanos += elapsed.Nanoseconds()
}

// MethodSnapshot is the read-only view Stats() returns per method.
type MethodSnapshot struct {
	Method         string
	Calls          int64
	Successes      int64
	Failures       int64
	Retries        int64
	AvgLatencyNano int64
}

func (b *Bridge) Stats() []MethodSnapshot {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	out := make([]MethodSnapshot, 0, len(b.stats))
	for method, s := range b.stats {
		avg := int64(0)
		if s.Calls > 0 {
			avg = s.TotalNanos / s.Calls
		}
		out = append(out, MethodSnapshot{
			Method:         method,
			Calls:          s.Calls,
			Successes:      s.Successes,
			Failures:       s.Failures,
			Retries:        s.Retries,
			AvgLatencyNano: avg,
		})
	}
	return out
}

// BreakerState exposes the per-method circuit state for health checks.
func (b *Bridge) BreakerState(method string) breaker.State {
	return b.breaker.Get(method).State()
}

// AvailableWorkers reports how many pool workers can currently accept a
// dispatch (spec §4.14 "isHealthy()").
func (b *Bridge) AvailableWorkers() int {
	return b.pool.AvailableWorkers()
}

// Healthy reports the aggregate health condition spec §4.14 defines:
// no circuit breaker is Open, and at least one worker is available.
func (b *Bridge) Healthy() bool {
	return !b.breaker.AnyOpen() && b.AvailableWorkers() >= 1
}
