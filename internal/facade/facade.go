// Package facade is the service façade spec §4.11 describes: the
// ordered pipeline sanitize -> validate -> adapt request -> cache-or-
// call -> adapt response -> metrics/log, plus start/shutdown/isHealthy.
// Grounded on the teacher's layering of transport (protocol), worker
// (retry/execution), and metrics/events packages behind one entrypoint
// client code calls.
package facade

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bc-dunia/sqlitebridge/internal/adapter"
	"github.com/bc-dunia/sqlitebridge/internal/bridge"
	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/cache"
	"github.com/bc-dunia/sqlitebridge/internal/logging"
	"github.com/bc-dunia/sqlitebridge/internal/metricscol"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
	"github.com/bc-dunia/sqlitebridge/internal/validator"
)

// Config composes every sub-component's config into the single object
// a host application constructs (spec §9's top-level configuration).
type Config struct {
	Bridge  bridge.Config
	Cache   cache.Config
	Methods adapter.MethodMap
	Strict  bool
}

// Facade is the single entrypoint a host process calls into.
type Facade struct {
	bridge   *bridge.Bridge
	cache    *cache.Cache
	adapter  *adapter.Adapter
	registry *validator.Registry
	metrics  *metricscol.Collector
	logger   *logging.Logger

	started bool
}

func New(cfg Config, logger *logging.Logger, metrics *metricscol.Collector, registry *validator.Registry) (*Facade, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if metrics == nil {
		metrics = metricscol.New()
	}
	if registry == nil {
		registry = validator.DefaultRegistry()
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("facade: cache init: %w", err)
	}

	return &Facade{
		bridge:   bridge.New(cfg.Bridge, logger),
		cache:    c,
		adapter:  adapter.New(cfg.Methods, cfg.Strict),
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Start brings up the underlying worker pool and begins draining
// bridge lifecycle events into logs/metrics.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.bridge.Start(ctx); err != nil {
		return err
	}
	f.started = true
	go f.drainEvents()
	return nil
}

func (f *Facade) drainEvents() {
	for evt := range f.bridge.Events() {
		switch evt.Type {
		case "retry":
			f.metrics.Inc("bridge_retries", map[string]string{"method": evt.Method}, 1)
			f.logger.Debug("retry", "method", evt.Method, "attempt", evt.Attempt)
		case "process-crashed":
			f.metrics.Inc("pool_process_crashed", map[string]string{"worker_id": fmt.Sprint(evt.WorkerID)}, 1)
			f.logger.Warn("process crashed", "worker_id", evt.WorkerID)
		case "process-started":
			f.metrics.Set("pool_worker_ready", map[string]string{"worker_id": fmt.Sprint(evt.WorkerID)}, 1)
			f.logger.Info("process started", "worker_id", evt.WorkerID)
		case "process-restart":
			f.metrics.Inc("pool_process_restarts", map[string]string{"worker_id": fmt.Sprint(evt.WorkerID)}, 1)
			f.logger.Info("process restarted", "worker_id", evt.WorkerID, "attempt", evt.Attempt)
		}
	}
}

// Shutdown stops the underlying pool; Events() closes once this
// returns, ending drainEvents.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.started = false
	return f.bridge.Shutdown(ctx)
}

// IsHealthy reports whether the facade has started and the bridge is
// healthy: no circuit breaker Open, and at least one worker available
// (spec §4.14).
func (f *Facade) IsHealthy() bool {
	return f.started && f.bridge.Healthy()
}

// RegisterShaper lets a host install a per-method result shaper
// (spec §4.8's response-adapter shaping step), applied by AdaptResponse
// inside Call after the generic snake_case->camelCase key conversion.
func (f *Facade) RegisterShaper(hostMethod string, shaper adapter.ResultShaper) {
	f.adapter.RegisterShaper(hostMethod, shaper)
}

// CallOptions lets a caller bypass the cache or override the timeout
// for one invocation.
type CallOptions struct {
	TimeoutMs int64
	SkipCache bool
}

// Call runs the full pipeline: sanitize -> validate -> adapt request ->
// cache-or-call -> adapt response -> metrics/log (spec §4.11).
func (f *Facade) Call(ctx context.Context, method string, rawParams map[string]interface{}, opts CallOptions) (interface{}, error) {
	stop := f.metrics.Timer("facade_call_duration", map[string]string{"method": method})
	defer stop()

	clean := validator.Sanitize(rawParams).(map[string]interface{})

	if schema := f.registry.Lookup(method); schema != nil {
		res := validator.Validate(clean, schema, validator.Options{Coerce: true, ApplyDefaults: true})
		if !res.OK() {
			f.metrics.Inc("facade_validation_rejections", map[string]string{"method": method}, 1)
			return nil, bridgeerr.ValidationError(violationsToMap(res.Violations))
		}
		clean = res.Value.(map[string]interface{})
	}

	wireMethod, wireParams, err := f.adapter.AdaptRequest(method, clean)
	if err != nil {
		f.metrics.Inc("facade_method_not_found", map[string]string{"method": method}, 1)
		return nil, err
	}

	cacheable := f.cache.Cacheable(method) && !opts.SkipCache
	var resultBytes []byte

	if cacheable {
		key := cacheKey(wireMethod, wireParams)
		resultBytes, err = f.cache.GetOrLoad(key, func() ([]byte, error) {
			return f.invokeAndMarshal(ctx, wireMethod, wireParams, opts.TimeoutMs)
		})
	} else {
		resultBytes, err = f.invokeAndMarshal(ctx, wireMethod, wireParams, opts.TimeoutMs)
	}
	if err != nil {
		f.metrics.Inc("facade_errors", map[string]string{"method": method}, 1)
		return nil, err
	}

	var envelope protocol.ResultEnvelope
	if err := json.Unmarshal(resultBytes, &envelope); err != nil {
		return nil, bridgeerr.ProtocolParseError(string(resultBytes), err)
	}

	shaped := f.adapter.AdaptResponse(method, &envelope)
	f.metrics.Inc("facade_calls", map[string]string{"method": method}, 1)
	return shaped, nil
}

func (f *Facade) invokeAndMarshal(ctx context.Context, wireMethod string, wireParams map[string]interface{}, timeoutMs int64) ([]byte, error) {
	res, err := f.bridge.Call(ctx, wireMethod, wireParams, bridge.CallOptions{TimeoutMs: timeoutMs})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func cacheKey(method string, params map[string]interface{}) string {
	b, _ := json.Marshal(params)
	return method + ":" + string(b)
}

func violationsToMap(vs []validator.Violation) map[string]interface{} {
	out := make(map[string]interface{}, len(vs))
	for i, v := range vs {
		out[fmt.Sprintf("violation_%d", i)] = map[string]interface{}{"path": v.Path, "message": v.Message}
	}
	return out
}
