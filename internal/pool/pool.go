// Package pool implements the fixed-size process pool that schedules
// calls across managed workers (spec §4.4's Process Pool component):
// round-robin dispatch, restart-on-exit, and synchronous
// NoAvailableWorker failure with no request queueing, grounded on the
// round-robin-plus-health-monitoring shape of the pack's pyproc pool
// (pkg/pyproc/pool.go).
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/logging"
	"github.com/bc-dunia/sqlitebridge/internal/procworker"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

// Config mirrors spec §9's pool{} configuration block.
type Config struct {
	MaxWorkers              int
	FrameworkPath           string
	WorkDir                 string
	Env                     []string
	ProcessStartupTimeoutMs int64
	ProcessIdleTimeoutMs    int64
	RequestTimeoutMs        int64
	MaxConcurrentPerWorker  int
	StderrTailLines         int
	RestartOnExit           bool
}

func (c Config) toWorkerConfig(id int) procworker.Config {
	return procworker.Config{
		ID:                      id,
		FrameworkPath:           c.FrameworkPath,
		WorkDir:                 c.WorkDir,
		Env:                     c.Env,
		ProcessStartupTimeoutMs: c.ProcessStartupTimeoutMs,
		ProcessIdleTimeoutMs:    c.ProcessIdleTimeoutMs,
		RequestTimeoutMs:        c.RequestTimeoutMs,
		MaxConcurrentPerWorker:  c.MaxConcurrentPerWorker,
		StderrTailLines:         c.StderrTailLines,
	}
}

// Listener receives pool lifecycle notifications the bridge layer turns
// into metrics and log lines (spec §9: "explicit event channels").
type Listener struct {
	ProcessStarted func(workerID int)
	ProcessCrashed func(workerID int, info procworker.ExitInfo)
	ProcessRestart func(workerID int, attempt int)
}

// Pool owns a fixed set of workers and a round-robin cursor over them.
type Pool struct {
	cfg      Config
	logger   *logging.Logger
	listener Listener

	mu       sync.RWMutex
	workers  []*procworker.Worker
	rrCursor uint64

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func New(cfg Config, logger *logging.Logger, listener Listener) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Pool{cfg: cfg, logger: logger, listener: listener}
}

// Start spawns MaxWorkers workers concurrently; it returns once every
// worker has either reached Ready or failed to start.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	p.workers = make([]*procworker.Worker, p.cfg.MaxWorkers)
	p.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, p.cfg.MaxWorkers)
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = p.startWorker(ctx, idx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) startWorker(ctx context.Context, idx int) error {
	w := procworker.New(p.cfg.toWorkerConfig(idx), p.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("worker %d: %w", idx, err)
	}

	p.mu.Lock()
	p.workers[idx] = w
	p.mu.Unlock()

	if p.listener.ProcessStarted != nil {
		p.listener.ProcessStarted(idx)
	}

	p.wg.Add(1)
	go p.watchExit(idx, w)

	return nil
}

// watchExit restarts a crashed worker in place when RestartOnExit is
// set, preserving its slot and id so round-robin indexing stays stable.
func (p *Pool) watchExit(idx int, w *procworker.Worker) {
	defer p.wg.Done()
	select {
	case info := <-w.Events().Exit:
		if p.shuttingDown.Load() {
			return
		}
		if p.listener.ProcessCrashed != nil {
			p.listener.ProcessCrashed(idx, info)
		}
		if !p.cfg.RestartOnExit {
			return
		}
		p.restartWorker(idx)
	}
}

func (p *Pool) restartWorker(idx int) {
	if p.listener.ProcessRestart != nil {
		p.listener.ProcessRestart(idx, 1)
	}
	nw := procworker.New(p.cfg.toWorkerConfig(idx), p.logger)
	if err := nw.Start(context.Background()); err != nil {
		p.logger.Warn("worker restart failed", "worker_id", idx, "error", err.Error())
		return
	}
	p.mu.Lock()
	p.workers[idx] = nw
	p.mu.Unlock()

	if p.listener.ProcessStarted != nil {
		p.listener.ProcessStarted(idx)
	}
	p.wg.Add(1)
	go p.watchExit(idx, nw)
}

// Call dispatches to the next available worker via round-robin,
// starting at a rotating cursor so repeated scans don't always favor
// worker 0, and fails synchronously with NoAvailableWorker rather than
// queueing when every worker is busy (spec §4.4).
func (p *Pool) Call(ctx context.Context, method string, params map[string]interface{}, timeoutMs int64) (*protocol.ResultEnvelope, error) {
	if p.shuttingDown.Load() {
		return nil, bridgeerr.PoolShuttingDown()
	}

	p.mu.RLock()
	n := len(p.workers)
	start := int(atomic.AddUint64(&p.rrCursor, 1)) % max(n, 1)
	candidates := make([]*procworker.Worker, n)
	copy(candidates, p.workers)
	p.mu.RUnlock()

	if n == 0 {
		return nil, bridgeerr.NoAvailableWorker()
	}

	for i := 0; i < n; i++ {
		w := candidates[(start+i)%n]
		if w != nil && w.Available() {
			return w.Execute(ctx, method, params, timeoutMs)
		}
	}
	return nil, bridgeerr.NoAvailableWorker()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Shutdown gracefully stops every worker concurrently.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shuttingDown.Store(true)

	p.mu.RLock()
	workers := make([]*procworker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		if w == nil {
			continue
		}
		wg.Add(1)
		go func(w *procworker.Worker) {
			defer wg.Done()
			_ = w.Shutdown(ctx)
		}(w)
	}
	wg.Wait()
	return nil
}

// Stats reports the per-worker snapshot used by health/readiness checks.
func (p *Pool) Stats() []procworker.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]procworker.Stats, 0, len(p.workers))
	for _, w := range p.workers {
		if w != nil {
			out = append(out, w.Stats())
		}
	}
	return out
}

// Size reports the configured worker count.
func (p *Pool) Size() int { return p.cfg.MaxWorkers }

// AvailableWorkers counts workers currently able to accept a dispatch,
// for aggregate health checks (spec §4.14 "isHealthy()").
func (p *Pool) AvailableWorkers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, w := range p.workers {
		if w != nil && w.Available() {
			n++
		}
	}
	return n
}
