// Package procworker wraps one worker subprocess: spawn, stdio framing,
// request dispatch, lifecycle, and stats (spec §4.4). The stdout
// reading loop is grounded on the teacher's single-reader-goroutine
// incremental line buffering in internal/transport/sse_decoder.go,
// adapted from SSE event framing to bare newline-delimited JSON-RPC.
package procworker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/correlation"
	"github.com/bc-dunia/sqlitebridge/internal/logging"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

// State mirrors spec §3's Worker (W) state machine.
type State int32

const (
	Starting State = iota
	Ready
	Idle
	Busy
	Error
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Error:
		return "error"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures one managed worker.
type Config struct {
	ID                      int
	FrameworkPath           string   // entrypoint passed to the worker process
	WorkDir                 string   // working directory argument
	Env                     []string // extra env vars, appended to os.Environ()
	ProcessStartupTimeoutMs int64
	ProcessIdleTimeoutMs    int64
	RequestTimeoutMs        int64
	MaxConcurrentPerWorker  int
	StderrTailLines         int
}

func (c Config) withDefaults() Config {
	if c.ProcessStartupTimeoutMs <= 0 {
		c.ProcessStartupTimeoutMs = 10000
	}
	if c.ProcessIdleTimeoutMs <= 0 {
		c.ProcessIdleTimeoutMs = 60000
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = 30000
	}
	if c.MaxConcurrentPerWorker <= 0 {
		c.MaxConcurrentPerWorker = 4
	}
	if c.StderrTailLines <= 0 {
		c.StderrTailLines = 20
	}
	return c
}

// Stats reports the point-in-time counters spec §3's Worker (W) names.
type Stats struct {
	State        State
	StartedAt    time.Time
	InFlight     int
	TotalSuccess int64
	TotalFailure int64
	LastError    string
	CPUPercent   float64
	MemBytesRSS  uint64
}

// Events worker emits for the pool to observe (spec §9: "explicit event
// channels... never back-references").
type Events struct {
	Ready       chan struct{}
	Exit        chan ExitInfo
	Error       chan error
	IdleTimeout chan struct{}
}

type ExitInfo struct {
	ExitCode   int
	Signal     string
	StderrTail string
}

// Worker owns exactly one subprocess and its pending-entry table.
type Worker struct {
	cfg    Config
	logger *logging.Logger
	events Events

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	tracker *correlation.Tracker

	state    atomic.Int32
	inFlight atomic.Int32
	totalOK  atomic.Int64
	totalErr atomic.Int64
	lastErr  atomic.Value // string

	startedAt time.Time

	idleTimer   *time.Timer
	idleTimerMu sync.Mutex

	stderrTail *ringBuffer

	wg           sync.WaitGroup
	exitOnce     sync.Once
	shuttingDown atomic.Bool
}

func New(cfg Config, logger *logging.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Noop()
	}
	w := &Worker{
		cfg:        cfg,
		logger:     logger.With("worker_id", cfg.ID),
		tracker:    correlation.New(),
		stderrTail: newRingBuffer(cfg.StderrTailLines),
		events: Events{
			Ready:       make(chan struct{}, 1),
			Exit:        make(chan ExitInfo, 1),
			Error:       make(chan error, 1),
			IdleTimeout: make(chan struct{}, 1),
		},
	}
	w.state.Store(int32(Starting))
	w.lastErr.Store("")
	return w
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) ID() int { return w.cfg.ID }

// Available reports whether the worker can accept another dispatch
// (spec §3: "state ∈ {Ready, Idle} ∧ inFlight < maxConcurrentPerWorker").
func (w *Worker) Available() bool {
	s := w.State()
	return (s == Ready || s == Idle) && int(w.inFlight.Load()) < w.cfg.MaxConcurrentPerWorker
}

func (w *Worker) Stats() Stats {
	s := Stats{
		State:        w.State(),
		StartedAt:    w.startedAt,
		InFlight:     int(w.inFlight.Load()),
		TotalSuccess: w.totalOK.Load(),
		TotalFailure: w.totalErr.Load(),
		LastError:    w.lastErr.Load().(string),
	}
	if w.cmd != nil && w.cmd.Process != nil {
		if p, err := process.NewProcess(int32(w.cmd.Process.Pid)); err == nil {
			if cpu, err := p.CPUPercent(); err == nil {
				s.CPUPercent = cpu
			}
			if mem, err := p.MemoryInfo(); err == nil && mem != nil {
				s.MemBytesRSS = mem.RSS
			}
		}
	}
	return s
}

// Start spawns the subprocess and waits (up to ProcessStartupTimeoutMs)
// for the READY sentinel on stdout, bare or followed by metadata (see
// isReadySentinel) (spec §4.4, §6).
func (w *Worker) Start(ctx context.Context) error {
	if _, err := os.Stat(w.cfg.FrameworkPath); err != nil {
		return bridgeerr.FrameworkNotFound(w.cfg.FrameworkPath)
	}

	cmd := exec.CommandContext(context.Background(), w.cfg.FrameworkPath, w.cfg.WorkDir)
	cmd.Env = append(os.Environ(), w.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return bridgeerr.ProcessStartupError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bridgeerr.ProcessStartupError(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return bridgeerr.ProcessStartupError(err)
	}

	if err := cmd.Start(); err != nil {
		return bridgeerr.ProcessStartupError(err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.startedAt = time.Now()

	readyCh := make(chan struct{}, 1)

	w.wg.Add(1)
	go w.readStdout(stdout, readyCh)
	w.wg.Add(1)
	go w.readStderr(stderr)
	w.wg.Add(1)
	go w.waitExit()

	select {
	case <-readyCh:
		w.state.Store(int32(Ready))
		select {
		case w.events.Ready <- struct{}{}:
		default:
		}
		w.state.CompareAndSwap(int32(Ready), int32(Idle))
		w.transitionToIdleLocked()
		return nil
	case <-time.After(time.Duration(w.cfg.ProcessStartupTimeoutMs) * time.Millisecond):
		_ = cmd.Process.Kill()
		w.state.Store(int32(Stopped))
		return bridgeerr.ProcessStartupError(fmt.Errorf("READY not observed within %dms", w.cfg.ProcessStartupTimeoutMs))
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		w.state.Store(int32(Stopped))
		return ctx.Err()
	}
}

// readStdout is the single reader goroutine for this worker's stdout:
// it buffers incrementally and interprets only complete newline-terminated
// lines, mirroring the teacher's SSEDecoder.readerLoop single-goroutine
// pattern but framed on bare lines instead of SSE events.
func (w *Worker) readStdout(r io.Reader, readyCh chan<- struct{}) {
	defer w.wg.Done()
	reader := bufio.NewReaderSize(r, 64*1024)
	sawReady := false

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if err == nil && trimmed != "" {
			if !sawReady && isReadySentinel(trimmed) {
				sawReady = true
				select {
				case readyCh <- struct{}{}:
				default:
				}
			} else {
				w.handleStdoutLine(trimmed)
			}
		}

		if err != nil {
			return
		}
	}
}

// isReadySentinel accepts bare READY or READY <json-metadata>, per the
// forward-compatible contract decided in spec §9's open question.
func isReadySentinel(line string) bool {
	if line == "READY" {
		return true
	}
	return strings.HasPrefix(line, "READY ")
}

func (w *Worker) handleStdoutLine(line string) {
	resp, err := protocol.Parse([]byte(line))
	if err != nil {
		w.logger.Debug("protocol parse error on stdout line", "error", err.Error())
		return
	}
	w.tracker.HandleResponse(resp)
}

func (w *Worker) readStderr(r io.Reader) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		w.stderrTail.push(line)
		w.logger.Debug("worker stderr", "line", line)
	}
}

func (w *Worker) waitExit() {
	defer w.wg.Done()
	err := w.cmd.Wait()

	w.exitOnce.Do(func() {
		exitCode := 0
		signal := ""
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		w.state.Store(int32(Stopped))
		w.stopIdleTimer()

		tail := w.stderrTail.string()
		crashErr := bridgeerr.ProcessCrashed(exitCode, signal, tail)
		resolved := w.tracker.CancelAll(crashErr)
		if resolved > 0 {
			w.logger.Warn("worker exited with in-flight requests", "resolved", resolved)
		}

		info := ExitInfo{ExitCode: exitCode, Signal: signal, StderrTail: tail}
		select {
		case w.events.Exit <- info:
		default:
		}
		if exitCode != 0 {
			select {
			case w.events.Error <- crashErr:
			default:
			}
		}
	})
}

// Execute dispatches one method call to this worker (spec §4.4).
func (w *Worker) Execute(ctx context.Context, method string, params map[string]interface{}, timeoutMs int64) (*protocol.ResultEnvelope, error) {
	if !w.Available() {
		return nil, bridgeerr.NoAvailableWorker()
	}
	if timeoutMs <= 0 {
		timeoutMs = w.cfg.RequestTimeoutMs
	} else if timeoutMs > w.cfg.RequestTimeoutMs {
		timeoutMs = w.cfg.RequestTimeoutMs
	}

	id := correlation.NewID()
	req, err := protocol.NewRequest(id, method, params, &protocol.Metadata{
		Timeout:     timeoutMs,
		RequestTime: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	frame, err := protocol.Serialize(req)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		res *protocol.ResultEnvelope
		err error
	}
	done := make(chan outcome, 1)

	w.tracker.Register(id, req, func(resp *protocol.Response, cbErr error) {
		w.onComplete()
		if cbErr != nil {
			w.recordFailure(cbErr)
			done <- outcome{nil, cbErr}
			return
		}
		if resp.IsSuccess() {
			w.recordSuccess()
			done <- outcome{resp.Result, nil}
		} else {
			be := resp.Error.ToBridgeError()
			w.recordFailure(be)
			done <- outcome{nil, be}
		}
	}, timeoutMs)

	w.onDispatch()

	w.stdinMu.Lock()
	_, writeErr := w.stdin.Write(frame)
	w.stdinMu.Unlock()
	if writeErr != nil {
		w.tracker.Cancel(id)
		w.onComplete()
		return nil, bridgeerr.ProcessCrashed(-1, "", w.stderrTail.string())
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) onDispatch() {
	w.inFlight.Add(1)
	w.state.Store(int32(Busy))
	w.stopIdleTimer()
}

func (w *Worker) onComplete() {
	if w.inFlight.Add(-1) == 0 {
		s := w.State()
		if s == Busy {
			w.state.Store(int32(Idle))
			w.transitionToIdleLocked()
		}
	}
}

func (w *Worker) recordSuccess() { w.totalOK.Add(1) }

func (w *Worker) recordFailure(err error) {
	w.totalErr.Add(1)
	w.lastErr.Store(err.Error())
}

// transitionToIdleLocked arms the idle-recycle timer (spec §4.4).
func (w *Worker) transitionToIdleLocked() {
	w.idleTimerMu.Lock()
	defer w.idleTimerMu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(time.Duration(w.cfg.ProcessIdleTimeoutMs)*time.Millisecond, func() {
		select {
		case w.events.IdleTimeout <- struct{}{}:
		default:
		}
	})
}

func (w *Worker) stopIdleTimer() {
	w.idleTimerMu.Lock()
	defer w.idleTimerMu.Unlock()
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
}

// Shutdown sends a graceful termination signal then escalates to a
// forceful kill after 5s if the process is still alive (spec §4.4, §6).
func (w *Worker) Shutdown(ctx context.Context) error {
	if !w.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	w.state.Store(int32(Stopping))
	w.stopIdleTimer()

	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}

	_ = w.cmd.Process.Signal(os.Interrupt)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-time.After(5 * time.Second):
		_ = w.cmd.Process.Kill()
		<-doneCh
		return nil
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		return ctx.Err()
	}
}

func (w *Worker) Events() Events { return w.events }

// ringBuffer is a small bounded ring of recent stderr lines, attached
// to ProcessCrashed errors (spec §4.4, SPEC_FULL supplemented feature).
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{lines: make([]string, capacity), cap: capacity}
}

func (r *ringBuffer) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap == 0 {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) string() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf bytes.Buffer
	if r.full {
		for i := 0; i < r.cap; i++ {
			idx := (r.next + i) % r.cap
			if r.lines[idx] != "" {
				buf.WriteString(r.lines[idx])
				buf.WriteByte('\n')
			}
		}
	} else {
		for i := 0; i < r.next; i++ {
			buf.WriteString(r.lines[i])
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}
