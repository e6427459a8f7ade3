// Package correlation matches incoming JSON-RPC responses back to the
// outstanding request that produced them, and enforces per-request
// timeouts (spec §4.3).
package correlation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/sqlitebridge/internal/bridgeerr"
	"github.com/bc-dunia/sqlitebridge/internal/protocol"
)

// Callback is invoked at most once per pending entry: on response
// match, on timeout, or by CancelAll. Cancel removes an entry without
// invoking it.
type Callback func(resp *protocol.Response, err error)

type pendingEntry struct {
	id           string
	request      *protocol.Request
	callback     Callback
	registeredAt time.Time
	timer        *time.Timer
	resolved     bool
}

// Tracker owns the id -> pendingEntry map for one worker. Spec §5: "A
// worker's PE table: mutated only by that worker's dispatch and
// stdout-reader paths" — callers must serialize access at that level;
// Tracker itself is safe for concurrent use via its own mutex so that
// a response and a timeout firing concurrently race safely.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	orphans int64
}

func New() *Tracker {
	return &Tracker{pending: make(map[string]*pendingEntry)}
}

// NewID mints a correlation id unique across all live requests in the
// process (spec §3: "R - id is a universally unique string").
func NewID() string {
	return uuid.NewString()
}

// Register inserts a pending entry and, if timeoutMs > 0, arms a timer
// that resolves the callback with TimeoutError if no response arrives
// first. Returns a cancel func equivalent to Cancel(id).
func (t *Tracker) Register(id string, req *protocol.Request, cb Callback, timeoutMs int64) func() {
	pe := &pendingEntry{id: id, request: req, callback: cb, registeredAt: time.Now()}

	t.mu.Lock()
	t.pending[id] = pe
	t.mu.Unlock()

	if timeoutMs > 0 {
		pe.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			t.resolve(id, nil, bridgeerr.TimeoutError(time.Since(pe.registeredAt).Milliseconds()))
		})
	}

	return func() { t.Cancel(id) }
}

// HandleResponse removes the pending entry for resp.ID and invokes its
// callback. A response for an unknown id is counted as an orphan and
// dropped (spec §4.3, §7) — it is never used to resolve anything.
func (t *Tracker) HandleResponse(resp *protocol.Response) {
	t.mu.Lock()
	pe, ok := t.pending[resp.ID]
	if !ok {
		t.orphans++
		t.mu.Unlock()
		return
	}
	delete(t.pending, resp.ID)
	t.mu.Unlock()

	if pe.timer != nil {
		pe.timer.Stop()
	}
	if pe.callback != nil {
		pe.callback(resp, nil)
	}
}

// Cancel removes a pending entry without invoking its callback.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	pe, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok && pe.timer != nil {
		pe.timer.Stop()
	}
}

// CancelAll resolves every still-pending entry with err (spec §4.3,
// used by the pool on shutdown and the worker on process exit) and
// returns how many entries were resolved.
func (t *Tracker) CancelAll(err error) int {
	t.mu.Lock()
	all := make([]*pendingEntry, 0, len(t.pending))
	for _, pe := range t.pending {
		all = append(all, pe)
	}
	t.pending = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, pe := range all {
		if pe.timer != nil {
			pe.timer.Stop()
		}
		if pe.callback != nil {
			pe.callback(nil, err)
		}
	}
	return len(all)
}

// resolve is the shared timeout/response resolution path: whichever of
// HandleResponse or the timer fires first removes the entry; the loser
// becomes a no-op (spec §4.3 ordering guarantee).
func (t *Tracker) resolve(id string, resp *protocol.Response, err error) {
	t.mu.Lock()
	pe, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	if pe.callback != nil {
		pe.callback(resp, err)
	}
}

// Len reports the number of currently in-flight pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Orphans reports how many responses arrived with no matching pending
// entry (already resolved by timeout, or never registered).
func (t *Tracker) Orphans() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orphans
}
