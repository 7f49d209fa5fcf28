// Package budget implements the resource-budget gate (C5): admission of
// submitted jobs is delayed when CPU/VRAM/concurrency pressure exceeds
// configured limits and promoted when pressure eases.
//
// Admission is fail-closed: the gate reserves against its limits before
// admitting, and a process-wide reservation ledger tracks what every
// admitted job holds (§4.5).
package budget

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/comfyvn/studio/internal/hooks"
)

// Config mirrors internal/config.BudgetConfig (§4.5 inputs).
type Config struct {
	CPUPctMax           float64
	VRAMMBMax           int64
	ConcurrentLocalMax  int
	ConcurrentRemoteMax int
	LazyEvictionEnabled bool
	RefreshInterval     time.Duration
}

// CostHint is the slice of job.cost_hint the Budget Manager reserves
// against (§3, §4.5).
type CostHint struct {
	CPUPct  float64
	VRAMMB  int64
}

// Request is the admission unit the scheduler submits (§4.5's admit(job)).
type Request struct {
	JobID  string
	Target string // "local" or "remote"
	Cost   CostHint
}

// Decision is admit()'s return shape.
type Decision struct {
	Accepted bool
	Reason   string
}

// reservation tracks what a job is holding so release() can free exactly
// what admit() reserved.
type reservation struct {
	target string
	cost   CostHint
}

// Manager is the C5 Budget Manager.
type Manager struct {
	cfg Config
	bus *hooks.Bus
	log *slog.Logger

	mu           sync.Mutex
	activeCPU    float64
	activeVRAM   int64
	activeCount  map[string]int // by target
	reservations map[string]reservation

	delayedMu sync.Mutex
	delayed   []delayedEntry // oldest-first queue, promoted in arrival order

	evictMu sync.Mutex
	evictor Evictor

	promoteMu sync.Mutex
	onPromote func(ids []string)

	stop    chan struct{}
	stopped bool
}

type delayedEntry struct {
	req Request
	at  time.Time
}

// Evictor is consulted by evict_lazy() (§4.5). Implementations (e.g. the
// asset registry's parsed-sidecar cache) report their current pressure and
// evict their own LRU entries.
type Evictor interface {
	// Pressure reports whether the evictor is over its own high-water mark.
	Pressure() bool
	// EvictLRU evicts up to n non-pinned entries and returns how many were
	// actually evicted.
	EvictLRU(n int) int
}

// New constructs a Manager.
func New(cfg Config, bus *hooks.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Second
	}
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		log:          log,
		activeCount:  make(map[string]int),
		reservations: make(map[string]reservation),
		stop:         make(chan struct{}),
	}
}

// SetPromoteHandler registers a callback invoked with the job IDs each
// Refresh pass promotes from delayed to admitted. The scheduler uses it to
// move those jobs to queued; without it a Release-triggered promotion would
// be invisible to the queue owner.
func (m *Manager) SetPromoteHandler(fn func(ids []string)) {
	m.promoteMu.Lock()
	defer m.promoteMu.Unlock()
	m.onPromote = fn
}

// SetEvictor registers the cache evict_lazy() delegates to.
func (m *Manager) SetEvictor(e Evictor) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()
	m.evictor = e
}

func (m *Manager) concurrentMax(target string) int {
	if target == "remote" {
		return m.cfg.ConcurrentRemoteMax
	}
	return m.cfg.ConcurrentLocalMax
}

// withinBudget reports whether adding cost to the current reservation
// ledger keeps every configured limit satisfied.
func (m *Manager) withinBudget(target string, cost CostHint) (bool, string) {
	if max := m.concurrentMax(target); max > 0 && m.activeCount[target]+1 > max {
		return false, "concurrency_limit"
	}
	if m.cfg.CPUPctMax > 0 && m.activeCPU+cost.CPUPct > m.cfg.CPUPctMax {
		return false, "cpu_budget"
	}
	if m.cfg.VRAMMBMax > 0 && m.activeVRAM+cost.VRAMMB > m.cfg.VRAMMBMax {
		return false, "vram_budget"
	}
	return true, ""
}

// Admit implements admit(job) (§4.5): returns accepted and reserves the
// job's cost immediately, or delayed with a reason and queues the request
// for later promotion by Refresh.
func (m *Manager) Admit(req Request) Decision {
	m.mu.Lock()
	ok, reason := m.withinBudget(req.Target, req.Cost)
	if ok {
		m.reserve(req)
	}
	m.mu.Unlock()

	if !ok {
		m.delayedMu.Lock()
		m.delayed = append(m.delayed, delayedEntry{req: req, at: time.Now()})
		m.delayedMu.Unlock()
		m.emitState()
		return Decision{Accepted: false, Reason: reason}
	}

	m.emitState()
	return Decision{Accepted: true}
}

func (m *Manager) reserve(req Request) {
	m.activeCPU += req.Cost.CPUPct
	m.activeVRAM += req.Cost.VRAMMB
	m.activeCount[req.Target]++
	m.reservations[req.JobID] = reservation{target: req.Target, cost: req.Cost}
}

// Release implements release(job) (§4.5): frees whatever Admit reserved
// for jobID. Safe to call on a job that was never admitted (delayed jobs
// hold no reservation).
func (m *Manager) Release(jobID string) {
	// A job cancelled while delayed holds no reservation but still sits in
	// the promotion queue; drop it so it is never promoted post-mortem.
	m.delayedMu.Lock()
	for i, entry := range m.delayed {
		if entry.req.JobID == jobID {
			m.delayed = append(m.delayed[:i], m.delayed[i+1:]...)
			break
		}
	}
	m.delayedMu.Unlock()

	m.mu.Lock()
	r, ok := m.reservations[jobID]
	if ok {
		m.activeCPU -= r.cost.CPUPct
		if m.activeCPU < 0 {
			m.activeCPU = 0
		}
		m.activeVRAM -= r.cost.VRAMMB
		if m.activeVRAM < 0 {
			m.activeVRAM = 0
		}
		m.activeCount[r.target]--
		if m.activeCount[r.target] < 0 {
			m.activeCount[r.target] = 0
		}
		delete(m.reservations, jobID)
	}
	m.mu.Unlock()

	m.Refresh()
}

// Refresh re-checks budgets and promotes delayed jobs oldest-first until
// budgets fill (§4.5). It returns the IDs promoted to accepted in this pass
// so the scheduler can move them from delayed to queued.
func (m *Manager) Refresh() []string {
	m.delayedMu.Lock()
	pending := make([]delayedEntry, len(m.delayed))
	copy(pending, m.delayed)
	m.delayedMu.Unlock()

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })

	var promoted []string
	var stillDelayed []delayedEntry

	m.mu.Lock()
	for _, entry := range pending {
		ok, _ := m.withinBudget(entry.req.Target, entry.req.Cost)
		if ok {
			m.reserve(entry.req)
			promoted = append(promoted, entry.req.JobID)
		} else {
			stillDelayed = append(stillDelayed, entry)
		}
	}
	m.mu.Unlock()

	m.delayedMu.Lock()
	m.delayed = stillDelayed
	m.delayedMu.Unlock()

	if len(promoted) > 0 {
		m.emitState()
		m.promoteMu.Lock()
		fn := m.onPromote
		m.promoteMu.Unlock()
		if fn != nil {
			fn(promoted)
		}
	}
	if m.cfg.LazyEvictionEnabled {
		m.EvictLazy()
	}
	return promoted
}

// EvictLazy implements evict_lazy() (§4.5): when enabled and the
// registered Evictor reports pressure, evict non-pinned entries by LRU.
func (m *Manager) EvictLazy() int {
	if !m.cfg.LazyEvictionEnabled {
		return 0
	}
	m.evictMu.Lock()
	e := m.evictor
	m.evictMu.Unlock()
	if e == nil || !e.Pressure() {
		return 0
	}
	n := e.EvictLRU(16)
	if n > 0 {
		m.emitStateWithEvictions(n)
	}
	return n
}

func (m *Manager) emitState() {
	m.emitStateWithEvictions(0)
}

func (m *Manager) emitStateWithEvictions(evictions int) {
	if m.bus == nil {
		return
	}
	m.mu.Lock()
	m.delayedMu.Lock()
	payload := map[string]any{
		"delayed_count":      len(m.delayed),
		"active_reservations": len(m.reservations),
		"active_cpu_pct":     m.activeCPU,
		"active_vram_mb":     m.activeVRAM,
		"evictions":          evictions,
	}
	m.delayedMu.Unlock()
	m.mu.Unlock()
	m.bus.Publish("on_perf_budget_state", payload)
}

// StartRefreshTimer launches the periodic Refresh() ticker (§4.5: "timer,
// default 1s"). Call Stop to halt it.
func (m *Manager) StartRefreshTimer(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Refresh()
			}
		}
	}()
}

// Stop halts the refresh timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
}

// Snapshot reports current pressure for /status and the metrics exporter.
type Snapshot struct {
	ActiveCPUPct       float64
	ActiveVRAMMB       int64
	ActiveByTarget     map[string]int
	DelayedCount       int
}

// Status returns a point-in-time snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	byTarget := make(map[string]int, len(m.activeCount))
	for k, v := range m.activeCount {
		byTarget[k] = v
	}
	s := Snapshot{ActiveCPUPct: m.activeCPU, ActiveVRAMMB: m.activeVRAM, ActiveByTarget: byTarget}
	m.mu.Unlock()

	m.delayedMu.Lock()
	s.DelayedCount = len(m.delayed)
	m.delayedMu.Unlock()
	return s
}
