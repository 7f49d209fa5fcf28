package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/store"
)

// DefaultProbeInterval is §4.8's "health probes run on a timer (default 30s)".
const DefaultProbeInterval = 30 * time.Second

// Registry is the C8 Provider Registry: CRUD over a durable store with a
// lock-free read snapshot, following the same copy-on-write shape as
// internal/assets.Registry (§5).
type Registry struct {
	st  *store.Store
	log *slog.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]Provider]

	proberMu sync.Mutex
	prober   Prober
	stop     chan struct{}
	stopped  atomic.Bool
}

// New constructs a Registry. Call Load to hydrate from the durable store.
func New(st *store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{st: st, log: log, stop: make(chan struct{})}
	empty := map[string]Provider{}
	r.snapshot.Store(&empty)
	return r
}

// Load hydrates the in-memory snapshot from the durable store.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.st.ListProviders(ctx)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "load providers: %v", err)
	}
	next := make(map[string]Provider, len(rows))
	for _, row := range rows {
		var p Provider
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			r.log.Warn("skipping unreadable provider row", "id", row.ID, "error", err)
			continue
		}
		next[p.ID] = p
	}
	r.snapshot.Store(&next)
	return nil
}

func (r *Registry) publish(id string, p Provider, remove bool) {
	old := *r.snapshot.Load()
	next := make(map[string]Provider, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if remove {
		delete(next, id)
	} else {
		next[id] = p
	}
	r.snapshot.Store(&next)
}

// Upsert inserts or replaces a provider record.
func (r *Registry) Upsert(ctx context.Context, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := json.Marshal(p)
	if err != nil {
		return apperr.Newf(apperr.InternalError, "marshal provider: %v", err)
	}
	if err := r.st.UpsertProvider(ctx, store.ProviderRow{
		ID: p.ID, Kind: string(p.Kind), Payload: payload, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return apperr.Newf(apperr.InternalError, "upsert provider: %v", err)
	}
	r.publish(p.ID, p, false)
	return nil
}

// Remove deletes a provider record.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.get(id); !ok {
		return apperr.Newf(apperr.NotFound, "provider %q not found", id)
	}
	if err := r.st.DeleteProvider(ctx, id); err != nil {
		return apperr.Newf(apperr.InternalError, "delete provider: %v", err)
	}
	r.publish(id, Provider{}, true)
	return nil
}

func (r *Registry) get(id string) (Provider, bool) {
	snap := *r.snapshot.Load()
	p, ok := snap[id]
	return p, ok
}

// Get returns a single provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	return r.get(id)
}

// List returns every provider, ordered by ID for stable output (§4.8).
func (r *Registry) List() []Provider {
	snap := *r.snapshot.Load()
	out := make([]Provider, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithCapability returns every healthy provider of kind k declaring tag,
// the pool the scheduler's target-resolution and sticky-affinity logic
// selects from (§4.6).
func (r *Registry) WithCapability(k Kind, tag string) []Provider {
	var out []Provider
	for _, p := range r.List() {
		if p.Kind == k && p.HasCapability(tag) && p.Status.Healthy {
			out = append(out, p)
		}
	}
	return out
}

// StartHealthProbes launches the periodic health-probe timer (§4.8): each
// provider is probed on its own jittered DefaultProbeInterval tick so
// restarts don't synchronize every provider's probe into the same instant.
// Call Stop to halt it.
func (r *Registry) StartHealthProbes(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	r.proberMu.Lock()
	r.prober = prober
	r.proberMu.Unlock()

	for _, p := range r.List() {
		go r.probeLoop(ctx, p.ID, interval)
	}
}

func (r *Registry) probeLoop(ctx context.Context, id string, interval time.Duration) {
	// Jittered start: spread initial probes across up to one full interval.
	jitter := time.Duration(rand.Int63n(int64(interval)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-timer.C:
			r.probeOnce(ctx, id)
			timer.Reset(interval)
		}
	}
}

func (r *Registry) probeOnce(ctx context.Context, id string) {
	r.proberMu.Lock()
	prober := r.prober
	r.proberMu.Unlock()
	if prober == nil {
		return
	}

	p, ok := r.get(id)
	if !ok {
		return
	}

	status := prober.Probe(id, p.Config)
	p.Status = status
	if err := r.Upsert(ctx, p); err != nil {
		r.log.Warn("persist provider health", "id", id, "error", err)
	}
}

// Stop halts any running health-probe loops.
func (r *Registry) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}
