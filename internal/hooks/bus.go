// Package hooks implements the modder-hook event bus (C2): in-process
// pub/sub, a bounded ring history, signed outbound webhooks, and sinks
// suitable for WebSocket fan-out.
//
// A monotonic sequence counter is assigned under a single lock, events
// append to a bounded in-memory ring that callers can range over, and
// payload hashing goes through canonical JSON (internal/canonical) so two
// processes that observe the same events agree on their hashes.
package hooks

import (
	"sync"
	"time"

	"github.com/comfyvn/studio/internal/canonical"
)

// Envelope is the wire shape of every event on the bus (§3, §6).
type Envelope struct {
	Event     string         `json:"event"`
	HookEvent string         `json:"hook_event"`
	At        time.Time      `json:"at"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
}

// DefaultHistoryLimit is the ring's default capacity (§4.2).
const DefaultHistoryLimit = 10_000

// Bus is the C2 event bus.
type Bus struct {
	source string

	mu      sync.Mutex
	seq     uint64
	ring    []Envelope
	ringCap int

	subMu       sync.Mutex
	subscribers map[string]*subscriber

	webhooks *webhookManager
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithHistoryLimit overrides the default ring capacity.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) { b.ringCap = n }
}

// New creates an event bus. source tags every envelope's Source field
// (e.g. "scheduler", "registry").
func New(source string, opts ...Option) *Bus {
	b := &Bus{
		source:      source,
		ringCap:     DefaultHistoryLimit,
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.webhooks = newWebhookManager(b)
	return b
}

// Publish assigns the next sequence number, appends to history, and fans
// out to subscribers and webhooks. It never blocks on a slow subscriber
// beyond that subscriber's own bounded queue (§5).
func (b *Bus) Publish(event string, payload map[string]any) uint64 {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	env := Envelope{
		Event:     event,
		HookEvent: event,
		At:        time.Now().UTC(),
		Seq:       seq,
		Payload:   payload,
		Source:    b.source,
	}
	b.ring = append(b.ring, env)
	if len(b.ring) > b.ringCap {
		// Oldest-first eviction.
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}
	b.mu.Unlock()

	b.subMu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.subMu.Unlock()

	for _, s := range subs {
		if s.matches(event) {
			s.deliver(env)
		}
	}

	b.webhooks.dispatch(env)

	return seq
}

// HistoryFilter narrows a History query (§4.2).
type HistoryFilter struct {
	Event    string
	SinceSeq uint64
	SinceTS  time.Time
	Limit    int
}

// History returns the matching envelopes oldest-first. When more than
// limit envelopes match, the MOST RECENT limit are returned: the route
// serving this is "recent history" (§6), and a poller that does not track
// since_seq should see what just happened, not the far end of the ring.
func (b *Bus) History(filter HistoryFilter) []Envelope {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	b.mu.Lock()
	snapshot := make([]Envelope, len(b.ring))
	copy(snapshot, b.ring)
	b.mu.Unlock()

	var matched []Envelope
	for _, env := range snapshot {
		if filter.Event != "" && env.Event != filter.Event {
			continue
		}
		if filter.SinceSeq > 0 && env.Seq <= filter.SinceSeq {
			continue
		}
		if !filter.SinceTS.IsZero() && !env.At.After(filter.SinceTS) {
			continue
		}
		matched = append(matched, env)
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// PayloadHash returns the canonical-JSON SHA-256 hash of an envelope's
// payload, for consumers that need a digest independent of key order.
func PayloadHash(payload map[string]any) (string, error) {
	return canonical.Hash(payload)
}
