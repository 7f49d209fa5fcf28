// Package providers implements the Provider Registry (C8): typed provider
// records with health, cost metadata, and capability tags.
//
// An indexed CRUD registry over an in-memory map with a deterministic
// List ordered by ID, backed by internal/store for durability.
package providers

import "time"

// Kind distinguishes a provider's execution venue (§3).
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Status is a provider's last-observed health (§3).
type Status struct {
	Healthy    bool      `json:"healthy"`
	LastOKAt   time.Time `json:"last_ok_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
}

// Cost carries the provider-reported cost metadata the scheduler's cost
// estimator reads (§3, §4.6 preview_cost).
type Cost struct {
	PerMinute       float64 `json:"per_minute,omitempty"`
	EgressPerGB     float64 `json:"egress_per_gb,omitempty"`
	VRAMPerGBMinute float64 `json:"vram_per_gb_minute,omitempty"`
}

// Provider is the C8 registry row (§3).
type Provider struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config,omitempty"`
	Status       Status         `json:"status"`
	Cost         Cost           `json:"cost"`
}

// HasCapability reports whether p declares tag among its capabilities.
func (p Provider) HasCapability(tag string) bool {
	for _, c := range p.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Prober probes a single provider's health. Implementations live behind the
// out-of-scope renderer-adapter boundary (§1); the registry only needs the
// shape of the result.
type Prober interface {
	Probe(id string, cfg map[string]any) Status
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(id string, cfg map[string]any) Status

func (f ProberFunc) Probe(id string, cfg map[string]any) Status { return f(id, cfg) }
