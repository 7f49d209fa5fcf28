// Package policy implements the Advisory / Policy Enforcer (C4): a
// plug-in scanner host producing {info|warn|block} findings consulted by
// every admission path (import, export, scheduling).
//
// The enforcer is fail-closed: block unless explicitly permitted, and a
// scanner error is itself a block finding. Scanners are a compiled-in
// interface; dynamic code loading stays out of the core (§9).
package policy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/comfyvn/studio/internal/canonical"
)

// Severity is a finding's severity level (§3).
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Gate describes whether a block-level finding can be bypassed with an
// acknowledgement token. Only findings whose Gate is Overridable can ever
// be bypassed.
type Gate string

const (
	GateNonOverridable Gate = ""
	GateOverridable    Gate = "overridable"
)

// Finding is a single scanner result (§3).
type Finding struct {
	Scanner  string         `json:"scanner"`
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Target   string         `json:"target,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Gate     Gate           `json:"gate,omitempty"`
	Count    int            `json:"count"`
}

func (f Finding) key() string {
	targetHash, _ := canonical.Hash(f.Target)
	return f.Scanner + "\x00" + f.Code + "\x00" + targetHash
}

// Scanner is a pluggable advisory/policy check (§4.4, §9).
type Scanner interface {
	ID() string
	Run(ctx context.Context, action string, payload map[string]any) ([]Finding, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc struct {
	IDValue string
	Fn      func(ctx context.Context, action string, payload map[string]any) ([]Finding, error)
}

func (s ScannerFunc) ID() string { return s.IDValue }
func (s ScannerFunc) Run(ctx context.Context, action string, payload map[string]any) ([]Finding, error) {
	return s.Fn(ctx, action, payload)
}

// EvaluateResult is evaluate()'s return shape (§4.4).
type EvaluateResult struct {
	Allow    bool      `json:"allow"`
	Findings []Finding `json:"findings"`
	Gate     Gate      `json:"gate"`
}

// Ack is a recorded acknowledgement of a block-level finding (§4.4).
type Ack struct {
	Token     string
	User      string
	Reason    string
	CreatedAt time.Time
}

// Enforcer hosts registered scanners and evaluates admission actions.
type Enforcer struct {
	log *slog.Logger

	mu       sync.RWMutex
	scanners map[string]Scanner

	findMu sync.Mutex
	seen   map[string]*Finding // dedup state by Finding.key()

	auditMu sync.Mutex
	audit   []EvaluateResult
}

// New constructs an Enforcer with no scanners registered.
func New(log *slog.Logger) *Enforcer {
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{
		log:      log,
		scanners: make(map[string]Scanner),
		seen:     make(map[string]*Finding),
	}
}

// RegisterScanner adds a plug-in scanner (§4.4's register_scanner).
func (e *Enforcer) RegisterScanner(s Scanner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanners[s.ID()] = s
}

// Scanners returns the registered scanner IDs in stable (sorted) order,
// §4.4's "runs all scanners in a stable order by id."
func (e *Enforcer) Scanners() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.scanners))
	for id := range e.scanners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate runs every registered scanner over (action, payload) in stable
// scanner-ID order, deduplicates findings by (scanner, code, target_hash),
// and decides admission (§4.4).
func (e *Enforcer) Evaluate(ctx context.Context, action string, payload map[string]any) (EvaluateResult, error) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.scanners))
	for id := range e.scanners {
		ids = append(ids, id)
	}
	scanners := make(map[string]Scanner, len(e.scanners))
	for k, v := range e.scanners {
		scanners[k] = v
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	var all []Finding
	for _, id := range ids {
		fs, err := scanners[id].Run(ctx, action, payload)
		if err != nil {
			// A scanner error is itself fail-closed: surfaced as a
			// non-overridable block finding rather than silently skipped.
			all = append(all, Finding{
				Scanner: id, Code: "scanner_error", Severity: SeverityBlock,
				Message: err.Error(), Gate: GateNonOverridable, Count: 1,
			})
			continue
		}
		all = append(all, fs...)
	}

	deduped := e.dedup(all)

	result := EvaluateResult{Findings: deduped, Allow: true}
	for _, f := range deduped {
		if f.Severity == SeverityBlock {
			result.Allow = false
			if f.Gate == GateOverridable {
				result.Gate = GateOverridable
			}
		}
	}
	// Gate is only meaningful when every outstanding block finding is
	// overridable; a single non-overridable block wins.
	for _, f := range deduped {
		if f.Severity == SeverityBlock && f.Gate != GateOverridable {
			result.Gate = GateNonOverridable
		}
	}

	e.auditMu.Lock()
	e.audit = append(e.audit, result)
	if len(e.audit) > 1000 {
		e.audit = e.audit[len(e.audit)-1000:]
	}
	e.auditMu.Unlock()

	return result, nil
}

// dedup merges incoming findings against the enforcer's dedup state: an
// identical (scanner, code, target_hash) increments Count instead of
// appending a new entry (§4.4).
func (e *Enforcer) dedup(findings []Finding) []Finding {
	e.findMu.Lock()
	defer e.findMu.Unlock()

	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		k := f.key()
		if existing, ok := e.seen[k]; ok {
			existing.Count++
			cp := *existing
			out = append(out, cp)
			continue
		}
		f.Count = 1
		cp := f
		e.seen[k] = &cp
		out = append(out, f)
	}
	return out
}

// Audit returns a snapshot of recent evaluation results (GET /api/policy/audit).
func (e *Enforcer) Audit() []EvaluateResult {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	out := make([]EvaluateResult, len(e.audit))
	copy(out, e.audit)
	return out
}
