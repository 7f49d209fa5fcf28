package scheduler

import (
	"fmt"
	"sync"

	"github.com/comfyvn/studio/internal/providers"
)

// CostEstimate is preview_cost's return shape (§4.6).
type CostEstimate struct {
	DurationSec      float64  `json:"duration_sec"`
	BytesTx          int64    `json:"bytes_tx"`
	BytesRx          int64    `json:"bytes_rx"`
	VRAMMinutes      float64  `json:"vram_minutes"`
	CurrencyEstimate float64  `json:"currency_estimate"`
	Rationale        []string `json:"rationale"`
}

// defaultDurations seeds the estimator before any completion of a kind has
// been observed.
var defaultDurations = map[string]float64{
	"render": 60,
	"tts":    15,
	"import": 10,
	"export": 30,
}

const fallbackDurationSec = 20

// PreviewCost is a pure function of (kind, cost hint, provider cost
// metadata, historic average duration snapshot). No side effects, no clock.
func PreviewCost(kind string, hint CostHint, cost providers.Cost, avgDurationSec float64) CostEstimate {
	est := CostEstimate{Rationale: []string{}}

	switch {
	case avgDurationSec > 0:
		est.DurationSec = avgDurationSec
		est.Rationale = append(est.Rationale, fmt.Sprintf("duration from rolling average for kind %q", kind))
	case hint.DurationSec > 0:
		est.DurationSec = hint.DurationSec
		est.Rationale = append(est.Rationale, "duration from caller cost_hint")
	default:
		d, ok := defaultDurations[kind]
		if !ok {
			d = fallbackDurationSec
		}
		est.DurationSec = d
		est.Rationale = append(est.Rationale, fmt.Sprintf("duration from built-in default for kind %q", kind))
	}

	est.BytesTx = hint.InputBytes
	est.BytesRx = hint.InputBytes
	if hint.InputBytes > 0 {
		est.Rationale = append(est.Rationale, "transfer sized from input bytes")
	}

	if hint.VRAMMB > 0 {
		est.VRAMMinutes = float64(hint.VRAMMB) / 1024 * est.DurationSec / 60
	}

	minutes := est.DurationSec / 60
	if cost.PerMinute > 0 {
		est.CurrencyEstimate += cost.PerMinute * minutes
		est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f for %.2f provider-minutes", cost.PerMinute*minutes, minutes))
	}
	if cost.EgressPerGB > 0 && est.BytesTx > 0 {
		gb := float64(est.BytesTx) / (1 << 30)
		est.CurrencyEstimate += cost.EgressPerGB * gb
		est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f for %.3f GB egress", cost.EgressPerGB*gb, gb))
	}
	if cost.VRAMPerGBMinute > 0 && est.VRAMMinutes > 0 {
		est.CurrencyEstimate += cost.VRAMPerGBMinute * est.VRAMMinutes
		est.Rationale = append(est.Rationale, fmt.Sprintf("%.4f for %.2f VRAM-GB-minutes", cost.VRAMPerGBMinute*est.VRAMMinutes, est.VRAMMinutes))
	}

	return est
}

// rollingAverage keeps an exponentially-weighted duration average per job
// kind, fed by completions and snapshotted for PreviewCost.
type rollingAverage struct {
	mu   sync.Mutex
	avgs map[string]float64
}

func newRollingAverage() *rollingAverage {
	return &rollingAverage{avgs: make(map[string]float64)}
}

const ewmaAlpha = 0.2

func (r *rollingAverage) observe(kind string, durationSec float64) {
	if durationSec <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.avgs[kind]
	if !ok {
		r.avgs[kind] = durationSec
		return
	}
	r.avgs[kind] = prev*(1-ewmaAlpha) + durationSec*ewmaAlpha
}

func (r *rollingAverage) get(kind string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avgs[kind]
}

// Advice is the compute advisor's answer for target=auto resolution (§4.6).
type Advice struct {
	Target    string   `json:"target"` // "cpu", "gpu", or "remote"
	Rationale []string `json:"rationale"`
}

// advise resolves where a job should run from its kind, cost hint, the
// provider pool, and the umbrella enable_compute flag. Deterministic over
// its inputs.
func advise(kind string, hint CostHint, remoteCandidates []providers.Provider, enableCompute, enableRemote bool) Advice {
	a := Advice{Target: "cpu", Rationale: []string{}}

	wantsGPU := hint.VRAMMB > 0 || kind == "render"
	if wantsGPU {
		a.Target = "gpu"
		a.Rationale = append(a.Rationale, "kind/cost hint indicates GPU work")
	}

	if !enableCompute {
		// Umbrella flag off: remote degrades to gpu or cpu (§4.6).
		a.Rationale = append(a.Rationale, "enable_compute off; remote targets degraded")
		return a
	}

	if enableRemote && len(remoteCandidates) > 0 && wantsGPU {
		a.Target = "remote"
		a.Rationale = append(a.Rationale, fmt.Sprintf("%d healthy remote provider(s) available for %q", len(remoteCandidates), kind))
	}
	return a
}
