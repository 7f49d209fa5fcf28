package budget

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus gauges exported for the budget gate: queue
// depth, active reservations, and budget pressure.
type Metrics struct {
	Delayed  prometheus.Gauge
	Active   prometheus.Gauge
	CPUPct   prometheus.Gauge
	VRAMMB   prometheus.Gauge
}

// NewMetrics registers the budget gauges against reg (pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyvn_budget_delayed_jobs", Help: "Jobs currently delayed by the budget gate.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyvn_budget_active_reservations", Help: "Jobs currently holding a budget reservation.",
		}),
		CPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyvn_budget_active_cpu_pct", Help: "Reserved CPU percentage across active jobs.",
		}),
		VRAMMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comfyvn_budget_active_vram_mb", Help: "Reserved VRAM megabytes across active jobs.",
		}),
	}
	reg.MustRegister(m.Delayed, m.Active, m.CPUPct, m.VRAMMB)
	return m
}

// Observe updates the gauges from a Manager snapshot. Call after any
// Admit/Release/Refresh, or on the refresh timer tick.
func (m *Metrics) Observe(s Snapshot) {
	if m == nil {
		return
	}
	m.Delayed.Set(float64(s.DelayedCount))
	total := 0
	for _, n := range s.ActiveByTarget {
		total += n
	}
	m.Active.Set(float64(total))
	m.CPUPct.Set(s.ActiveCPUPct)
	m.VRAMMB.Set(float64(s.ActiveVRAMMB))
}
