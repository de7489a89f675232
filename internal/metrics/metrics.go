// Package metrics exposes dispatch activity as Prometheus collectors fed
// from the event bus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailpace/internal/dispatch"
	"mailpace/internal/eventbus"
	"mailpace/internal/identity"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	// Dispatches by identity and status (sent, failed).
	Dispatches *prometheus.CounterVec

	// Probe results by state (clear, filtered, unknown).
	Probes *prometheus.CounterVec

	// Finished runs by end state.
	Runs *prometheus.CounterVec

	RunDuration prometheus.Histogram

	// Remaining quota per sender identity.
	QuotaRemaining *prometheus.GaugeVec

	LedgerSize prometheus.Gauge
	Running    prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpace_dispatches_total",
			Help: "Dispatch attempts by sender identity and status",
		}, []string{"identity", "status"}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpace_probes_total",
			Help: "Deliverability checks by result",
		}, []string{"result"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpace_runs_total",
			Help: "Finished dispatch runs by end state",
		}, []string{"state"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailpace_run_duration_seconds",
			Help:    "Wall time of dispatch runs",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600},
		}),
		QuotaRemaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailpace_quota_remaining",
			Help: "Sends left in the current quota window per sender identity",
		}, []string{"identity"}),
		LedgerSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailpace_ledger_entries",
			Help: "Recipients recorded in the dedup ledger",
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailpace_run_in_progress",
			Help: "1 while a dispatch run is active",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe applies one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.TypeOutcome:
		out, ok := e.Data.(dispatch.Outcome)
		if !ok {
			return
		}
		m.Running.Set(1)
		m.Dispatches.WithLabelValues(out.Identity, string(out.Status)).Inc()
		m.QuotaRemaining.WithLabelValues(out.Identity).Set(float64(out.Remaining))
	case eventbus.TypeProbe:
		if pr, ok := e.Data.(dispatch.ProbeResult); ok {
			m.Probes.WithLabelValues(pr.State.String()).Inc()
		}
	case eventbus.TypeFinished:
		rep, ok := e.Data.(dispatch.Report)
		if !ok {
			return
		}
		m.Running.Set(0)
		m.Runs.WithLabelValues(rep.State.String()).Inc()
		if !rep.FinishedAt.IsZero() {
			m.RunDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
		}
	}
}

// SetPool refreshes the quota gauges from a pool snapshot.
func (m *Metrics) SetPool(ids []identity.Identity, remaining func(address string) int) {
	for _, id := range ids {
		if id.IsProbe() {
			continue
		}
		m.QuotaRemaining.WithLabelValues(id.Address).Set(float64(remaining(id.Address)))
	}
}

