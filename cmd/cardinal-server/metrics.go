package main

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters for monitoring the server's health. The atomic
// counters are the source of truth; the Prometheus registry reads them
// through CounterFunc and GaugeFunc collectors so INFO and /metrics always
// agree.
type Metrics struct {
	TotalConnections atomic.Uint64 // Counts total connections ever made
	TotalCommands    atomic.Uint64 // Counts total commands ever processed
	AOFWriteErrors   atomic.Uint64 // Counts failed journal appends

	registry *prometheus.Registry
	commands *prometheus.CounterVec
}

// NewMetrics creates the counters and a private registry. Each call gets its
// own registry so tests can build many applications in one process.
func NewMetrics(app *application) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardinal",
			Name:      "commands_by_name_total",
			Help:      "Commands processed, by command name.",
		}, []string{"command"}),
	}

	m.registry.MustRegister(
		m.commands,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cardinal",
			Name:      "connections_total",
			Help:      "Client connections accepted since startup.",
		}, func() float64 { return float64(m.TotalConnections.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cardinal",
			Name:      "commands_total",
			Help:      "Commands processed since startup.",
		}, func() float64 { return float64(m.TotalCommands.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cardinal",
			Name:      "aof_write_errors_total",
			Help:      "Journal appends that failed.",
		}, func() float64 { return float64(m.AOFWriteErrors.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cardinal",
			Name:      "connections_active",
			Help:      "Client connections currently open.",
		}, func() float64 { return float64(len(app.connLimiter)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cardinal",
			Name:      "keys",
			Help:      "Estimators currently stored.",
		}, func() float64 { return float64(app.store.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cardinal",
			Name:      "aof_rewrite_in_progress",
			Help:      "1 while a journal compaction is running.",
		}, func() float64 {
			if app.isRewriting.Load() {
				return 1
			}
			return 0
		}),
	)

	return m
}

// observeCommand counts one dispatched command.
func (m *Metrics) observeCommand(name string) {
	m.TotalCommands.Add(1)
	m.commands.WithLabelValues(name).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
