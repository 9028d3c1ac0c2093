// Package metrics exposes daemon health as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sources are read at scrape time. Nil functions report zero.
type Sources struct {
	ConsecutiveFailures func() int
	Failovers           func() int
	Streaming           func() bool
}

// Metrics holds the daemon's collectors and the registry serving them.
type Metrics struct {
	registry *prometheus.Registry

	Commands *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, alongside the Go
// runtime and process collectors.
func New(src Sources) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "termkeep_connectivity_consecutive_failures",
		Help: "Consecutive failed reachability checks",
	}, func() float64 { return float64(call(src.ConsecutiveFailures)) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "termkeep_connectivity_failovers_total",
		Help: "Completed network failovers since start",
	}, func() float64 { return float64(call(src.Failovers)) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "termkeep_stream_active",
		Help: "1 while the encoder is running",
	}, func() float64 {
		if src.Streaming != nil && src.Streaming() {
			return 1
		}
		return 0
	})

	return &Metrics{
		registry: reg,
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "termkeep_commands_total",
			Help: "Remote commands handled, by command and outcome",
		}, []string{"command", "outcome"}),
	}
}

func call(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

// ObserveCommand counts one handled command. Its signature matches the
// router's Observe hook.
func (m *Metrics) ObserveCommand(command, outcome string) {
	m.Commands.WithLabelValues(command, outcome).Inc()
}

// Registry returns the registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
