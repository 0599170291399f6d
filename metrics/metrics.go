// Package metrics exports circulation counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/circulation-engine/circulation"
)

const namespace = "circulation"

// Prometheus implements circulation.Metrics and owns its own registry so tests
// can create as many as they like.
type Prometheus struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	lostRaces   prometheus.Counter
	overdue     prometheus.Gauge
}

var _ circulation.Metrics = (*Prometheus)(nil)

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Lending operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		lostRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matcher_lost_races_total",
			Help:      "Candidate copies the matcher lost to a concurrent reservation.",
		}),
		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overdue_copies",
			Help:      "On-loan copies past their due date at the last sweep.",
		}),
	}
	p.registry.MustRegister(
		p.transitions,
		p.lostRaces,
		p.overdue,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) Transition(op circulation.Operation, outcome circulation.Outcome) {
	p.transitions.WithLabelValues(string(op), string(outcome)).Inc()
}

// LostRace counts one lost candidate. The title is in the matcher's debug log.
func (p *Prometheus) LostRace() {
	p.lostRaces.Inc()
}

// SetOverdue records the result of an overdue sweep.
func (p *Prometheus) SetOverdue(n int) {
	p.overdue.Set(float64(n))
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
