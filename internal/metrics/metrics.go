// Package metrics exposes run and step counters for Prometheus scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records run lifecycle and step outcomes
type Metrics interface {
	IncRunRegistered()
	IncRunSuperseded()
	IncRunFinished(status string)
	IncStepRetry(step string)
	ObserveStepDuration(step string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything
type Noop struct{}

func (Noop) IncRunRegistered()                 {}
func (Noop) IncRunSuperseded()                 {}
func (Noop) IncRunFinished(string)             {}
func (Noop) IncStepRetry(string)               {}
func (Noop) ObserveStepDuration(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors
type Prom struct {
	registered   prometheus.Counter
	superseded   prometheus.Counter
	finished     *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	once         sync.Once
}

// NewProm creates and registers the collectors under the given namespace
func NewProm(namespace string) *Prom {
	p := &Prom{
		registered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_registered_total",
			Help:      "Runs registered",
		}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_superseded_total",
			Help:      "Runs cancelled by a newer registration for the same PR",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status",
		}, []string{"status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retry attempts by step name",
		}, []string{"step"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration by step name",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"step"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.registered, p.superseded, p.finished, p.stepRetries, p.stepDuration)
	})
	return p
}

func (p *Prom) IncRunRegistered() { p.registered.Inc() }
func (p *Prom) IncRunSuperseded() { p.superseded.Inc() }

func (p *Prom) IncRunFinished(status string) {
	p.finished.WithLabelValues(status).Inc()
}

func (p *Prom) IncStepRetry(step string) {
	p.stepRetries.WithLabelValues(step).Inc()
}

func (p *Prom) ObserveStepDuration(step string, durationSeconds float64) {
	p.stepDuration.WithLabelValues(step).Observe(durationSeconds)
}

// Handler returns the HTTP handler for /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
