// Package metrics exposes prometheus collectors for the offline runtime
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voice101_offline"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	responses   *prometheus.CounterVec
	cacheWrites *prometheus.CounterVec
	installs    *prometheus.CounterVec
	activations prometheus.Counter
	versions    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses served, by strategy and source.",
		}, []string{"strategy", "source"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes, by bucket and result.",
		}, []string{"bucket", "result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Worker version installs, by result.",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Worker versions that reached the activated state.",
		}),
		versions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "versions",
			Help:      "Worker versions currently in each lifecycle state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.responses, m.cacheWrites, m.installs, m.activations, m.versions)
	}
	return m
}

// Response counts one served response
func (m *Metrics) Response(strategy, source string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strategy, source).Inc()
}

// CacheWrite counts one cache write attempt
func (m *Metrics) CacheWrite(bucket string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheWrites.WithLabelValues(bucket, result).Inc()
}

// Install counts one finished install
func (m *Metrics) Install(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.installs.WithLabelValues(result).Inc()
}

// Activated counts one activation
func (m *Metrics) Activated() {
	if m == nil {
		return
	}
	m.activations.Inc()
}

// Transition moves one version from one state gauge to another
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.versions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.versions.WithLabelValues(to).Inc()
	}
}
