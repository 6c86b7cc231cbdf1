package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the narrow metrics surface the teacher's InMemoryMetrics
// exposed as Snapshot()/ObserveLatency()/IncrCounter(); this keeps the
// same shape but records into real Prometheus collectors.
type Metrics interface {
	IncrCounter(name string, labels map[string]string)
	ObserveLatency(name string, d time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// PromMetrics registers and updates Prometheus collectors lazily keyed
// by metric name, since the set of named metrics this module emits
// (limit_latency, http_limit, origin_breaker_open, origin_call_failed,
// batch_flush_dial_failed, coordinator_inflight) is
// fixed but labels vary per call site.
type PromMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPromMetrics builds a Metrics backed by a fresh Prometheus
// registry, exposed separately via Registry() for the /metrics HTTP
// handler to serve.
func NewPromMetrics() *PromMetrics {
	return &PromMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *PromMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (m *PromMetrics) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	if cv, ok := m.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratewarden_" + name + "_total",
	}, labelNames(labels))
	m.registry.MustRegister(cv)
	m.counters[name] = cv
	return cv
}

func (m *PromMetrics) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	if hv, ok := m.histograms[name]; ok {
		return hv
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ratewarden_" + name + "_seconds",
		Buckets: prometheus.DefBuckets,
	}, labelNames(labels))
	m.registry.MustRegister(hv)
	m.histograms[name] = hv
	return hv
}

func (m *PromMetrics) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	if gv, ok := m.gauges[name]; ok {
		return gv
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ratewarden_" + name,
	}, labelNames(labels))
	m.registry.MustRegister(gv)
	m.gauges[name] = gv
	return gv
}

func (m *PromMetrics) IncrCounter(name string, labels map[string]string) {
	m.counterVec(name, labels).With(labels).Inc()
}

func (m *PromMetrics) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	m.histogramVec(name, labels).With(labels).Observe(d.Seconds())
}

func (m *PromMetrics) SetGauge(name string, value float64, labels map[string]string) {
	m.gaugeVec(name, labels).With(labels).Set(value)
}

// NoopMetrics discards everything; used in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncrCounter(string, map[string]string)                  {}
func (NoopMetrics) ObserveLatency(string, time.Duration, map[string]string) {}
func (NoopMetrics) SetGauge(string, float64, map[string]string)           {}
