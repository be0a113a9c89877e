package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient on a Prometheus
// registry. Collectors are created lazily per (name, label set) and
// cached; a changed label set for an existing name is dropped rather
// than panicking mid-request.
type PrometheusMetricsClient struct {
	namespace string
	registry  prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a client registering against the
// default registry.
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return NewPrometheusMetricsClientWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsClientWithRegistry creates a client against an
// explicit registry, used by tests to avoid cross-test registration
// collisions.
func NewPrometheusMetricsClientWithRegistry(namespace string, reg prometheus.Registerer) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncrementCounterWithLabels implements MetricsClient
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	vec := c.counterVec(name, labelNames(labels))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge implements MetricsClient
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	vec := c.gaugeVec(name, labelNames(labels))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram implements MetricsClient
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	vec := c.histogramVec(name, labelNames(labels))
	if vec == nil {
		return
	}
	vec.With(prometheus.Labels(labels)).Observe(value)
}

// RecordDuration implements MetricsClient, observing seconds
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// Close implements MetricsClient
func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) counterVec(name string, names []string) *prometheus.CounterVec {
	c.mu.RLock()
	vec, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.counters[name]; ok {
		return vec
	}
	vec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      "counter " + name,
	}, names)
	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	c.counters[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) gaugeVec(name string, names []string) *prometheus.GaugeVec {
	c.mu.RLock()
	vec, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.gauges[name]; ok {
		return vec
	}
	vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      "gauge " + name,
	}, names)
	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	c.gauges[name] = vec
	return vec
}

func (c *PrometheusMetricsClient) histogramVec(name string, names []string) *prometheus.HistogramVec {
	c.mu.RLock()
	vec, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if vec, ok := c.histograms[name]; ok {
		return vec
	}
	vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      "histogram " + name,
		Buckets:   prometheus.DefBuckets,
	}, names)
	if err := c.registry.Register(vec); err != nil {
		return nil
	}
	c.histograms[name] = vec
	return vec
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
