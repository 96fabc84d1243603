package observability

import (
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds all registered metrics. A metric is identified by
// its name and labels, so one name may carry many labelled series.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	histos   map[string]*Histogram
}

type series struct {
	name   string
	help   string
	labels map[string]string
}

// value is a float64 updated without locks.
type value struct{ bits atomic.Uint64 }

func (v *value) load() float64 { return math.Float64frombits(v.bits.Load()) }
func (v *value) store(f float64) { v.bits.Store(math.Float64bits(f)) }

func (v *value) add(delta float64) {
	for {
		old := v.bits.Load()
		if v.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// Counter only goes up.
type Counter struct {
	series
	v value
}

// Gauge goes up and down.
type Gauge struct {
	series
	v value
}

// Histogram counts observations per bucket. counts[i] holds every
// observation at or below buckets[i].
type Histogram struct {
	series
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
	mu      sync.Mutex
}

// NewMetricsRegistry creates a new metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		histos:   make(map[string]*Histogram),
	}
}

// NewCounter returns the counter with the given name and labels, creating
// it if needed.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[key]; ok {
		return c
	}
	c := &Counter{series: series{name: name, help: help, labels: copyLabels(labels)}}
	r.counters[key] = c
	return c
}

// NewGauge returns the gauge with the given name and labels, creating it if
// needed.
func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := &Gauge{series: series{name: name, help: help, labels: copyLabels(labels)}}
	r.gauges[key] = g
	return g
}

// NewHistogram returns the histogram with the given name and labels,
// creating it with the buckets if needed.
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.histos[key]; ok {
		return h
	}
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	h := &Histogram{
		series:  series{name: name, help: help, labels: copyLabels(labels)},
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
	r.histos[key] = h
	return h
}

// DefaultBuckets are upper bounds in seconds, from quick decodes to long
// executions.
func DefaultBuckets() []float64 {
	return []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120}
}

func (c *Counter) Inc() { c.v.add(1) }

// Add increases the counter. Negative deltas are ignored.
func (c *Counter) Add(delta float64) {
	if delta > 0 {
		c.v.add(delta)
	}
}

func (c *Counter) Value() float64 { return c.v.load() }

func (g *Gauge) Set(f float64) { g.v.store(f) }
func (g *Gauge) Inc() { g.v.add(1) }
func (g *Gauge) Dec() { g.v.add(-1) }
func (g *Gauge) Add(delta float64) { g.v.add(delta) }
func (g *Gauge) Value() float64 { return g.v.load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
		}
	}
}

// ObserveDuration records the time elapsed since start.
func (h *Histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Handler returns an HTTP handler for Prometheus metrics.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes metrics in Prometheus text format. Series are
// written in key order, with HELP and TYPE once per name.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	seen := make(map[string]bool)
	header := func(s series, kind string) {
		if seen[s.name] {
			return
		}
		seen[s.name] = true
		b.WriteString("# HELP " + s.name + " " + s.help + "\n")
		b.WriteString("# TYPE " + s.name + " " + kind + "\n")
	}

	for _, key := range sortedKeys(r.counters) {
		c := r.counters[key]
		header(c.series, "counter")
		b.WriteString(c.name + formatLabels(c.labels) + " " + formatFloat(c.Value()) + "\n")
	}
	for _, key := range sortedKeys(r.gauges) {
		g := r.gauges[key]
		header(g.series, "gauge")
		b.WriteString(g.name + formatLabels(g.labels) + " " + formatFloat(g.Value()) + "\n")
	}
	for _, key := range sortedKeys(r.histos) {
		h := r.histos[key]
		header(h.series, "histogram")
		h.mu.Lock()
		writeHistogram(&b, h)
		h.mu.Unlock()
	}
	io.WriteString(w, b.String())
}

func writeHistogram(b *strings.Builder, h *Histogram) {
	for i, bound := range h.buckets {
		labels := copyLabels(h.labels)
		labels["le"] = formatFloat(bound)
		b.WriteString(h.name + "_bucket" + formatLabels(labels) + " " + strconv.FormatUint(h.counts[i], 10) + "\n")
	}
	labels := copyLabels(h.labels)
	labels["le"] = "+Inf"
	b.WriteString(h.name + "_bucket" + formatLabels(labels) + " " + strconv.FormatUint(h.count, 10) + "\n")
	b.WriteString(h.name + "_sum" + formatLabels(h.labels) + " " + formatFloat(h.sum) + "\n")
	b.WriteString(h.name + "_count" + formatLabels(h.labels) + " " + strconv.FormatUint(h.count, 10) + "\n")
}

func seriesKey(name string, labels map[string]string) string {
	return name + formatLabels(labels)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		pairs = append(pairs, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	result := make(map[string]string, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JestaMetrics contains the metrics of the plugin.
type JestaMetrics struct {
	Registry *MetricsRegistry

	InFlight        *Gauge
	Sessions        *Gauge
	InterruptsTotal *Counter
	WarningsTotal   *Counter
}

// NewJestaMetrics creates the plugin metrics.
func NewJestaMetrics() *JestaMetrics {
	r := NewMetricsRegistry()
	return &JestaMetrics{
		Registry:        r,
		InFlight:        r.NewGauge("jesta_requests_in_flight", "Requests currently being processed", nil),
		Sessions:        r.NewGauge("jesta_sessions", "Execution sessions", nil),
		InterruptsTotal: r.NewCounter("jesta_interrupts_total", "Interrupts that cancelled a request", nil),
		WarningsTotal:   r.NewCounter("jesta_warnings_total", "Warning notifications sent", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *JestaMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// RecordRequest records a completed method call.
func (m *JestaMetrics) RecordRequest(method string, duration time.Duration, err error) {
	labels := map[string]string{"method": method}
	m.Registry.NewCounter("jesta_requests_total", "Method calls", labels).Inc()
	m.Registry.NewHistogram("jesta_request_duration_seconds", "Method call duration", labels, nil).Observe(duration.Seconds())
	if err != nil {
		m.Registry.NewCounter("jesta_errors_total", "Method calls that returned an error", labels).Inc()
	}
}

// Requests returns the number of calls recorded for a method.
func (m *JestaMetrics) Requests(method string) float64 {
	return m.Registry.NewCounter("jesta_requests_total", "Method calls", map[string]string{"method": method}).Value()
}

// Errors returns the number of failed calls recorded for a method.
func (m *JestaMetrics) Errors(method string) float64 {
	return m.Registry.NewCounter("jesta_errors_total", "Method calls that returned an error", map[string]string{"method": method}).Value()
}

var (
	globalMetrics *JestaMetrics
	metricsOnce   sync.Once
)

// Metrics returns the global metrics instance.
func Metrics() *JestaMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewJestaMetrics()
	})
	return globalMetrics
}
