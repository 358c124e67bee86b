// metrics.go: MetricsPort — counter/gauge/summary with a timer scope,
// an in-memory thread-safe default, and an optional Prometheus-backed
// implementation.
//
// The widely-used Prometheus client (seen in r3e-network-service_layer,
// tomtom215-cartographus) is wired in as the alternate implementation,
// while the in-memory default stays a handful of synchronized maps
// rather than reaching for a library by default.
package mesh

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the narrow port every component records through.
type Metrics interface {
	Increment(name string, n int64)
	Gauge(name string, value float64)
	Record(name string, value float64)
	Timer(name string) func()
	GetAll() Snapshot
}

// SummaryStats holds the aggregate statistics for one Record-series.
type SummaryStats struct {
	Count int64
	Avg   float64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P99   float64
}

// Snapshot is a point-in-time copy of all recorded metrics.
type Snapshot struct {
	Counters map[string]int64
	Gauges   map[string]float64
	Summary  map[string]SummaryStats
}

// InMemoryMetrics is the default, thread-safe, in-process implementation.
type InMemoryMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	samples  map[string][]float64
}

// NewInMemoryMetrics constructs an empty in-memory metrics sink.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		samples:  make(map[string][]float64),
	}
}

func (m *InMemoryMetrics) Increment(name string, n int64) {
	if n == 0 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += n
}

func (m *InMemoryMetrics) Gauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *InMemoryMetrics) Record(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[name] = append(m.samples[name], value)
}

// Timer returns a stop function that records elapsed milliseconds under
// name when called.
func (m *InMemoryMetrics) Timer(name string) func() {
	start := time.Now()
	return func() {
		m.Record(name, float64(time.Since(start).Microseconds())/1000.0)
	}
}

func (m *InMemoryMetrics) GetAll() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Counters: make(map[string]int64, len(m.counters)),
		Gauges:   make(map[string]float64, len(m.gauges)),
		Summary:  make(map[string]SummaryStats, len(m.samples)),
	}
	for k, v := range m.counters {
		snap.Counters[k] = v
	}
	for k, v := range m.gauges {
		snap.Gauges[k] = v
	}
	for k, vs := range m.samples {
		snap.Summary[k] = summarize(vs)
	}
	return snap
}

func summarize(vs []float64) SummaryStats {
	if len(vs) == 0 {
		return SummaryStats{}
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return SummaryStats{
		Count: int64(len(sorted)),
		Avg:   sum / float64(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P99:   percentile(sorted, 0.99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PrometheusMetrics adapts Metrics onto a prometheus.Registry for
// deployments that want to scrape /metrics instead of polling GetAll.
type PrometheusMetrics struct {
	reg        *prometheus.Registry
	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
	// fallback, since Prometheus has no GetAll-style snapshot API
	mem *InMemoryMetrics
}

// NewPrometheusMetrics constructs a Metrics implementation backed by a
// fresh prometheus.Registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
		mem:        NewInMemoryMetrics(),
	}
}

// Registry exposes the underlying prometheus.Registry for wiring an
// HTTP /metrics handler.
func (p *PrometheusMetrics) Registry() *prometheus.Registry { return p.reg }

func (p *PrometheusMetrics) counter(name string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: sanitizeMetricName(name)})
		p.reg.MustRegister(c)
		p.counters[name] = c
	}
	return c
}

func (p *PrometheusMetrics) gauge(name string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitizeMetricName(name)})
		p.reg.MustRegister(g)
		p.gauges[name] = g
	}
	return g
}

func (p *PrometheusMetrics) histogram(name string) prometheus.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: sanitizeMetricName(name)})
		p.reg.MustRegister(h)
		p.histograms[name] = h
	}
	return h
}

func (p *PrometheusMetrics) Increment(name string, n int64) {
	if n == 0 {
		n = 1
	}
	p.counter(name).Add(float64(n))
	p.mem.Increment(name, n)
}

func (p *PrometheusMetrics) Gauge(name string, value float64) {
	p.gauge(name).Set(value)
	p.mem.Gauge(name, value)
}

func (p *PrometheusMetrics) Record(name string, value float64) {
	p.histogram(name).Observe(value)
	p.mem.Record(name, value)
}

func (p *PrometheusMetrics) Timer(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, float64(time.Since(start).Microseconds())/1000.0)
	}
}

// GetAll returns the same in-memory snapshot shape as InMemoryMetrics, so
// callers can treat both implementations identically; the canonical
// scrape path for Prometheus remains Registry().
func (p *PrometheusMetrics) GetAll() Snapshot { return p.mem.GetAll() }

func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
