// Package observability provides the in-process metrics registry and its
// Prometheus text exporter. All hot-path metrics are integer counters backed
// by atomics so instrumented code paths stay lock-free.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricEntry is a point-in-time snapshot of a single metric.
type MetricEntry struct {
	Name      string     `json:"name"`
	Type      MetricType `json:"type"`
	Help      string     `json:"help"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"ts"`
}

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing integer counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add increments the counter by delta. Negative deltas are ignored.
func (c *Counter) Add(delta int64) {
	if delta < 0 {
		return
	}
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Entry returns a MetricEntry snapshot.
func (c *Counter) Entry() MetricEntry {
	return MetricEntry{
		Name:      c.name,
		Type:      MetricCounter,
		Help:      c.help,
		Value:     float64(c.Value()),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge is an integer value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Entry returns a MetricEntry snapshot.
func (g *Gauge) Entry() MetricEntry {
	return MetricEntry{
		Name:      g.name,
		Type:      MetricGauge,
		Help:      g.help,
		Value:     float64(g.Value()),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram tracks value distributions in buckets.
// Buckets are upper-bound inclusive: a value <= bucket[i] increments counts[i].
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	buckets []float64 // sorted upper bounds
	counts  []int64
	sum     float64
	count   int64
}

// Observe records a value into the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// Count returns the total number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of all observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// BucketCounts returns a snapshot of (upper-bound, cumulative-count) pairs
// for the exporter.
func (h *Histogram) BucketCounts() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := make([]float64, len(h.buckets))
	c := make([]int64, len(h.counts))
	copy(b, h.buckets)
	copy(c, h.counts)
	return b, c, h.sum, h.count
}

// Entry returns a MetricEntry snapshot (value = observation count).
func (h *Histogram) Entry() MetricEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return MetricEntry{
		Name:      h.name,
		Type:      MetricHistogram,
		Help:      h.help,
		Value:     float64(h.count),
		Timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

// Registry manages all metrics. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// NewCounter registers and returns a counter. Registering the same name
// twice returns the existing counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.counters[name]; ok {
		return existing
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// NewGauge registers and returns a gauge. Registering the same name twice
// returns the existing gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.gauges[name]; ok {
		return existing
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// NewHistogram registers and returns a histogram. Registering the same name
// twice returns the existing histogram.
func (r *Registry) NewHistogram(name, help string, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.histograms[name]; ok {
		return existing
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	h := &Histogram{
		name:    name,
		help:    help,
		buckets: sorted,
		counts:  make([]int64, len(sorted)),
	}
	r.histograms[name] = h
	return h
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// GetHistogram returns a registered histogram or nil.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[name]
}

// AllMetrics returns a snapshot of all registered metric entries in
// deterministic name order.
func (r *Registry) AllMetrics() []MetricEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]MetricEntry, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for _, name := range sortedKeys(r.counters) {
		entries = append(entries, r.counters[name].Entry())
	}
	for _, name := range sortedKeys(r.gauges) {
		entries = append(entries, r.gauges[name].Entry())
	}
	for _, name := range sortedKeys(r.histograms) {
		entries = append(entries, r.histograms[name].Entry())
	}
	return entries
}

// DefaultLatencyBuckets for latency histograms (in milliseconds).
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// -----------------------------------------------------------------------
// Standard metric set
// -----------------------------------------------------------------------

// Standard metric names used across the detector.
const (
	MetricLoginsIngested    = "deepalts_logins_ingested_total"
	MetricLoginsSkipped     = "deepalts_logins_skipped_total"
	MetricCacheHits         = "deepalts_reputation_cache_hits_total"
	MetricCacheMisses       = "deepalts_reputation_cache_misses_total"
	MetricOracleCalls       = "deepalts_oracle_calls_total"
	MetricOracleFailures    = "deepalts_oracle_failures_total"
	MetricFailOpens         = "deepalts_fail_open_total"
	MetricGraphRebuilds     = "deepalts_graph_rebuilds_total"
	MetricSaveFlushes       = "deepalts_save_flushes_total"
	MetricSaveErrors        = "deepalts_save_errors_total"
	MetricGraphNodes        = "deepalts_graph_nodes"
	MetricGraphEdges        = "deepalts_graph_edges"
	MetricTrackedAccounts   = "deepalts_tracked_accounts"
	MetricRateTokens        = "deepalts_rate_tokens_remaining"
	MetricOracleLatencyMs   = "deepalts_oracle_latency_ms"
)

// DetectorMetrics creates a registry pre-populated with the standard
// detector metric set.
func DetectorMetrics() *Registry {
	r := NewRegistry()
	RegisterDetectorSet(r)
	return r
}

// RegisterDetectorSet registers the standard detector metric set on an
// existing registry. Already-registered names are left untouched.
func RegisterDetectorSet(r *Registry) {
	r.NewCounter(MetricLoginsIngested, "Login events ingested")
	r.NewCounter(MetricLoginsSkipped, "Login events skipped (denied or blank address)")
	r.NewCounter(MetricCacheHits, "Reputation cache hits")
	r.NewCounter(MetricCacheMisses, "Reputation cache misses")
	r.NewCounter(MetricOracleCalls, "Reputation oracle calls issued")
	r.NewCounter(MetricOracleFailures, "Reputation oracle calls that failed")
	r.NewCounter(MetricFailOpens, "Classifications recorded by the fail-open path")
	r.NewCounter(MetricGraphRebuilds, "Full identity graph rebuilds")
	r.NewCounter(MetricSaveFlushes, "Persistence flushes performed")
	r.NewCounter(MetricSaveErrors, "Persistence flushes that failed")

	r.NewGauge(MetricGraphNodes, "Accounts with at least one graph edge")
	r.NewGauge(MetricGraphEdges, "Undirected edges in the identity graph")
	r.NewGauge(MetricTrackedAccounts, "Accounts with recorded address history")
	r.NewGauge(MetricRateTokens, "Oracle rate-limit tokens remaining in window")

	r.NewHistogram(MetricOracleLatencyMs, "Oracle round-trip latency in milliseconds",
		DefaultLatencyBuckets)
}

// sortedKeys returns sorted keys for any map[string]V.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
