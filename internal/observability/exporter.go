package observability

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// PrometheusExporter serves metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	registry *Registry
}

// NewPrometheusExporter creates a new exporter backed by the given registry.
func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

// ServeHTTP implements http.Handler for the /metrics endpoint.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(e.Format()))
}

// Format returns all metrics in Prometheus text exposition format:
//
//	# HELP <name> <help>
//	# TYPE <name> <type>
//	<name> <value>
func (e *PrometheusExporter) Format() string {
	var b strings.Builder

	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, name := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[name]
		b.WriteString(fmt.Sprintf("# HELP %s %s\n", c.name, c.help))
		b.WriteString(fmt.Sprintf("# TYPE %s counter\n", c.name))
		b.WriteString(fmt.Sprintf("%s %d\n\n", c.name, c.Value()))
	}

	for _, name := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[name]
		b.WriteString(fmt.Sprintf("# HELP %s %s\n", g.name, g.help))
		b.WriteString(fmt.Sprintf("# TYPE %s gauge\n", g.name))
		b.WriteString(fmt.Sprintf("%s %d\n\n", g.name, g.Value()))
	}

	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		buckets, counts, sum, count := h.BucketCounts()

		b.WriteString(fmt.Sprintf("# HELP %s %s\n", h.name, h.help))
		b.WriteString(fmt.Sprintf("# TYPE %s histogram\n", h.name))
		for i, bound := range buckets {
			b.WriteString(fmt.Sprintf("%s_bucket{le=%q} %d\n", h.name, formatFloat(bound), counts[i]))
		}
		b.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", h.name, count))
		b.WriteString(fmt.Sprintf("%s_sum %s\n", h.name, formatFloat(sum)))
		b.WriteString(fmt.Sprintf("%s_count %d\n\n", h.name, count))
	}

	return b.String()
}

// formatFloat renders a float the way Prometheus expects: whole numbers
// without a decimal point, everything else in shortest form.
func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
