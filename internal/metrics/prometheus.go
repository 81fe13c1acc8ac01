package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const eventsMetricName = "game_relay_events_total"

// Collector exposes a Metrics registry to Prometheus as a single counter
// family labelled by event.
type Collector struct {
	m    *Metrics
	desc *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(m *Metrics, constLabels prometheus.Labels) *Collector {
	return &Collector{
		m: m,
		desc: prometheus.NewDesc(
			eventsMetricName,
			"Internal relay transport event counters.",
			[]string{"event"},
			constLabels,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(snap[k]), k)
	}
}

// PrometheusHandler serves m in the Prometheus text exposition format from a
// dedicated registry, alongside the Go runtime and process collectors.
func PrometheusHandler(m *Metrics, constLabels prometheus.Labels) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m, constLabels),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
