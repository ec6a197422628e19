package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the search collectors:
//
//	lexsearch_search_requests_total{mode,status}
//	lexsearch_search_duration_seconds{mode}
//	lexsearch_search_degraded_total{stage}
//	lexsearch_search_results
//	lexsearch_index_generation_count{index}
type Metrics struct {
	Requests  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Degraded  *prometheus.CounterVec
	Results   prometheus.Histogram
	IndexSize *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		// Labels: mode (lexical, semantic, hybrid), status (ok, malformed_query, error)
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lexsearch",
				Subsystem: "search",
				Name:      "requests_total",
				Help:      "Total number of search requests",
			},
			[]string{"mode", "status"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lexsearch",
				Subsystem: "search",
				Name:      "duration_seconds",
				Help:      "Search latency in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
			},
			[]string{"mode"},
		),
		// Labels: stage (vector, lexical, reranker, facets)
		Degraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lexsearch",
				Subsystem: "search",
				Name:      "degraded_total",
				Help:      "Total number of requests served without a pipeline stage",
			},
			[]string{"stage"},
		),
		Results: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "lexsearch",
				Subsystem: "search",
				Name:      "results",
				Help:      "Number of ranked results before pagination",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
			},
		),
		IndexSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "lexsearch",
				Subsystem: "index",
				Name:      "generation_count",
				Help:      "Entries in the active index generation",
			},
			[]string{"index"},
		),
	}
}

func (m *Metrics) observe(mode Mode, status string, seconds float64, results int, degraded []string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(string(mode), status).Inc()
	m.Duration.WithLabelValues(string(mode)).Observe(seconds)
	if status == "ok" {
		m.Results.Observe(float64(results))
	}
	for _, stage := range degraded {
		m.Degraded.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) setIndexSize(index string, n int) {
	if m == nil {
		return
	}
	m.IndexSize.WithLabelValues(index).Set(float64(n))
}
