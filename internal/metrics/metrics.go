package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes ingestion and API metrics on its own registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	items       *prometheus.CounterVec
	newRecords  prometheus.Counter
	candidates  *prometheus.GaugeVec
	runDuration prometheus.Histogram
	fetchTime   prometheus.Histogram
	lastRun     prometheus.Gauge
	apiRequests *prometheus.CounterVec
}

// New creates a Recorder with Go and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		items: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_analyzer_items_total",
				Help: "Items processed by ingestion runs, by outcome",
			},
			[]string{"outcome"},
		),
		newRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "market_analyzer_new_records_total",
			Help: "Daily history records appended",
		}),
		candidates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "market_analyzer_candidates",
				Help: "Candidates found by the latest run",
			},
			[]string{"side"},
		),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_analyzer_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		fetchTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_analyzer_fetch_duration_seconds",
			Help:    "Duration of per-item history fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "market_analyzer_last_run_timestamp_seconds",
			Help: "Unix time the latest ingestion run finished",
		}),
		apiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_analyzer_api_requests_total",
				Help: "Candidate API requests by route and status",
			},
			[]string{"route", "status"},
		),
	}
}

// RecordItems adds n items to an outcome (succeeded, failed, skipped, insufficient).
func (r *Recorder) RecordItems(outcome string, n int) {
	if r == nil || n < 0 {
		return
	}
	r.items.WithLabelValues(outcome).Add(float64(n))
}

// RecordFetch observes the duration of one history fetch.
func (r *Recorder) RecordFetch(d time.Duration) {
	if r == nil {
		return
	}
	r.fetchTime.Observe(d.Seconds())
}

// RecordRun observes a finished run.
func (r *Recorder) RecordRun(d time.Duration, newRecords, buy, sell int, finished time.Time) {
	if r == nil {
		return
	}
	r.runDuration.Observe(d.Seconds())
	r.newRecords.Add(float64(newRecords))
	r.candidates.WithLabelValues("buy").Set(float64(buy))
	r.candidates.WithLabelValues("sell").Set(float64(sell))
	r.lastRun.Set(float64(finished.Unix()))
}

// RecordRequest counts one API request.
func (r *Recorder) RecordRequest(route, status string) {
	if r == nil {
		return
	}
	r.apiRequests.WithLabelValues(route, status).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, or nil for a nil Recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
