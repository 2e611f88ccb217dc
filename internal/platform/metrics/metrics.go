package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcome labels for m3u8_jobs_total.
const (
	JobSucceeded = "succeeded"
	JobPartial   = "partial"
	JobFailed    = "failed"
)

// Metrics holds Prometheus counters and gauges for the remux relay.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	jobsTotal      *prometheus.CounterVec
	segmentsTotal  *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	activeJobs     prometheus.Gauge
	activeChannels prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "m3u8_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8_jobs_total",
		Help: "Remux jobs finished, by outcome",
	}, []string{"status"})
	segmentsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8_segments_total",
		Help: "Segment downloads, by result (fetched or dropped)",
	}, []string{"result"})
	jobDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "m3u8_job_duration_seconds",
		Help:    "Wall time of remux jobs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	activeJobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8_active_jobs",
		Help: "Number of jobs currently running",
	})
	activeChannels := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "m3u8_active_channels",
		Help: "Number of progress channels with at least one subscriber",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		jobsTotal,
		segmentsTotal,
		jobDuration,
		activeJobs,
		activeChannels,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		jobsTotal:      jobsTotal,
		segmentsTotal:  segmentsTotal,
		jobDuration:    jobDuration,
		activeJobs:     activeJobs,
		activeChannels: activeChannels,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	m.activeJobs.Inc()
}

// JobFinished records the outcome and duration of a job started with JobStarted.
func (m *Metrics) JobFinished(status string, d time.Duration) {
	m.activeJobs.Dec()
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// AddSegments records fetched and dropped segment counts for one job.
func (m *Metrics) AddSegments(fetched, dropped int) {
	m.segmentsTotal.WithLabelValues("fetched").Add(float64(fetched))
	m.segmentsTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// SetActiveChannels sets the active channels gauge.
func (m *Metrics) SetActiveChannels(n int) {
	m.activeChannels.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active channels).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
