// Package metrics exposes Prometheus metrics for pipeline runs and scheduled jobs.
//
// All Manager methods are safe on a nil receiver so callers can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the registry and every collector.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	tipsAccepted       prometheus.Counter
	tipsPublished      prometheus.Counter
	oddsUpdated        prometheus.Counter
	annotationFailures *prometheus.CounterVec
	candidatesRejected *prometheus.CounterVec
	jobRunning         *prometheus.GaugeVec
	jobNextFire        *prometheus.GaugeVec
}

// NewManager creates a Manager with its own registry unless one is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "tips",
		buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	auto := promauto.With(m.registry)

	m.runsTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "runs_total",
		Help:      "Pipeline runs by type and final status",
	}, []string{"run_type", "status"})

	m.runDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of pipeline runs",
		Buckets:   m.buckets,
	}, []string{"run_type"})

	m.tipsAccepted = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "tips_accepted_total",
		Help:      "Tips persisted by generation runs",
	})

	m.tipsPublished = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "tips_published_total",
		Help:      "Tips moved from draft to published",
	})

	m.oddsUpdated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "odds_updated_total",
		Help:      "Published tips whose odds were refreshed",
	})

	m.annotationFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "annotation_failures_total",
		Help:      "Failed annotator calls by provider",
	}, []string{"provider"})

	m.candidatesRejected = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "candidates_rejected_total",
		Help:      "Candidates dropped by admission, by reason",
	}, []string{"reason"})

	m.jobRunning = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "job_running",
		Help:      "1 while a job is executing",
	}, []string{"job"})

	m.jobNextFire = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "job_next_fire_timestamp_seconds",
		Help:      "Unix time of the next scheduled fire, 0 when stopped",
	}, []string{"job"})

	return m
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records a finished run.
func (m *Manager) ObserveRun(runType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(runType, status).Inc()
	m.runDuration.WithLabelValues(runType).Observe(d.Seconds())
}

// AddAccepted counts persisted tips.
func (m *Manager) AddAccepted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tipsAccepted.Add(float64(n))
}

// AddPublished counts published tips.
func (m *Manager) AddPublished(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tipsPublished.Add(float64(n))
}

// AddOddsUpdated counts refreshed tips.
func (m *Manager) AddOddsUpdated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.oddsUpdated.Add(float64(n))
}

// AnnotationFailed counts one failed annotator call.
func (m *Manager) AnnotationFailed(provider string) {
	if m == nil {
		return
	}
	m.annotationFailures.WithLabelValues(provider).Inc()
}

// Rejected counts one candidate dropped for reason.
func (m *Manager) Rejected(reason string) {
	if m == nil {
		return
	}
	m.candidatesRejected.WithLabelValues(reason).Inc()
}

// SetJobRunning flips the running gauge for job.
func (m *Manager) SetJobRunning(job string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.jobRunning.WithLabelValues(job).Set(v)
}

// SetNextFire publishes the next fire time for job. A zero time clears it.
func (m *Manager) SetNextFire(job string, at time.Time) {
	if m == nil {
		return
	}
	if at.IsZero() {
		m.jobNextFire.WithLabelValues(job).Set(0)
		return
	}
	m.jobNextFire.WithLabelValues(job).Set(float64(at.Unix()))
}
