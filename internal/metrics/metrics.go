// Package metrics exposes approval workflow outcomes as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asan-idp/approvalgate/internal/models"
	"github.com/asan-idp/approvalgate/internal/queue"
	"github.com/asan-idp/approvalgate/internal/risk"
	"github.com/asan-idp/approvalgate/internal/workflow"
)

const namespace = "approvalgate"

// Metrics implements workflow.Observer and queue.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	expired         prometheus.Counter
	failures        *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	analysis        prometheus.Histogram
}

// New registers the collectors on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Approval requests created, by risk level",
		}, []string{"risk_level"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Approval decisions processed, by outcome",
		}, []string{"outcome"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Approval requests expired by the sweep",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usecase_failures_total",
			Help:      "Use case failures, by error code",
		}, []string{"code"}),
		outbox: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_outbox_total",
			Help:      "Review outbox deliveries, by result (queued, delivered, retry, dead)",
		}, []string{"result"}),
		analysis: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_seconds",
			Help:      "Time to analyze a SQL text",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}
}

func (m *Metrics) RequestCreated(level risk.Category) {
	m.requestsCreated.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) DecisionProcessed(outcome models.ApprovalStatus) {
	m.decisions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RequestsExpired(n int) {
	if n > 0 {
		m.expired.Add(float64(n))
	}
}

func (m *Metrics) UseCaseFailed(code workflow.ErrorCode) {
	m.failures.WithLabelValues(string(code)).Inc()
}

func (m *Metrics) OutboxDelivery(result string) {
	m.outbox.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAnalysis(d time.Duration) {
	m.analysis.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var (
	_ workflow.Observer = (*Metrics)(nil)
	_ queue.Recorder    = (*Metrics)(nil)
)
