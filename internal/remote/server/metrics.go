package server

import (
	"time"

	"github.com/kilupskalvis/gitview/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's collectors. Each Handler owns a registry so
// tests can build several without duplicate registration.
type Metrics struct {
	Registry *prometheus.Registry

	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	events          *prometheus.CounterVec
	webhookFailures prometheus.Counter
}

// NewMetrics registers the server collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitview_sessions_total",
			Help: "Git protocol sessions served, by transport, service and result",
		}, []string{"transport", "service", "result"}),
		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gitview_session_duration_seconds",
			Help:    "Duration of git protocol sessions",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"transport", "service"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gitview_events_total",
			Help: "Audited fetches and push commands, by kind and status",
		}, []string{"kind", "status"}),
		webhookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gitview_webhook_failures_total",
			Help: "Webhook deliveries that failed after all retries",
		}),
	}
}

// observeSession records one finished session.
func (m *Metrics) observeSession(transport, service string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sessions.WithLabelValues(transport, service, result).Inc()
	m.sessionDuration.WithLabelValues(transport, service).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeEvent(e *models.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
}

// WebhookFailed counts a delivery that failed after all retries. Its
// signature matches WebhookConfig.OnFailure.
func (m *Metrics) WebhookFailed(string, error) {
	if m == nil {
		return
	}
	m.webhookFailures.Inc()
}
