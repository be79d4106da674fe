package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ChatIncoming     *prometheus.CounterVec
	ChatOutgoing     *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	Invoices         *prometheus.CounterVec
	Credits          *prometheus.CounterVec
	ExpiredInvoices  prometheus.Counter
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
// Only the namespace of the first call is used.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ChatIncoming: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_incoming_events_total",
				Help:      "Incoming chat events processed, by event kind.",
			}, []string{"kind"}),
			ChatOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_outgoing_messages_total",
				Help:      "Outgoing chat messages, by type.",
			}, []string{"type"}),
			ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Payment provider API requests by provider, endpoint and status.",
			}, []string{"provider", "endpoint", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Latency distribution for payment provider API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider", "endpoint"}),
			Invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoices_total",
				Help:      "Invoices requested from payment providers, by outcome.",
			}, []string{"provider", "outcome"}),
			Credits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_total",
				Help:      "Payment confirmations handled, by outcome.",
			}, []string{"outcome"}),
			ExpiredInvoices: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "expired_invoices_total",
				Help:      "Pending invoices closed by the expiry sweeper.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ChatIncoming,
			metricsInstance.ChatOutgoing,
			metricsInstance.ProviderRequests,
			metricsInstance.ProviderLatency,
			metricsInstance.Invoices,
			metricsInstance.Credits,
			metricsInstance.ExpiredInvoices,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// IncError bumps the error counter for component. Safe on a nil receiver.
func (m *Metrics) IncError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
