package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for mailhook. A nil *Metrics is
// valid everywhere; the recording helpers become no-ops.
type Metrics struct {
	// SMTP
	SMTPConnectionsTotal  *prometheus.CounterVec
	MessagesAcceptedTotal prometheus.Counter

	// Dispatch
	TasksPending           prometheus.Gauge
	TasksProcessedTotal    *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec
	DeliveryDuration       prometheus.Histogram

	// Storage
	AttachmentsStoredTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SMTPConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "SMTP connections by admission result.",
		}, []string{"result"}),
		MessagesAcceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "smtp",
			Name:      "messages_accepted_total",
			Help:      "Messages accepted and persisted as delivery tasks.",
		}),

		TasksPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "tasks_pending",
			Help:      "Delivery tasks currently in flight or queued.",
		}),
		TasksProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "tasks_processed_total",
			Help:      "Delivery tasks processed by outcome.",
		}, []string{"result"}),
		WebhookDeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "webhook_deliveries_total",
			Help:      "Individual webhook POSTs by outcome.",
		}, []string{"result"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mailhook",
			Subsystem: "dispatch",
			Name:      "delivery_duration_seconds",
			Help:      "Wall time of one webhook POST.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		AttachmentsStoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailhook",
			Subsystem: "storage",
			Name:      "attachments_stored_total",
			Help:      "Attachment storage outcomes by backend.",
		}, []string{"backend"}),
	}
}

// IncSMTPConnection records a connection admission result.
func (m *Metrics) IncSMTPConnection(result string) {
	if m != nil {
		m.SMTPConnectionsTotal.WithLabelValues(result).Inc()
	}
}

// IncMessageAccepted records an accepted message.
func (m *Metrics) IncMessageAccepted() {
	if m != nil {
		m.MessagesAcceptedTotal.Inc()
	}
}

// SetTasksPending publishes the dispatcher's pending count.
func (m *Metrics) SetTasksPending(n int) {
	if m != nil {
		m.TasksPending.Set(float64(n))
	}
}

// IncTaskProcessed records a finished task by outcome.
func (m *Metrics) IncTaskProcessed(result string) {
	if m != nil {
		m.TasksProcessedTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDelivery records one webhook POST.
func (m *Metrics) ObserveDelivery(result string, seconds float64) {
	if m != nil {
		m.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
		m.DeliveryDuration.Observe(seconds)
	}
}

// IncAttachmentStored records an attachment storage outcome.
func (m *Metrics) IncAttachmentStored(backend string) {
	if m != nil {
		m.AttachmentsStoredTotal.WithLabelValues(backend).Inc()
	}
}
