package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for dispatch, delivery and secret
// lifecycle. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Dispatch
	DeliveriesEnqueued *prometheus.CounterVec
	DispatchSkipped    prometheus.Counter

	// Delivery worker
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	LeaseConflicts   prometheus.Counter
	RateLimited      prometheus.Counter
	PollDuration     prometheus.Histogram
	BatchSize        prometheus.Histogram

	// Secrets
	SecretRotations   prometheus.Counter
	SecretRevocations prometheus.Counter
	SecretsCleaned    prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DeliveriesEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_deliveries_enqueued_total",
			Help: "Deliveries enqueued by the dispatcher",
		}, []string{"event_type"}),
		DispatchSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_dispatch_skipped_total",
			Help: "Subscribers skipped because no signing key could be loaded",
		}),
		DeliveryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_duration_seconds",
			Help:    "Time spent on one outbound webhook request",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		LeaseConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_delivery_lease_conflicts_total",
			Help: "Deliveries skipped because another worker held the lease",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_delivery_rate_limited_total",
			Help: "Deliveries deferred by the per-webhook rate limit",
		}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookrelay_worker_poll_duration_seconds",
			Help:    "Time taken for each poll cycle",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 10},
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookrelay_worker_batch_size",
			Help:    "Number of due deliveries fetched per poll",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		SecretRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_secret_rotations_total",
			Help: "Signing secrets rotated",
		}),
		SecretRevocations: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_secret_revocations_total",
			Help: "Signing secrets revoked",
		}),
		SecretsCleaned: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_secrets_cleaned_total",
			Help: "Expired signing secrets deleted",
		}),
	}
}

func (m *Metrics) IncEnqueued(eventType string) {
	if m == nil {
		return
	}
	m.DeliveriesEnqueued.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncDispatchSkipped() {
	if m == nil {
		return
	}
	m.DispatchSkipped.Inc()
}

// IncOutcome counts one finished attempt: delivered, retry, dead_lettered or failed.
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryDuration.Observe(seconds)
}

func (m *Metrics) IncLeaseConflict() {
	if m == nil {
		return
	}
	m.LeaseConflicts.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) ObservePoll(seconds float64, batch int) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(seconds)
	m.BatchSize.Observe(float64(batch))
}

func (m *Metrics) IncRotation() {
	if m == nil {
		return
	}
	m.SecretRotations.Inc()
}

func (m *Metrics) IncRevocation() {
	if m == nil {
		return
	}
	m.SecretRevocations.Inc()
}

func (m *Metrics) AddSecretsCleaned(n int) {
	if m == nil {
		return
	}
	m.SecretsCleaned.Add(float64(n))
}
