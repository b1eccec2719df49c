package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DonationMetrics tracks reconciliation health between the gateway and the ledger.
type DonationMetrics struct {
	unpersisted *prometheus.CounterVec
	orphaned    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	gateway     *prometheus.HistogramVec
}

// NewDonationMetrics registers the donation metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewDonationMetrics(reg prometheus.Registerer) *DonationMetrics {
	if reg == nil {
		return &DonationMetrics{}
	}
	unpersisted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unpersisted_total",
		Help:      "Gateway outcomes returned to callers without a ledger write.",
	}, []string{"reason"})
	orphaned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphaned_references_total",
		Help:      "Gateway references with no ledger row, by source.",
	}, []string{"source"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Ledger status changes, by source and target status.",
	}, []string{"source", "status"})
	gateway := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of payment gateway calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})
	reg.MustRegister(unpersisted, orphaned, transitions, gateway)
	return &DonationMetrics{
		unpersisted: unpersisted,
		orphaned:    orphaned,
		transitions: transitions,
		gateway:     gateway,
	}
}

// IncUnpersisted records a reconciliation gap.
func (m *DonationMetrics) IncUnpersisted(reason string) {
	if m == nil || m.unpersisted == nil {
		return
	}
	m.unpersisted.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncOrphaned records a gateway reference that has no ledger row.
func (m *DonationMetrics) IncOrphaned(source string) {
	if m == nil || m.orphaned == nil {
		return
	}
	m.orphaned.WithLabelValues(normalizeLabel(source)).Inc()
}

// IncTransition records a persisted status change.
func (m *DonationMetrics) IncTransition(source, status string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(source), normalizeLabel(status)).Inc()
}

// ObserveGateway records the latency of a gateway call.
func (m *DonationMetrics) ObserveGateway(op string, err error, elapsed time.Duration) {
	if m == nil || m.gateway == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gateway.WithLabelValues(normalizeLabel(op), outcome).Observe(elapsed.Seconds())
}
