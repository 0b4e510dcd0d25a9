package rpcgss

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics tracks Prometheus metrics for the RPCSEC_GSS client: how
// often upcalls are issued versus de-duplicated, how many credentials are
// cached, sequence number allocation, and refresh outcomes.
//
// All metrics use the "gssauth_client_" prefix. Methods handle a nil
// receiver gracefully, so a nil *ClientMetrics acts as a no-op.
type ClientMetrics struct {
	// UpcallsIssued counts upcalls actually sent to the daemon.
	UpcallsIssued prometheus.Counter

	// UpcallsJoined counts callers that joined an in-flight upcall
	// instead of issuing a new one.
	UpcallsJoined prometheus.Counter

	// UpcallOutcomes counts completed upcalls by result.
	// Labels: result=[success, daemon_absent, daemon_error, pipe_closed]
	UpcallOutcomes *prometheus.CounterVec

	// CachedCredentials tracks the current number of cached credentials.
	CachedCredentials prometheus.Gauge

	// SequenceAllocations counts sequence numbers allocated across all
	// live contexts.
	SequenceAllocations prometheus.Counter

	// RefreshOutcomes counts refresh() decisions by outcome.
	// Labels: outcome=[reused, rebind, rebound, negative]
	RefreshOutcomes *prometheus.CounterVec

	// WireOutcomes counts wrap_req/unwrap_resp calls by service level and
	// result.
	// Labels: service=[none, integrity, privacy], result=[ok, failure]
	WireOutcomes *prometheus.CounterVec

	// UpcallDuration tracks upcall round-trip latency.
	UpcallDuration prometheus.Histogram
}

var (
	clientMetricsOnce     sync.Once
	clientMetricsInstance *ClientMetrics
)

// NewClientMetrics creates and registers the client's Prometheus metrics.
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// safe to call from every Authenticator construction.
func NewClientMetrics(registerer prometheus.Registerer) *ClientMetrics {
	clientMetricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &ClientMetrics{
			UpcallsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gssauth_client_upcalls_issued_total",
				Help: "Total upcalls sent to the gssd daemon",
			}),
			UpcallsJoined: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gssauth_client_upcalls_joined_total",
				Help: "Total callers that joined an already in-flight upcall",
			}),
			UpcallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gssauth_client_upcall_outcomes_total",
				Help: "Total upcall outcomes by result",
			}, []string{"result"}),
			CachedCredentials: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gssauth_client_cached_credentials",
				Help: "Current number of cached credentials",
			}),
			SequenceAllocations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "gssauth_client_sequence_allocations_total",
				Help: "Total sequence numbers allocated across all contexts",
			}),
			RefreshOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gssauth_client_refresh_outcomes_total",
				Help: "Total refresh() decisions by outcome",
			}, []string{"outcome"}),
			WireOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "gssauth_client_wire_outcomes_total",
				Help: "Total wrap_req/unwrap_resp calls by service and result",
			}, []string{"service", "result"}),
			UpcallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "gssauth_client_upcall_duration_seconds",
				Help:    "Upcall round-trip duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),
		}

		registerer.MustRegister(
			m.UpcallsIssued,
			m.UpcallsJoined,
			m.UpcallOutcomes,
			m.CachedCredentials,
			m.SequenceAllocations,
			m.RefreshOutcomes,
			m.WireOutcomes,
			m.UpcallDuration,
		)

		clientMetricsInstance = m
	})

	return clientMetricsInstance
}

func (m *ClientMetrics) RecordUpcallIssued() {
	if m == nil {
		return
	}
	m.UpcallsIssued.Inc()
}

func (m *ClientMetrics) RecordUpcallJoined() {
	if m == nil {
		return
	}
	m.UpcallsJoined.Inc()
}

func (m *ClientMetrics) RecordUpcallOutcome(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpcallOutcomes.WithLabelValues(result).Inc()
	m.UpcallDuration.Observe(duration.Seconds())
}

func (m *ClientMetrics) SetCachedCredentials(n int) {
	if m == nil {
		return
	}
	m.CachedCredentials.Set(float64(n))
}

func (m *ClientMetrics) RecordSequenceAllocation() {
	if m == nil {
		return
	}
	m.SequenceAllocations.Inc()
}

func (m *ClientMetrics) RecordRefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RefreshOutcomes.WithLabelValues(outcome).Inc()
}

func (m *ClientMetrics) RecordWireOutcome(service Service, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failure"
	}
	m.WireOutcomes.WithLabelValues(service.String(), result).Inc()
}
