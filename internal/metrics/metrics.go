// Package metrics holds the server-wide Prometheus counters that don't
// belong to any single component (PDUs processed, errors sent,
// sessions opened/closed), plus the small HTTP surface that exposes
// them and a liveness probe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the top-level operational counters for one server
// instance.
type Metrics struct {
	PDUsReceived  *prometheus.CounterVec
	PDUsSent      *prometheus.CounterVec
	ErrorsSent    *prometheus.CounterVec
	SessionsTotal *prometheus.CounterVec
}

// New constructs and registers the server-wide counters against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PDUsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srx_pdus_received_total",
				Help: "Total PDUs received from proxy clients, by type.",
			},
			[]string{"type"},
		),
		PDUsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srx_pdus_sent_total",
				Help: "Total PDUs sent to proxy clients, by type.",
			},
			[]string{"type"},
		),
		ErrorsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srx_errors_sent_total",
				Help: "Total ERROR PDUs sent to proxy clients, by error code.",
			},
			[]string{"code"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srx_sessions_total",
				Help: "Total sessions opened, by how they ended (goodbye, crashed).",
			},
			[]string{"outcome"},
		),
	}
}

// RecordReceived tags one inbound PDU by its wire type name.
func (m *Metrics) RecordReceived(pduType string) {
	m.PDUsReceived.WithLabelValues(pduType).Inc()
}

// RecordSent tags one outbound PDU by its wire type name.
func (m *Metrics) RecordSent(pduType string) {
	m.PDUsSent.WithLabelValues(pduType).Inc()
}

// RecordError tags one ERROR PDU by its error code name.
func (m *Metrics) RecordError(code string) {
	m.ErrorsSent.WithLabelValues(code).Inc()
}

// RecordSessionEnd tags one session's termination reason.
func (m *Metrics) RecordSessionEnd(outcome string) {
	m.SessionsTotal.WithLabelValues(outcome).Inc()
}
