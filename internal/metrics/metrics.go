// Package metrics exposes Prometheus counters for the drop token lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Issue outcomes for IssuedTotal
const (
	IssueOK          = "ok"
	IssueRateLimited = "rate_limited"
	IssueRejected    = "rejected"
)

// Metrics holds the lifecycle counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Issued      *prometheus.CounterVec
	Access      *prometheus.CounterVec
	Revoked     prometheus.Counter
	Transitions *prometheus.CounterVec
}

// New creates the counters and registers them on reg. Tests pass a fresh
// prometheus.NewRegistry(); production passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Issued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "droptoken_issued_total",
			Help: "Total number of issuance attempts by outcome",
		}, []string{"result"}),
		Access: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "droptoken_access_total",
			Help: "Total number of access attempts by result",
		}, []string{"result"}),
		Revoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "droptoken_revoked_total",
			Help: "Total number of revocations",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "droptoken_transitions_total",
			Help: "Total number of lazy status transitions by target status",
		}, []string{"to"}),
	}
}

// ObserveIssue counts one issuance attempt.
func (m *Metrics) ObserveIssue(result string) {
	if m == nil {
		return
	}
	m.Issued.WithLabelValues(result).Inc()
}

// ObserveAccess counts one access attempt.
func (m *Metrics) ObserveAccess(result string) {
	if m == nil {
		return
	}
	m.Access.WithLabelValues(result).Inc()
}

// ObserveRevoke counts one revocation.
func (m *Metrics) ObserveRevoke() {
	if m == nil {
		return
	}
	m.Revoked.Inc()
}

// ObserveTransition counts a status change made on read.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}
