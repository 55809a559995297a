// Package metrics exposes Prometheus metrics for the zero-trust core
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the access control core
type Metrics struct {
	AuthAttempts       *prometheus.CounterVec
	MFAChallenges      prometheus.Counter
	ActiveSessions     prometheus.Gauge
	SessionsEnded      *prometheus.CounterVec
	RiskAssessments    *prometheus.CounterVec
	PolicyViolations   prometheus.Counter
	GrantsIssued       prometheus.Counter
	NetworkDecisions   *prometheus.CounterVec
	AuditEventsDropped prometheus.Counter
}

// New creates and registers the core metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests should use a
// fresh registry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zta_auth_attempts_total",
			Help: "Authentication attempts by result",
		}, []string{"result"}),
		MFAChallenges: factory.NewCounter(prometheus.CounterOpts{
			Name: "zta_mfa_challenges_total",
			Help: "MFA challenges issued",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zta_active_sessions",
			Help: "Number of currently active sessions",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zta_sessions_ended_total",
			Help: "Sessions ended by reason",
		}, []string{"reason"}),
		RiskAssessments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zta_risk_assessments_total",
			Help: "Risk assessments performed by resulting level",
		}, []string{"level"}),
		PolicyViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "zta_policy_violations_total",
			Help: "Access requests denied by policy",
		}),
		GrantsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "zta_access_grants_issued_total",
			Help: "Access grants issued",
		}),
		NetworkDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zta_network_decisions_total",
			Help: "Network segment authorization decisions by result",
		}, []string{"result"}),
		AuditEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "zta_audit_events_dropped_total",
			Help: "Audit events dropped due to a full dispatch queue",
		}),
	}
}

// The increment helpers below are nil-safe so components can run
// without metrics in unit tests.

// IncAuthAttempt counts an authentication attempt
func (m *Metrics) IncAuthAttempt(result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

// IncMFAChallenge counts an issued MFA challenge
func (m *Metrics) IncMFAChallenge() {
	if m == nil {
		return
	}
	m.MFAChallenges.Inc()
}

// SetActiveSessions records the current active session count
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// IncSessionEnded counts a session leaving the active state
func (m *Metrics) IncSessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// IncRiskAssessment counts a completed risk assessment
func (m *Metrics) IncRiskAssessment(level string) {
	if m == nil {
		return
	}
	m.RiskAssessments.WithLabelValues(level).Inc()
}

// IncPolicyViolation counts a policy denial
func (m *Metrics) IncPolicyViolation() {
	if m == nil {
		return
	}
	m.PolicyViolations.Inc()
}

// IncGrantIssued counts an issued access grant
func (m *Metrics) IncGrantIssued() {
	if m == nil {
		return
	}
	m.GrantsIssued.Inc()
}

// IncNetworkDecision counts a network authorization decision
func (m *Metrics) IncNetworkDecision(result string) {
	if m == nil {
		return
	}
	m.NetworkDecisions.WithLabelValues(result).Inc()
}

// IncAuditDropped counts a dropped audit event
func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}
