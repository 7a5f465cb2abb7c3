// Package metrics exposes deployment lifecycle counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deploygate"

// Recorder groups the lifecycle collectors. A nil *Recorder records nothing.
type Recorder struct {
	admissions  *prometheus.CounterVec
	approvals   *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	claims      prometheus.Counter
}

// New builds a Recorder registered with reg. Collectors already registered
// under the same name are reused.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "results_total",
			Help:      "Admission decisions by outcome",
		}, []string{"outcome"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval gate decisions",
		}, []string{"decision"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollback",
			Name:      "events_total",
			Help:      "Rollback event status changes",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Deployment status transitions",
		}, []string{"from", "to"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "claims_total",
			Help:      "Queue entries handed to executors",
		}),
	}
	if reg == nil {
		return r
	}
	r.admissions = register(reg, r.admissions)
	r.approvals = register(reg, r.approvals)
	r.rollbacks = register(reg, r.rollbacks)
	r.transitions = register(reg, r.transitions)
	r.claims = register(reg, r.claims)
	return r
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

// Admission counts an admission outcome.
func (r *Recorder) Admission(outcome string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(outcome).Inc()
}

// Approval counts an approve, reject or expire decision.
func (r *Recorder) Approval(decision string) {
	if r == nil {
		return
	}
	r.approvals.WithLabelValues(decision).Inc()
}

// Rollback counts a rollback event reaching status.
func (r *Recorder) Rollback(status string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(status).Inc()
}

// Transition counts a deployment status change.
func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// Claim counts an executor claim.
func (r *Recorder) Claim() {
	if r == nil {
		return
	}
	r.claims.Inc()
}
