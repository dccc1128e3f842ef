// Package metrics holds the Prometheus collectors the engine reports to.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rotadominios"

// Metrics is registered once per process; nil-safe helpers keep tests free of it.
type Metrics struct {
	WorkflowRuns         *prometheus.CounterVec
	WorkflowStepFailures *prometheus.CounterVec
	HealthChecks         *prometheus.CounterVec
	HealthCacheHits      prometheus.Counter
	DriftHostnames       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Publication workflow runs by strategy and result.",
		}, []string{"strategy", "result"}),
		WorkflowStepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_failures_total",
			Help:      "Publication workflow failures by step.",
		}, []string{"step"}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health checks by check name and result.",
		}, []string{"check", "result"}),
		HealthCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_cache_hits_total",
			Help:      "Health verdicts served from cache.",
		}),
		DriftHostnames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_hostnames",
			Help:      "Hostnames out of sync per VPS, by kind (missing_in_vps, missing_in_db).",
		}, []string{"vps", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.WorkflowRuns, m.WorkflowStepFailures, m.HealthChecks, m.HealthCacheHits, m.DriftHostnames)
	}
	return m
}

func (m *Metrics) WorkflowRun(strategy, result string) {
	if m == nil {
		return
	}
	m.WorkflowRuns.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) StepFailed(step string) {
	if m == nil {
		return
	}
	m.WorkflowStepFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) Check(check string, ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.HealthChecks.WithLabelValues(check, result).Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.HealthCacheHits.Inc()
}

func (m *Metrics) Drift(vps string, missingInVPS, missingInDB int) {
	if m == nil {
		return
	}
	m.DriftHostnames.WithLabelValues(vps, "missing_in_vps").Set(float64(missingInVPS))
	m.DriftHostnames.WithLabelValues(vps, "missing_in_db").Set(float64(missingInDB))
}
