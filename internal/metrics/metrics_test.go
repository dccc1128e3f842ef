package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the first sample of family name whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no sample for %s %v", name, want)
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.WorkflowRun("tunnel", "ok")
	m.WorkflowRun("tunnel", "ok")
	m.StepFailed("push_ingress")
	m.Check("dns", false)
	m.CacheHit()
	m.Drift("vps-1", 2, 1)

	assert.Equal(t, 2.0, value(t, reg, "rotadominios_workflow_runs_total", map[string]string{"strategy": "tunnel", "result": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "rotadominios_workflow_step_failures_total", map[string]string{"step": "push_ingress"}))
	assert.Equal(t, 1.0, value(t, reg, "rotadominios_health_checks_total", map[string]string{"check": "dns", "result": "fail"}))
	assert.Equal(t, 1.0, value(t, reg, "rotadominios_health_cache_hits_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "rotadominios_drift_hostnames", map[string]string{"vps": "vps-1", "kind": "missing_in_vps"}))
	assert.Equal(t, 1.0, value(t, reg, "rotadominios_drift_hostnames", map[string]string{"vps": "vps-1", "kind": "missing_in_db"}))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WorkflowRun("dns", "error")
		m.StepFailed("x")
		m.Check("agent", true)
		m.CacheHit()
		m.Drift("v", 0, 0)
	})
}
