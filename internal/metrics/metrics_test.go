package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matches(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matches(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, pair := range metric.GetLabel() {
		if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestRecorderCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)
	rec.Admission("admitted")
	rec.Admission("admitted")
	rec.Admission("rejected")
	rec.Claim()

	if got := counterValue(t, reg, "deploygate_admission_results_total", map[string]string{"outcome": "admitted"}); got != 2 {
		t.Fatalf("expected 2 admitted, got %v", got)
	}
	if got := counterValue(t, reg, "deploygate_executor_claims_total", nil); got != 1 {
		t.Fatalf("expected 1 claim, got %v", got)
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)
	first.Approval("approved")
	second.Approval("approved")

	if got := counterValue(t, reg, "deploygate_approval_decisions_total", map[string]string{"decision": "approved"}); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Admission("admitted")
	rec.Rollback("failed")
	rec.Transition("queued", "in_progress")
}
