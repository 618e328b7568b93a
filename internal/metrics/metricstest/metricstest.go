// ABOUTME: Test helper for reading counter values out of a Metrics registry
// ABOUTME: Lets packages assert on metrics without reaching into unexported collectors

// Package metricstest reads collector values in tests.
package metricstest

import (
	"testing"

	"github.com/2389/mcpgate/internal/metrics"
)

// Counter returns the value of the counter with the given fully qualified
// name whose labels include every pair in labels. Missing series read as 0.
func Counter(t testing.TB, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
