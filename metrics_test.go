package vis_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	vis "github.com/mercedes-benz/vehicle-information-service"
)

// counterValue sums a counter family across its label combinations.
func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

// gaugeValue sums a gauge family across its label combinations.
func gaugeValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range family.GetMetric() {
			total += metric.GetGauge().GetValue()
		}
		return total
	}
	return 0
}

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()

	metrics, err := vis.NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if metrics == nil {
		t.Fatal("NewMetrics() = nil, want instrumentation")
	}

	if _, err := vis.NewMetrics(registry); err == nil {
		t.Fatal("NewMetrics() on the same registerer succeeded, want duplicate registration error")
	}
}

func TestMetrics_CountsSignalUpdates(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := vis.NewMetrics(registry)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	svc := vis.NewService(vis.WithMetrics(metrics))

	if err := svc.Update("Signal.Drivetrain.Speed", 1); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := svc.Update("Signal.Drivetrain.Speed", 2); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	// Client-style writes are not producer updates.
	if err := svc.Set("Signal.Drivetrain.Speed", 3); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if got := counterValue(t, registry, "vis_signal_updates_total"); got != 2 {
		t.Errorf("vis_signal_updates_total = %v, want 2", got)
	}
}
