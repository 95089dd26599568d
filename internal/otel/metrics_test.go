package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.TransitionsTotal == nil || m.BudgetDenials == nil || m.LoopAlerts == nil || m.SweepDuration == nil {
		t.Fatal("instrument not created")
	}

	// No-op instruments accept records without panicking.
	ctx := context.Background()
	m.TransitionsTotal.Add(ctx, 1)
	m.SpendRecorded.Add(ctx, 0.25)
	m.SweepDuration.Record(ctx, 0.01)
}
