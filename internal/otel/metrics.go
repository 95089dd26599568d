package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	TransitionsTotal   metric.Int64Counter
	TransitionRejects  metric.Int64Counter
	ApprovalsRequested metric.Int64Counter
	ApprovalLatency    metric.Float64Histogram
	ApprovalsExpired   metric.Int64Counter
	BudgetDenials      metric.Int64Counter
	SpendRecorded      metric.Float64Counter
	LoopAlerts         metric.Int64Counter
	AgentsQuarantined  metric.Int64Counter
	SweepDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TransitionsTotal, err = meter.Int64Counter("mctl.transitions.total",
		metric.WithDescription("Committed task transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionRejects, err = meter.Int64Counter("mctl.transitions.rejects",
		metric.WithDescription("Transition attempts rejected by validation or gates"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("mctl.approvals.requested",
		metric.WithDescription("Approval requests filed"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalLatency, err = meter.Float64Histogram("mctl.approvals.latency",
		metric.WithDescription("Time from approval request to decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsExpired, err = meter.Int64Counter("mctl.approvals.expired",
		metric.WithDescription("Approvals expired by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetDenials, err = meter.Int64Counter("mctl.budget.denials",
		metric.WithDescription("Runs denied by the budget guard"),
	)
	if err != nil {
		return nil, err
	}

	m.SpendRecorded, err = meter.Float64Counter("mctl.spend.recorded",
		metric.WithDescription("Actual spend recorded in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopAlerts, err = meter.Int64Counter("mctl.loops.alerts",
		metric.WithDescription("Loop-detector alerts raised"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsQuarantined, err = meter.Int64Counter("mctl.agents.quarantined",
		metric.WithDescription("Agents quarantined for repeated failures"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("mctl.sweep.duration",
		metric.WithDescription("Sweep job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
