package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all warden metric instruments.
type Metrics struct {
	RegistryOps       metric.Int64Counter
	RegistryOpErrors  metric.Int64Counter
	ActiveAgents      metric.Int64UpDownCounter
	SpawnDuration     metric.Float64Histogram
	ScanCycles        metric.Int64Counter
	ScanCheckFailures metric.Int64Counter
	Violations        metric.Int64Counter
	Escalations       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RegistryOps, err = meter.Int64Counter("warden.registry.ops",
		metric.WithDescription("Registry operations by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.RegistryOpErrors, err = meter.Int64Counter("warden.registry.op_errors",
		metric.WithDescription("Failed registry operations by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("warden.agents.active",
		metric.WithDescription("Number of agents currently ACTIVE"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDuration, err = meter.Float64Histogram("warden.spawn.duration",
		metric.WithDescription("Agent process spawn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScanCycles, err = meter.Int64Counter("warden.scan.cycles",
		metric.WithDescription("Compliance scan cycles completed"),
	)
	if err != nil {
		return nil, err
	}

	m.ScanCheckFailures, err = meter.Int64Counter("warden.scan.check_failures",
		metric.WithDescription("Compliance checks skipped due to errors"),
	)
	if err != nil {
		return nil, err
	}

	m.Violations, err = meter.Int64Counter("warden.violations.detected",
		metric.WithDescription("Compliance violations detected by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("warden.violations.escalated",
		metric.WithDescription("Violation episodes escalated by action"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
