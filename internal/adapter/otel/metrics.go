package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "provisioner"

// Metrics holds all provisioner metric instruments.
type Metrics struct {
	TurnsProcessed    metric.Int64Counter
	IntentsClassified metric.Int64Counter
	PolicyDenials     metric.Int64Counter
	RunsStarted       metric.Int64Counter
	RunsSucceeded     metric.Int64Counter
	RunsFailed        metric.Int64Counter
	RunsRolledBack    metric.Int64Counter
	StepDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsProcessed, err = meter.Int64Counter("provisioner.turns.processed",
		metric.WithDescription("Conversational turns processed"))
	if err != nil {
		return nil, err
	}

	m.IntentsClassified, err = meter.Int64Counter("provisioner.intents.classified",
		metric.WithDescription("Intent classifications by stage"))
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("provisioner.policy.denials",
		metric.WithDescription("Requests denied by the policy gate"))
	if err != nil {
		return nil, err
	}

	m.RunsStarted, err = meter.Int64Counter("provisioner.runs.started",
		metric.WithDescription("Workflow runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsSucceeded, err = meter.Int64Counter("provisioner.runs.succeeded",
		metric.WithDescription("Workflow runs succeeded"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("provisioner.runs.failed",
		metric.WithDescription("Workflow runs failed"))
	if err != nil {
		return nil, err
	}

	m.RunsRolledBack, err = meter.Int64Counter("provisioner.runs.rolledback",
		metric.WithDescription("Workflow runs rolled back"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("provisioner.step.duration_seconds",
		metric.WithDescription("Workflow step duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
