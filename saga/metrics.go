package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga metrics with OpenTelemetry.
//
// Recorded instruments:
//   - saga.executions: runs finished, by saga name and final status
//   - saga.step.executions: step outcomes, by step and result
//   - saga.compensations: compensation outcomes, by step and result
//   - saga.execution.duration: wall time of a run in seconds
//   - saga.active: runs currently executing
//
// A nil *MetricsRecorder is valid and records nothing.
type MetricsRecorder struct {
	executions    metric.Int64Counter
	steps         metric.Int64Counter
	compensations metric.Int64Counter
	duration      metric.Float64Histogram
	active        metric.Int64UpDownCounter
}

// NewMetricsRecorder creates a recorder on the global meter provider.
func NewMetricsRecorder(name string) (*MetricsRecorder, error) {
	return NewMetricsRecorderWithMeter(otel.Meter(name))
}

// NewMetricsRecorderWithMeter creates a recorder on the given meter.
func NewMetricsRecorderWithMeter(meter metric.Meter) (*MetricsRecorder, error) {
	executions, err := meter.Int64Counter("saga.executions",
		metric.WithDescription("Number of saga runs by final status"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("saga.step.executions",
		metric.WithDescription("Number of step executions by result"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}
	compensations, err := meter.Int64Counter("saga.compensations",
		metric.WithDescription("Number of compensations by result"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("saga.execution.duration",
		metric.WithDescription("Duration of saga runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("saga.active",
		metric.WithDescription("Number of saga runs in progress"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsRecorder{
		executions:    executions,
		steps:         steps,
		compensations: compensations,
		duration:      duration,
		active:        active,
	}, nil
}

// RecordSagaStart marks a run as active.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("saga", name)))
}

// RecordSagaEnd records the final status of a run.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, name string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("saga", name), attribute.String("status", string(status)))
	m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("saga", name)))
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordStepExecution records one Execute outcome.
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, step string, success bool) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("result", resultLabel(success)),
	))
}

// RecordCompensation records one Compensate outcome.
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, step string, success bool) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("result", resultLabel(success)),
	))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
