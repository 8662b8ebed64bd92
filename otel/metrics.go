package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/reactor/orchestrator"
)

// MetricsHandler translates lifecycle events into OpenTelemetry metrics.
// It records counters and histograms for action executions, failures, batch
// durations and dropped events.
type MetricsHandler struct {
	actionExecutions metric.Int64Counter
	actionFailures   metric.Int64Counter
	actionDuration   metric.Float64Histogram
	batchDuration    metric.Float64Histogram
	batchDropped     metric.Int64Counter
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	actionExec, err := meter.Int64Counter("reactor.action.executions",
		metric.WithDescription("Number of action executions"),
	)
	if err != nil {
		return nil, err
	}

	actionFail, err := meter.Int64Counter("reactor.action.failures",
		metric.WithDescription("Number of failed action executions"),
	)
	if err != nil {
		return nil, err
	}

	actionDur, err := meter.Float64Histogram("reactor.action.duration",
		metric.WithDescription("Duration of action execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	batchDur, err := meter.Float64Histogram("reactor.batch.duration",
		metric.WithDescription("Duration of a change batch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("reactor.batch.dropped",
		metric.WithDescription("Number of change events dropped because their kind was disabled"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		actionExecutions: actionExec,
		actionFailures:   actionFail,
		actionDuration:   actionDur,
		batchDuration:    batchDur,
		batchDropped:     dropped,
	}, nil
}

// Handle processes a lifecycle event and records the appropriate metrics.
// It has orchestrator.LifecycleHandler semantics.
func (h *MetricsHandler) Handle(l orchestrator.Lifecycle) {
	ctx := context.Background()
	switch l.Kind {
	case orchestrator.LifecycleActionCompleted, orchestrator.LifecycleActionFailed:
		attrs := metric.WithAttributes(
			attribute.String("change_kind", string(l.ChangeKind)),
			attribute.String("action", l.Action),
		)
		h.actionExecutions.Add(ctx, 1, attrs)
		h.actionDuration.Record(ctx, l.Elapsed.Seconds(), attrs)
		if l.Kind == orchestrator.LifecycleActionFailed {
			h.actionFailures.Add(ctx, 1, attrs)
		}
	case orchestrator.LifecycleBatchFinished:
		h.batchDuration.Record(ctx, l.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("change_kind", string(l.ChangeKind)),
			attribute.String("status", string(l.Status)),
		))
	case orchestrator.LifecycleBatchDropped:
		h.batchDropped.Add(ctx, 1, metric.WithAttributes(
			attribute.String("change_kind", string(l.ChangeKind)),
		))
	}
}
