package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/reactor/actions"
	"github.com/petal-labs/reactor/core"
)

// ChangeObserver records change traffic and outbound webhook deliveries into
// OpenTelemetry.
type ChangeObserver struct {
	tracer trace.Tracer

	changes    metric.Int64Counter
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewChangeObserver creates an observer bound to the provided meter/tracer.
// tracer may be nil to record metrics only.
func NewChangeObserver(meter metric.Meter, tracer trace.Tracer) (*ChangeObserver, error) {
	changes, err := meter.Int64Counter(
		"reactor.change.events",
		metric.WithDescription("Number of change events published on the bus"),
	)
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter(
		"reactor.webhook.deliveries",
		metric.WithDescription("Number of webhook delivery attempts"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"reactor.webhook.latency",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ChangeObserver{
		tracer:     tracer,
		changes:    changes,
		deliveries: deliveries,
		latency:    latency,
	}, nil
}

// Handle counts one change event. It has core.Handler semantics so it can be
// subscribed to the bus directly.
func (o *ChangeObserver) Handle(e core.Event) {
	if o == nil {
		return
	}
	o.changes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("change_kind", string(e.Kind)),
		attribute.String("source", e.Source),
	))
}

// ObserveDelivery records one webhook delivery attempt.
func (o *ChangeObserver) ObserveDelivery(d actions.Delivery) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("action", d.Action),
		attribute.String("change_kind", string(d.Kind)),
		attribute.Int("status_code", d.StatusCode),
		attribute.Bool("success", d.Success),
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.deliveries.Add(ctx, 1, options)
	o.latency.Record(ctx, d.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(attrs...))
	if !d.Success {
		span.SetStatus(codes.Error, d.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ actions.DeliveryObserver = (*ChangeObserver)(nil)
