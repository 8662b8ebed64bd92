package otel

import (
	"github.com/petal-labs/reactor/orchestrator"
)

// EnrichLifecycle wraps a LifecycleHandler with OpenTelemetry trace context.
// It looks up the active span from the TracingHandler and populates the
// TraceID and SpanID fields before calling next.
//
// For action-level events the action span is checked first, falling back to
// the batch span. When no span is active, the event passes through unchanged.
// tracing must observe each event before the wrapped handler does.
func EnrichLifecycle(next orchestrator.LifecycleHandler, tracing *TracingHandler) orchestrator.LifecycleHandler {
	return func(l orchestrator.Lifecycle) {
		if l.Action != "" {
			sc := tracing.ActiveSpanContext(l.BatchID, l.Index)
			if sc.IsValid() {
				l.TraceID = sc.TraceID().String()
				l.SpanID = sc.SpanID().String()
			}
		}
		if l.TraceID == "" && l.BatchID != "" {
			sc := tracing.ActiveBatchSpanContext(l.BatchID)
			if sc.IsValid() {
				l.TraceID = sc.TraceID().String()
				l.SpanID = sc.SpanID().String()
			}
		}
		next(l)
	}
}

// Observe returns a lifecycle handler feeding tracing and metrics, then the
// enriched extra handlers. Either of tracing or metrics may be nil.
func Observe(tracing *TracingHandler, metrics *MetricsHandler, extra ...orchestrator.LifecycleHandler) orchestrator.LifecycleHandler {
	var handlers []orchestrator.LifecycleHandler
	if tracing != nil {
		handlers = append(handlers, tracing.Handle)
	}
	if metrics != nil {
		handlers = append(handlers, metrics.Handle)
	}
	rest := orchestrator.MultiLifecycleHandler(extra...)
	if tracing != nil {
		rest = EnrichLifecycle(rest, tracing)
	}
	handlers = append(handlers, rest)
	return orchestrator.MultiLifecycleHandler(handlers...)
}
