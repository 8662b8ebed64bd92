// Package otel provides OpenTelemetry integration for orchestration lifecycle
// events and change traffic.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/reactor/orchestrator"
)

// TracingHandler translates lifecycle events into OpenTelemetry spans. Each
// batch gets a root span and each action a child span under it.
type TracingHandler struct {
	tracer trace.Tracer

	mu          sync.RWMutex
	batchSpans  map[string]trace.Span      // batchID -> span
	batchCtxs   map[string]context.Context // batchID -> context (for child spans)
	actionSpans map[string]trace.Span      // batchID:index -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from lifecycle events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:      tracer,
		batchSpans:  make(map[string]trace.Span),
		batchCtxs:   make(map[string]context.Context),
		actionSpans: make(map[string]trace.Span),
	}
}

// Handle processes a lifecycle event and creates or ends spans accordingly.
// It has orchestrator.LifecycleHandler semantics.
func (h *TracingHandler) Handle(l orchestrator.Lifecycle) {
	switch l.Kind {
	case orchestrator.LifecycleBatchStarted:
		h.handleBatchStarted(l)
	case orchestrator.LifecycleActionStarted:
		h.handleActionStarted(l)
	case orchestrator.LifecycleActionCompleted:
		h.endAction(l, codes.Ok, "")
	case orchestrator.LifecycleActionFailed:
		h.endAction(l, codes.Error, l.Error)
	case orchestrator.LifecycleBatchFinished:
		h.handleBatchFinished(l)
	case orchestrator.LifecycleBatchDropped:
		h.handleBatchDropped(l)
	}
}

func (h *TracingHandler) handleBatchStarted(l orchestrator.Lifecycle) {
	ctx, span := h.tracer.Start(context.Background(), "batch:"+string(l.ChangeKind),
		trace.WithAttributes(
			attribute.String("reactor.batch_id", l.BatchID),
			attribute.String("reactor.change_kind", string(l.ChangeKind)),
			attribute.Int("reactor.total_actions", l.TotalActions),
		),
		trace.WithTimestamp(l.Time),
	)

	h.mu.Lock()
	h.batchSpans[l.BatchID] = span
	h.batchCtxs[l.BatchID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleActionStarted(l orchestrator.Lifecycle) {
	h.mu.RLock()
	parentCtx, ok := h.batchCtxs[l.BatchID]
	h.mu.RUnlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "action:"+l.Action,
		trace.WithAttributes(
			attribute.String("reactor.batch_id", l.BatchID),
			attribute.String("reactor.change_kind", string(l.ChangeKind)),
			attribute.String("reactor.action", l.Action),
			attribute.Int("reactor.action_index", l.Index),
		),
		trace.WithTimestamp(l.Time),
	)

	h.mu.Lock()
	h.actionSpans[actionKey(l.BatchID, l.Index)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endAction(l orchestrator.Lifecycle, code codes.Code, msg string) {
	key := actionKey(l.BatchID, l.Index)

	h.mu.Lock()
	span, ok := h.actionSpans[key]
	if ok {
		delete(h.actionSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(attribute.String("reactor.duration", l.Elapsed.String()))
	if code == codes.Error {
		if msg == "" {
			msg = "unknown error"
		}
		span.RecordError(spanError(msg), trace.WithTimestamp(l.Time))
	}
	span.SetStatus(code, msg)
	span.End(trace.WithTimestamp(l.Time))
}

func (h *TracingHandler) handleBatchFinished(l orchestrator.Lifecycle) {
	h.mu.Lock()
	span, ok := h.batchSpans[l.BatchID]
	if ok {
		delete(h.batchSpans, l.BatchID)
		delete(h.batchCtxs, l.BatchID)
	}
	// Action spans left open belong to a batch aborted by a fault.
	prefix := l.BatchID + ":"
	var orphans []trace.Span
	for key, s := range h.actionSpans {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			orphans = append(orphans, s)
			delete(h.actionSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "batch aborted")
		s.End(trace.WithTimestamp(l.Time))
	}

	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("reactor.duration", l.Elapsed.String()),
		attribute.String("reactor.status", string(l.Status)),
	)
	if l.Status == orchestrator.StatusError {
		msg := l.Error
		if msg == "" {
			msg = "batch failed"
		}
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(l.Time))
}

// handleBatchDropped records a zero-length span so dropped events show up
// next to the batches that did run.
func (h *TracingHandler) handleBatchDropped(l orchestrator.Lifecycle) {
	_, span := h.tracer.Start(context.Background(), "dropped:"+string(l.ChangeKind),
		trace.WithAttributes(
			attribute.String("reactor.change_kind", string(l.ChangeKind)),
			attribute.Bool("reactor.dropped", true),
		),
		trace.WithTimestamp(l.Time),
	)
	span.End(trace.WithTimestamp(l.Time))
}

// ActiveSpanContext returns the SpanContext for the running action at index
// in batchID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(batchID string, index int) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.actionSpans[actionKey(batchID, index)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveBatchSpanContext returns the SpanContext for the running batch.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveBatchSpanContext(batchID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.batchSpans[batchID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func actionKey(batchID string, index int) string {
	return batchID + ":" + strconv.Itoa(index)
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
