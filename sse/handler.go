// Package sse provides a Server-Sent Events handler for streaming change
// events to HTTP clients. It replays journaled events and then follows live
// events on the change bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// liveBuffer bounds events queued for one slow client.
const liveBuffer = 256

// sseEvent is the JSON-serializable representation of a change event sent
// over the SSE stream.
type sseEvent struct {
	ID      string          `json:"id"`
	Kind    core.Kind       `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Time    time.Time       `json:"time"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func toSSEEvent(e core.Event) (sseEvent, error) {
	payload, err := core.EncodePayload(e.Payload)
	if err != nil {
		return sseEvent{}, err
	}
	return sseEvent{
		ID:      e.ID,
		Kind:    e.Kind,
		Source:  e.Source,
		Time:    e.Time,
		Seq:     e.Seq,
		Payload: payload,
	}, nil
}

// Handler serves an SSE stream of change events. It first replays journaled
// events from the EventStore, then follows live events on the EventBus.
// Duplicate events (by sequence number) are skipped.
//
// Query parameters:
//
//	after  last-seen sequence number (the Last-Event-ID header also works)
//	kind   restrict to these kinds; may be repeated
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval. A client
// that falls more than liveBuffer events behind is disconnected and may resume
// with its last id.
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewHandler creates a new Handler. store may be nil to stream live events only.
func NewHandler(store bus.EventStore, eb bus.EventBus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     store,
		bus:       eb,
		heartbeat: HeartbeatInterval,
		logger:    logger,
	}
}

// WithHeartbeat returns a copy of h using interval between heartbeats.
func (h *Handler) WithHeartbeat(interval time.Duration) *Handler {
	out := *h
	out.heartbeat = interval
	return &out
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Parse optional ?after= cursor, falling back to Last-Event-ID.
	var afterSeq uint64
	afterStr := r.URL.Query().Get("after")
	if afterStr == "" {
		afterStr = r.Header.Get("Last-Event-ID")
	}
	if afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	var kinds map[core.Kind]struct{}
	if values := r.URL.Query()["kind"]; len(values) > 0 {
		kinds = make(map[core.Kind]struct{}, len(values))
		for _, v := range values {
			kinds[core.Kind(v)] = struct{}{}
		}
	}
	wanted := func(k core.Kind) bool {
		if kinds == nil {
			return true
		}
		_, ok := kinds[k]
		return ok
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	live := make(chan core.Event, liveBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe := h.bus.Subscribe(func(e core.Event) {
		if overflowed || !wanted(e.Kind) {
			return
		}
		select {
		case live <- e:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	lastSeq := afterSeq
	if err := h.replayStored(ctx, w, flusher, wanted, afterSeq, &lastSeq); err != nil {
		return
	}

	h.streamLive(ctx, w, flusher, live, overflow, &lastSeq)
}

// replayStored replays journaled events after afterSeq.
func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	wanted func(core.Kind) bool,
	afterSeq uint64,
	lastSeq *uint64,
) error {
	if h.store == nil {
		return nil
	}
	events, err := h.store.List(ctx, afterSeq, 0)
	if err != nil {
		h.logger.Warn("sse: replay failed", "after", afterSeq, "error", err)
		return err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if !wanted(evt.Kind) {
			continue
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return err
		}
		flusher.Flush()
	}
	return nil
}

// streamLive streams events from the live subscription, deduplicating against
// already-sent sequence numbers.
func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	live <-chan core.Event,
	overflow <-chan struct{},
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-overflow:
			h.logger.Warn("sse: client too slow, closing stream", "last_seq", *lastSeq)
			return

		case evt := <-live:
			// Dedup: skip events already sent during replay.
			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

			*lastSeq = evt.Seq

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt core.Event) error {
	payload, err := toSSEEvent(evt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
