package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/orchestrator"
)

// progressEvent is the JSON form of an orchestration lifecycle event.
type progressEvent struct {
	Kind         orchestrator.LifecycleKind `json:"kind"`
	BatchID      string                     `json:"batch_id"`
	ChangeKind   core.Kind                  `json:"change_kind"`
	Action       string                     `json:"action,omitempty"`
	Index        int                        `json:"index"`
	Status       orchestrator.Status        `json:"status,omitempty"`
	Error        string                     `json:"error,omitempty"`
	TotalActions int                        `json:"total_actions"`
	Time         time.Time                  `json:"time"`
	ElapsedMs    int64                      `json:"elapsed_ms"`
	TraceID      string                     `json:"trace_id,omitempty"`
}

func toProgressEvent(l orchestrator.Lifecycle) progressEvent {
	return progressEvent{
		Kind:         l.Kind,
		BatchID:      l.BatchID,
		ChangeKind:   l.ChangeKind,
		Action:       l.Action,
		Index:        l.Index,
		Status:       l.Status,
		Error:        l.Error,
		TotalActions: l.TotalActions,
		Time:         l.Time,
		ElapsedMs:    l.Elapsed.Milliseconds(),
		TraceID:      l.TraceID,
	}
}

// ProgressStream fans orchestration lifecycle events out to SSE clients.
// Install Handle as (part of) the orchestrator's LifecycleHandler and mount
// the stream as an http.Handler. Lifecycle events are not journaled, so there
// is no replay: clients see events emitted while they are connected.
//
// Query parameters:
//
//	batch  only events of this batch
//	kind   only batches triggered by this change kind; may be repeated
type ProgressStream struct {
	heartbeat time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	nextID  int
	clients map[int]*progressClient
}

type progressClient struct {
	ch       chan orchestrator.Lifecycle
	overflow chan struct{}
	dropped  bool
}

// NewProgressStream creates an empty stream.
func NewProgressStream(logger *slog.Logger) *ProgressStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressStream{
		heartbeat: HeartbeatInterval,
		logger:    logger,
		clients:   make(map[int]*progressClient),
	}
}

// WithHeartbeat sets the interval between heartbeat comments.
func (s *ProgressStream) WithHeartbeat(interval time.Duration) *ProgressStream {
	s.mu.Lock()
	s.heartbeat = interval
	s.mu.Unlock()
	return s
}

// Handle delivers l to every connected client without blocking. It is safe
// for concurrent use.
func (s *ProgressStream) Handle(l orchestrator.Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.dropped {
			continue
		}
		select {
		case c.ch <- l:
		default:
			c.dropped = true
			close(c.overflow)
		}
	}
}

// ClientCount reports the number of connected clients.
func (s *ProgressStream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *ProgressStream) attach() (int, *progressClient, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &progressClient{
		ch:       make(chan orchestrator.Lifecycle, liveBuffer),
		overflow: make(chan struct{}),
	}
	s.clients[s.nextID] = c
	return s.nextID, c, s.heartbeat
}

func (s *ProgressStream) detach(id int) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// ServeHTTP implements http.Handler.
func (s *ProgressStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	batch := r.URL.Query().Get("batch")
	var kinds map[core.Kind]struct{}
	if values := r.URL.Query()["kind"]; len(values) > 0 {
		kinds = make(map[core.Kind]struct{}, len(values))
		for _, v := range values {
			kinds[core.Kind(v)] = struct{}{}
		}
	}
	wanted := func(l orchestrator.Lifecycle) bool {
		if batch != "" && l.BatchID != batch {
			return false
		}
		if kinds == nil {
			return true
		}
		_, ok := kinds[l.ChangeKind]
		return ok
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, client, interval := s.attach()
	defer s.detach(id)

	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-client.overflow:
			s.logger.Warn("sse: progress client too slow, closing stream")
			return

		case l := <-client.ch:
			if !wanted(l) {
				continue
			}
			if err := writeProgressEvent(w, l); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeProgressEvent(w http.ResponseWriter, l orchestrator.Lifecycle) error {
	data, err := json.Marshal(toProgressEvent(l))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", l.Kind, data)
	return err
}
