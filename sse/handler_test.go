package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/reactor/bus"
	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/sse"
)

func storedEvent(seq uint64, payload core.Payload) core.Event {
	e := core.NewEvent(payload, "test").WithTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	e.Seq = seq
	return e
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// readMessages reads SSE messages from r until n have arrived or the stream
// ends. Heartbeat comments are counted separately.
func readMessages(t *testing.T, r io.Reader, n int) (msgs []sseMessage, pings int) {
	t.Helper()
	scanner := bufio.NewScanner(r)

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
				if len(msgs) == n {
					return msgs, pings
				}
			}
			continue
		}

		switch {
		case line == ": ping":
			pings++
			if n == 0 {
				return msgs, pings
			}
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs, pings
}

func openStream(t *testing.T, h http.Handler, query string, header http.Header) (*http.Response, context.CancelFunc) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /api/events/stream", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream"+query, nil)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return resp, cancel
}

// waitSubscribed waits until the handler has attached to the bus.
func waitSubscribed(t *testing.T, eb *bus.MemBus, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for eb.SubscriberCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandler_ReplayThenLive(t *testing.T) {
	ctx := context.Background()
	store := bus.NewMemEventStore()
	for i, p := range []core.Payload{core.SystemReady{}, core.SignedIn{UserID: "u1"}} {
		if err := store.Append(ctx, storedEvent(uint64(i+1), p)); err != nil {
			t.Fatal(err)
		}
	}

	eb := bus.NewMemBus(bus.MemBusConfig{StartSeq: 2})
	defer eb.Close()

	resp, _ := openStream(t, sse.NewHandler(store, eb, nil), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	waitSubscribed(t, eb, 1)
	eb.Publish(core.NewEvent(core.SignedOut{UserID: "u1"}, "web"))

	msgs, _ := readMessages(t, resp.Body, 3)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantIDs := []string{"1", "2", "3"}
	wantKinds := []string{"system.ready", "auth.signed_in", "auth.signed_out"}
	for i := range msgs {
		if msgs[i].ID != wantIDs[i] || msgs[i].Event != wantKinds[i] {
			t.Errorf("message %d = %s/%s, want %s/%s", i, msgs[i].ID, msgs[i].Event, wantIDs[i], wantKinds[i])
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(msgs[2].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed["kind"] != "auth.signed_out" || parsed["source"] != "web" {
		t.Errorf("data = %v", parsed)
	}
	payload, _ := parsed["payload"].(map[string]any)
	if payload["user_id"] != "u1" {
		t.Errorf("payload = %v", parsed["payload"])
	}
}

func TestHandler_AfterCursorAndKindFilter(t *testing.T) {
	ctx := context.Background()
	store := bus.NewMemEventStore()
	payloads := []core.Payload{
		core.SignedIn{UserID: "u1"},
		core.SignedOut{UserID: "u1"},
		core.SignedIn{UserID: "u2"},
		core.SignedIn{UserID: "u3"},
	}
	for i, p := range payloads {
		if err := store.Append(ctx, storedEvent(uint64(i+1), p)); err != nil {
			t.Fatal(err)
		}
	}
	eb := bus.NewMemBus(bus.MemBusConfig{StartSeq: 4})
	defer eb.Close()

	resp, _ := openStream(t, sse.NewHandler(store, eb, nil), "?after=1&kind=auth.signed_in", nil)

	msgs, _ := readMessages(t, resp.Body, 2)
	if len(msgs) != 2 || msgs[0].ID != "3" || msgs[1].ID != "4" {
		t.Fatalf("messages = %+v, want ids 3 and 4", msgs)
	}
}

func TestHandler_LastEventIDHeader(t *testing.T) {
	ctx := context.Background()
	store := bus.NewMemEventStore()
	for i := 1; i <= 3; i++ {
		if err := store.Append(ctx, storedEvent(uint64(i), core.SignedIn{UserID: "u"})); err != nil {
			t.Fatal(err)
		}
	}
	eb := bus.NewMemBus(bus.MemBusConfig{StartSeq: 3})
	defer eb.Close()

	resp, _ := openStream(t, sse.NewHandler(store, eb, nil), "", http.Header{"Last-Event-ID": {"2"}})

	msgs, _ := readMessages(t, resp.Body, 1)
	if len(msgs) != 1 || msgs[0].ID != "3" {
		t.Fatalf("messages = %+v, want id 3", msgs)
	}
}

func TestHandler_InvalidAfter(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events/stream?after=abc", nil)
	rec := httptest.NewRecorder()
	sse.NewHandler(nil, eb, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	h := sse.NewHandler(nil, eb, nil).WithHeartbeat(10 * time.Millisecond)
	resp, _ := openStream(t, h, "", nil)

	_, pings := readMessages(t, resp.Body, 0)
	if pings == 0 {
		t.Fatal("expected a heartbeat comment")
	}
}

func TestHandler_UnsubscribesOnDisconnect(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	_, cancel := openStream(t, sse.NewHandler(nil, eb, nil), "", nil)
	waitSubscribed(t, eb, 1)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for eb.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler still subscribed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
