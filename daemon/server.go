package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/reactor/core"
	"github.com/petal-labs/reactor/orchestrator"
	"github.com/petal-labs/reactor/schedule"
	"github.com/petal-labs/reactor/sse"
)

const maxListLimit = 1000

// Server exposes the daemon over HTTP.
type Server struct {
	d *Daemon
}

// NewServer creates an API server for d.
func NewServer(d *Daemon) *Server {
	return &Server{d: d}
}

// Handler returns an http.Handler exposing the daemon APIs.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes adds the daemon routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/events", s.handlePublish)
	mux.HandleFunc("GET /api/events", s.handleJournal)
	mux.Handle("GET /api/events/stream", sse.NewHandler(s.d.Journal(), s.d.Bus(), s.d.logger))

	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	mux.Handle("GET /api/batches/stream", s.d.Progress())

	mux.HandleFunc("GET /api/kinds", s.handleListKinds)
	mux.HandleFunc("POST /api/kinds/{kind}/enable", s.handleSetKind(true))
	mux.HandleFunc("POST /api/kinds/{kind}/disable", s.handleSetKind(false))

	mux.HandleFunc("GET /api/wait/{kind}", s.handleWait)

	mux.HandleFunc("GET /api/summaries/{user}", s.handleGetSummary)
	mux.HandleFunc("GET /api/triggers", s.handleListTriggers)
}

type publishRequest struct {
	Kind    core.Kind       `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type publishResponse struct {
	ID   string    `json:"id"`
	Kind core.Kind `json:"kind"`
}

type kindInfo struct {
	Kind        core.Kind              `json:"kind"`
	Enabled     bool                   `json:"enabled"`
	Actions     []string               `json:"actions"`
	LatestBatch *orchestrator.Progress `json:"latest_batch,omitempty"`
}

type waitResponse struct {
	Kind    core.Kind `json:"kind"`
	Settled bool      `json:"settled"`
	Error   string    `json:"error,omitempty"`
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Gate    orchestrator.GateState `json:"gate"`
	Pending int                    `json:"pending"`
	Seq     uint64                 `json:"seq"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	orch := s.d.Orchestrator()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Gate:    orch.Gate(),
		Pending: orch.PendingCount(),
		Seq:     s.d.Bus().LastSeq(),
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	kind := core.Kind(strings.TrimSpace(string(req.Kind)))
	if kind == "" {
		writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "kind is required", nil)
		return
	}
	if kind == s.d.Config().Orchestrator.ReadyKind {
		writeJSONError(w, http.StatusConflict, "RESERVED_KIND",
			fmt.Sprintf("%s is published by the daemon", kind), nil)
		return
	}
	payload, err := core.DecodePayload(kind, req.Payload)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}

	event := core.NewEvent(payload, source)
	s.d.Publish(event)
	writeJSON(w, http.StatusAccepted, publishResponse{ID: event.ID, Kind: event.Kind})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	after, err := parseUintParam(r, "after")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "after must be a non-negative integer", nil)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	events, err := s.d.Journal().List(r.Context(), after, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
		return
	}
	out := make([]journalEntry, 0, len(events))
	for _, e := range events {
		entry, err := toJournalEntry(e)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "JOURNAL_ERROR", err.Error(), nil)
			return
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	kind := core.Kind(strings.TrimSpace(r.URL.Query().Get("kind")))

	all := s.d.Orchestrator().Batches()
	out := make([]orchestrator.Progress, 0, len(all))
	// Newest first.
	for i := len(all) - 1; i >= 0; i-- {
		if kind != "" && all[i].Kind != kind {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	p, ok := s.d.Orchestrator().Progress(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("batch %q not found", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListKinds(w http.ResponseWriter, _ *http.Request) {
	orch := s.d.Orchestrator()

	seen := make(map[core.Kind]struct{})
	var kinds []core.Kind
	add := func(k core.Kind) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		kinds = append(kinds, k)
	}
	for _, k := range orch.RegisteredKinds() {
		add(k)
	}
	for _, k := range orch.EnabledChangeTypes() {
		add(k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	out := make([]kindInfo, 0, len(kinds))
	for _, k := range kinds {
		info := kindInfo{
			Kind:    k,
			Enabled: orch.IsChangeTypeEnabled(k),
			Actions: []string{},
		}
		for _, a := range orch.Actions(k) {
			info.Actions = append(info.Actions, a.Name())
		}
		if p, ok := orch.LatestBatch(k); ok {
			info.LatestBatch = &p
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"kinds": out})
}

func (s *Server) handleSetKind(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := core.Kind(strings.TrimSpace(r.PathValue("kind")))
		if kind == "" {
			writeJSONError(w, http.StatusBadRequest, "INVALID_REQUEST", "kind is required", nil)
			return
		}
		orch := s.d.Orchestrator()
		if enable {
			orch.EnableChangeType(kind)
		} else {
			orch.DisableChangeType(kind)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"kind":    kind,
			"enabled": orch.IsChangeTypeEnabled(kind),
		})
	}
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	kind := core.Kind(strings.TrimSpace(r.PathValue("kind")))
	var timeout time.Duration
	if raw, ok := queryParam(r, "timeout"); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "timeout must be a duration like 5s", nil)
			return
		}
		timeout = parsed
	}

	settled, err := s.d.Orchestrator().WaitForChangeActions(r.Context(), kind, timeout)
	resp := waitResponse{Kind: kind, Settled: settled}
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrBatchFailed):
		resp.Error = err.Error()
	case r.Context().Err() != nil:
		return
	default:
		writeJSONError(w, http.StatusInternalServerError, "WAIT_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.PathValue("user"))
	summary, ok := s.d.Summaries().Latest(user)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no summary for user %q", user), nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, _ *http.Request) {
	statuses := []schedule.Status{}
	if sch := s.d.Scheduler(); sch != nil {
		statuses = sch.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": statuses})
}

type journalEntry struct {
	ID      string          `json:"id"`
	Kind    core.Kind       `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Time    time.Time       `json:"time"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func toJournalEntry(e core.Event) (journalEntry, error) {
	payload, err := core.EncodePayload(e.Payload)
	if err != nil {
		return journalEntry{}, err
	}
	return journalEntry{
		ID:      e.ID,
		Kind:    e.Kind,
		Source:  e.Source,
		Time:    e.Time,
		Seq:     e.Seq,
		Payload: payload,
	}, nil
}

func parseUintParam(r *http.Request, key string) (uint64, error) {
	raw, ok := queryParam(r, key)
	if !ok {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseLimit(r *http.Request) (int, error) {
	raw, ok := queryParam(r, "limit")
	if !ok {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func queryParam(r *http.Request, key string) (string, bool) {
	values, ok := r.URL.Query()[key]
	if !ok || len(values) == 0 {
		return "", false
	}
	value := strings.TrimSpace(values[0])
	return value, value != ""
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
