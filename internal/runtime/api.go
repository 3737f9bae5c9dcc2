package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/capability"
	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/eventstore"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
)

const requestTimeout = 10 * time.Second

// healthCheck reports whether one dependency is usable.
type healthCheck struct {
	name string
	ok   func(ctx context.Context) bool
}

// journal is the read side of the session journal.
type journal interface {
	RecentSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]eventstore.Transition, error)
}

// api is the host-facing HTTP surface of the capture controller.
type api struct {
	controller *capture.Controller
	checks     []healthCheck
	ready      func() bool
	nodes      func() []capability.Node
	journal    journal
	logger     *slog.Logger
}

type sessionView struct {
	ID            string     `json:"id"`
	ReferenceDate string     `json:"reference_date"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	CompletedBy   string     `json:"completed_by,omitempty"`
	Outcome       string     `json:"outcome,omitempty"`
}

type transitionView struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Reason     string          `json:"reason"`
	Transcript string          `json:"transcript,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

type errorResponse struct {
	Error    string            `json:"error"`
	Snapshot *capture.Snapshot `json:"snapshot,omitempty"`
}

type editRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (a *api) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /v1/session", a.handleSnapshot)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/events", a.handleEvent)
	mux.HandleFunc("PATCH /v1/draft", a.handleEdit)
	mux.HandleFunc("POST /v1/draft/confirm", a.handleConfirm)
	mux.HandleFunc("GET /v1/records", a.handleRecords)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/transitions", a.handleTransitions)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil && !a.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, check := range a.checks {
		if !check.ok(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(check.name + " not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.controller.Snapshot)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.controller.StartCapture)
}

func (a *api) handleStop(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.controller.StopCapture)
}

func (a *api) handleConfirm(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.controller.ConfirmDraft)
}

func (a *api) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	a.command(w, r, func(ctx context.Context) (capture.Snapshot, error) {
		return a.controller.EditDraftField(ctx, req.Field, req.Value)
	})
}

// handleEvent accepts recognition events from engines that cannot reach the bus.
func (a *api) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev capture.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	switch ev.Kind {
	case capture.EventStart, capture.EventInterim, capture.EventFinal, capture.EventEnd, capture.EventError:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown event kind " + string(ev.Kind)})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := a.controller.Deliver(ctx, ev); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleRecords(w http.ResponseWriter, _ *http.Request) {
	records := a.controller.Records().Entries()
	if records == nil {
		records = []inventory.Confirmed{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.Node{}
	if a.nodes != nil {
		nodes = a.nodes()
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	views := []sessionView{}
	if a.journal != nil {
		sessions, err := a.journal.RecentSessions(r.Context(), limit)
		if err != nil {
			a.logger.Warn("list sessions failed", slogError(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		for _, s := range sessions {
			v := sessionView{
				ID:            s.ID,
				ReferenceDate: s.ReferenceDate,
				StartedAt:     s.StartedAt,
				CompletedBy:   s.CompletedBy,
				Outcome:       s.Outcome,
			}
			if !s.EndedAt.IsZero() {
				ended := s.EndedAt
				v.EndedAt = &ended
			}
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) handleTransitions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	views := []transitionView{}
	if a.journal != nil {
		transitions, err := a.journal.ListTransitions(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			a.logger.Warn("list transitions failed", slogError(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		for _, tr := range transitions {
			v := transitionView{
				From:       tr.From,
				To:         tr.To,
				Reason:     tr.Reason,
				Transcript: tr.Transcript,
				At:         tr.CreatedAt,
			}
			if json.Valid(tr.Payload) {
				v.Payload = tr.Payload
			}
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// limitParam reads ?limit=; zero means the journal's default.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

func (a *api) command(w http.ResponseWriter, r *http.Request, fn func(context.Context) (capture.Snapshot, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := fn(ctx)
	if snap.Records == nil {
		snap.Records = []inventory.Confirmed{}
	}
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			a.logger.Warn("capture command failed", slog.String("path", r.URL.Path), slogError(err))
		}
		resp := errorResponse{Error: err.Error()}
		// The controller only answers with a snapshot when it processed the command.
		if !errors.Is(err, capture.ErrClosed) && ctx.Err() == nil {
			resp.Snapshot = &snap
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func statusFor(err error) int {
	var engineErr *capture.EngineError
	switch {
	case errors.Is(err, capture.ErrSessionActive),
		errors.Is(err, capture.ErrExtractionInFlight),
		errors.Is(err, capture.ErrNotListening),
		errors.Is(err, capture.ErrNoDraft):
		return http.StatusConflict
	case errors.Is(err, capture.ErrInvalidField):
		return http.StatusUnprocessableEntity
	case errors.As(err, &engineErr), errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
