package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/capture"
	"github.com/loqalabs/loqa-stockcount/internal/eventstore"
	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/loqalabs/loqa-stockcount/internal/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, checks ...healthCheck) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	controller, err := capture.NewController(capture.NopEngine{}, extract.NewRuleExtractor(), nil, capture.Options{
		TriggerPhrase:  capture.DefaultTriggerPhrase,
		SilenceTimeout: time.Minute,
		Logger:         logger,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = controller.Run(ctx) }()

	a := &api{controller: controller, checks: checks, ready: func() bool { return true }, logger: logger}
	srv := httptest.NewServer(a.routes(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-controller.Done()
	})
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeSnapshot(t *testing.T, data []byte) capture.Snapshot {
	t.Helper()
	var snap capture.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func TestCaptureFlowOverHTTP(t *testing.T) {
	srv := newTestAPI(t)

	status, body := call(t, srv, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, capture.StateIdle, decodeSnapshot(t, body).State)
	assert.Contains(t, string(body), `"records":[]`)

	status, body = call(t, srv, http.MethodPost, "/v1/session/start", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, capture.StateListening, decodeSnapshot(t, body).State)

	status, _ = call(t, srv, http.MethodPost, "/v1/session/start", "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = call(t, srv, http.MethodPost, "/v1/session/events",
		`{"kind":"final","text":"Anotado. 10 caixas e 5 unidades soltas do código 77441, fabricado hoje."}`)
	require.Equal(t, http.StatusAccepted, status)

	status, body = call(t, srv, http.MethodPost, "/v1/session/stop", "")
	require.Equal(t, http.StatusOK, status)

	var snap capture.Snapshot
	require.Eventually(t, func() bool {
		_, body = call(t, srv, http.MethodGet, "/v1/session", "")
		snap = decodeSnapshot(t, body)
		return snap.State == capture.StateDraftReady
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, snap.Draft)
	assert.Equal(t, "000077441", *snap.Draft.ProductCode)
	assert.Equal(t, 10, *snap.Draft.BoxCount)
	assert.Equal(t, 5, *snap.Draft.UnitCount)

	status, body = call(t, srv, http.MethodPatch, "/v1/draft", `{"field":"address","value":"A 1 5"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A 001 0005", *decodeSnapshot(t, body).Draft.Address)

	status, body = call(t, srv, http.MethodPatch, "/v1/draft", `{"field":"box_count","value":"dez"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "box_count")
	require.NotNil(t, errResp.Snapshot)
	assert.Equal(t, 10, *errResp.Snapshot.Draft.BoxCount)

	status, body = call(t, srv, http.MethodPost, "/v1/draft/confirm", "")
	require.Equal(t, http.StatusOK, status)
	snap = decodeSnapshot(t, body)
	assert.Equal(t, capture.StateListening, snap.State)
	require.Len(t, snap.Records, 1)

	status, body = call(t, srv, http.MethodGet, "/v1/records", "")
	require.Equal(t, http.StatusOK, status)
	var records []inventory.Confirmed
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "A 001 0005", *records[0].Record.Address)
}

func TestAPIRejectsBadInput(t *testing.T) {
	srv := newTestAPI(t)

	status, _ := call(t, srv, http.MethodPatch, "/v1/draft", `{"field":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, srv, http.MethodPatch, "/v1/draft", `{"field":"address","value":"A 1 5"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = call(t, srv, http.MethodPost, "/v1/session/events", `{"kind":"shout"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := call(t, srv, http.MethodPost, "/v1/session/stop", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), capture.ErrNotListening.Error())

	status, _ = call(t, srv, http.MethodGet, "/v1/session/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestHealthAndReadiness(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newTestAPI(t, healthCheck{name: "bus", ok: func(context.Context) bool { return healthy.Load() }})

	status, body := call(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	status, _ = call(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, status)

	healthy.Store(false)
	status, body = call(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "bus not ready", string(body))

	status, body = call(t, srv, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "# metrics", string(body))

	status, body = call(t, srv, http.MethodGet, "/v1/nodes", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(capture.ErrExtractionInFlight))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&capture.EngineError{Code: "not-allowed"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(capture.ErrClosed))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

type fakeJournal struct {
	sessions    []eventstore.Session
	transitions map[string][]eventstore.Transition
	lastLimit   int
}

func (f *fakeJournal) RecentSessions(_ context.Context, limit int) ([]eventstore.Session, error) {
	f.lastLimit = limit
	return f.sessions, nil
}

func (f *fakeJournal) ListTransitions(_ context.Context, sessionID string, limit int) ([]eventstore.Transition, error) {
	f.lastLimit = limit
	return f.transitions[sessionID], nil
}

func TestJournalEndpoints(t *testing.T) {
	started := time.Date(2025, 10, 30, 14, 0, 0, 0, time.UTC)
	j := &fakeJournal{
		sessions: []eventstore.Session{
			{ID: "s2", ReferenceDate: "2025-10-30", StartedAt: started.Add(time.Minute)},
			{ID: "s1", ReferenceDate: "2025-10-30", StartedAt: started, EndedAt: started.Add(30 * time.Second), CompletedBy: "trigger", Outcome: "confirmed"},
		},
		transitions: map[string][]eventstore.Transition{
			"s1": {
				{SessionID: "s1", From: "idle", To: "listening", Reason: "start", Payload: []byte(`{"draft":null}`), CreatedAt: started},
				{SessionID: "s1", From: "listening", To: "completing", Reason: "trigger", Transcript: "10 caixas", CreatedAt: started.Add(time.Second)},
			},
		},
	}
	a := &api{journal: j, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	srv := httptest.NewServer(a.routes(nil))
	t.Cleanup(srv.Close)

	status, body := call(t, srv, http.MethodGet, "/v1/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 5, j.lastLimit)
	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Len(t, sessions, 2)
	assert.NotContains(t, sessions[0], "ended_at")
	assert.Equal(t, "confirmed", sessions[1]["outcome"])
	assert.Equal(t, "2025-10-30T14:00:30Z", sessions[1]["ended_at"])

	status, body = call(t, srv, http.MethodGet, "/v1/sessions/s1/transitions", "")
	require.Equal(t, http.StatusOK, status)
	var transitions []map[string]any
	require.NoError(t, json.Unmarshal(body, &transitions))
	require.Len(t, transitions, 2)
	assert.Equal(t, map[string]any{"draft": nil}, transitions[0]["payload"])
	assert.Equal(t, "10 caixas", transitions[1]["transcript"])

	status, body = call(t, srv, http.MethodGet, "/v1/sessions/unknown/transitions", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))

	status, _ = call(t, srv, http.MethodGet, "/v1/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)
}
