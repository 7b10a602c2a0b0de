package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobserver/internal/auth"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/connector/mocks"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/job"
	"github.com/mattjoyce/jobserver/internal/metrics"
	"github.com/mattjoyce/jobserver/internal/request"
	"github.com/mattjoyce/jobserver/internal/server"
)

const testKey = "test-key-123"

// fakeStatus implements Status for testing
type fakeStatus struct {
	state    server.State
	handlers []handler.Handler
}

func (f *fakeStatus) State() server.State { return f.state }
func (f *fakeStatus) RunningJobs() int { return 0 }
func (f *fakeStatus) Handlers() []handler.Handler { return f.handlers }

type fixture struct {
	srv       *Server
	submitter *mocks.MockSubmitter
	hub       *events.Hub
	metrics   *metrics.Metrics
	status    *fakeStatus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	async := handler.NewAsync()
	_, err := async.RegisterPlugin("echo", job.Builtins()[job.TypeEcho])
	require.NoError(t, err)

	f := &fixture{
		submitter: mocks.NewMockSubmitter(ctrl),
		hub:       events.NewHub(10),
		metrics:   metrics.New(),
		status:    &fakeStatus{state: server.StateRunning, handlers: []handler.Handler{async, handler.NewFallback(nil)}},
	}
	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	f.srv = New(cfg, f.submitter, f.status, f.hub, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	f := newFixture(t, Config{})

	rr := f.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "running", resp.State)
	require.Len(t, resp.Handlers, 2)
	assert.Equal(t, HandlerStatus{Name: "default", Types: []string{"echo"}}, resp.Handlers[0])
	assert.Equal(t, HandlerStatus{Name: "fallback", Types: []string{}}, resp.Handlers[1])
}

func TestHandleHealthz_NotRunning(t *testing.T) {
	f := newFixture(t, Config{})
	f.status.state = server.StateDraining

	rr := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "draining", decode[HealthzResponse](t, rr).State)
}

func TestHandleSubmit_Success(t *testing.T) {
	f := newFixture(t, Config{})
	f.submitter.EXPECT().Submit(gomock.Any(), connector.Submission{
		Type:     "echo",
		ParentID: "p-1",
		Creator:  "api",
		Data:     map[string]string{"k": "v"},
	}).Return("req-1", nil)

	rr := f.do(http.MethodPost, "/requests", testKey, `{"type":" echo ","parent_id":"p-1","data":{"k":"v"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, SubmitResponse{RequestID: "req-1", Status: "queued", Type: "echo"}, decode[SubmitResponse](t, rr))

	evs := f.hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRequestSubmitted, evs[0].Type)
	assert.JSONEq(t, `{"request_id":"req-1","type":"echo","source":"api"}`, string(evs[0].Data))

	scrape := f.do(http.MethodGet, "/metrics", "", "")
	assert.Contains(t, scrape.Body.String(), `jobserver_submissions_total{source="api"} 1`)
}

func TestHandleSubmit_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{`, "invalid JSON body"},
		{"unknown field", `{"type":"echo","payload":{}}`, "invalid JSON body"},
		{"missing type", `{"data":{"k":"v"}}`, "type is required"},
		{"blank type", `{"type":"   "}`, "type is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			rr := f.do(http.MethodPost, "/requests", testKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, decode[ErrorResponse](t, rr).Error, tt.want)
		})
	}
}

func TestHandleSubmit_SubmitterError(t *testing.T) {
	f := newFixture(t, Config{})
	f.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("", errors.New("disk full"))

	rr := f.do(http.MethodPost, "/requests", testKey, `{"type":"echo"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Empty(t, f.hub.SnapshotSince(0))
}

func TestHandleSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, Config{SubmitRPS: 0.001, SubmitBurst: 1})
	f.submitter.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("req-1", nil).Times(1)

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/requests", testKey, `{"type":"echo"}`).Code)

	rr := f.do(http.MethodPost, "/requests", testKey, `{"type":"echo"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestAuthentication(t *testing.T) {
	cfg := Config{Tokens: []auth.TokenConfig{
		{Token: "reader", Scopes: []string{auth.ScopeRequestsRead}},
		{Token: "watcher", Scopes: []string{auth.ScopeEventsRead}},
	}}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodPost, "/requests", "", http.StatusUnauthorized},
		{"invalid token", http.MethodPost, "/requests", "wrong", http.StatusUnauthorized},
		{"read token cannot submit", http.MethodPost, "/requests", "reader", http.StatusForbidden},
		{"events token cannot read requests", http.MethodGet, "/requests/x", "watcher", http.StatusForbidden},
		{"read token cannot stream events", http.MethodGet, "/events", "reader", http.StatusForbidden},
		{"events need auth", http.MethodGet, "/events", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, cfg)
			assert.Equal(t, tt.want, f.do(tt.method, tt.path, tt.token, `{"type":"echo"}`).Code)
		})
	}
}

func TestHandleGetRequest(t *testing.T) {
	f := newFixture(t, Config{Tokens: []auth.TokenConfig{{Token: "writer", Scopes: []string{auth.ScopeRequestsWrite}}}})
	rec := &connector.Record{
		Request:   &request.Request{ID: "req-1", Type: "echo", CreationTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		Status:    "finished",
		Responses: []*request.Response{request.NewFinished("req-1", request.DataFromMap(map[string]string{"k": "v"}))},
	}
	f.submitter.EXPECT().Lookup(gomock.Any(), "req-1").Return(rec, nil)
	f.submitter.EXPECT().Lookup(gomock.Any(), "missing").Return(nil, connector.ErrNotFound)
	f.submitter.EXPECT().Lookup(gomock.Any(), "broken").Return(nil, errors.New("db locked"))

	// rw implies ro
	rr := f.do(http.MethodGet, "/requests/req-1", "writer", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[connector.Record](t, rr)
	assert.Equal(t, "finished", got.Status)
	assert.Equal(t, "echo", got.Request.Type)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, request.Finished, got.Responses[0].State)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/requests/missing", "writer", "").Code)
	assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, "/requests/broken", "writer", "").Code)
}

func TestHandleOpenAPI_NoAuth(t *testing.T) {
	f := newFixture(t, Config{})

	rr := f.do(http.MethodGet, "/openapi.json", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	doc := decode[map[string]any](t, rr)
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/requests", "/requests/{requestID}", "/events", "/healthz"} {
		assert.Contains(t, paths, p)
	}
	body := rr.Body.String()
	assert.Contains(t, body, `"enum":["echo"]`)
}

type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(statusCode int) {
	w.mu.Lock()
	w.status = statusCode
	w.mu.Unlock()
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestHandleEvents_ReplaysAndStreams(t *testing.T) {
	f := newFixture(t, Config{})
	f.hub.Publish("old_event", map[string]any{"k": "v"})
	f.hub.Publish("buffered_event", map[string]any{"k": "w"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		f.srv.Handler().ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: buffered_event\n")
	}, time.Second, 10*time.Millisecond)
	assert.NotContains(t, w.String(), "old_event", "Last-Event-ID skips older events")
	assert.Contains(t, w.String(), "id: 2\n")

	f.hub.Publish("live_event", map[string]any{"n": 1})
	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: live_event\ndata: {\"n\":1}\n\n")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strings.Count(w.String(), "buffered_event"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not exit after context cancel")
	}
}

func TestHandleEvents_TypeFilter(t *testing.T) {
	f := newFixture(t, Config{})
	f.hub.Publish(events.TypeRequestSubmitted, map[string]string{"request_id": "r1"})
	f.hub.Publish(events.TypeResponse, map[string]string{"request_id": "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?type=response,server.state", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testKey)

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		f.srv.Handler().ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: "+events.TypeResponse+"\n")
	}, time.Second, 10*time.Millisecond)

	f.hub.Publish(events.TypeRequestSubmitted, map[string]string{"request_id": "r2"})
	f.hub.Publish(events.TypeServerState, map[string]string{"from": "running", "to": "draining"})
	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: "+events.TypeServerState+"\n")
	}, time.Second, 10*time.Millisecond)
	assert.NotContains(t, w.String(), events.TypeRequestSubmitted)

	cancel()
	<-done
}

func TestTypeFilter(t *testing.T) {
	all := typeFilter("")
	assert.True(t, all(events.Event{Type: "anything"}))

	some := typeFilter(" response , ,server.state")
	assert.True(t, some(events.Event{Type: "response"}))
	assert.True(t, some(events.Event{Type: "server.state"}))
	assert.False(t, some(events.Event{Type: "request.submitted"}))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
