package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/connector/mocks"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/metrics"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, sub Submitter, hub *events.Hub, m *metrics.Metrics) http.Handler {
	t.Helper()
	cfg := Config{
		Listen: "127.0.0.1:0",
		Endpoints: []EndpointConfig{
			{Path: "/webhook/github", Type: "echo", Secret: testSecret, MaxBodySize: 256},
			{Path: "/webhook/custom", Type: "wordcount", Secret: testSecret, SignatureHeader: "X-Signature"},
		},
	}
	return New(cfg, sub, hub, m, log.Get()).Handler()
}

func post(t *testing.T, h http.Handler, path, header, signature string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if header != "" {
		req.Header.Set(header, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleWebhook_ValidSignature(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	hub := events.NewHub(8)
	m := metrics.New()

	body := []byte(`{"action":"opened","number":7,"labels":["bug"]}`)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s connector.Submission) (string, error) {
			assert.Equal(t, "echo", s.Type)
			assert.Equal(t, "webhook:/webhook/github", s.Creator)
			assert.Equal(t, map[string]string{
				"action": "opened",
				"number": "7",
				"labels": `["bug"]`,
				PathKey:  "/webhook/github",
			}, s.Data)
			return "req-1", nil
		})

	h := newTestServer(t, sub, hub, m)
	rec := post(t, h, "/webhook/github", DefaultSignatureHeader, Sign(body, testSecret), body)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.TypeRequestSubmitted, snap[0].Type)

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `jobserver_submissions_total{source="webhook"} 1`)
}

func TestHandleWebhook_CustomHeaderAndRawBody(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)

	body := []byte("plain text payload")
	sub.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, s connector.Submission) (string, error) {
			assert.Equal(t, "wordcount", s.Type)
			assert.Equal(t, "plain text payload", s.Data[BodyKey])
			return "req-2", nil
		})

	h := newTestServer(t, sub, nil, nil)

	rec := post(t, h, "/webhook/custom", DefaultSignatureHeader, Sign(body, testSecret), body)
	assert.Equal(t, http.StatusForbidden, rec.Code, "default header is not read for this endpoint")

	rec = post(t, h, "/webhook/custom", "X-Signature", Sign(body, testSecret), body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	body := []byte(`{"event":"push"}`)
	tests := []struct {
		name   string
		path   string
		header string
		sig    string
		body   []byte
		want   int
	}{
		{name: "invalid signature", path: "/webhook/github", header: DefaultSignatureHeader, sig: Sign(body, "wrong"), body: body, want: http.StatusForbidden},
		{name: "missing signature", path: "/webhook/github", body: body, want: http.StatusForbidden},
		{name: "body too large", path: "/webhook/github", header: DefaultSignatureHeader, sig: "x", body: []byte(strings.Repeat("a", 257)), want: http.StatusRequestEntityTooLarge},
		{name: "unknown path", path: "/webhook/unknown", header: DefaultSignatureHeader, sig: Sign(body, testSecret), body: body, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			sub := mocks.NewMockSubmitter(ctrl) // no Submit expected

			rec := post(t, newTestServer(t, sub, nil, nil), tt.path, tt.header, tt.sig, tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.NotContains(t, resp.Error, "signature")
		})
	}
}

func TestHandleWebhook_SubmitError(t *testing.T) {
	ctrl := gomock.NewController(t)
	sub := mocks.NewMockSubmitter(ctrl)
	sub.EXPECT().Submit(gomock.Any(), gomock.Any()).Return("", errors.New("disk full"))

	body := []byte(`{}`)
	rec := post(t, newTestServer(t, sub, nil, nil), "/webhook/github", DefaultSignatureHeader, Sign(body, testSecret), body)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{Endpoints: []EndpointConfig{{Path: "/hook", Type: "echo", Secret: "s"}}}, nil, nil, nil, nil)
	ep := s.endpoints["/hook"]
	require.NotNil(t, ep)
	assert.Equal(t, int64(DefaultMaxBodySize), ep.MaxBodySize)
	assert.Equal(t, DefaultSignatureHeader, ep.SignatureHeader)
}

func TestBodyData(t *testing.T) {
	tests := []struct {
		name string
		body string
		want map[string]string
	}{
		{name: "object", body: `{"a":"x","b":true,"c":null}`, want: map[string]string{"a": "x", "b": "true", "c": "null"}},
		{name: "nested", body: `{"o":{"k":"v"}}`, want: map[string]string{"o": `{"k":"v"}`}},
		{name: "array", body: `[1,2]`, want: map[string]string{BodyKey: "[1,2]"}},
		{name: "json null", body: `null`, want: map[string]string{BodyKey: "null"}},
		{name: "empty", body: ``, want: map[string]string{}},
		{name: "text", body: `hello`, want: map[string]string{BodyKey: "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bodyData([]byte(tt.body)))
		})
	}
}

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:9091",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/webhook/a", Type: " echo ", Secret: "s", MaxBodySize: "512KB"},
			{Path: "/webhook/b", Type: "sleep", Secret: "s"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9091", cfg.Listen)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "echo", cfg.Endpoints[0].Type)
	assert.Equal(t, int64(512*1024), cfg.Endpoints[0].MaxBodySize)
	assert.Equal(t, int64(DefaultMaxBodySize), cfg.Endpoints[1].MaxBodySize)

	_, err = FromGlobalConfig(nil)
	assert.Error(t, err)
	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", Type: "echo"}}})
	assert.ErrorContains(t, err, "no secret")
	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", Secret: "s"}}})
	assert.ErrorContains(t, err, "no request type")
	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", Type: "echo", Secret: "s", MaxBodySize: "-1"}}})
	assert.ErrorContains(t, err, "max_body_size")
}

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: DefaultMaxBodySize},
		{in: "1024", want: 1024},
		{in: "2kb", want: 2048},
		{in: "1MB", want: 1 << 20},
		{in: "1 GB", want: 1 << 30},
		{in: "0", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "9223372036854775807GB", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMaxBodySize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
