// Package e2e runs the server against a real sqlite connector, a plugin
// executable and the HTTP API.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobserver/internal/api"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/metrics"
	"github.com/mattjoyce/jobserver/internal/plugin"
	"github.com/mattjoyce/jobserver/internal/server"
)

const apiKey = "e2e-key"

const greetScript = `#!/bin/sh
input=$(cat)
echo '{"kind":"progress","data":{"step":"read"}}'
case "$input" in
  *'"name":"nobody"'*)
    echo '{"kind":"result","status":"error","error":"nobody to greet"}'
    exit 0
    ;;
esac
echo '{"kind":"result","status":"ok","data":{"greeting":"hello"}}'
`

type record struct {
	Request struct {
		ID      string            `json:"id"`
		Type    string            `json:"type"`
		Creator string            `json:"creator"`
		Data    map[string]string `json:"data"`
	} `json:"request"`
	Responses []struct {
		State   string         `json:"state"`
		IsFinal bool           `json:"is_final"`
		Data    map[string]any `json:"data"`
	} `json:"responses"`
}

func (r *record) final() (string, map[string]any, bool) {
	for _, resp := range r.Responses {
		if resp.IsFinal {
			return resp.State, resp.Data, true
		}
	}
	return "", nil, false
}

type stack struct {
	srv  *server.Server
	hub  *events.Hub
	http *httptest.Server
	done chan error
}

func createPlugin(t *testing.T, dir, name, types, script string) {
	t.Helper()
	pDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(pDir, 0o755))
	manifest := fmt.Sprintf("name: %s\nversion: 1.0.0\nprotocol: 1\nentrypoint: run.sh\ntypes: %s\ntimeout: 10s\n", name, types)
	require.NoError(t, os.WriteFile(filepath.Join(pDir, "manifest.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pDir, "run.sh"), []byte(script), 0o755))
}

func startStack(t *testing.T) *stack {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plugin scripts need a POSIX shell")
	}

	tmpDir := t.TempDir()
	pluginsDir := filepath.Join(tmpDir, "plugins")
	createPlugin(t, pluginsDir, "greeter", "[greet]", greetScript)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := events.NewHub(256)

	store := connector.NewSQLite(filepath.Join(tmpDir, "jobs.db"), logger)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Initialize(context.Background()))

	cat := plugin.NewCatalog()
	_, err := plugin.DiscoverInto(cat, []string{pluginsDir}, logger)
	require.NoError(t, err)
	require.Equal(t, "greeter", cat.Source("greet"))

	handlers := plugin.BuildHandlers(map[string][]string{
		"default":      {"greet"},
		"default/util": {"echo", "sleep"},
	}, cat, logger, m)

	srv := server.New(store,
		server.WithLogger(logger),
		server.WithPollInterval(10*time.Millisecond),
		server.WithEvents(hub),
		server.WithMetrics(m),
	)
	for _, h := range handlers {
		srv.RegisterHandler(h)
	}

	apiServer := api.New(api.Config{APIKey: apiKey}, store, srv, hub, m, logger)
	ts := httptest.NewServer(apiServer.Handler())
	t.Cleanup(ts.Close)

	s := &stack{srv: srv, hub: hub, http: ts, done: make(chan error, 1)}
	go func() { s.done <- srv.Run(context.Background()) }()
	require.Eventually(t, func() bool { return srv.State() == server.StateRunning }, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-s.done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func (s *stack) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *stack) submit(t *testing.T, typ string, data map[string]string) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/requests", api.SubmitRequest{Type: typ, Data: data})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out api.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.RequestID)
	return out.RequestID
}

func (s *stack) waitFinal(t *testing.T, id string) *record {
	t.Helper()
	var rec *record
	require.Eventually(t, func() bool {
		resp := s.do(t, http.MethodGet, "/requests/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var r record
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return false
		}
		rec = &r
		_, _, ok := r.final()
		return ok
	}, 10*time.Second, 20*time.Millisecond, "request %s never finished", id)
	return rec
}

func TestPluginRequestThroughAPI(t *testing.T) {
	s := startStack(t)

	id := s.submit(t, "greet", map[string]string{"name": "world"})
	rec := s.waitFinal(t, id)

	assert.Equal(t, "greet", rec.Request.Type)
	assert.Equal(t, "api", rec.Request.Creator)
	assert.Equal(t, "world", rec.Request.Data["name"])

	state, data, _ := rec.final()
	assert.Equal(t, "finished", state)
	assert.Equal(t, "hello", data["greeting"])

	// The progress line arrives before the final response.
	require.GreaterOrEqual(t, len(rec.Responses), 2)
	assert.Equal(t, "pending", rec.Responses[0].State)
	assert.False(t, rec.Responses[0].IsFinal)
	assert.True(t, rec.Responses[len(rec.Responses)-1].IsFinal)
}

func TestPluginErrorIsFailedResponse(t *testing.T) {
	s := startStack(t)

	rec := s.waitFinal(t, s.submit(t, "greet", map[string]string{"name": "nobody"}))
	state, data, _ := rec.final()
	assert.Equal(t, "failed", state)
	assert.Contains(t, fmt.Sprint(data), "nobody to greet")
}

func TestBuiltinsAndUnservedTypes(t *testing.T) {
	s := startStack(t)

	echoID := s.submit(t, "echo", map[string]string{"k": "v"})
	sleepID := s.submit(t, "sleep", map[string]string{"duration": "50ms", "steps": "2"})
	lostID := s.submit(t, "nobody-serves-this", nil)

	state, data, _ := s.waitFinal(t, echoID).final()
	assert.Equal(t, "finished", state)
	assert.Equal(t, "v", data["k"])

	state, data, _ = s.waitFinal(t, sleepID).final()
	assert.Equal(t, "finished", state)
	assert.Equal(t, "50ms", data["slept"])

	state, _, _ = s.waitFinal(t, lostID).final()
	assert.Equal(t, "failed", state)
}

func TestEventsAndHealth(t *testing.T) {
	s := startStack(t)

	id := s.submit(t, "echo", nil)
	s.waitFinal(t, id)

	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		for _, ev := range s.hub.SnapshotSince(0) {
			if strings.Contains(string(ev.Data), id) {
				seen[ev.Type] = true
			}
		}
		return seen[events.TypeRequestSubmitted] && seen[events.TypeRequestDispatched] && seen[events.TypeResponse]
	}, 5*time.Second, 20*time.Millisecond, "events seen: %v", seen)

	resp := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health api.HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "running", health.State)

	names := make([]string, 0, len(health.Handlers))
	for _, h := range health.Handlers {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"default", "default/util", "fallback"}, names)

	resp = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "jobserver_")
}
