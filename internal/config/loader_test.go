package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file uses defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, math.MaxInt32, cfg.Service.MaxJobs)
				assert.Equal(t, time.Second, cfg.Service.PollInterval)
				assert.True(t, cfg.Service.Drain.Wait)
				assert.Zero(t, cfg.Service.Drain.Timeout)
				assert.Equal(t, "sqlite", cfg.Connector.Type)
				assert.Equal(t, "json", cfg.Service.LogFormat)
				assert.Empty(t, cfg.RequestHandlers)
			},
		},
		{
			name: "full config",
			yaml: `
service:
  log_level: DEBUG
  log_format: text
  log_path: ./logs
  max_jobs: 4
  poll_interval: 250ms
  drain:
    wait: false
    timeout: 30s
connector:
  type: FileSystem
  filesystem:
    root: ./requests
request_handlers:
  default: [echo, sleep]
schedules:
  - type: echo
    every: 5m
    jitter: 30s
    data: {greeting: hi}
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.Equal(t, "text", cfg.Service.LogFormat)
				assert.Equal(t, 4, cfg.Service.MaxJobs)
				assert.Equal(t, 250*time.Millisecond, cfg.Service.PollInterval)
				assert.False(t, cfg.Service.Drain.Wait)
				assert.Equal(t, 30*time.Second, cfg.Service.Drain.Timeout)
				assert.Equal(t, "filesystem", cfg.Connector.Type)
				assert.Equal(t, "./requests", cfg.Connector.Filesystem.Root)
				assert.Equal(t, []string{"echo", "sleep"}, cfg.RequestHandlers["default"])
				require.Len(t, cfg.Schedules, 1)
				assert.Equal(t, "hi", cfg.Schedules[0].Data["greeting"])
				assert.Equal(t, "echo@5m", cfg.Schedules[0].ID())
			},
		},
		{
			name: "explicit zero max_jobs is kept",
			yaml: "service:\n  max_jobs: 0\n",
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.Service.MaxJobs)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
connector:
  sqlite:
    path: ${JOBSERVER_TEST_DB}
api:
  enabled: true
  auth:
    api_key: ${JOBSERVER_TEST_KEY}
`,
			env: map[string]string{"JOBSERVER_TEST_DB": "/tmp/test.db", "JOBSERVER_TEST_KEY": "secret"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/test.db", cfg.Connector.SQLite.Path)
				assert.Equal(t, "secret", cfg.API.Auth.APIKey)
				assert.Equal(t, "127.0.0.1:8080", cfg.API.Listen)
			},
		},
		{
			name:    "unresolved api key",
			yaml:    "api:\n  enabled: true\n  auth:\n    api_key: ${JOBSERVER_TEST_UNSET}\n",
			wantErr: true,
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: trace\n",
			wantErr: true,
		},
		{
			name:    "bad schedule",
			yaml:    "schedules:\n  - type: echo\n    every: sometimes\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid), "expected ErrInvalid, got %v", err)
				return
			}
			require.NoError(t, err)
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: dir\n")
	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "dir", cfg.Service.Name)
	assert.Equal(t, path, cfg.SourcePath)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "config.yaml", ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/jobserver.yaml")
	assert.Equal(t, "/etc/jobserver.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath("x.yaml"))
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("JS_USER", "admin")
	t.Setenv("JS_HOST", "localhost")

	tests := []struct {
		input string
		want  string
	}{
		{"${JS_USER}@${JS_HOST}", "admin@localhost"},
		{"key: ${JS_UNDEFINED_VAR}", "key: ${JS_UNDEFINED_VAR}"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := interpolateEnv(tt.input); got != tt.want {
			t.Errorf("interpolateEnv(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"5m", 5 * time.Minute, false},
		{"hourly", time.Hour, false},
		{"daily", 24 * time.Hour, false},
		{"weekly", 7 * 24 * time.Hour, false},
		{"3d", 72 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"0d", 0, true},
		{"invalid", 0, true},
		{"-5m", 0, true},
		{"0s", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Service.LogFormat = "xml" }},
		{"negative drain timeout", func(c *Config) { c.Service.Drain.Timeout = -time.Second }},
		{"empty connector", func(c *Config) { c.Connector.Type = "" }},
		{"sqlite without path", func(c *Config) { c.Connector.SQLite.Path = "" }},
		{"filesystem without root", func(c *Config) {
			c.Connector.Type = "filesystem"
			c.Connector.Filesystem.Root = ""
		}},
		{"blank handler job", func(c *Config) { c.RequestHandlers = map[string][]string{"default": {" "}} }},
		{"token without scopes", func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.Tokens = []APIToken{{Token: "t"}}
		}},
		{"webhook without secret", func(c *Config) {
			c.Webhooks = &WebhooksConfig{Listen: ":9", Endpoints: []WebhookEndpoint{{Path: "/x", Type: "echo"}}}
		}},
		{"schedule without type", func(c *Config) { c.Schedules = []ScheduleConfig{{Every: "5m"}} }},
	}

	require.NoError(t, validate(Defaults()))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}
