package config

import (
	"math"
	"time"
)

// Config represents the complete jobserver configuration.
type Config struct {
	Service         ServiceConfig       `yaml:"service"`
	Connector       ConnectorConfig     `yaml:"connector"`
	PluginsDir      string              `yaml:"plugins_dir"`
	RequestHandlers map[string][]string `yaml:"request_handlers"`
	API             APIConfig           `yaml:"api,omitempty"`
	Webhooks        *WebhooksConfig     `yaml:"webhooks,omitempty"`
	Schedules       []ScheduleConfig    `yaml:"schedules,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	LogPath      string        `yaml:"log_path"`
	MaxJobs      int           `yaml:"max_jobs"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Drain        DrainConfig   `yaml:"drain"`
	LockPath     string        `yaml:"lock_path"`
}

// DrainConfig controls shutdown.
type DrainConfig struct {
	Wait    bool          `yaml:"wait"`
	Timeout time.Duration `yaml:"timeout"` // 0 waits without bound
}

// ConnectorConfig selects and configures the request source.
type ConnectorConfig struct {
	Type       string           `yaml:"type"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type FilesystemConfig struct {
	Root string `yaml:"root"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// SubmitRPS limits POST /requests; 0 disables limiting.
	SubmitRPS   float64 `yaml:"submit_rps"`
	SubmitBurst int     `yaml:"submit_burst"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint turns verified POSTs on Path into requests of Type.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Type            string `yaml:"type"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// ScheduleConfig submits a request of Type every interval.
type ScheduleConfig struct {
	Name   string            `yaml:"name,omitempty"`
	Type   string            `yaml:"type"`
	Every  string            `yaml:"every"` // e.g., "5m", "hourly", "daily"
	Jitter time.Duration     `yaml:"jitter,omitempty"`
	Data   map[string]string `yaml:"data,omitempty"`
}

// ID identifies the schedule in logs and as the request creator.
func (s ScheduleConfig) ID() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type + "@" + s.Every
}

// Defaults returns a Config with the values used for absent keys.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "jobserver",
			LogLevel:     "info",
			LogFormat:    "json",
			MaxJobs:      math.MaxInt32,
			PollInterval: time.Second,
			Drain:        DrainConfig{Wait: true},
			LockPath:     "./data/jobserver.lock",
		},
		Connector: ConnectorConfig{
			Type:       "sqlite",
			SQLite:     SQLiteConfig{Path: "./data/jobserver.db"},
			Filesystem: FilesystemConfig{Root: "./data/requests"},
		},
		PluginsDir: "./plugins",
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
