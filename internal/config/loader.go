package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissing is returned when the config file does not exist.
	ErrMissing = errors.New("config file not found")
	// ErrInvalid is returned when the config cannot be parsed, fails
	// validation or fails integrity verification.
	ErrInvalid = errors.New("invalid configuration")
)

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "JOBSERVER_CONFIG"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolvePath picks the config path: explicit flag, then $JOBSERVER_CONFIG,
// then ./config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return "config.yaml"
}

// Load reads, verifies and validates the configuration at configPath. A
// directory is accepted and config.yaml inside it is read.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s\nHint: check the path or run with -config", ErrMissing, absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("%w: directory provided but %s is missing", ErrMissing, absPath)
		}
	}

	if err := VerifyLock(absPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse interpolates, decodes and validates config bytes. Keys absent from
// data keep their Defaults value.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	normalize(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))
	cfg.Connector.Type = strings.ToLower(strings.TrimSpace(cfg.Connector.Type))
	if cfg.Service.LogLevel == "warning" {
		cfg.Service.LogLevel = "warn"
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where a value is required.
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.Drain.Timeout < 0 {
		return fmt.Errorf("service.drain.timeout must not be negative")
	}

	switch cfg.Connector.Type {
	case "":
		return fmt.Errorf("connector.type is required")
	case "sqlite":
		if cfg.Connector.SQLite.Path == "" {
			return fmt.Errorf("connector.sqlite.path is required")
		}
	case "filesystem":
		if cfg.Connector.Filesystem.Root == "" {
			return fmt.Errorf("connector.filesystem.root is required")
		}
	}

	for name, jobs := range cfg.RequestHandlers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("request_handlers: handler name must not be blank")
		}
		for i, j := range jobs {
			if strings.TrimSpace(j) == "" {
				return fmt.Errorf("request_handlers.%s[%d]: job type must not be blank", name, i)
			}
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
		if cfg.API.SubmitRPS < 0 {
			return fmt.Errorf("api.submit_rps must not be negative")
		}
	}

	if cfg.Webhooks != nil {
		if len(cfg.Webhooks.Endpoints) > 0 && cfg.Webhooks.Listen == "" {
			return fmt.Errorf("webhooks.listen is required")
		}
		for i, ep := range cfg.Webhooks.Endpoints {
			switch {
			case ep.Path == "":
				return fmt.Errorf("webhooks.endpoints[%d].path is required", i)
			case ep.Type == "":
				return fmt.Errorf("webhooks.endpoints[%d].type is required", i)
			case ep.Secret == "":
				return fmt.Errorf("webhooks.endpoints[%d].secret is required", i)
			}
			if err := unresolved(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
	}

	for i, s := range cfg.Schedules {
		if s.Type == "" {
			return fmt.Errorf("schedules[%d].type is required", i)
		}
		if _, err := ParseInterval(s.Every); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if s.Jitter < 0 {
			return fmt.Errorf("schedules[%d].jitter must not be negative", i)
		}
	}

	return nil
}

// ParseInterval converts schedule interval strings to durations. Besides Go
// durations it accepts hourly, daily, weekly and a day/week count ("3d", "2w").
func ParseInterval(interval string) (time.Duration, error) {
	interval = strings.TrimSpace(interval)
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	if n := len(interval); n > 1 && (interval[n-1] == 'd' || interval[n-1] == 'w') {
		if count, err := strconv.Atoi(interval[:n-1]); err == nil {
			if count <= 0 {
				return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
			}
			unit := 24 * time.Hour
			if interval[n-1] == 'w' {
				unit *= 7
			}
			return time.Duration(count) * unit, nil
		}
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}
