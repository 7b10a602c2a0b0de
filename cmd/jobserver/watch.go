package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/tui"
)

// EnvAPIKey supplies the watch bearer token when neither flag nor config does.
const EnvAPIKey = "JOBSERVER_API_KEY"

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api", "", "API base URL (default: from api.listen in config)")
	apiKey := fs.String("key", "", "Bearer token (default: api.auth.api_key or $"+EnvAPIKey+")")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	url, key, err := watchTarget(*configPath, *apiURL, *apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := tui.Run(ctx, url, key); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// watchTarget resolves the API URL and token. Flags win over config; config
// is only required when the URL is not given.
func watchTarget(configPath, apiURL, apiKey string) (string, string, error) {
	if apiKey == "" {
		apiKey = os.Getenv(EnvAPIKey)
	}
	if apiURL != "" && apiKey != "" {
		return withScheme(apiURL), apiKey, nil
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		if apiURL != "" {
			return withScheme(apiURL), apiKey, nil
		}
		return "", "", fmt.Errorf("no -api given and config unavailable: %w", err)
	}
	if apiURL == "" {
		if !cfg.API.Enabled {
			return "", "", fmt.Errorf("the API is disabled in %s", cfg.SourcePath)
		}
		apiURL = cfg.API.Listen
	}
	if apiKey == "" {
		apiKey = cfg.API.Auth.APIKey
	}
	return withScheme(apiURL), apiKey, nil
}

func withScheme(url string) string {
	if strings.Contains(url, "://") {
		return url
	}
	return "http://" + url
}
