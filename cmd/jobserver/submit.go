package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/request"
)

// dataFlag collects repeated -data key=value flags.
type dataFlag map[string]string

func (d dataFlag) String() string {
	parts := make([]string, 0, len(d))
	for k, v := range d {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (d dataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	d[k] = v
	return nil
}

const waitPollInterval = 250 * time.Millisecond

func runSubmit(args []string) int {
	data := dataFlag{}
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	typ := fs.String("type", "", "Request type (required)")
	parent := fs.String("parent", "", "Parent request ID")
	creator := fs.String("creator", "cli", "Creator recorded on the request")
	wait := fs.Bool("wait", false, "Wait for the final response and print the record")
	timeout := fs.Duration("timeout", time.Minute, "How long -wait waits")
	fs.Var(data, "data", "Request data as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if strings.TrimSpace(*typ) == "" {
		fmt.Fprintln(os.Stderr, "Usage: jobserver submit -type <type> [-data key=value ...] [-wait]")
		return exitFailure
	}

	store, code := openStore(*configPath)
	if code != exitOK {
		return code
	}
	defer store.Close()

	ctx := context.Background()
	id, err := store.Submit(ctx, connector.Submission{
		Type:     strings.TrimSpace(*typ),
		ParentID: *parent,
		Creator:  *creator,
		Data:     data,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return exitFailure
	}

	if !*wait {
		fmt.Println(id)
		return exitOK
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	rec, err := waitForFinal(waitCtx, store, id, waitPollInterval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Waiting for %s: %v\n", id, err)
		return exitFailure
	}
	if err := printJSON(rec); err != nil {
		return exitFailure
	}
	if final := finalResponse(rec); final != nil && final.State == request.Failed {
		return exitFailure
	}
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobserver status [-config path] <request-id>")
		return exitFailure
	}

	store, code := openStore(*configPath)
	if code != exitOK {
		return code
	}
	defer store.Close()

	rec, err := store.Lookup(context.Background(), fs.Arg(0))
	if err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Request %s not found\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		}
		return exitFailure
	}
	if err := printJSON(rec); err != nil {
		return exitFailure
	}
	return exitOK
}

// openStore loads config and opens its connector for submitting and lookups.
// Logs go to stderr so stdout stays machine-readable.
func openStore(configPath string) (connector.Store, int) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, exitCodeFor(err)
	}
	logger, _, err := log.New(os.Stderr, log.Options{Level: "warn", Format: cfg.Service.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return nil, exitFailure
	}

	store, err := connector.Open(cfg.Connector, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open connector: %v\n", err)
		return nil, exitCodeFor(err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		_ = store.Close()
		fmt.Fprintf(os.Stderr, "Failed to initialize connector: %v\n", err)
		return nil, exitConnectorLoad
	}
	return store, exitOK
}

// waitForFinal polls until the record carries a final response.
func waitForFinal(ctx context.Context, sub connector.Submitter, id string, every time.Duration) (*connector.Record, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		rec, err := sub.Lookup(ctx, id)
		if err != nil && !errors.Is(err, connector.ErrNotFound) {
			return nil, err
		}
		if rec != nil && finalResponse(rec) != nil {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func finalResponse(rec *connector.Record) *request.Response {
	for _, r := range rec.Responses {
		if r.IsFinal {
			return r
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return err
	}
	return nil
}
