package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/doctor"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/plugin"
)

func runConfigNoun(args []string) int {
	if len(args) == 0 {
		printConfigNounHelp()
		return exitFailure
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	case "help", "-h", "--help":
		printConfigNounHelp()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigNounHelp()
		return exitFailure
	}
}

func printConfigNounHelp() {
	fmt.Fprint(os.Stderr, `Usage: jobserver config <action> [flags]

Actions:
  check   Validate configuration and job wiring (-json, -strict)
  lock    Write .checksums so later loads detect edits
`)
}

// runConfigCheck loads config, builds the job catalog and reports problems.
// It exits 1 on errors, and 2 on warnings with -strict.
func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return exitCodeFor(err)
	}

	quiet, _, _ := log.New(os.Stderr, log.Options{Level: "error"})
	cat := plugin.NewCatalog()
	if _, err := plugin.DiscoverInto(cat, []string{cfg.PluginsDir}, quiet); err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return exitFailure
	}

	result := doctor.New(cfg, cat).Validate()
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return exitFailure
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitFailure
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return exitOK
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	// Load first so a broken config is never locked in.
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return exitCodeFor(err)
	}

	manifest, err := config.Lock(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return exitFailure
	}
	if verbose {
		for name, hash := range manifest.Hashes {
			fmt.Printf("  LOCK %s %s\n", name, hash)
		}
	}
	fmt.Printf("Locked %s\n", cfg.SourcePath)
	return exitOK
}
