package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(processStatus(runCLI(os.Args[1:])))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "submit":
		return runSubmit(args)
	case "status":
		return runStatus(args)
	case "watch":
		return runWatch(args)
	case "config":
		return runConfigNoun(args)
	case "plugins":
		return runPlugins(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitFailure
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: jobserver version [--json]")
		return exitFailure
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("jobserver %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`jobserver - request queue and job dispatch server

Usage:
  jobserver <command> [flags]

Commands:
  start           Run the server until SIGINT/SIGTERM
  submit          Queue a request (-type, -data key=value, -wait)
  status          Show a request and its responses
  watch           Live terminal monitor (needs the API)
  config check    Validate configuration and job wiring
  config lock     Write .checksums for the configuration file
  plugins         List job types and where they come from
  version         Show version information

Every command that reads configuration accepts -config <path>; the
JOBSERVER_CONFIG environment variable is used when the flag is absent.

Exit codes for start (process status in brackets where it differs):
  0x1 config missing             0x2 config invalid
  0x3 another instance holds the lock
  0x10 connector failed          0x20 no such connector
  0x100 handlers failed [0x40]   0x200 no handler [0x41]
  0x1000 jobs failed [0x42]      0x2000 no job [0x43]
`)
}
