package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/plugin"
)

type jobTypeInfo struct {
	Type    string `json:"type"`
	Source  string `json:"source"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

// runPlugins lists every job type in the catalog and where it comes from.
func runPlugins(args []string) int {
	fs := flag.NewFlagSet("plugins", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return exitCodeFor(err)
	}

	logger, _, _ := log.New(os.Stderr, log.Options{Level: "warn"})
	cat := plugin.NewCatalog()
	reg, err := plugin.DiscoverInto(cat, []string{cfg.PluginsDir}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return exitFailure
	}

	infos := make([]jobTypeInfo, 0, len(cat.Types()))
	for _, typ := range cat.Types() {
		info := jobTypeInfo{Type: typ, Source: cat.Source(typ)}
		if p, ok := reg.Get(info.Source); ok {
			info.Version = p.Version
			info.Path = p.Path
		}
		infos = append(infos, info)
	}

	if *jsonOut {
		if err := printJSON(infos); err != nil {
			return exitFailure
		}
		return exitOK
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSOURCE\tVERSION\tPATH")
	for _, i := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", i.Type, i.Source, dash(i.Version), dash(i.Path))
	}
	_ = w.Flush()
	return exitOK
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
