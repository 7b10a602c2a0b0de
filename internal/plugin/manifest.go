package plugin

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/jobserver/internal/handler"
)

// DefaultTimeout bounds a plugin run when the manifest sets none.
const DefaultTimeout = 10 * time.Minute

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Protocol    int           `yaml:"protocol"`
	Entrypoint  string        `yaml:"entrypoint"`
	Description string        `yaml:"description,omitempty"`
	Types       []string      `yaml:"types"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name        string
	Path        string // absolute plugin directory
	Entrypoint  string // absolute path to the executable
	Protocol    int
	Version     string
	Description string
	Types       []string // normalized job types served by the plugin
	Timeout     time.Duration
}

// Supports reports whether the plugin serves the given job type.
func (p *Plugin) Supports(typ string) bool {
	typ = handler.NormalizeType(typ)
	for _, t := range p.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Types) == 0 {
		return fmt.Errorf("at least one job type must be declared")
	}
	seen := make(map[string]bool, len(m.Types))
	for _, t := range m.Types {
		n := handler.NormalizeType(t)
		if n == "" {
			return fmt.Errorf("job type must not be blank")
		}
		if seen[n] {
			return fmt.Errorf("job type %q declared twice", n)
		}
		seen[n] = true
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}
