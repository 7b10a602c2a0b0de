// Package plugin resolves job types to job factories: the built-in jobs plus
// exec jobs backed by plugin executables discovered on disk.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/job"
)

// SourceBuiltin marks catalog entries compiled into the binary.
const SourceBuiltin = "builtin"

var ErrDuplicate = errors.New("job type already registered")

// Catalog maps job types to factories. Lookups are case-insensitive.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]job.Factory
	sources   map[string]string
}

// NewCatalog returns a catalog holding the built-in jobs.
func NewCatalog() *Catalog {
	c := &Catalog{
		factories: make(map[string]job.Factory),
		sources:   make(map[string]string),
	}
	for name, f := range job.Builtins() {
		_ = c.Register(name, f, SourceBuiltin)
	}
	return c
}

// Register adds a factory under name. The first registration of a name wins.
func (c *Catalog) Register(name string, f job.Factory, source string) error {
	key := handler.NormalizeType(name)
	if key == "" || f == nil {
		return fmt.Errorf("register %q: %w", name, handler.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.sources[key]; ok {
		return fmt.Errorf("%w: %s (from %s)", ErrDuplicate, key, prev)
	}
	c.factories[key] = f
	c.sources[key] = source
	return nil
}

func (c *Catalog) Resolve(name string) (job.Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[handler.NormalizeType(name)]
	return f, ok
}

// Source reports where a type came from: SourceBuiltin or a plugin name.
func (c *Catalog) Source(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[handler.NormalizeType(name)]
}

// Types lists the registered types in sorted order.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
