// Package handler matches requests to registered jobs and runs them.
package handler

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/mattjoyce/jobserver/internal/job"
	"github.com/mattjoyce/jobserver/internal/request"
)

// ErrInvalidArgument is returned for contract violations such as a blank job
// type, a nil factory or a nil request.
var ErrInvalidArgument = errors.New("invalid argument")

// Handler kinds. KindDefault names the async handler built from configuration.
const (
	KindDefault  = "default"
	KindFallback = "fallback"
)

// Responder receives every response a handler emits.
type Responder func(h Handler, resp *request.Response)

// Handler accepts requests of the types it has registered and reports their
// responses to its subscriber.
type Handler interface {
	Name() string
	// RegisterPlugin binds a job type to a factory. The first registration of
	// a type wins; later ones report false.
	RegisterPlugin(typ string, f job.Factory) (bool, error)
	CanHandle(typ string) bool
	// Types lists the registered job types, sorted.
	Types() []string
	// Dispatch starts the request and returns without waiting for it. The
	// only error is ErrInvalidArgument for a nil request; every other failure
	// is reported as a Failed response.
	Dispatch(req *request.Request) error
	RunningJobs() int
	// CancelJobs signals cancellation to every job of the current generation.
	CancelJobs()
	// Start begins a new cancellation generation derived from ctx.
	Start(ctx context.Context)
	// Subscribe installs the outbound callback. Without one, responses are dropped.
	Subscribe(fn Responder)
}

// NormalizeType folds a job type to its registry key.
func NormalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}

// subscription holds the single outbound callback of a handler.
type subscription struct {
	mu sync.RWMutex
	fn Responder
}

func (s *subscription) Subscribe(fn Responder) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

// emit reports whether the response had a subscriber.
func (s *subscription) emit(h Handler, resp *request.Response) bool {
	s.mu.RLock()
	fn := s.fn
	s.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(h, resp)
	return true
}
