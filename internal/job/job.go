// Package job defines the contract for units of work run by a handler.
package job

import (
	"context"
	"fmt"
	"maps"

	"github.com/mattjoyce/jobserver/internal/request"
)

// Job executes a single request. A fresh instance is created per request.
//
// Execute runs on its own goroutine. It may send non-final responses on
// progress until it returns, and must return exactly one final response or an
// error. Jobs are expected to watch ctx and return promptly once it is done;
// nothing forcibly stops a job that ignores it.
type Job interface {
	Type() string
	Bind(requestID string, data map[string]string)
	Execute(ctx context.Context, progress chan<- *request.Response) (*request.Response, error)
}

// Factory creates a new Job instance.
type Factory func() (Job, error)

// Base carries the request binding and response helpers for Job implementations.
type Base struct {
	RequestID   string
	RequestData map[string]string
}

// Bind stores the request identity and a copy of its payload, so jobs may
// modify RequestData without touching the request.
func (b *Base) Bind(requestID string, data map[string]string) {
	b.RequestID = requestID
	b.RequestData = maps.Clone(data)
}

// Param returns a request data value or def when absent.
func (b *Base) Param(key, def string) string {
	if v, ok := b.RequestData[key]; ok && v != "" {
		return v
	}
	return def
}

// Progress sends a non-final response. It gives up when ctx is done and
// reports whether the response was delivered.
func (b *Base) Progress(ctx context.Context, ch chan<- *request.Response, state request.State, data *request.Data) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- request.NewProgress(b.RequestID, state, data):
		return true
	case <-ctx.Done():
		return false
	}
}

// Finished builds the final successful response.
func (b *Base) Finished(data *request.Data) *request.Response {
	return request.NewFinished(b.RequestID, data)
}

// Failed builds the final failed response.
func (b *Base) Failed(format string, args ...any) *request.Response {
	return request.NewFailed(b.RequestID, fmt.Sprintf(format, args...))
}
