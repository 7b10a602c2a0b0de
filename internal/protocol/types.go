package protocol

import (
	"time"

	"github.com/mattjoyce/jobserver/internal/request"
)

// Version is the only protocol version spoken by the exec job.
const Version = 1

// Line kinds written by plugins on stdout.
const (
	KindProgress = "progress"
	KindResult   = "result"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope written to a plugin's stdin.
type Request struct {
	Protocol   int               `json:"protocol"`
	RequestID  string            `json:"request_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Type       string            `json:"type"`
	Data       map[string]string `json:"data"`
	DeadlineAt time.Time         `json:"deadline_at,omitzero"`
}

// Line is one JSON object read from a plugin's stdout.
type Line struct {
	Kind   string        `json:"kind"`             // progress | result
	Status string        `json:"status,omitempty"` // ok | error, result only
	Error  string        `json:"error,omitempty"`
	State  string        `json:"state,omitempty"` // progress only, defaults to pending
	Data   *request.Data `json:"data,omitempty"`
}

// Response converts a validated line into a response for requestID.
func (l *Line) Response(requestID string) *request.Response {
	if l.Kind == KindProgress {
		st := request.Pending
		if l.State != "" {
			st, _ = request.ParseState(l.State)
		}
		return request.NewProgress(requestID, st, l.Data)
	}
	if l.Status == StatusError {
		resp := request.NewFailed(requestID, l.Error)
		resp.Data.Merge(l.Data)
		return resp
	}
	return request.NewFinished(requestID, l.Data)
}
