package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further responses are expected.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Entry is a request row.
type Entry struct {
	ID          string
	ParentID    string
	Creator     string
	Type        string
	Data        map[string]string
	Status      Status
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	ID       string // optional; generated when empty
	ParentID string
	Creator  string
	Type     string
	Data     map[string]string
}

// ResponseEntry is a response_log row.
type ResponseEntry struct {
	Seq       int64
	RequestID string
	State     string
	IsFinal   bool
	Data      json.RawMessage
	CreatedAt time.Time
}

// AppendRequest records one response for a request.
type AppendRequest struct {
	RequestID string
	State     string
	IsFinal   bool
	Failed    bool   // final state is a failure
	Error     string // stored as last_error when Failed
	Data      json.RawMessage
	CreatedAt time.Time
}

var ErrRequestNotFound = errors.New("request not found")
