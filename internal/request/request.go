// Package request defines the messages exchanged between connectors, handlers and jobs.
package request

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorKey is the Data key under which failed responses carry their message.
const ErrorKey = "Error"

// UnknownError is the diagnostic used when a failure carries no message.
const UnknownError = "unknown error"

// Request is a unit of work fetched from a connector. It is treated as immutable
// once handed to the server.
type Request struct {
	ID           string            `json:"id"`
	ParentID     string            `json:"parent_id,omitempty"`
	Creator      string            `json:"creator,omitempty"`
	CreationTime time.Time         `json:"creation_time"`
	Type         string            `json:"type"`
	Data         map[string]string `json:"data,omitempty"`
}

// State is the lifecycle state reported by a response.
type State int

const (
	Unknown State = iota
	Created
	Pending
	Finished
	Failed
)

var stateNames = [...]string{"unknown", "created", "pending", "finished", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is a valid state for a final response.
func (s State) Terminal() bool {
	return s == Finished || s == Failed
}

// ParseState maps a state name (case-insensitive) back to a State.
func ParseState(name string) (State, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range stateNames {
		if s == n {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown response state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Response reports progress or the outcome of a request.
type Response struct {
	RequestID    string    `json:"request_id"`
	CreationTime time.Time `json:"creation_time"`
	State        State     `json:"state"`
	IsFinal      bool      `json:"is_final"`
	Data         *Data     `json:"data,omitempty"`
}

// NewFailed builds the final Failed response used on every error path. A
// blank message is replaced so the Error key is always present.
func NewFailed(requestID, message string) *Response {
	if strings.TrimSpace(message) == "" {
		message = UnknownError
	}
	d := NewData()
	d.AddString(ErrorKey, message)
	return &Response{
		RequestID:    requestID,
		CreationTime: time.Now().UTC(),
		State:        Failed,
		IsFinal:      true,
		Data:         d,
	}
}

// NewFinished builds a final Finished response.
func NewFinished(requestID string, data *Data) *Response {
	return &Response{
		RequestID:    requestID,
		CreationTime: time.Now().UTC(),
		State:        Finished,
		IsFinal:      true,
		Data:         data,
	}
}

// NewProgress builds a non-final response.
func NewProgress(requestID string, state State, data *Data) *Response {
	return &Response{
		RequestID:    requestID,
		CreationTime: time.Now().UTC(),
		State:        state,
		Data:         data,
	}
}

// Validate checks that the final flag and the state agree.
func (r *Response) Validate() error {
	if r.IsFinal && !r.State.Terminal() {
		return fmt.Errorf("final response has non-terminal state %s", r.State)
	}
	if !r.IsFinal && r.State.Terminal() {
		return fmt.Errorf("non-final response has terminal state %s", r.State)
	}
	return nil
}

// ErrorMessage returns the message stored under ErrorKey, if any.
func (r *Response) ErrorMessage() string {
	if r == nil || r.Data == nil {
		return ""
	}
	s, _ := r.Data.String(ErrorKey)
	return s
}

// Encode renders r as a single JSON line.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
