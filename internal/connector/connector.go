// Package connector defines request sources and the connectors shipped with
// the server.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/request"
)

//go:generate mockgen -destination=mocks/mock_connector.go -package=mocks github.com/mattjoyce/jobserver/internal/connector Connector,Submitter

var (
	// ErrUnknownConnector is returned by Open for an unrecognised type.
	ErrUnknownConnector = errors.New("unknown connector")
	// ErrNotFound is returned by Lookup for an unknown request ID.
	ErrNotFound = errors.New("request not found")
	// ErrNotInitialized is returned when a connector is used before Initialize.
	ErrNotInitialized = errors.New("connector not initialized")
)

// Connector is the server's source of requests and sink of responses.
// Respond is never called concurrently by the server.
type Connector interface {
	Name() string
	Initialize(ctx context.Context) error
	// NextRequest returns (nil, nil) when no request is pending.
	NextRequest(ctx context.Context) (*request.Request, error)
	Respond(ctx context.Context, resp *request.Response) error
}

// Submission is a request to be enqueued; the connector assigns its ID.
type Submission struct {
	Type     string            `json:"type"`
	ParentID string            `json:"parent_id,omitempty"`
	Creator  string            `json:"creator,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// Record is a stored request with its current status and responses.
type Record struct {
	Request   *request.Request    `json:"request"`
	Status    string              `json:"status"`
	Responses []*request.Response `json:"responses"`
}

// Submitter enqueues requests and reports on them. The API, webhook listener,
// scheduler and CLI submit through it.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (string, error)
	Lookup(ctx context.Context, requestID string) (*Record, error)
}

// Store is a connector that also accepts submissions.
type Store interface {
	Connector
	Submitter
	Close() error
}

// Open builds the connector named by cfg.Type (case-insensitive).
func Open(cfg config.ConnectorConfig, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "sqlite":
		return NewSQLite(cfg.SQLite.Path, logger), nil
	case "filesystem":
		return NewFilesystem(cfg.Filesystem.Root, logger), nil
	case "":
		return nil, fmt.Errorf("%w: no connector type configured", ErrUnknownConnector)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, cfg.Type)
	}
}

func validateSubmission(s Submission) error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("submission type is empty")
	}
	return nil
}

func creatorOr(s Submission, def string) string {
	if s.Creator != "" {
		return s.Creator
	}
	return def
}
