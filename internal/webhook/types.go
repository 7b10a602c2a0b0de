package webhook

import (
	"context"

	"github.com/mattjoyce/jobserver/internal/connector"
)

// Submitter queues webhook-triggered requests.
type Submitter interface {
	Submit(ctx context.Context, s connector.Submission) (string, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/github")
	Path string
	// Type is the request type submitted for each verified call.
	Type string
	// Secret is the HMAC secret for signature verification
	Secret string
	// SignatureHeader carries the signature (default: X-Hub-Signature-256)
	SignatureHeader string
	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// TriggerResponse is the JSON response for successful webhook triggers.
type TriggerResponse struct {
	RequestID string `json:"request_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"

	// PathKey holds the endpoint path in the submitted request data.
	PathKey = "webhook_path"
	// BodyKey holds a body that is not a JSON object.
	BodyKey = "body"
)
