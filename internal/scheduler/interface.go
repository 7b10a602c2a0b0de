package scheduler

import (
	"context"

	"github.com/mattjoyce/jobserver/internal/connector"
)

// Submitter queues scheduled requests. connector.Store satisfies it.
type Submitter interface {
	Submit(ctx context.Context, s connector.Submission) (string, error)
}
