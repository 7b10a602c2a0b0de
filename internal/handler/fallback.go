package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/jobserver/internal/job"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/request"
)

// Fallback accepts every request type and fails it as unsupported. It must
// be registered after every other handler.
type Fallback struct {
	subscription
	logger *slog.Logger
}

// NewFallback creates the catch-all handler.
func NewFallback(logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = log.WithComponent("handler")
	}
	return &Fallback{logger: logger.With("handler", KindFallback)}
}

func (*Fallback) Name() string { return KindFallback }

// RegisterPlugin accepts and ignores the factory.
func (*Fallback) RegisterPlugin(typ string, f job.Factory) (bool, error) {
	if NormalizeType(typ) == "" || f == nil {
		return false, fmt.Errorf("register plugin: %w", ErrInvalidArgument)
	}
	return true, nil
}

func (*Fallback) CanHandle(string) bool { return true }

func (*Fallback) Types() []string { return nil }

func (*Fallback) RunningJobs() int { return 0 }

func (*Fallback) CancelJobs() {}

func (*Fallback) Start(context.Context) {}

func (f *Fallback) Dispatch(req *request.Request) error {
	if req == nil {
		return fmt.Errorf("dispatch: nil request: %w", ErrInvalidArgument)
	}
	f.logger.Warn("unsupported request type", "request_id", req.ID, "type", req.Type)
	f.emit(f, request.NewFailed(req.ID, fmt.Sprintf("Requests of type \"%s\" are not supported", NormalizeType(req.Type))))
	return nil
}
