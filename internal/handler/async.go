package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/jobserver/internal/job"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/metrics"
	"github.com/mattjoyce/jobserver/internal/request"
)

const defaultProgressBuffer = 16

// AsyncHandler runs each request on its own goroutine.
type AsyncHandler struct {
	subscription

	name           string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	progressBuffer int

	regMu     sync.RWMutex
	factories map[string]job.Factory

	mu      sync.Mutex
	running map[uint64]*execution
	nextID  uint64
	count   atomic.Int64
	genCtx  context.Context
	cancel  context.CancelFunc
}

type execution struct {
	req     *request.Request
	job     job.Job
	started time.Time
}

// Option configures an AsyncHandler.
type Option func(*AsyncHandler)

// WithName sets the handler name used in logs and metrics.
func WithName(name string) Option {
	return func(h *AsyncHandler) { h.name = name }
}

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *AsyncHandler) { h.logger = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *AsyncHandler) { h.metrics = m }
}

// WithProgressBuffer sets the per-job progress channel capacity.
func WithProgressBuffer(n int) Option {
	return func(h *AsyncHandler) {
		if n >= 0 {
			h.progressBuffer = n
		}
	}
}

// NewAsync creates an AsyncHandler with an active cancellation generation.
func NewAsync(opts ...Option) *AsyncHandler {
	h := &AsyncHandler{
		name:           KindDefault,
		progressBuffer: defaultProgressBuffer,
		factories:      make(map[string]job.Factory),
		running:        make(map[uint64]*execution),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = log.WithComponent("handler")
	}
	h.logger = h.logger.With("handler", h.name)
	h.genCtx, h.cancel = context.WithCancel(context.Background())
	return h
}

func (h *AsyncHandler) Name() string { return h.name }

func (h *AsyncHandler) RegisterPlugin(typ string, f job.Factory) (bool, error) {
	key := NormalizeType(typ)
	if key == "" {
		return false, fmt.Errorf("register plugin: blank job type: %w", ErrInvalidArgument)
	}
	if f == nil {
		return false, fmt.Errorf("register plugin %q: nil factory: %w", key, ErrInvalidArgument)
	}

	h.regMu.Lock()
	defer h.regMu.Unlock()
	if _, exists := h.factories[key]; exists {
		h.logger.Warn("job type already registered, keeping first", "type", key)
		return false, nil
	}
	h.factories[key] = f
	return true, nil
}

func (h *AsyncHandler) CanHandle(typ string) bool {
	h.regMu.RLock()
	_, ok := h.factories[NormalizeType(typ)]
	h.regMu.RUnlock()
	return ok
}

func (h *AsyncHandler) Types() []string {
	h.regMu.RLock()
	out := make([]string, 0, len(h.factories))
	for k := range h.factories {
		out = append(out, k)
	}
	h.regMu.RUnlock()
	sort.Strings(out)
	return out
}

func (h *AsyncHandler) RunningJobs() int {
	return int(h.count.Load())
}

func (h *AsyncHandler) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Jobs of the old generation keep their own contexts; cancelling it
	// releases them if they are somehow still running.
	h.cancel()
	h.genCtx, h.cancel = context.WithCancel(ctx)
}

func (h *AsyncHandler) CancelJobs() {
	h.mu.Lock()
	n := len(h.running)
	h.cancel()
	h.mu.Unlock()
	if n > 0 {
		h.logger.Info("cancelling running jobs", "count", n)
	}
}

func (h *AsyncHandler) Dispatch(req *request.Request) error {
	if req == nil {
		return fmt.Errorf("dispatch: nil request: %w", ErrInvalidArgument)
	}
	logger := log.WithRequest(h.logger, req.ID).With("type", req.Type)

	h.regMu.RLock()
	factory, ok := h.factories[NormalizeType(req.Type)]
	h.regMu.RUnlock()
	if !ok {
		logger.Warn("no plugin for request type")
		h.send(request.NewFailed(req.ID, fmt.Sprintf("No plugin for job of type %s available", NormalizeType(req.Type))))
		return nil
	}

	j, err := factory()
	if err == nil && j == nil {
		err = errors.New("factory returned nil job")
	}
	if err != nil {
		logger.Error("failed to create job", "error", err)
		h.send(request.NewFailed(req.ID, fmt.Sprintf("Could not create instance for job of type \"%s\": %v", NormalizeType(req.Type), err)))
		return nil
	}
	j.Bind(req.ID, req.Data)

	e := &execution{req: req, job: j, started: time.Now()}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ctx, cancel := context.WithCancel(h.genCtx)
	h.running[id] = e
	h.count.Store(int64(len(h.running)))
	h.mu.Unlock()
	h.metrics.SetRunningJobs(h.name, h.RunningJobs())

	logger.Debug("job started")
	go h.run(ctx, cancel, id, e, logger)
	return nil
}

func (h *AsyncHandler) run(ctx context.Context, cancel context.CancelFunc, id uint64, e *execution, logger *slog.Logger) {
	defer cancel()

	progress := make(chan *request.Response, h.progressBuffer)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			if p == nil || p.IsFinal {
				logger.Debug("ignoring final response sent as progress")
				continue
			}
			p.RequestID = e.req.ID
			h.send(p)
		}
	}()

	final := h.execute(ctx, e, progress, logger)
	close(progress)
	<-forwarded

	h.mu.Lock()
	delete(h.running, id)
	h.count.Store(int64(len(h.running)))
	h.mu.Unlock()
	h.metrics.SetRunningJobs(h.name, h.RunningJobs())

	logger.Info("job completed", "state", final.State.String(), "duration", time.Since(e.started).String())
	h.send(final)
}

// execute runs the job and normalizes its outcome into a final response.
func (h *AsyncHandler) execute(ctx context.Context, e *execution, progress chan<- *request.Response, logger *slog.Logger) (final *request.Response) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			final = request.NewFailed(e.req.ID, fmt.Sprintf("%v\n%s", r, debug.Stack()))
		}
	}()

	resp, err := e.job.Execute(ctx, progress)
	switch {
	case err != nil:
		return request.NewFailed(e.req.ID, err.Error())
	case resp == nil:
		return request.NewFailed(e.req.ID, "job returned no response")
	case !resp.State.Terminal():
		return request.NewFailed(e.req.ID, fmt.Sprintf("job returned non-terminal state %s", resp.State))
	}
	resp.RequestID = e.req.ID
	resp.IsFinal = true
	if resp.CreationTime.IsZero() {
		resp.CreationTime = time.Now().UTC()
	}
	return resp
}

func (h *AsyncHandler) send(resp *request.Response) {
	if !h.emit(h, resp) {
		h.logger.Debug("no subscriber, dropping response", "request_id", resp.RequestID, "state", resp.State.String())
	}
}
