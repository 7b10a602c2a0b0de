// Package server runs the poll, match, dispatch and throttle loop that feeds
// requests from a connector to handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/handler"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/metrics"
	"github.com/mattjoyce/jobserver/internal/request"
)

var (
	// ErrConnectorInit is returned by Run when the connector fails to initialize.
	ErrConnectorInit = errors.New("connector initialization failed")
	// ErrNoHandlers is returned by Run when no handler is registered.
	ErrNoHandlers = errors.New("no request handlers registered")
	// ErrAlreadyRunning is returned by a concurrent second Run.
	ErrAlreadyRunning = errors.New("server already running")
)

const (
	defaultPollInterval   = time.Second
	defaultResponseBuffer = 256
	drainPollInterval     = 100 * time.Millisecond
)

// Server owns the request loop. Handlers are consulted in registration order
// and the first that can handle a request type receives it.
type Server struct {
	conn    connector.Connector
	logger  *slog.Logger
	metrics *metrics.Metrics
	hub     *events.Hub

	maxJobs        int
	pollInterval   time.Duration
	drainWait      bool
	drainTimeout   time.Duration
	responseBuffer int

	hmu      sync.RWMutex
	handlers []handler.Handler

	state   atomic.Int32
	running atomic.Bool

	cmu    sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc

	fmu       sync.RWMutex
	responses chan *request.Response
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMaxJobs sets the ceiling on concurrently running jobs. Values below 1
// are treated as 1.
func WithMaxJobs(n int) Option {
	return func(s *Server) { s.maxJobs = n }
}

// WithPollInterval sets the pause between poll cycles.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.pollInterval = d }
}

// WithDrain controls whether shutdown waits for jobs, and for how long.
// A zero timeout waits indefinitely.
func WithDrain(wait bool, timeout time.Duration) Option {
	return func(s *Server) {
		s.drainWait = wait
		s.drainTimeout = timeout
	}
}

func WithEvents(h *events.Hub) Option {
	return func(s *Server) { s.hub = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithResponseBuffer sets how many responses may queue for the connector.
func WithResponseBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.responseBuffer = n
		}
	}
}

func New(conn connector.Connector, opts ...Option) *Server {
	s := &Server{
		conn:           conn,
		maxJobs:        1,
		pollInterval:   defaultPollInterval,
		drainWait:      true,
		responseBuffer: defaultResponseBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("server")
	}
	return s
}

// State reports the current lifecycle phase.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Info("server state changed", "from", prev.String(), "to", st.String())
	s.hub.Publish(events.TypeServerState, map[string]string{"from": prev.String(), "to": st.String()})
}

// RegisterHandler appends h to the handler list and subscribes to its
// responses. A handler registered while running is started immediately.
func (s *Server) RegisterHandler(h handler.Handler) {
	if h == nil {
		return
	}
	h.Subscribe(s.onResponse)

	s.hmu.Lock()
	s.handlers = append(s.handlers, h)
	s.hmu.Unlock()

	s.cmu.Lock()
	runCtx := s.runCtx
	s.cmu.Unlock()
	if runCtx != nil && runCtx.Err() == nil {
		h.Start(runCtx)
	}
	s.logger.Info("handler registered", "handler", h.Name(), "types", h.Types())
}

// DeregisterHandler removes h, cancelling its running jobs first.
func (s *Server) DeregisterHandler(h handler.Handler) bool {
	s.hmu.Lock()
	idx := -1
	for i, cur := range s.handlers {
		if cur == h {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.hmu.Unlock()
		return false
	}
	s.handlers = append(s.handlers[:idx:idx], s.handlers[idx+1:]...)
	s.hmu.Unlock()

	h.CancelJobs()
	h.Subscribe(nil)
	s.logger.Info("handler deregistered", "handler", h.Name())
	return true
}

// Handlers returns a snapshot of the registered handlers, in order.
func (s *Server) Handlers() []handler.Handler {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return append([]handler.Handler(nil), s.handlers...)
}

// RunningJobs sums RunningJobs over every handler.
func (s *Server) RunningJobs() int {
	return totalRunning(s.Handlers())
}

func totalRunning(hs []handler.Handler) int {
	n := 0
	for _, h := range hs {
		n += h.RunningJobs()
	}
	return n
}

// Run initializes the connector, runs the loop until ctx is cancelled or Stop
// is called, then drains. It returns ErrConnectorInit or ErrNoHandlers when
// startup fails; the drain runs in either case.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cmu.Lock()
	s.runCtx, s.cancel = runCtx, cancel
	s.cmu.Unlock()

	forwarded := s.startForwarder(context.WithoutCancel(runCtx))

	s.setState(StateInitializing)
	var runErr error
	if err := s.conn.Initialize(runCtx); err != nil {
		runErr = fmt.Errorf("%w: %s: %v", ErrConnectorInit, s.conn.Name(), err)
		s.logger.Error("connector initialization failed", "connector", s.conn.Name(), "error", err)
	} else if hs := s.Handlers(); len(hs) == 0 {
		runErr = ErrNoHandlers
		s.logger.Error("no request handlers registered")
	} else {
		for _, h := range hs {
			h.Start(runCtx)
		}
		s.setState(StateRunning)
		s.loop(runCtx)
	}

	s.setState(StateDraining)
	s.drain()
	s.stopForwarder(forwarded)

	s.cmu.Lock()
	s.runCtx, s.cancel = nil, nil
	s.cmu.Unlock()
	s.setState(StateStopped)
	return runErr
}

// Stop requests shutdown. It does not wait for the drain and is safe to call
// more than once or when the server is not running.
func (s *Server) Stop() {
	s.cmu.Lock()
	cancel := s.cancel
	s.cmu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) maxJobsLimit() int {
	return max(s.maxJobs, 1)
}

func (s *Server) loop(ctx context.Context) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for ctx.Err() == nil {
		s.pollOnce(ctx)

		if s.pollInterval <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(s.pollInterval)
		} else {
			timer.Reset(s.pollInterval)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// pollOnce fetches and dispatches requests until the job ceiling is reached,
// the connector is idle or fails, or ctx is cancelled.
func (s *Server) pollOnce(ctx context.Context) {
	hs := s.Handlers()
	limit := s.maxJobsLimit()

	for ctx.Err() == nil {
		if totalRunning(hs) >= limit {
			s.metrics.RecordThrottled()
			return
		}

		req, err := s.conn.NextRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to fetch request", "connector", s.conn.Name(), "error", err)
			s.metrics.RecordConnectorError("next")
			s.hub.Publish(events.TypeConnectorError, map[string]string{"op": "next", "error": err.Error()})
			return
		}
		if req == nil {
			return
		}
		s.dispatch(hs, req)
	}
}

func (s *Server) dispatch(hs []handler.Handler, req *request.Request) {
	logger := log.WithRequest(s.logger, req.ID).With("type", req.Type)
	s.hub.Publish(events.TypeRequestReceived, map[string]string{"request_id": req.ID, "type": req.Type})

	for _, h := range hs {
		if !h.CanHandle(req.Type) {
			continue
		}
		logger.Debug("dispatching request", "handler", h.Name())
		s.metrics.RecordDispatch(h.Name())
		s.hub.Publish(events.TypeRequestDispatched, map[string]string{"request_id": req.ID, "type": req.Type, "handler": h.Name()})
		if err := h.Dispatch(req); err != nil {
			logger.Error("dispatch failed", "handler", h.Name(), "error", err)
		}
		return
	}

	logger.Warn("no handler accepts request type")
	s.onResponse(nil, request.NewFailed(req.ID, fmt.Sprintf("Requests of type \"%s\" are not supported", req.Type)))
}

func (s *Server) drain() {
	hs := s.Handlers()
	for _, h := range hs {
		h.CancelJobs()
	}
	if !s.drainWait {
		return
	}

	var deadline time.Time
	if s.drainTimeout > 0 {
		deadline = time.Now().Add(s.drainTimeout)
	}
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		n := totalRunning(hs)
		if n == 0 {
			return
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			s.logger.Warn("drain timed out, abandoning running jobs", "running", n, "timeout", s.drainTimeout.String())
			return
		}
		<-ticker.C
	}
}

// onResponse is the Responder installed on every handler.
func (s *Server) onResponse(h handler.Handler, resp *request.Response) {
	if resp == nil {
		return
	}
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	if s.responses == nil {
		src := "server"
		if h != nil {
			src = h.Name()
		}
		s.logger.Warn("response after shutdown dropped", "request_id", resp.RequestID, "handler", src, "state", resp.State.String())
		return
	}
	s.responses <- resp
}

// startForwarder begins delivering responses to the connector, one at a time.
func (s *Server) startForwarder(ctx context.Context) <-chan struct{} {
	ch := make(chan *request.Response, s.responseBuffer)
	s.fmu.Lock()
	s.responses = ch
	s.fmu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range ch {
			s.deliver(ctx, resp)
		}
	}()
	return done
}

// stopForwarder closes the response channel once no sender holds it and
// waits for queued responses to be delivered.
func (s *Server) stopForwarder(done <-chan struct{}) {
	s.fmu.Lock()
	ch := s.responses
	s.responses = nil
	if ch != nil {
		close(ch)
	}
	s.fmu.Unlock()
	<-done
}

func (s *Server) deliver(ctx context.Context, resp *request.Response) {
	s.metrics.RecordResponse(resp.State.String(), resp.IsFinal)
	s.hub.Publish(events.TypeResponse, map[string]any{
		"request_id": resp.RequestID,
		"state":      resp.State.String(),
		"is_final":   resp.IsFinal,
		"error":      resp.ErrorMessage(),
	})
	if err := s.conn.Respond(ctx, resp); err != nil {
		s.logger.Error("failed to deliver response", "request_id", resp.RequestID, "state", resp.State.String(), "error", err)
		s.metrics.RecordConnectorError("respond")
		s.hub.Publish(events.TypeConnectorError, map[string]string{"op": "respond", "request_id": resp.RequestID, "error": err.Error()})
	}
}
