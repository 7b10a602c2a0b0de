package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/events"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/metrics"
)

// CreatorPrefix is prepended to the schedule ID to form the request creator.
const CreatorPrefix = "scheduler:"

// Scheduler submits one request per schedule immediately on start and then
// once every jittered interval.
type Scheduler struct {
	schedules []config.ScheduleConfig
	submitter Submitter
	events    *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance. hub and m may be nil.
func New(schedules []config.ScheduleConfig, sub Submitter, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = log.WithComponent("scheduler")
	}
	return &Scheduler{
		schedules: schedules,
		submitter: sub,
		events:    hub,
		metrics:   m,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start validates every schedule and launches one loop per schedule. No loop
// is started if any interval is invalid.
func (s *Scheduler) Start(ctx context.Context) error {
	intervals := make([]time.Duration, len(s.schedules))
	for i, sc := range s.schedules {
		every, err := parseScheduleEvery(sc.Every)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.ID(), err)
		}
		intervals[i] = every
	}

	s.logger.Info("starting scheduler", "schedules", len(s.schedules))
	for i, sc := range s.schedules {
		s.wg.Add(1)
		go s.loop(ctx, sc, intervals[i])
	}
	return nil
}

// Stop halts every loop and waits for them. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, sc config.ScheduleConfig, every time.Duration) {
	defer s.wg.Done()

	s.submit(ctx, sc)
	for {
		next := calculateJitteredInterval(every, sc.Jitter)
		timer := time.NewTimer(next)
		select {
		case <-timer.C:
			s.submit(ctx, sc)
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// submit queues one request for sc. Failures are logged and retried on the
// next tick.
func (s *Scheduler) submit(ctx context.Context, sc config.ScheduleConfig) {
	id, err := s.submitter.Submit(ctx, connector.Submission{
		Type:    sc.Type,
		Creator: CreatorPrefix + sc.ID(),
		Data:    maps.Clone(sc.Data),
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("failed to submit scheduled request", "schedule", sc.ID(), "type", sc.Type, "error", err)
		return
	}

	s.metrics.RecordSubmission("scheduler")
	s.events.Publish(events.TypeRequestSubmitted, map[string]string{
		"request_id": id,
		"type":       sc.Type,
		"source":     "scheduler",
		"schedule":   sc.ID(),
	})
	log.WithRequest(s.logger, id).Info("scheduled request submitted", "schedule", sc.ID(), "type", sc.Type)
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}

func parseScheduleEvery(every string) (time.Duration, error) {
	return config.ParseInterval(every)
}
