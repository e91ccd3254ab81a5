package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
)

const (
	defaultInterval = time.Hour
	minHeartbeat    = time.Second
)

// ErrLockLost cancels a cycle whose schedule lock expired or was taken over.
var ErrLockLost = errors.New("cron lock lost")

type ServiceParams struct {
	// Name labels the schedule in logs and metrics.
	Name     string
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
}

// Service runs one schedule: every Interval, the replica that wins the lock
// runs each registered job in order while a heartbeat keeps the lock alive.
type Service struct {
	name      string
	logg      *logger.Logger
	registry  *Registry
	lock      Lock
	metrics   *metrics.CronJobMetrics
	interval  time.Duration
	heartbeat time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Lock == nil {
		return nil, errors.New("lock required")
	}
	if params.Registry.Len() == 0 {
		return nil, errors.New("at least one job is required")
	}
	name := params.Name
	if name == "" {
		name = "default"
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	heartbeat := params.Lock.TTL() / 3
	if heartbeat < minHeartbeat {
		heartbeat = minHeartbeat
	}
	return &Service{
		name:      name,
		logg:      params.Logger,
		registry:  params.Registry,
		lock:      params.Lock,
		metrics:   params.Metrics,
		interval:  interval,
		heartbeat: heartbeat,
	}, nil
}

// Run fires a cycle immediately and then once per interval until ctx ends.
// Cycle failures are logged, never returned.
func (s *Service) Run(ctx context.Context) error {
	ctx = s.logg.WithField(ctx, "schedule", s.name)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logg.Error(ctx, "cron cycle failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron schedule stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle if this replica can take the lock. Every job
// runs even when an earlier one fails; their errors come back combined.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		s.metrics.IncLockSkipped(s.name)
		s.logg.Debug(ctx, "schedule held by another replica, skipping cycle")
		return nil
	}

	cycleCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(cycleCtx, cancel)
	}()

	defer func() {
		cancel(nil)
		wg.Wait()
		// release even when shutdown canceled ctx
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "failed to release cron lock", err)
		}
	}()

	var errs error
	for _, job := range s.registry.Jobs() {
		if cause := context.Cause(cycleCtx); cause != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s not started: %w", job.Name(), cause))
			continue
		}
		if err := s.runJob(cycleCtx, job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.Name(), err))
		}
	}
	return errs
}

// keepAlive extends the lock every heartbeat and cancels the cycle with
// ErrLockLost once an extend reports the lock gone.
func (s *Service) keepAlive(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := s.lock.Extend(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "cron lock heartbeat failed")
				}
				continue
			}
			if !held {
				s.logg.Warn(ctx, "cron lock lost mid-cycle, canceling jobs")
				cancel(ErrLockLost)
				return
			}
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	ctx = s.logg.WithField(ctx, "job", job.Name())
	s.logg.Info(ctx, "job started")

	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)
	s.metrics.ObserveRun(job.Name(), took, err)

	ctx = s.logg.WithField(ctx, "duration_ms", took.Milliseconds())
	if err != nil {
		s.logg.Error(ctx, "job failed", err)
		return err
	}
	s.logg.Info(ctx, "job finished")
	return nil
}
