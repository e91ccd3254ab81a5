package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultPublishTimeout = 15 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

var (
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

	errDeliveryInFlight = errors.New("event delivery already in flight")
)

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
	Count(ctx context.Context) (int64, error)
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// deliveryGuard tracks envelope ids the transport already accepted, so a row
// whose publish landed but whose commit was lost is not sent twice.
type deliveryGuard interface {
	Claim(ctx context.Context, eventID string) (idempotency.State, error)
	Confirm(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Transport     transport
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Guard         deliveryGuard
	Metrics       *metrics.OutboxMetrics
}

// Service drains the outbox table into the configured transport.
type Service struct {
	logg         *logger.Logger
	db           dbClient
	repo         outboxRepository
	transport    transport
	registry     registryResolver
	dlq          dlqRepository
	guard        deliveryGuard
	metrics      *metrics.OutboxMetrics
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

type deliveryOutcome int

const (
	outcomePublished deliveryOutcome = iota
	outcomeDuplicate
	outcomeRetry
	outcomeDeadLettered
)

// batchResult counts what one drain pass did with the rows it locked.
type batchResult struct {
	fetched      int
	published    int
	duplicates   int
	retried      int
	deadLettered int
}

func (r *batchResult) record(outcome deliveryOutcome) {
	switch outcome {
	case outcomePublished:
		r.published++
	case outcomeDuplicate:
		r.duplicates++
	case outcomeRetry:
		r.retried++
	case outcomeDeadLettered:
		r.deadLettered++
	}
}

func (r batchResult) observe(m *metrics.OutboxMetrics) {
	m.AddDeliveries("published", r.published)
	m.AddDeliveries("duplicate", r.duplicates)
	m.AddDeliveries("retry", r.retried)
	m.AddDeliveries("dead_lettered", r.deadLettered)
}

func (r batchResult) fields() map[string]any {
	return map[string]any{
		"fetched":       r.fetched,
		"published":     r.published,
		"duplicates":    r.duplicates,
		"retried":       r.retried,
		"dead_lettered": r.deadLettered,
	}
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Transport == nil:
		return nil, errors.New("event transport is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Registry == nil:
		return nil, errors.New("event registry is required")
	case params.DLQRepository == nil:
		return nil, errors.New("dlq repository is required")
	}

	cfg := params.Config.Outbox
	svc := &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		transport:    params.Transport,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		guard:        params.Guard,
		metrics:      params.Metrics,
		batchSize:    cfg.BatchSize,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
	if svc.batchSize <= 0 {
		svc.batchSize = defaultBatchSize
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = defaultMaxAttempts
	}
	if svc.pollInterval <= 0 {
		svc.pollInterval = defaultPollInterval
	}
	return svc, nil
}

// Run polls until ctx is canceled. A full batch is followed immediately by
// the next one; a failed pass backs off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	deps := []struct {
		name string
		ping func(context.Context) error
	}{
		{"database", s.db.Ping},
		{s.transport.Name(), s.transport.Ping},
	}
	for _, dep := range deps {
		if err := dep.ping(ctx); err != nil {
			s.logg.Error(s.logg.WithField(ctx, "dependency", dep.name), "outbox publisher dependency unavailable", err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}

	s.refreshDLQDepth(ctx)

	backoff := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			s.logg.Info(ctx, "outbox publisher context canceled")
			return err
		}

		result, err := s.drainOnce(ctx)
		wait := withJitter(s.pollInterval)
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox publish pass failed", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			wait = withJitter(backoff)
		case result.fetched >= s.batchSize:
			backoff = s.pollInterval
			wait = 0
		default:
			backoff = s.pollInterval
		}
		if result.fetched > 0 {
			s.logg.Debug(s.logg.WithFields(ctx, result.fields()), "outbox publish pass finished")
		}
		if result.deadLettered > 0 {
			s.refreshDLQDepth(ctx)
		}

		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// drainOnce locks up to one batch of pending rows and settles each of them
// inside the same transaction.
func (s *Service) drainOnce(ctx context.Context) (batchResult, error) {
	var result batchResult
	start := time.Now()
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		result = batchResult{}
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		result.fetched = len(events)
		for _, event := range events {
			outcome, err := s.deliver(ctx, tx, event)
			if err != nil {
				return err
			}
			result.record(outcome)
		}
		return nil
	})
	s.metrics.ObservePass(time.Since(start))
	if err == nil {
		result.observe(s.metrics)
	}
	return result, err
}

// refreshDLQDepth is best effort; a failed count only leaves the gauge stale.
func (s *Service) refreshDLQDepth(ctx context.Context) {
	depth, err := s.dlq.Count(ctx)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "could not count dead letters")
		return
	}
	s.metrics.SetDLQDepth(depth)
}

// deliver publishes one row and records the result on it. The returned error
// is reserved for bookkeeping failures that must abort the whole batch.
func (s *Service) deliver(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) (deliveryOutcome, error) {
	ctx = s.logg.WithFields(ctx, s.rowFields(event))

	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, err)
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":    resolved.Envelope.EventID,
		"occurred_at": resolved.Envelope.OccurredAt.Format(time.RFC3339Nano),
		"topic":       resolved.Descriptor.Topic,
	})

	duplicate, pubErr := s.publish(ctx, event, resolved)
	if pubErr == nil {
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return outcomePublished, fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		if duplicate {
			s.logg.Info(ctx, "outbox event already delivered")
			return outcomeDuplicate, nil
		}
		s.logg.Info(ctx, "outbox event published")
		return outcomePublished, nil
	}

	if registry.IsNonRetryable(pubErr) {
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonNonRetryable, pubErr)
	}

	attempts := event.AttemptCount + 1
	if attempts >= s.maxAttempts {
		exhausted := fmt.Errorf("gave up after %d attempts: %w", attempts, pubErr)
		return outcomeDeadLettered, s.deadLetter(ctx, tx, event, enums.OutboxDLQReasonMaxAttempts, exhausted)
	}

	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"attempt_count": attempts,
		"error":         pubErr.Error(),
	}), "outbox publish failed, will retry")
	if err := s.repo.MarkFailedTx(tx, event.ID, pubErr); err != nil {
		return outcomeRetry, fmt.Errorf("mark failed %s: %w", event.ID, err)
	}
	return outcomeRetry, nil
}

// publish sends the resolved event. It reports true when the guard shows the
// envelope was already accepted by the transport on an earlier pass.
func (s *Service) publish(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) (bool, error) {
	eventID := resolved.Envelope.EventID

	claimed := false
	if s.guard != nil {
		state, err := s.guard.Claim(ctx, eventID)
		switch {
		case err != nil:
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "delivery guard unavailable, publishing without it")
		case state == idempotency.Done:
			return true, nil
		case state == idempotency.InFlight:
			return false, errDeliveryInFlight
		default:
			claimed = true
		}
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := s.transport.Publish(publishCtx, outboundFor(event, resolved)); err != nil {
		if claimed {
			if relErr := s.guard.Release(ctx, eventID); relErr != nil {
				s.logg.Warn(s.logg.WithField(ctx, "error", relErr.Error()), "failed to release delivery claim")
			}
		}
		return false, err
	}

	if claimed {
		if err := s.guard.Confirm(ctx, eventID); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to confirm delivery claim")
		}
	}
	return false, nil
}

func outboundFor(event models.OutboxEvent, resolved *registry.ResolvedEvent) outboundMessage {
	aggregateID := event.AggregateID.String()
	return outboundMessage{
		Topic: resolved.Descriptor.Topic,
		Key:   aggregateID,
		Data:  event.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   aggregateID,
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	}
}

// deadLetter copies the row into the DLQ and retires it from the outbox.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"error_reason": reason,
		"error":        cause.Error(),
	}), "outbox event dead-lettered")

	message := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &message,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, event.ID, cause); err != nil {
		return fmt.Errorf("mark terminal %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) rowFields(event models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"attempt_count":  event.AttemptCount,
		"transport":      s.transport.Name(),
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	if next := current * 2; next < ceiling {
		return next
	}
	return ceiling
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}
