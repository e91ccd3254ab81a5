package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const (
	defaultOutboxRetention    = 30 * 24 * time.Hour
	defaultRetentionBatch     = 1000
	maxRetentionBatchesPerRun = 50
)

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxPruner
	// Retention is how long delivered rows are kept for replay and audit.
	Retention time.Duration
	BatchSize int
}

type outboxPruner interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time, limit int) (int64, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// outboxRetentionJob deletes delivered outbox rows past retention, one
// short transaction per batch. Undelivered and dead-lettered rows are kept.
type outboxRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      outboxPruner
	retention time.Duration
	batchSize int
	now       func() time.Time
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	}
	job := &outboxRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: params.Retention,
		batchSize: params.BatchSize,
		now:       time.Now,
	}
	if job.retention <= 0 {
		job.retention = defaultOutboxRetention
	}
	if job.batchSize <= 0 {
		job.batchSize = defaultRetentionBatch
	}
	return job, nil
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)

	var total int64
	batches := 0
	for batches < maxRetentionBatchesPerRun {
		if err := ctx.Err(); err != nil {
			return err
		}
		var deleted int64
		err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
			n, err := j.repo.DeletePublishedBefore(tx, cutoff, j.batchSize)
			deleted = n
			return err
		})
		if err != nil {
			return fmt.Errorf("prune outbox before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		batches++
		total += deleted
		if deleted < int64(j.batchSize) {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff.Format(time.RFC3339),
		"rows_deleted": total,
		"batches":      batches,
	}), "outbox retention pass finished")
	return nil
}
