package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

type settlementTicker interface {
	Tick(ctx context.Context) (*settlement.TickResult, error)
}

// SettlementSweepJobParams configure the auto-release sweep.
type SettlementSweepJobParams struct {
	Logger    *logger.Logger
	Scheduler settlementTicker
}

func NewSettlementSweepJob(params SettlementSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Scheduler == nil {
		return nil, fmt.Errorf("settlement scheduler required")
	}
	return &settlementSweepJob{logg: params.Logger, scheduler: params.Scheduler}, nil
}

type settlementSweepJob struct {
	logg      *logger.Logger
	scheduler settlementTicker
}

func (j *settlementSweepJob) Name() string { return "settlement-sweep" }

// Run fires every due timer once. Per-timer failures are retried on the next
// cycle, so a partial result is still reported before the error is returned.
func (j *settlementSweepJob) Run(ctx context.Context) error {
	res, err := j.scheduler.Tick(ctx)
	if res != nil {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"due":     res.Due,
			"fired":   res.Fired,
			"skipped": res.Skipped,
			"failed":  res.Failed,
		}), "settlement sweep complete")
	}
	if err != nil {
		return fmt.Errorf("settlement sweep: %w", err)
	}
	return nil
}
