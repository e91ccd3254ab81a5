package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const reconcileBatchSize = 200

type escrowReconciler interface {
	ReconcileBatch(ctx context.Context, after uuid.UUID, limit int) ([]escrow.ReconcileReport, error)
}

// EscrowReconcileJobParams configure the ledger/account consistency audit.
type EscrowReconcileJobParams struct {
	Logger    *logger.Logger
	Escrow    escrowReconciler
	BatchSize int
}

func NewEscrowReconcileJob(params EscrowReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Escrow == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = reconcileBatchSize
	}
	return &escrowReconcileJob{logg: params.Logger, escrow: params.Escrow, batch: batch}, nil
}

type escrowReconcileJob struct {
	logg   *logger.Logger
	escrow escrowReconciler
	batch  int
}

func (j *escrowReconcileJob) Name() string { return "escrow-reconcile" }

// Run walks every non-halted account in order id order. Accounts whose ledger
// no longer folds to the cached balance are halted by the escrow service.
func (j *escrowReconcileJob) Run(ctx context.Context) error {
	var (
		after   uuid.UUID
		checked int
		halted  int
		runErr  error
	)
	for {
		reports, err := j.escrow.ReconcileBatch(ctx, after, j.batch)
		for _, report := range reports {
			checked++
			after = report.OrderID
			if report.Consistent {
				continue
			}
			halted++
			j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
				"order_id": report.OrderID.String(),
				"reason":   report.Reason,
			}), "escrow account halted by reconciliation")
		}
		if err != nil {
			runErr = err
			break
		}
		if len(reports) < j.batch {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"accounts_checked": checked,
		"accounts_halted":  halted,
	}), "escrow reconciliation complete")
	if runErr != nil {
		return fmt.Errorf("escrow reconcile: %w", runErr)
	}
	return nil
}
