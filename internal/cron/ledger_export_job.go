package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
)

const (
	ledgerExportCheckpoint = "ledger-export"
	ledgerExportBatch      = 500
	ledgerExportMaxBatches = 20
	ledgerExportLag        = time.Minute
)

type ledgerExporter interface {
	ExportBatch(ctx context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error)
}

type ledgerSink interface {
	InsertLedgerEntries(ctx context.Context, entries []models.LedgerEntry, exportedAt time.Time) error
}

type checkpointStore interface {
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, cursor string) error
}

// LedgerExportJobParams configure the warehouse export of ledger entries.
type LedgerExportJobParams struct {
	Logger      *logger.Logger
	Ledger      ledgerExporter
	Sink        ledgerSink
	Checkpoints checkpointStore
	BatchSize   int
	MaxBatches  int
	Lag         time.Duration
}

func NewLedgerExportJob(params LedgerExportJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if params.Sink == nil {
		return nil, fmt.Errorf("ledger sink required")
	}
	if params.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store required")
	}
	job := &ledgerExportJob{
		logg:        params.Logger,
		ledger:      params.Ledger,
		sink:        params.Sink,
		checkpoints: params.Checkpoints,
		batch:       params.BatchSize,
		maxBatches:  params.MaxBatches,
		lag:         params.Lag,
		now:         time.Now,
	}
	if job.batch <= 0 {
		job.batch = ledgerExportBatch
	}
	if job.maxBatches <= 0 {
		job.maxBatches = ledgerExportMaxBatches
	}
	if job.lag <= 0 {
		job.lag = ledgerExportLag
	}
	return job, nil
}

type ledgerExportJob struct {
	logg        *logger.Logger
	ledger      ledgerExporter
	sink        ledgerSink
	checkpoints checkpointStore
	batch       int
	maxBatches  int
	lag         time.Duration
	now         func() time.Time
}

func (j *ledgerExportJob) Name() string { return "ledger-export" }

// Run streams entries past the checkpoint. Entries younger than the lag are
// left for the next cycle so a slow commit cannot land behind the cursor.
func (j *ledgerExportJob) Run(ctx context.Context) error {
	raw, err := j.checkpoints.Load(ctx, ledgerExportCheckpoint)
	if err != nil {
		return fmt.Errorf("load export checkpoint: %w", err)
	}
	cursor, err := pagination.ParseCursor(raw)
	if err != nil {
		return fmt.Errorf("parse export checkpoint: %w", err)
	}

	now := j.now().UTC()
	horizon := now.Add(-j.lag)
	exported := 0
	for i := 0; i < j.maxBatches; i++ {
		entries, err := j.ledger.ExportBatch(ctx, cursor, j.batch)
		if err != nil {
			return fmt.Errorf("read ledger batch: %w", err)
		}
		full := len(entries) == j.batch
		settled := make([]models.LedgerEntry, 0, len(entries))
		for _, entry := range entries {
			if entry.CreatedAt.After(horizon) {
				full = false
				break
			}
			settled = append(settled, entry)
		}
		if len(settled) == 0 {
			break
		}
		if err := j.sink.InsertLedgerEntries(ctx, settled, now); err != nil {
			return fmt.Errorf("insert ledger rows: %w", err)
		}
		last := settled[len(settled)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if err := j.checkpoints.Save(ctx, ledgerExportCheckpoint, pagination.EncodeCursor(*cursor)); err != nil {
			return fmt.Errorf("save export checkpoint: %w", err)
		}
		exported += len(settled)
		if !full {
			break
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"entries_exported": exported,
	}), "ledger export complete")
	return nil
}
