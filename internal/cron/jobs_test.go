package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

type fakeTicker struct {
	result *settlement.TickResult
	err    error
	calls  int
}

func (f *fakeTicker) Tick(context.Context) (*settlement.TickResult, error) {
	f.calls++
	return f.result, f.err
}

func TestSettlementSweepJob(t *testing.T) {
	ticker := &fakeTicker{result: &settlement.TickResult{Due: 3, Fired: 2, Skipped: 1}}
	job, err := NewSettlementSweepJob(SettlementSweepJobParams{Logger: quietLogger(), Scheduler: ticker})
	if err != nil {
		t.Fatalf("NewSettlementSweepJob: %v", err)
	}
	if job.Name() != "settlement-sweep" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticker.calls != 1 {
		t.Fatalf("expected one tick, got %d", ticker.calls)
	}

	ticker.err = errors.New("claim failed")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected tick error to propagate")
	}
}

type fakeReconciler struct {
	pages  [][]escrow.ReconcileReport
	afters []uuid.UUID
	err    error
}

func (f *fakeReconciler) ReconcileBatch(_ context.Context, after uuid.UUID, _ int) ([]escrow.ReconcileReport, error) {
	f.afters = append(f.afters, after)
	if len(f.pages) == 0 {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestEscrowReconcileJobPagesByOrderID(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	reconciler := &fakeReconciler{pages: [][]escrow.ReconcileReport{
		{{OrderID: a, Consistent: true}, {OrderID: b, Consistent: false, Reason: "held_amount mismatch", Halted: true}},
		{{OrderID: c, Consistent: true}},
	}}
	job, err := NewEscrowReconcileJob(EscrowReconcileJobParams{Logger: quietLogger(), Escrow: reconciler, BatchSize: 2})
	if err != nil {
		t.Fatalf("NewEscrowReconcileJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reconciler.afters) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(reconciler.afters))
	}
	if reconciler.afters[0] != uuid.Nil || reconciler.afters[1] != b {
		t.Fatalf("unexpected cursors %v", reconciler.afters)
	}
}

func TestEscrowReconcileJobReturnsStoreError(t *testing.T) {
	reconciler := &fakeReconciler{err: errors.New("connection reset")}
	job, err := NewEscrowReconcileJob(EscrowReconcileJobParams{Logger: quietLogger(), Escrow: reconciler})
	if err != nil {
		t.Fatalf("NewEscrowReconcileJob: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

type fakeLedgerExporter struct {
	entries []models.LedgerEntry
	afters  []*pagination.Cursor
}

func (f *fakeLedgerExporter) ExportBatch(_ context.Context, after *pagination.Cursor, limit int) ([]models.LedgerEntry, error) {
	f.afters = append(f.afters, after)
	var out []models.LedgerEntry
	for _, entry := range f.entries {
		if after != nil && !entry.CreatedAt.After(after.CreatedAt) {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeSink struct {
	batches [][]models.LedgerEntry
	err     error
}

func (f *fakeSink) InsertLedgerEntries(_ context.Context, entries []models.LedgerEntry, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, entries)
	return nil
}

type memoryCheckpoints struct {
	values map[string]string
}

func (m *memoryCheckpoints) Load(_ context.Context, name string) (string, error) {
	return m.values[name], nil
}

func (m *memoryCheckpoints) Save(_ context.Context, name, cursor string) error {
	m.values[name] = cursor
	return nil
}

func TestLedgerExportJobAdvancesCheckpoint(t *testing.T) {
	now := time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)
	var entries []models.LedgerEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, models.LedgerEntry{ID: uuid.New(), CreatedAt: now.Add(time.Duration(i-10) * time.Minute)})
	}
	// younger than the lag; must wait for the next run
	entries = append(entries, models.LedgerEntry{ID: uuid.New(), CreatedAt: now.Add(-10 * time.Second)})

	exporter := &fakeLedgerExporter{entries: entries}
	sink := &fakeSink{}
	checkpoints := &memoryCheckpoints{values: map[string]string{}}
	jobIface, err := NewLedgerExportJob(LedgerExportJobParams{
		Logger:      quietLogger(),
		Ledger:      exporter,
		Sink:        sink,
		Checkpoints: checkpoints,
		BatchSize:   2,
	})
	if err != nil {
		t.Fatalf("NewLedgerExportJob: %v", err)
	}
	job := jobIface.(*ledgerExportJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	total := 0
	for _, batch := range sink.batches {
		total += len(batch)
	}
	if total != 5 {
		t.Fatalf("expected 5 exported entries, got %d", total)
	}
	cursor, err := pagination.ParseCursor(checkpoints.values[ledgerExportCheckpoint])
	if err != nil || cursor == nil {
		t.Fatalf("checkpoint not saved: %v", err)
	}
	if cursor.ID != entries[4].ID {
		t.Fatalf("checkpoint should point at the last settled entry")
	}

	job.now = func() time.Time { return now.Add(time.Hour) }
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	last := sink.batches[len(sink.batches)-1]
	if len(last) != 1 || last[0].ID != entries[5].ID {
		t.Fatalf("expected only the late entry on the second run, got %d", len(last))
	}
}

func TestLedgerExportJobKeepsCheckpointOnSinkFailure(t *testing.T) {
	now := time.Date(2026, 5, 6, 12, 0, 0, 0, time.UTC)
	exporter := &fakeLedgerExporter{entries: []models.LedgerEntry{{ID: uuid.New(), CreatedAt: now.Add(-time.Hour)}}}
	checkpoints := &memoryCheckpoints{values: map[string]string{}}
	jobIface, err := NewLedgerExportJob(LedgerExportJobParams{
		Logger:      quietLogger(),
		Ledger:      exporter,
		Sink:        &fakeSink{err: errors.New("quota exceeded")},
		Checkpoints: checkpoints,
	})
	if err != nil {
		t.Fatalf("NewLedgerExportJob: %v", err)
	}
	job := jobIface.(*ledgerExportJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected sink error")
	}
	if _, ok := checkpoints.values[ledgerExportCheckpoint]; ok {
		t.Fatal("checkpoint must not advance when the insert fails")
	}
}
