package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
)

// LedgerRow is the warehouse shape of one ledger entry.
type LedgerRow struct {
	EntryID        string    `bigquery:"entry_id"`
	OrderID        string    `bigquery:"order_id"`
	Sequence       int64     `bigquery:"sequence"`
	Type           string    `bigquery:"type"`
	Amount         int64     `bigquery:"amount"`
	ActorID        string    `bigquery:"actor_id"`
	ActorRole      string    `bigquery:"actor_role"`
	IdempotencyKey string    `bigquery:"idempotency_key"`
	CreatedAt      time.Time `bigquery:"created_at"`
	ExportedAt     time.Time `bigquery:"exported_at"`
}

// LedgerSavers converts entries into insertable rows keyed by entry id.
func LedgerSavers(entries []models.LedgerEntry, exportedAt time.Time) []bigquery.ValueSaver {
	savers := make([]bigquery.ValueSaver, 0, len(entries))
	for _, entry := range entries {
		row := &LedgerRow{
			EntryID:        entry.ID.String(),
			OrderID:        entry.OrderID.String(),
			Sequence:       entry.Sequence,
			Type:           string(entry.Type),
			Amount:         entry.Amount,
			ActorID:        entry.ActorID.String(),
			ActorRole:      string(entry.ActorRole),
			IdempotencyKey: entry.IdempotencyKey,
			CreatedAt:      entry.CreatedAt.UTC(),
			ExportedAt:     exportedAt.UTC(),
		}
		savers = append(savers, &bigquery.StructSaver{
			Struct:   row,
			InsertID: row.EntryID,
		})
	}
	return savers
}
