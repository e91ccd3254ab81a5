package ledger

import (
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// Balance is the authoritative view of an escrow account recomputed from its entries.
type Balance struct {
	Held         int64 `json:"held"`
	Released     int64 `json:"released"`
	Refunded     int64 `json:"refunded"`
	Live         int64 `json:"live"`
	Frozen       bool  `json:"frozen"`
	LastSequence int64 `json:"last_sequence"`
	EntryCount   int   `json:"entry_count"`
}

// Fold replays entries in the order given. Callers pass entries sorted by sequence.
func Fold(entries []models.LedgerEntry) Balance {
	var b Balance
	for _, entry := range entries {
		switch entry.Type {
		case enums.LedgerEntryHold:
			b.Held += entry.Amount
		case enums.LedgerEntryRelease:
			b.Released += entry.Amount
		case enums.LedgerEntryRefund:
			b.Refunded += entry.Amount
		case enums.LedgerEntryFreeze:
			b.Frozen = true
		case enums.LedgerEntryUnfreeze:
			b.Frozen = false
		}
		b.LastSequence = entry.Sequence
		b.EntryCount++
	}
	b.Live = b.Held - b.Released - b.Refunded
	return b
}

// Consistent reports whether more was disbursed than was ever held.
func (b Balance) Consistent() bool {
	return b.Live >= 0
}

// Matches compares the folded balance with the cached account columns.
func (b Balance) Matches(account models.EscrowAccount) bool {
	return b.Held == account.HeldAmount &&
		b.Released == account.ReleasedAmount &&
		b.Refunded == account.RefundedAmount
}
