// Package models holds the GORM row types. Postgres DDL lives in the goose
// migrations; the struct tags only need to be precise enough for sqlite.
package models

import "github.com/google/uuid"

// All lists every table the settlement engine owns, parents first.
func All() []any {
	return []any{
		&Order{},
		&OrderItem{},
		&EscrowAccount{},
		&LedgerEntry{},
		&Dispute{},
		&DisputeEvidence{},
		&SettlementTimer{},
		&OutboxEvent{},
		&OutboxDLQ{},
		&ExportCheckpoint{},
	}
}

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
