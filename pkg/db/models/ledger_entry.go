package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// LedgerEntry is an immutable monetary fact. Sequence is strictly increasing per order.
type LedgerEntry struct {
	ID             uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID             `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_ledger_order_seq,priority:1;uniqueIndex:ux_ledger_order_key,priority:1"`
	Sequence       int64                 `gorm:"column:sequence;not null;uniqueIndex:ux_ledger_order_seq,priority:2"`
	Type           enums.LedgerEntryType `gorm:"column:type;type:text;not null"`
	Amount         int64                 `gorm:"column:amount;not null"`
	ActorID        uuid.UUID             `gorm:"column:actor_id;type:uuid;not null"`
	ActorRole      enums.ActorRole       `gorm:"column:actor_role;type:text;not null"`
	IdempotencyKey string                `gorm:"column:idempotency_key;not null;uniqueIndex:ux_ledger_order_key,priority:2"`
	CreatedAt      time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
