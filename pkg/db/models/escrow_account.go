package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// EscrowAccount caches the folded ledger balance of a single order. Version is
// bumped on every write and guards updates with a compare-and-swap.
type EscrowAccount struct {
	OrderID           uuid.UUID         `gorm:"column:order_id;type:uuid;primaryKey"`
	HeldAmount        int64             `gorm:"column:held_amount;not null;default:0"`
	ReleasedAmount    int64             `gorm:"column:released_amount;not null;default:0"`
	RefundedAmount    int64             `gorm:"column:refunded_amount;not null;default:0"`
	State             enums.EscrowState `gorm:"column:state;type:text;not null"`
	HoldKey           *string           `gorm:"column:hold_key"`
	Version           int64             `gorm:"column:version;not null;default:0"`
	IntegrityHaltedAt *time.Time        `gorm:"column:integrity_halted_at"`
	IntegrityReason   *string           `gorm:"column:integrity_reason"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// LiveAmount is the remainder still held by the platform.
func (a EscrowAccount) LiveAmount() int64 {
	return a.HeldAmount - a.ReleasedAmount - a.RefundedAmount
}

// Halted reports whether writes are blocked pending operator review.
func (a EscrowAccount) Halted() bool {
	return a.IntegrityHaltedAt != nil
}
