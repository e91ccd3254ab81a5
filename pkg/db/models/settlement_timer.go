package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// SettlementTimer schedules auto-release of an order's escrow after the grace window.
// ClaimToken is set by the sweep instance that owns the fire attempt.
type SettlementTimer struct {
	OrderID    uuid.UUID                   `gorm:"column:order_id;type:uuid;primaryKey"`
	ArmedAt    time.Time                   `gorm:"column:armed_at;not null"`
	FireAt     time.Time                   `gorm:"column:fire_at;not null;index"`
	Cancelled  bool                        `gorm:"column:cancelled;not null;default:false"`
	SkipReason *enums.SettlementSkipReason `gorm:"column:skip_reason;type:text"`
	ClaimToken *uuid.UUID                  `gorm:"column:claim_token;type:uuid"`
	ClaimedAt  *time.Time                  `gorm:"column:claimed_at"`
	FiredAt    *time.Time                  `gorm:"column:fired_at"`
	Attempts   int                         `gorm:"column:attempts;not null;default:0"`
	LastError  *string                     `gorm:"column:last_error"`
	CreatedAt  time.Time                   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

// Fired reports whether the timer already released funds.
func (t SettlementTimer) Fired() bool {
	return t.FiredAt != nil
}
