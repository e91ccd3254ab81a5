package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

type Dispute struct {
	ID             uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID                `gorm:"column:order_id;type:uuid;not null;index"`
	RaisedByID     uuid.UUID                `gorm:"column:raised_by_id;type:uuid;not null"`
	RaisedByRole   enums.ActorRole          `gorm:"column:raised_by_role;type:text;not null"`
	Reason         string                   `gorm:"column:reason;not null"`
	Status         enums.DisputeStatus      `gorm:"column:status;type:text;not null;index"`
	Resolution     *enums.DisputeResolution `gorm:"column:resolution;type:text"`
	AmountToBuyer  int64                    `gorm:"column:amount_to_buyer;not null;default:0"`
	AmountToSeller int64                    `gorm:"column:amount_to_seller;not null;default:0"`
	FrozenAmount   int64                    `gorm:"column:frozen_amount;not null;default:0"`
	ReviewerID     *uuid.UUID               `gorm:"column:reviewer_id;type:uuid"`
	ResolvedBy     *uuid.UUID               `gorm:"column:resolved_by;type:uuid"`
	ReviewedAt     *time.Time               `gorm:"column:reviewed_at"`
	ResolvedAt     *time.Time               `gorm:"column:resolved_at"`
	CreatedAt      time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                `gorm:"column:updated_at;autoUpdateTime"`

	Evidence []DisputeEvidence `gorm:"foreignKey:DisputeID;references:ID"`
}

func (d *Dispute) BeforeCreate(*gorm.DB) error {
	ensureID(&d.ID)
	return nil
}

// DisputeEvidence references material stored by an external collaborator.
type DisputeEvidence struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	DisputeID   uuid.UUID       `gorm:"column:dispute_id;type:uuid;not null;index"`
	SubmittedBy uuid.UUID       `gorm:"column:submitted_by;type:uuid;not null"`
	Role        enums.ActorRole `gorm:"column:role;type:text;not null"`
	Reference   string          `gorm:"column:reference;not null"`
	Note        *string         `gorm:"column:note"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (DisputeEvidence) TableName() string { return "dispute_evidence" }

func (e *DisputeEvidence) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
