package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// Order is the aggregate root for escrow, ledger, disputes and settlement timers.
// Its row lock is the per-order critical section.
type Order struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID     uuid.UUID         `gorm:"column:buyer_id;type:uuid;not null;index"`
	SellerID    uuid.UUID         `gorm:"column:seller_id;type:uuid;not null;index"`
	TotalAmount int64             `gorm:"column:total_amount;not null"`
	Currency    enums.Currency    `gorm:"column:currency;type:text;not null;default:'USD'"`
	Status      enums.OrderStatus `gorm:"column:status;type:text;not null"`
	DisputeID   *uuid.UUID        `gorm:"column:dispute_id;type:uuid"`
	GatewayRef  *string           `gorm:"column:gateway_ref"`
	DeliveredAt *time.Time        `gorm:"column:delivered_at"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:ID"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}

// OrderItem is an immutable line captured at checkout.
type OrderItem struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID uuid.UUID `gorm:"column:product_id;type:uuid;not null"`
	Quantity  int64     `gorm:"column:qty;not null"`
	UnitPrice int64     `gorm:"column:unit_price;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	ensureID(&i.ID)
	return nil
}

// LineTotal returns qty × unit price in minor units.
func (i OrderItem) LineTotal() int64 {
	return i.Quantity * i.UnitPrice
}
