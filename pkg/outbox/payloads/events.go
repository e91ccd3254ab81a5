package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// OrderPlacedEvent is emitted once the order and its items are persisted.
type OrderPlacedEvent struct {
	OrderID     uuid.UUID      `json:"order_id"`
	BuyerID     uuid.UUID      `json:"buyer_id"`
	SellerID    uuid.UUID      `json:"seller_id"`
	TotalAmount int64          `json:"total_amount"`
	Currency    enums.Currency `json:"currency"`
	ItemCount   int            `json:"item_count"`
}

// OrderTransitionedEvent accompanies every state machine edge.
type OrderTransitionedEvent struct {
	OrderID    uuid.UUID                `json:"order_id"`
	BuyerID    uuid.UUID                `json:"buyer_id"`
	SellerID   uuid.UUID                `json:"seller_id"`
	From       enums.OrderStatus        `json:"from"`
	To         enums.OrderStatus        `json:"to"`
	Event      enums.OrderEvent         `json:"event"`
	Resolution *enums.DisputeResolution `json:"resolution,omitempty"`
	At         time.Time                `json:"at"`
}

// DisputeRaisedEvent notifies parties that escrow is frozen pending mediation.
type DisputeRaisedEvent struct {
	DisputeID    uuid.UUID       `json:"dispute_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	RaisedByID   uuid.UUID       `json:"raised_by_id"`
	RaisedByRole enums.ActorRole `json:"raised_by_role"`
	Reason       string          `json:"reason"`
	FrozenAmount int64           `json:"frozen_amount"`
}

// DisputeResolvedEvent reports the admin outcome and resulting money movement.
type DisputeResolvedEvent struct {
	DisputeID      uuid.UUID               `json:"dispute_id"`
	OrderID        uuid.UUID               `json:"order_id"`
	Resolution     enums.DisputeResolution `json:"resolution"`
	AmountToBuyer  int64                   `json:"amount_to_buyer"`
	AmountToSeller int64                   `json:"amount_to_seller"`
	ResolvedBy     uuid.UUID               `json:"resolved_by"`
	OrderStatus    enums.OrderStatus       `json:"order_status"`
}

// EscrowIntegrityHaltedEvent alerts operators that writes on an order are blocked.
type EscrowIntegrityHaltedEvent struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}
