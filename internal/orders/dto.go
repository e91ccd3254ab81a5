package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/money"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

// ItemInput is a single checkout line.
type ItemInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"required,gt=0"`
	UnitPrice int64     `json:"unit_price" validate:"gte=0"`
}

// CreateOrderInput captures a placed order. TotalAmount must equal the sum
// of the line totals.
type CreateOrderInput struct {
	BuyerID     uuid.UUID
	SellerID    uuid.UUID
	Currency    enums.Currency
	TotalAmount int64
	Items       []ItemInput
	Actor       rbac.Actor
}

// TransitionInput drives a single state machine edge.
type TransitionInput struct {
	OrderID    uuid.UUID
	Event      enums.OrderEvent
	Resolution *enums.DisputeResolution
	DisputeID  *uuid.UUID
	GatewayRef *string
	Actor      rbac.Actor
}

// TransitionResult reports the edge that was applied.
type TransitionResult struct {
	Order *models.Order
	From  enums.OrderStatus
	To    enums.OrderStatus
}

// ListFilters narrows the order list. Parties only ever see their own orders.
// PartyID matches orders on either side.
type ListFilters struct {
	BuyerID  *uuid.UUID
	SellerID *uuid.UUID
	PartyID  *uuid.UUID
	Status   *enums.OrderStatus
}

// ItemDTO is the API shape of an order line.
type ItemDTO struct {
	ID        uuid.UUID    `json:"id"`
	ProductID uuid.UUID    `json:"product_id"`
	Quantity  int64        `json:"quantity"`
	UnitPrice money.Amount `json:"unit_price"`
	LineTotal money.Amount `json:"line_total"`
}

// OrderDTO is the API shape of an order.
type OrderDTO struct {
	ID          uuid.UUID         `json:"id"`
	BuyerID     uuid.UUID         `json:"buyer_id"`
	SellerID    uuid.UUID         `json:"seller_id"`
	Status      enums.OrderStatus `json:"status"`
	Total       money.Amount      `json:"total"`
	DisputeID   *uuid.UUID        `json:"dispute_id,omitempty"`
	GatewayRef  *string           `json:"gateway_ref,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Items       []ItemDTO         `json:"items,omitempty"`
}

// OrderList wraps a page of orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ToDTO renders an order for API responses.
func ToDTO(order models.Order) OrderDTO {
	currency := string(order.Currency)
	dto := OrderDTO{
		ID:          order.ID,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		Status:      order.Status,
		Total:       money.NewAmount(order.TotalAmount, currency),
		DisputeID:   order.DisputeID,
		GatewayRef:  order.GatewayRef,
		DeliveredAt: order.DeliveredAt,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
	for _, item := range order.Items {
		dto.Items = append(dto.Items, ItemDTO{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: money.NewAmount(item.UnitPrice, currency),
			LineTotal: money.NewAmount(item.LineTotal(), currency),
		})
	}
	return dto
}
