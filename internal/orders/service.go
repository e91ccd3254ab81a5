package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service owns the order aggregate and its state machine.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error)
	Transition(ctx context.Context, input TransitionInput) (*TransitionResult, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*TransitionResult, error)
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	now    func() time.Time
}

// NewService builds an order service with the required dependencies.
func NewService(repo Repository, tx txRunner, outbox outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		outbox: outbox,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if err := input.Actor.Validate(); err != nil {
		return nil, err
	}
	if input.BuyerID == uuid.Nil || input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller are required")
	}
	if input.BuyerID == input.SellerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller must differ")
	}
	if input.Actor.Role != enums.ActorRoleSystem && input.Actor.ID != input.BuyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "orders can only be placed by the buyer")
	}
	if input.Currency == "" {
		input.Currency = enums.CurrencyUSD
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency").
			WithDetails(map[string]any{"currency": input.Currency})
	}
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order requires at least one item")
	}

	order := &models.Order{
		BuyerID:     input.BuyerID,
		SellerID:    input.SellerID,
		Currency:    input.Currency,
		TotalAmount: input.TotalAmount,
		Status:      enums.OrderStatusCreated,
	}
	var sum int64
	for i, item := range input.Items {
		if item.ProductID == uuid.Nil || item.Quantity <= 0 || item.UnitPrice < 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order item").
				WithDetails(map[string]any{"index": i})
		}
		line := models.OrderItem{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice}
		sum += line.LineTotal()
		order.Items = append(order.Items, line)
	}
	if sum <= 0 || sum != input.TotalAmount {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must equal the sum of its items").
			WithDetails(map[string]any{"total": input.TotalAmount, "items_total": sum})
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			return dbpkg.WrapError(err, "create order")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         actorRef(input.Actor),
			Data: payloads.OrderPlacedEvent{
				OrderID:     order.ID,
				BuyerID:     order.BuyerID,
				SellerID:    order.SellerID,
				TotalAmount: order.TotalAmount,
				Currency:    order.Currency,
				ItemCount:   len(order.Items),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, notFoundOr(err, "load order")
	}
	if !IsParty(*order, actor) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func (s *service) List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error) {
	if filters.Status != nil && !filters.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)
	rows, err := s.repo.List(ctx, filters, cursor, pagination.LimitWithBuffer(limit))
	if err != nil {
		return nil, dbpkg.WrapError(err, "list orders")
	}

	list := &OrderList{Orders: make([]OrderDTO, 0, len(rows))}
	rows, last := pagination.Split(rows, limit)
	if last != nil {
		list.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	for _, row := range rows {
		list.Orders = append(list.Orders, ToDTO(row))
	}
	return list, nil
}

func (s *service) Transition(ctx context.Context, input TransitionInput) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.TransitionTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionTx applies one edge under the order row lock and records the
// matching outbox event in the same transaction.
func (s *service) TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*TransitionResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	if err := input.Actor.Validate(); err != nil {
		return nil, err
	}
	order, err := s.LockTx(ctx, tx, input.OrderID)
	if err != nil {
		return nil, err
	}

	from := order.Status
	to, err := Transition(from, input.Event, input.Resolution)
	if err != nil {
		return nil, err
	}

	now := s.now()
	updates := map[string]any{"status": to}
	if to == enums.OrderStatusDelivered {
		updates["delivered_at"] = now
		order.DeliveredAt = &now
	}
	if input.DisputeID != nil {
		updates["dispute_id"] = *input.DisputeID
		order.DisputeID = input.DisputeID
	}
	if input.GatewayRef != nil {
		updates["gateway_ref"] = *input.GatewayRef
		order.GatewayRef = input.GatewayRef
	}
	if err := s.repo.WithTx(tx).UpdateStatus(ctx, order.ID, updates); err != nil {
		return nil, dbpkg.WrapError(err, "update order status")
	}
	order.Status = to

	event := outbox.DomainEvent{
		EventType:     eventTypeFor(input.Event, to),
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actorRef(input.Actor),
		OccurredAt:    now,
		Data: payloads.OrderTransitionedEvent{
			OrderID:    order.ID,
			BuyerID:    order.BuyerID,
			SellerID:   order.SellerID,
			From:       from,
			To:         to,
			Event:      input.Event,
			Resolution: input.Resolution,
			At:         now,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return nil, err
	}
	return &TransitionResult{Order: order, From: from, To: to}, nil
}

// LockTx loads the order under its row lock. Every escrow, dispute and
// settlement write for an order goes through this critical section.
func (s *service) LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.repo.WithTx(tx).LockByID(ctx, orderID)
	if err != nil {
		return nil, notFoundOr(err, "lock order")
	}
	return order, nil
}

// IsParty reports whether actor may see the order.
func IsParty(order models.Order, actor rbac.Actor) bool {
	switch actor.Role {
	case enums.ActorRoleAdmin, enums.ActorRoleSystem:
		return true
	case enums.ActorRoleCustomer:
		return actor.ID == order.BuyerID
	default:
		// dealers buy from manufacturers and sell to customers
		return actor.ID == order.BuyerID || actor.ID == order.SellerID
	}
}

func actorRef(actor rbac.Actor) *outbox.ActorRef {
	return &outbox.ActorRef{ActorID: actor.ID, Role: actor.Role}
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return dbpkg.WrapError(err, op)
}
