package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderService interface {
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*orders.TransitionResult, error)
}

type timerArmer interface {
	ArmTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, graceWindow time.Duration) (*models.SettlementTimer, error)
}

// Service drives the seller and buyer steps between payment and delivery.
type Service interface {
	RequestPayment(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Confirm(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Ship(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	ConfirmDelivery(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
}

type Deps struct {
	Tx          txRunner
	Orders      orderService
	Settlement  timerArmer
	Logger      *logger.Logger
	GraceWindow time.Duration
}

type service struct {
	tx          txRunner
	orders      orderService
	settlement  timerArmer
	logg        *logger.Logger
	graceWindow time.Duration
}

const defaultGraceWindow = 48 * time.Hour

func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order service required")
	case deps.Settlement == nil:
		return nil, fmt.Errorf("settlement scheduler required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	grace := deps.GraceWindow
	if grace <= 0 {
		grace = defaultGraceWindow
	}
	return &service{
		tx:          deps.Tx,
		orders:      deps.Orders,
		settlement:  deps.Settlement,
		logg:        deps.Logger,
		graceWindow: grace,
	}, nil
}

type party int

const (
	buyer party = iota
	seller
	either
)

type step struct {
	event enums.OrderEvent
	perm  rbac.Permission
	party party
}

var (
	requestPayment  = step{event: enums.OrderEventPaymentRequested, perm: rbac.PermOrderPay, party: buyer}
	sellerConfirm   = step{event: enums.OrderEventSellerConfirmed, perm: rbac.PermOrderConfirm, party: seller}
	ship            = step{event: enums.OrderEventShipped, perm: rbac.PermOrderShip, party: seller}
	confirmDelivery = step{event: enums.OrderEventDeliveryConfirmed, perm: rbac.PermOrderDeliver, party: buyer}
	cancel          = step{event: enums.OrderEventCancelled, perm: rbac.PermOrderCancel, party: either}
)

func (s *service) RequestPayment(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	return s.apply(ctx, requestPayment, orderID, actor)
}

func (s *service) Confirm(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	return s.apply(ctx, sellerConfirm, orderID, actor)
}

func (s *service) Ship(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	return s.apply(ctx, ship, orderID, actor)
}

// ConfirmDelivery marks the order delivered and arms the auto-release timer
// in the same transaction.
func (s *service) ConfirmDelivery(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	return s.apply(ctx, confirmDelivery, orderID, actor)
}

// Cancel is only reachable before payment; the state machine rejects it later.
func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	return s.apply(ctx, cancel, orderID, actor)
}

func (s *service) apply(ctx context.Context, st step, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error) {
	if err := rbac.Authorize(actor, st.perm); err != nil {
		return nil, err
	}
	var order *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.orders.LockTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !allowed(st.party, *locked, actor) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "actor is not permitted to act on this order")
		}
		result, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID: orderID,
			Event:   st.event,
			Actor:   actor,
		})
		if err != nil {
			return err
		}
		order = result.Order
		if result.To == enums.OrderStatusDelivered {
			if _, err := s.settlement.ArmTx(ctx, tx, orderID, s.graceWindow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"order_id": orderID.String(),
		"event":    string(st.event),
		"status":   string(order.Status),
	}), "fulfillment.transitioned")
	return order, nil
}

func allowed(p party, order models.Order, actor rbac.Actor) bool {
	switch actor.Role {
	case enums.ActorRoleAdmin, enums.ActorRoleSystem:
		return p == either
	}
	switch p {
	case buyer:
		return actor.ID == order.BuyerID
	case seller:
		return actor.ID == order.SellerID
	default:
		return actor.ID == order.BuyerID || actor.ID == order.SellerID
	}
}
