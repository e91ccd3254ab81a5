package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
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
	Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input orders.TransitionInput) (*orders.TransitionResult, error)
}

type escrowService interface {
	HoldTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error)
	HaltOnIntegrity(ctx context.Context, orderID uuid.UUID, err error)
}

// CaptureInput is a buyer paying for an order awaiting payment.
type CaptureInput struct {
	OrderID  uuid.UUID
	SourceID string
	Actor    rbac.Actor
}

// Service turns gateway outcomes into escrow holds and order transitions.
type Service interface {
	Capture(ctx context.Context, input CaptureInput) (*models.Order, error)
	HandleEvent(ctx context.Context, event *Event) error
}

type Deps struct {
	Gateway Gateway
	Tx      txRunner
	Orders  orderService
	Escrow  escrowService
	Logger  *logger.Logger
}

type service struct {
	gateway Gateway
	tx      txRunner
	orders  orderService
	escrow  escrowService
	logg    *logger.Logger
}

func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Gateway == nil:
		return nil, fmt.Errorf("payment gateway required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Orders == nil:
		return nil, fmt.Errorf("order service required")
	case deps.Escrow == nil:
		return nil, fmt.Errorf("escrow service required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		gateway: deps.Gateway,
		tx:      deps.Tx,
		orders:  deps.Orders,
		escrow:  deps.Escrow,
		logg:    deps.Logger,
	}, nil
}

// HoldKey is the escrow idempotency key for a captured payment.
func HoldKey(gatewayRef string) string {
	return "payment:" + gatewayRef
}

func (s *service) Capture(ctx context.Context, input CaptureInput) (*models.Order, error) {
	if err := rbac.Authorize(input.Actor, rbac.PermOrderPay); err != nil {
		return nil, err
	}
	order, err := s.orders.Get(ctx, input.OrderID, input.Actor)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != input.Actor.ID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "only the buyer may pay for an order")
	}
	if order.Status != enums.OrderStatusAwaitingPayment {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidTransition, "order is not awaiting payment").
			WithDetails(map[string]any{"order_status": order.Status})
	}

	result, err := s.gateway.CapturePayment(ctx, CaptureRequest{
		OrderID:  order.ID,
		Amount:   order.TotalAmount,
		Currency: order.Currency,
		SourceID: input.SourceID,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"order_id":     order.ID.String(),
			"gateway_ref":  result.GatewayRef,
			"status":       result.Status,
			"decline_code": result.DeclineCode,
		}), "payments.capture_declined")
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment was not captured").
			WithDetails(map[string]any{"status": result.Status, "decline_code": result.DeclineCode})
	}

	if err := s.confirm(ctx, order.ID, result.GatewayRef, order.TotalAmount); err != nil {
		return nil, err
	}
	return s.orders.Get(ctx, order.ID, input.Actor)
}

// HandleEvent applies a verified webhook. Captured payments are held in escrow
// and confirm the order; failed payments cancel an unpaid order.
func (s *service) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment event required")
	}
	switch event.Kind {
	case EventCaptured:
		return s.confirm(ctx, event.OrderID, event.GatewayRef, event.Amount)
	case EventFailed:
		return s.fail(ctx, event.OrderID, event.GatewayRef)
	default:
		return nil
	}
}

func (s *service) confirm(ctx context.Context, orderID uuid.UUID, gatewayRef string, amount int64) error {
	gatewayRef = strings.TrimSpace(gatewayRef)
	if gatewayRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "gateway reference is required")
	}
	system := rbac.System()
	replayed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.LockTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if amount <= 0 {
			amount = order.TotalAmount
		}
		held, err := s.escrow.HoldTx(ctx, tx, escrow.Input{
			OrderID:        order.ID,
			Amount:         amount,
			Actor:          system,
			IdempotencyKey: HoldKey(gatewayRef),
		})
		if err != nil {
			return err
		}
		if held.Replayed && order.Status != enums.OrderStatusAwaitingPayment {
			replayed = true
			return nil
		}
		_, err = s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID:    order.ID,
			Event:      enums.OrderEventPaymentConfirmed,
			GatewayRef: &gatewayRef,
			Actor:      system,
		})
		return err
	})
	if err != nil {
		s.escrow.HaltOnIntegrity(ctx, orderID, err)
		return err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"order_id":    orderID.String(),
		"gateway_ref": gatewayRef,
		"replayed":    replayed,
	})
	s.logg.Info(ctx, "payments.captured")
	return nil
}

func (s *service) fail(ctx context.Context, orderID uuid.UUID, gatewayRef string) error {
	cancelled := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.orders.LockTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !orders.CanTransition(order.Status, enums.OrderEventCancelled) {
			return nil
		}
		if _, err := s.orders.TransitionTx(ctx, tx, orders.TransitionInput{
			OrderID: order.ID,
			Event:   enums.OrderEventCancelled,
			Actor:   rbac.System(),
		}); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return err
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"order_id":    orderID.String(),
		"gateway_ref": gatewayRef,
	})
	if !cancelled {
		s.logg.Warn(ctx, "payments.failure_ignored")
		return nil
	}
	s.logg.Info(ctx, "payments.failed")
	return nil
}
