package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/api/validators"
	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type EscrowService interface {
	Freeze(ctx context.Context, input escrow.Input) (*escrow.Result, error)
	Unfreeze(ctx context.Context, input escrow.Input) (*escrow.Result, error)
	Release(ctx context.Context, input escrow.Input) (*escrow.Result, error)
	Refund(ctx context.Context, input escrow.Input) (*escrow.Result, error)
	Reconcile(ctx context.Context, orderID uuid.UUID) (*escrow.ReconcileReport, error)
}

type OrderReader interface {
	Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
}

type SettlementTicker interface {
	Tick(ctx context.Context) (*settlement.TickResult, error)
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type escrowOpResponse struct {
	Account  escrow.AccountDTO `json:"account"`
	Sequence *int64            `json:"sequence,omitempty"`
	Replayed bool              `json:"replayed"`
}

type escrowOp func(ctx context.Context, input escrow.Input) (*escrow.Result, error)

func ReleaseEscrow(svc EscrowService, orders OrderReader, logg *logger.Logger) http.HandlerFunc {
	return escrowMutation(svc, orders, logg, "release", true, func(s EscrowService) escrowOp { return s.Release })
}

func RefundEscrow(svc EscrowService, orders OrderReader, logg *logger.Logger) http.HandlerFunc {
	return escrowMutation(svc, orders, logg, "refund", true, func(s EscrowService) escrowOp { return s.Refund })
}

func FreezeEscrow(svc EscrowService, orders OrderReader, logg *logger.Logger) http.HandlerFunc {
	return escrowMutation(svc, orders, logg, "freeze", false, func(s EscrowService) escrowOp { return s.Freeze })
}

func UnfreezeEscrow(svc EscrowService, orders OrderReader, logg *logger.Logger) http.HandlerFunc {
	return escrowMutation(svc, orders, logg, "unfreeze", false, func(s EscrowService) escrowOp { return s.Unfreeze })
}

// escrowMutation runs one manual escrow operation. The Idempotency-Key header
// becomes the ledger key, so a retried request never moves money twice even
// after the HTTP replay cache expires.
func escrowMutation(svc EscrowService, orders OrderReader, logg *logger.Logger, op string, withAmount bool, pick func(EscrowService) escrowOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || orders == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		key := middleware.IdempotencyKeyFromRequest(r)
		if key == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header is required"))
			return
		}

		var amount int64
		if withAmount {
			var payload amountRequest
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			amount = payload.Amount
		}

		order, err := orders.Get(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := pick(svc)(r.Context(), escrow.Input{
			OrderID:        orderID,
			Amount:         amount,
			Actor:          actor,
			IdempotencyKey: "admin:" + op + ":" + key,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := escrowOpResponse{
			Account:  escrow.ToDTO(*result.Account, order.Currency),
			Replayed: result.Replayed,
		}
		if result.Entry != nil {
			seq := result.Entry.Sequence
			resp.Sequence = &seq
		}
		if logg != nil {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"order_id": orderID.String(),
				"op":       op,
				"amount":   amount,
				"replayed": result.Replayed,
			})
			logg.Info(ctx, "manual escrow operation applied")
		}
		responses.WriteSuccess(w, resp)
	}
}

// ReconcileEscrow refolds the ledger for one order and reports any drift.
func ReconcileEscrow(svc EscrowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := svc.Reconcile(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, report)
	}
}

// SettlementTick runs one sweep immediately instead of waiting for the cron.
func SettlementTick(svc SettlementTicker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "settlement service unavailable"))
			return
		}
		result, err := svc.Tick(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
