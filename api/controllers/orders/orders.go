package orders

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/api/validators"
	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	internalorders "github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/internal/payments"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/money"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type OrderService interface {
	Create(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error)
	Get(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	List(ctx context.Context, filters internalorders.ListFilters, params pagination.Params) (*internalorders.OrderList, error)
}

type FulfillmentService interface {
	RequestPayment(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Confirm(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Ship(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	ConfirmDelivery(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)
}

type PaymentService interface {
	Capture(ctx context.Context, input payments.CaptureInput) (*models.Order, error)
}

type EscrowReader interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.EscrowAccount, error)
}

type LedgerReader interface {
	ListByOrder(ctx context.Context, orderID uuid.UUID, params pagination.Params) (*ledger.EntryPage, error)
}

type createOrderRequest struct {
	SellerID    uuid.UUID                  `json:"seller_id" validate:"required"`
	Currency    string                     `json:"currency" validate:"omitempty,currency"`
	TotalAmount int64                      `json:"total_amount" validate:"gt=0"`
	Items       []internalorders.ItemInput `json:"items" validate:"required,min=1,dive"`
}

type payOrderRequest struct {
	SourceID string `json:"source_id" validate:"required"`
}

type ledgerEntryDTO struct {
	ID             uuid.UUID             `json:"id"`
	Sequence       int64                 `json:"sequence"`
	Type           enums.LedgerEntryType `json:"type"`
	Amount         money.Amount          `json:"amount"`
	ActorID        uuid.UUID             `json:"actor_id"`
	ActorRole      enums.ActorRole       `json:"actor_role"`
	IdempotencyKey string                `json:"idempotency_key"`
	CreatedAt      time.Time             `json:"created_at"`
}

type ledgerPage struct {
	Entries    []ledgerEntryDTO `json:"entries"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Create places an order on behalf of the authenticated buyer.
func Create(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		currency := enums.CurrencyUSD
		if raw := strings.TrimSpace(payload.Currency); raw != "" {
			parsed, err := enums.ParseCurrency(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid currency"))
				return
			}
			currency = parsed
		}

		order, err := svc.Create(r.Context(), internalorders.CreateOrderInput{
			BuyerID:     actor.ID,
			SellerID:    payload.SellerID,
			Currency:    currency,
			TotalAmount: payload.TotalAmount,
			Items:       payload.Items,
			Actor:       actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internalorders.ToDTO(*order))
	}
}

// Detail returns one order when the caller is a party to it or an admin.
func Detail(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.ToDTO(*order))
	}
}

// List pages through the caller's orders. Buyers see purchases, sellers see
// sales, admins may filter by either party.
func List(svc OrderService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters, err := buildFilters(r, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.List(r.Context(), filters, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func RequestPayment(svc FulfillmentService, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(s FulfillmentService) transitionFunc { return s.RequestPayment })
}

func Confirm(svc FulfillmentService, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(s FulfillmentService) transitionFunc { return s.Confirm })
}

func Ship(svc FulfillmentService, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(s FulfillmentService) transitionFunc { return s.Ship })
}

func ConfirmDelivery(svc FulfillmentService, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(s FulfillmentService) transitionFunc { return s.ConfirmDelivery })
}

func Cancel(svc FulfillmentService, logg *logger.Logger) http.HandlerFunc {
	return transition(svc, logg, func(s FulfillmentService) transitionFunc { return s.Cancel })
}

// Pay captures the buyer's payment source and moves the order into escrow.
func Pay(svc PaymentService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload payOrderRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.Capture(r.Context(), payments.CaptureInput{
			OrderID:  orderID,
			SourceID: strings.TrimSpace(payload.SourceID),
			Actor:    actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.ToDTO(*order))
	}
}

// Escrow shows the escrow account backing an order the caller can see.
func Escrow(orderSvc OrderService, escrowSvc EscrowReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if orderSvc == nil || escrowSvc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := orderSvc.Get(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		account, err := escrowSvc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, escrow.ToDTO(*account, order.Currency))
	}
}

// Ledger pages through the append-only entries of an order in sequence order.
func Ledger(orderSvc OrderService, ledgerSvc LedgerReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if orderSvc == nil || ledgerSvc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := orderSvc.Get(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := ledgerSvc.ListByOrder(r.Context(), orderID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := ledgerPage{Entries: make([]ledgerEntryDTO, 0, len(page.Entries)), NextCursor: page.NextCursor}
		for _, entry := range page.Entries {
			out.Entries = append(out.Entries, ledgerEntryDTO{
				ID:             entry.ID,
				Sequence:       entry.Sequence,
				Type:           entry.Type,
				Amount:         money.NewAmount(entry.Amount, string(order.Currency)),
				ActorID:        entry.ActorID,
				ActorRole:      entry.ActorRole,
				IdempotencyKey: entry.IdempotencyKey,
				CreatedAt:      entry.CreatedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

type transitionFunc func(ctx context.Context, orderID uuid.UUID, actor rbac.Actor) (*models.Order, error)

func transition(svc FulfillmentService, logg *logger.Logger, pick func(FulfillmentService) transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "fulfillment service unavailable"))
			return
		}
		actor, orderID, err := actorAndOrder(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := pick(svc)(r.Context(), orderID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internalorders.ToDTO(*order))
	}
}

func actorAndOrder(r *http.Request) (rbac.Actor, uuid.UUID, error) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		return rbac.Actor{}, uuid.Nil, err
	}
	orderID, err := validators.ParseUUIDParam(r, "orderId")
	if err != nil {
		return rbac.Actor{}, uuid.Nil, err
	}
	return actor, orderID, nil
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{
		Limit:  limit,
		Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
	}, nil
}

func buildFilters(r *http.Request, actor rbac.Actor) (internalorders.ListFilters, error) {
	var filters internalorders.ListFilters

	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := enums.ParseOrderStatus(strings.ToUpper(raw))
		if err != nil {
			return filters, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		filters.Status = &status
	}

	switch actor.Role {
	case enums.ActorRoleCustomer:
		id := actor.ID
		filters.BuyerID = &id
	case enums.ActorRoleDealer, enums.ActorRoleManufacturer:
		id := actor.ID
		filters.PartyID = &id
	case enums.ActorRoleAdmin, enums.ActorRoleSystem:
		buyerID, err := validators.ParseQueryUUID(r, "buyer_id")
		if err != nil {
			return filters, err
		}
		sellerID, err := validators.ParseQueryUUID(r, "seller_id")
		if err != nil {
			return filters, err
		}
		filters.BuyerID = buyerID
		filters.SellerID = sellerID
	default:
		return filters, pkgerrors.New(pkgerrors.CodeForbidden, "role cannot list orders")
	}
	return filters, nil
}
