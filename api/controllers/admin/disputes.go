package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/api/validators"
	internaldisputes "github.com/angelmondragon/novamart-backend/internal/disputes"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type DisputeService interface {
	StartReview(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error)
	Resolve(ctx context.Context, input internaldisputes.ResolveInput) (*models.Dispute, error)
	List(ctx context.Context, filters internaldisputes.ListFilters, params pagination.Params) (*internaldisputes.DisputeList, error)
}

type resolveRequest struct {
	Resolution     string `json:"resolution" validate:"required"`
	AmountToBuyer  int64  `json:"amount_to_buyer" validate:"gte=0"`
	AmountToSeller int64  `json:"amount_to_seller" validate:"gte=0"`
}

// ListDisputes pages the dispute queue, optionally filtered by status or order.
func ListDisputes(svc DisputeService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		var filters internaldisputes.ListFilters
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseDisputeStatus(strings.ToUpper(raw))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			filters.Status = &status
		}
		if filters.OrderID, err = validators.ParseQueryUUID(r, "order_id"); err != nil {
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

// ReviewDispute claims an open dispute for the calling admin.
func ReviewDispute(svc DisputeService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, disputeID, err := actorAndDispute(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dispute, err := svc.StartReview(r.Context(), disputeID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internaldisputes.ToDTO(*dispute))
	}
}

// ResolveDispute records the decision and disburses the frozen escrow.
func ResolveDispute(svc DisputeService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, disputeID, err := actorAndDispute(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload resolveRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resolution, err := enums.ParseDisputeResolution(strings.ToUpper(strings.TrimSpace(payload.Resolution)))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid resolution"))
			return
		}

		dispute, err := svc.Resolve(r.Context(), internaldisputes.ResolveInput{
			DisputeID:      disputeID,
			Resolution:     resolution,
			AmountToBuyer:  payload.AmountToBuyer,
			AmountToSeller: payload.AmountToSeller,
			Actor:          actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"dispute_id": dispute.ID.String(),
				"order_id":   dispute.OrderID.String(),
				"resolution": string(resolution),
			})
			logg.Info(ctx, "dispute resolved")
		}
		responses.WriteSuccess(w, internaldisputes.ToDTO(*dispute))
	}
}

func actorAndDispute(r *http.Request) (rbac.Actor, uuid.UUID, error) {
	actor, err := middleware.RequireActor(r.Context())
	if err != nil {
		return rbac.Actor{}, uuid.Nil, err
	}
	disputeID, err := validators.ParseUUIDParam(r, "disputeId")
	if err != nil {
		return rbac.Actor{}, uuid.Nil, err
	}
	return actor, disputeID, nil
}
