package disputes

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/api/validators"
	internaldisputes "github.com/angelmondragon/novamart-backend/internal/disputes"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

const (
	maxReasonLength    = 2000
	maxReferenceLength = 512
	maxNoteLength      = 2000
)

type Service interface {
	Raise(ctx context.Context, input internaldisputes.RaiseInput) (*models.Dispute, error)
	AddEvidence(ctx context.Context, input internaldisputes.EvidenceInput) (*models.DisputeEvidence, error)
	Get(ctx context.Context, disputeID uuid.UUID, actor rbac.Actor) (*models.Dispute, error)
}

type raiseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type evidenceRequest struct {
	Reference string  `json:"reference" validate:"required"`
	Note      *string `json:"note"`
}

// Raise opens a dispute against an order the caller is party to.
func Raise(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
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

		var payload raiseRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		dispute, err := svc.Raise(r.Context(), internaldisputes.RaiseInput{
			OrderID: orderID,
			Reason:  validators.SanitizeString(payload.Reason, maxReasonLength),
			Actor:   actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			ctx := logg.WithFields(r.Context(), map[string]any{
				"dispute_id": dispute.ID.String(),
				"order_id":   orderID.String(),
			})
			logg.Info(ctx, "dispute raised")
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internaldisputes.ToDTO(*dispute))
	}
}

// Detail returns a dispute with its evidence trail.
func Detail(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		disputeID, err := validators.ParseUUIDParam(r, "disputeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		dispute, err := svc.Get(r.Context(), disputeID, actor)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, internaldisputes.ToDTO(*dispute))
	}
}

// AddEvidence attaches a reference (document id, tracking number, message
// link) to an unresolved dispute.
func AddEvidence(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "disputes service unavailable"))
			return
		}
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		disputeID, err := validators.ParseUUIDParam(r, "disputeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload evidenceRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var note *string
		if payload.Note != nil {
			if trimmed := validators.SanitizeString(*payload.Note, maxNoteLength); trimmed != "" {
				note = &trimmed
			}
		}

		evidence, err := svc.AddEvidence(r.Context(), internaldisputes.EvidenceInput{
			DisputeID: disputeID,
			Reference: validators.SanitizeString(payload.Reference, maxReferenceLength),
			Note:      note,
			Actor:     actor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, internaldisputes.EvidenceDTO{
			ID:          evidence.ID,
			SubmittedBy: evidence.SubmittedBy,
			Role:        evidence.Role,
			Reference:   evidence.Reference,
			Note:        evidence.Note,
			CreatedAt:   evidence.CreatedAt,
		})
	}
}
