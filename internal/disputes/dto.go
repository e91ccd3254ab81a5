package disputes

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/money"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

// RaiseInput opens a dispute on behalf of a party to the order.
type RaiseInput struct {
	OrderID uuid.UUID
	Reason  string
	Actor   rbac.Actor
}

// EvidenceInput attaches a reference to externally stored material.
type EvidenceInput struct {
	DisputeID uuid.UUID
	Reference string
	Note      *string
	Actor     rbac.Actor
}

// ResolveInput closes a dispute. Amounts are only read for SPLIT.
type ResolveInput struct {
	DisputeID      uuid.UUID
	Resolution     enums.DisputeResolution
	AmountToBuyer  int64
	AmountToSeller int64
	Actor          rbac.Actor
}

// ListFilters narrows the admin queue.
type ListFilters struct {
	Status  *enums.DisputeStatus
	OrderID *uuid.UUID
}

// EvidenceDTO is the API view of one evidence reference.
type EvidenceDTO struct {
	ID          uuid.UUID       `json:"id"`
	SubmittedBy uuid.UUID       `json:"submitted_by"`
	Role        enums.ActorRole `json:"role"`
	Reference   string          `json:"reference"`
	Note        *string         `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DisputeDTO is the API view of a dispute.
type DisputeDTO struct {
	ID             uuid.UUID                `json:"id"`
	OrderID        uuid.UUID                `json:"order_id"`
	RaisedByID     uuid.UUID                `json:"raised_by_id"`
	RaisedByRole   enums.ActorRole          `json:"raised_by_role"`
	Reason         string                   `json:"reason"`
	Status         enums.DisputeStatus      `json:"status"`
	Resolution     *enums.DisputeResolution `json:"resolution,omitempty"`
	FrozenAmount   money.Amount             `json:"frozen_amount"`
	AmountToBuyer  money.Amount             `json:"amount_to_buyer"`
	AmountToSeller money.Amount             `json:"amount_to_seller"`
	ReviewerID     *uuid.UUID               `json:"reviewer_id,omitempty"`
	ResolvedBy     *uuid.UUID               `json:"resolved_by,omitempty"`
	ReviewedAt     *time.Time               `json:"reviewed_at,omitempty"`
	ResolvedAt     *time.Time               `json:"resolved_at,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	Evidence       []EvidenceDTO            `json:"evidence,omitempty"`
}

// DisputeList wraps a page of disputes.
type DisputeList struct {
	Disputes   []DisputeDTO `json:"disputes"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ToDTO renders a dispute for API responses.
func ToDTO(d models.Dispute) DisputeDTO {
	dto := DisputeDTO{
		ID:             d.ID,
		OrderID:        d.OrderID,
		RaisedByID:     d.RaisedByID,
		RaisedByRole:   d.RaisedByRole,
		Reason:         d.Reason,
		Status:         d.Status,
		Resolution:     d.Resolution,
		FrozenAmount:   money.NewAmount(d.FrozenAmount, ""),
		AmountToBuyer:  money.NewAmount(d.AmountToBuyer, ""),
		AmountToSeller: money.NewAmount(d.AmountToSeller, ""),
		ReviewerID:     d.ReviewerID,
		ResolvedBy:     d.ResolvedBy,
		ReviewedAt:     d.ReviewedAt,
		ResolvedAt:     d.ResolvedAt,
		CreatedAt:      d.CreatedAt,
	}
	for _, e := range d.Evidence {
		dto.Evidence = append(dto.Evidence, EvidenceDTO{
			ID:          e.ID,
			SubmittedBy: e.SubmittedBy,
			Role:        e.Role,
			Reference:   e.Reference,
			Note:        e.Note,
			CreatedAt:   e.CreatedAt,
		})
	}
	return dto
}
