package escrow

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/money"
)

// AccountDTO is the API view of an escrow account.
type AccountDTO struct {
	OrderID           uuid.UUID         `json:"order_id"`
	State             enums.EscrowState `json:"state"`
	Held              money.Amount      `json:"held"`
	Released          money.Amount      `json:"released"`
	Refunded          money.Amount      `json:"refunded"`
	Live              money.Amount      `json:"live"`
	Version           int64             `json:"version"`
	IntegrityHaltedAt *time.Time        `json:"integrity_halted_at,omitempty"`
	IntegrityReason   *string           `json:"integrity_reason,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ToDTO renders an account in the given currency.
func ToDTO(account models.EscrowAccount, currency enums.Currency) AccountDTO {
	c := string(currency)
	return AccountDTO{
		OrderID:           account.OrderID,
		State:             account.State,
		Held:              money.NewAmount(account.HeldAmount, c),
		Released:          money.NewAmount(account.ReleasedAmount, c),
		Refunded:          money.NewAmount(account.RefundedAmount, c),
		Live:              money.NewAmount(account.LiveAmount(), c),
		Version:           account.Version,
		IntegrityHaltedAt: account.IntegrityHaltedAt,
		IntegrityReason:   account.IntegrityReason,
		UpdatedAt:         account.UpdatedAt,
	}
}
