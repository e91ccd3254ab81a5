package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/square"
)

// CaptureRequest asks the gateway to take payment for an order.
type CaptureRequest struct {
	OrderID  uuid.UUID
	Amount   int64
	Currency enums.Currency
	SourceID string
}

// CaptureResult is the gateway's answer for one capture attempt.
type CaptureResult struct {
	Success     bool
	GatewayRef  string
	Status      string
	DeclineCode string
}

// Gateway captures buyer funds into the platform account.
type Gateway interface {
	CapturePayment(ctx context.Context, req CaptureRequest) (*CaptureResult, error)
}

type squareCharger interface {
	ChargeOrder(ctx context.Context, params square.ChargeParams) (*square.Charge, error)
}

// SquareGateway captures payments through the Square Payments API.
type SquareGateway struct {
	client squareCharger
}

func NewSquareGateway(client squareCharger) (*SquareGateway, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "square client required")
	}
	return &SquareGateway{client: client}, nil
}

// CapturePayment charges the buyer's source for the order total. A decline
// is reported as an unsuccessful result rather than an error.
func (g *SquareGateway) CapturePayment(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	if strings.TrimSpace(req.SourceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment source is required")
	}
	charge, err := g.client.ChargeOrder(ctx, square.ChargeParams{
		OrderID:     req.OrderID,
		AmountCents: req.Amount,
		Currency:    string(req.Currency),
		SourceID:    req.SourceID,
	})
	if err != nil {
		return nil, err
	}
	if charge.Captured() && charge.AmountCents != 0 && charge.AmountCents != req.Amount {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square captured a different amount").
			WithDetails(map[string]any{"expected": req.Amount, "captured": charge.AmountCents})
	}
	return &CaptureResult{
		Success:     charge.Captured(),
		GatewayRef:  charge.PaymentID,
		Status:      charge.Status,
		DeclineCode: charge.DeclineCode,
	}, nil
}
