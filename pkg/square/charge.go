package square

import (
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
)

// Payment statuses reported by Square.
const (
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusCanceled  = "CANCELED"
	StatusFailed    = "FAILED"
)

// ChargeParams describes one order capture.
type ChargeParams struct {
	OrderID     uuid.UUID
	AmountCents int64
	Currency    string
	SourceID    string
	BuyerEmail  string
}

// Charge is the part of a Square payment the settlement engine acts on.
type Charge struct {
	PaymentID   string
	OrderRef    string
	Status      string
	AmountCents int64
	Currency    string
	Declined    bool
	DeclineCode string
}

// Captured reports whether the funds are in the platform account.
func (c *Charge) Captured() bool {
	return c != nil && !c.Declined && c.Status == StatusCompleted
}

// IdempotencyKey is stable per order so Square deduplicates retried charges.
func (p ChargeParams) IdempotencyKey() string {
	return "order-" + p.OrderID.String()
}

func (p ChargeParams) validate() error {
	switch {
	case p.OrderID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	case p.AmountCents <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	case strings.TrimSpace(p.SourceID) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "payment source is required")
	}
	return nil
}

func (p ChargeParams) toSquareRequest(locationID string) *sq.CreatePaymentRequest {
	orderRef := p.OrderID.String()
	req := &sq.CreatePaymentRequest{
		IdempotencyKey: p.IdempotencyKey(),
		SourceID:       strings.TrimSpace(p.SourceID),
		AmountMoney:    moneyPtr(p.AmountCents, p.Currency),
		LocationID:     ptrString(locationID),
		ReferenceID:    ptrString(orderRef),
		Note:           ptrString("novamart order " + orderRef),
		Autocomplete:   boolPtr(true),
	}
	if email := strings.TrimSpace(p.BuyerEmail); email != "" {
		req.BuyerEmailAddress = ptrString(email)
	}
	return req
}

func chargeFromPayment(payment *sq.Payment) *Charge {
	if payment == nil {
		return nil
	}
	charge := &Charge{
		PaymentID: stringValue(payment.GetID()),
		OrderRef:  stringValue(payment.GetReferenceID()),
		Status:    stringValue(payment.GetStatus()),
	}
	if money := payment.GetAmountMoney(); money != nil {
		if money.Amount != nil {
			charge.AmountCents = *money.Amount
		}
		if money.Currency != nil {
			charge.Currency = string(*money.Currency)
		}
	}
	return charge
}

func ptrString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func boolPtr(value bool) *bool {
	return &value
}

func moneyPtr(amount int64, currency string) *sq.Money {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "USD"
	}
	c := sq.Currency(code)
	return &sq.Money{Amount: &amount, Currency: &c}
}
