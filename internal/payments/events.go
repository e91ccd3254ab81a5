package payments

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/square"
)

// EventKind is the normalized outcome of an inbound payment notification.
type EventKind string

const (
	EventCaptured EventKind = "payment.captured"
	EventFailed   EventKind = "payment.failed"
	EventIgnored  EventKind = "ignored"

	squarePaymentUpdated = "payment.updated"
	squarePaymentCreated = "payment.created"
)

// Event is a verified gateway notification reduced to what settlement needs.
type Event struct {
	ID         string
	Kind       EventKind
	GatewayRef string
	OrderID    uuid.UUID
	Amount     int64
}

// WebhookEvent covers both the platform's own payment.captured/payment.failed
// envelope and Square's payment.created/payment.updated notifications.
type WebhookEvent struct {
	EventID string      `json:"event_id"`
	Type    string      `json:"type"`
	Data    WebhookData `json:"data"`
}

type WebhookData struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	GatewayRef string        `json:"gateway_ref"`
	OrderID    string        `json:"order_id"`
	Amount     int64         `json:"amount"`
	Object     WebhookObject `json:"object"`
}

type WebhookObject struct {
	Payment *SquarePayment `json:"payment"`
}

type SquarePayment struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	ReferenceID string       `json:"reference_id"`
	AmountMoney *SquareMoney `json:"amount_money"`
}

type SquareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// ParseEvent decodes a webhook body into an Event. Unknown types come back as
// EventIgnored so the caller can acknowledge them.
func ParseEvent(payload []byte) (*Event, error) {
	var raw WebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment event")
	}
	event := &Event{ID: strings.TrimSpace(raw.EventID)}

	var reference string
	switch strings.ToLower(strings.TrimSpace(raw.Type)) {
	case string(EventCaptured), string(EventFailed):
		event.Kind = EventKind(strings.ToLower(strings.TrimSpace(raw.Type)))
		event.GatewayRef = strings.TrimSpace(raw.Data.GatewayRef)
		event.Amount = raw.Data.Amount
		reference = raw.Data.OrderID
	case squarePaymentCreated, squarePaymentUpdated:
		payment := raw.Data.Object.Payment
		if payment == nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment payload missing")
		}
		switch strings.ToUpper(payment.Status) {
		case square.StatusCompleted:
			event.Kind = EventCaptured
		case square.StatusFailed, square.StatusCanceled:
			event.Kind = EventFailed
		default:
			event.Kind = EventIgnored
		}
		event.GatewayRef = strings.TrimSpace(payment.ID)
		if payment.AmountMoney != nil {
			event.Amount = payment.AmountMoney.Amount
		}
		reference = payment.ReferenceID
	default:
		event.Kind = EventIgnored
		return event, nil
	}

	if event.ID == "" {
		event.ID = raw.Data.ID
	}
	if event.ID == "" {
		event.ID = event.GatewayRef
	}
	if event.Kind == EventIgnored {
		return event, nil
	}
	if event.GatewayRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "gateway reference missing")
	}
	orderID, err := uuid.Parse(strings.TrimSpace(reference))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order reference is not a valid id")
	}
	event.OrderID = orderID
	return event, nil
}
