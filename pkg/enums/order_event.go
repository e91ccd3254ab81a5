package enums

import "fmt"

// OrderEvent is an input to the order state machine.
type OrderEvent string

const (
	OrderEventPaymentRequested  OrderEvent = "PAYMENT_REQUESTED"
	OrderEventPaymentConfirmed  OrderEvent = "PAYMENT_CONFIRMED"
	OrderEventSellerConfirmed   OrderEvent = "SELLER_CONFIRMED"
	OrderEventShipped           OrderEvent = "SHIPPED"
	OrderEventDeliveryConfirmed OrderEvent = "DELIVERY_CONFIRMED"
	OrderEventDisputeRaised     OrderEvent = "DISPUTE_RAISED"
	OrderEventDisputeResolved   OrderEvent = "DISPUTE_RESOLVED"
	OrderEventFundsReleased     OrderEvent = "FUNDS_RELEASED"
	OrderEventCancelled         OrderEvent = "CANCELLED"
)

var validOrderEvents = []OrderEvent{
	OrderEventPaymentRequested,
	OrderEventPaymentConfirmed,
	OrderEventSellerConfirmed,
	OrderEventShipped,
	OrderEventDeliveryConfirmed,
	OrderEventDisputeRaised,
	OrderEventDisputeResolved,
	OrderEventFundsReleased,
	OrderEventCancelled,
}

// String implements fmt.Stringer.
func (e OrderEvent) String() string {
	return string(e)
}

// IsValid reports whether the value is a known OrderEvent.
func (e OrderEvent) IsValid() bool {
	for _, candidate := range validOrderEvents {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOrderEvent converts raw input into an OrderEvent.
func ParseOrderEvent(value string) (OrderEvent, error) {
	for _, candidate := range validOrderEvents {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order event %q", value)
}

// AllOrderEvents returns a copy of every known event.
func AllOrderEvents() []OrderEvent {
	out := make([]OrderEvent, len(validOrderEvents))
	copy(out, validOrderEvents)
	return out
}
