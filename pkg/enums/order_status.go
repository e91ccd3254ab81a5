package enums

import "fmt"

// OrderStatus tracks the settlement lifecycle of an order.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusConfirmed       OrderStatus = "CONFIRMED"
	OrderStatusShipped         OrderStatus = "SHIPPED"
	OrderStatusDelivered       OrderStatus = "DELIVERED"
	OrderStatusDisputed        OrderStatus = "DISPUTED"
	OrderStatusResolved        OrderStatus = "RESOLVED"
	OrderStatusRefunded        OrderStatus = "REFUNDED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusAwaitingPayment,
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusDisputed,
	OrderStatusResolved,
	OrderStatusRefunded,
	OrderStatusCancelled,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known OrderStatus.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are accepted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusResolved, OrderStatusRefunded, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// AllowsDispute reports whether a dispute may be opened from this status.
func (s OrderStatus) AllowsDispute() bool {
	switch s {
	case OrderStatusPaid, OrderStatusConfirmed, OrderStatusShipped, OrderStatusDelivered:
		return true
	default:
		return false
	}
}

// ParseOrderStatus converts raw input into an OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

// AllOrderStatuses returns a copy of every known status.
func AllOrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(validOrderStatuses))
	copy(out, validOrderStatuses)
	return out
}
