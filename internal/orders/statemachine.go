package orders

import (
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
)

type edge struct {
	from  enums.OrderStatus
	event enums.OrderEvent
}

var edges = map[edge]enums.OrderStatus{
	{enums.OrderStatusCreated, enums.OrderEventPaymentRequested}:         enums.OrderStatusAwaitingPayment,
	{enums.OrderStatusAwaitingPayment, enums.OrderEventPaymentConfirmed}: enums.OrderStatusPaid,
	{enums.OrderStatusPaid, enums.OrderEventSellerConfirmed}:             enums.OrderStatusConfirmed,
	{enums.OrderStatusConfirmed, enums.OrderEventShipped}:                enums.OrderStatusShipped,
	{enums.OrderStatusShipped, enums.OrderEventDeliveryConfirmed}:        enums.OrderStatusDelivered,
	{enums.OrderStatusDelivered, enums.OrderEventFundsReleased}:          enums.OrderStatusResolved,
	{enums.OrderStatusPaid, enums.OrderEventDisputeRaised}:               enums.OrderStatusDisputed,
	{enums.OrderStatusConfirmed, enums.OrderEventDisputeRaised}:          enums.OrderStatusDisputed,
	{enums.OrderStatusShipped, enums.OrderEventDisputeRaised}:            enums.OrderStatusDisputed,
	{enums.OrderStatusDelivered, enums.OrderEventDisputeRaised}:          enums.OrderStatusDisputed,
	{enums.OrderStatusDisputed, enums.OrderEventDisputeResolved}:         enums.OrderStatusResolved,
	{enums.OrderStatusCreated, enums.OrderEventCancelled}:                enums.OrderStatusCancelled,
	{enums.OrderStatusAwaitingPayment, enums.OrderEventCancelled}:        enums.OrderStatusCancelled,
}

// Transition returns the status reached by applying event to from. A dispute
// resolved in the buyer's favour lands on REFUNDED instead of RESOLVED.
func Transition(from enums.OrderStatus, event enums.OrderEvent, resolution *enums.DisputeResolution) (enums.OrderStatus, error) {
	if !event.IsValid() {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "unknown order event").
			WithDetails(map[string]any{"event": event})
	}
	if from.IsTerminal() {
		return "", invalidTransition(from, event, "order is in a terminal state")
	}
	to, ok := edges[edge{from: from, event: event}]
	if !ok {
		return "", invalidTransition(from, event, "no transition for event")
	}
	if event == enums.OrderEventDisputeResolved {
		if resolution == nil || !resolution.IsValid() {
			return "", pkgerrors.New(pkgerrors.CodeValidation, "dispute resolution is required")
		}
		if *resolution == enums.DisputeResolutionRefundBuyer {
			to = enums.OrderStatusRefunded
		}
	}
	return to, nil
}

// CanTransition reports whether event has an edge out of from.
func CanTransition(from enums.OrderStatus, event enums.OrderEvent) bool {
	if from.IsTerminal() {
		return false
	}
	_, ok := edges[edge{from: from, event: event}]
	return ok
}

func invalidTransition(from enums.OrderStatus, event enums.OrderEvent, message string) error {
	return pkgerrors.New(pkgerrors.CodeInvalidTransition, message).
		WithDetails(map[string]any{"from": from, "event": event})
}

// eventTypeFor names the outbox event announcing arrival in a status. Leaving
// DELIVERED through the settlement sweep is reported as a settlement.
func eventTypeFor(event enums.OrderEvent, to enums.OrderStatus) enums.OutboxEventType {
	if event == enums.OrderEventFundsReleased {
		return enums.EventOrderSettled
	}
	switch to {
	case enums.OrderStatusAwaitingPayment:
		return enums.EventOrderAwaitingPayment
	case enums.OrderStatusPaid:
		return enums.EventOrderPaid
	case enums.OrderStatusConfirmed:
		return enums.EventOrderConfirmed
	case enums.OrderStatusShipped:
		return enums.EventOrderShipped
	case enums.OrderStatusDelivered:
		return enums.EventOrderDelivered
	case enums.OrderStatusDisputed:
		return enums.EventOrderDisputed
	case enums.OrderStatusRefunded:
		return enums.EventOrderRefunded
	case enums.OrderStatusCancelled:
		return enums.EventOrderCancelled
	default:
		return enums.EventOrderResolved
	}
}
