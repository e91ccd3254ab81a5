package enums

// OutboxAggregateType names the aggregate an outbox row belongs to. Rows of
// the same aggregate are published with the aggregate id as ordering key.
type OutboxAggregateType string

const (
	AggregateOrder   OutboxAggregateType = "order"
	AggregateDispute OutboxAggregateType = "dispute"
	AggregateEscrow  OutboxAggregateType = "escrow"
)

func (a OutboxAggregateType) IsValid() bool {
	switch a {
	case AggregateOrder, AggregateDispute, AggregateEscrow:
		return true
	}
	return false
}

// OutboxEventType is the event_type column and the event_type attribute on
// every published message.
type OutboxEventType string

const (
	EventOrderPlaced          OutboxEventType = "ORDER.PLACED"
	EventOrderAwaitingPayment OutboxEventType = "ORDER.AWAITING_PAYMENT"
	EventOrderPaid            OutboxEventType = "ORDER.PAID"
	EventOrderConfirmed       OutboxEventType = "ORDER.CONFIRMED"
	EventOrderShipped         OutboxEventType = "ORDER.SHIPPED"
	EventOrderDelivered       OutboxEventType = "ORDER.DELIVERED"
	EventOrderDisputed        OutboxEventType = "ORDER.DISPUTED"
	EventOrderSettled         OutboxEventType = "ORDER.SETTLED"
	EventOrderResolved        OutboxEventType = "ORDER.RESOLVED"
	EventOrderRefunded        OutboxEventType = "ORDER.REFUNDED"
	EventOrderCancelled       OutboxEventType = "ORDER.CANCELLED"
	EventDisputeRaised        OutboxEventType = "DISPUTE.RAISED"
	EventDisputeResolved      OutboxEventType = "DISPUTE.RESOLVED"
	EventEscrowIntegrityHalt  OutboxEventType = "ESCROW.INTEGRITY_HALTED"
)

var knownOutboxEventTypes = map[OutboxEventType]struct{}{
	EventOrderPlaced:          {},
	EventOrderAwaitingPayment: {},
	EventOrderPaid:            {},
	EventOrderConfirmed:       {},
	EventOrderShipped:         {},
	EventOrderDelivered:       {},
	EventOrderDisputed:        {},
	EventOrderSettled:         {},
	EventOrderResolved:        {},
	EventOrderRefunded:        {},
	EventOrderCancelled:       {},
	EventDisputeRaised:        {},
	EventDisputeResolved:      {},
	EventEscrowIntegrityHalt:  {},
}

func (e OutboxEventType) IsValid() bool {
	_, ok := knownOutboxEventTypes[e]
	return ok
}

// OutboxDLQErrorReason says why a row was moved to outbox_dlq.
type OutboxDLQErrorReason string

const (
	// OutboxDLQReasonMaxAttempts: retryable failures used up the attempt budget.
	OutboxDLQReasonMaxAttempts OutboxDLQErrorReason = "max_attempts"
	// OutboxDLQReasonNonRetryable: the row can never be delivered as stored.
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
