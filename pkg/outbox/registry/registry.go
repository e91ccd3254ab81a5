// Package registry routes outbox rows to topics and decodes their payloads
// into the typed structs of the payloads package.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/payloads"
)

type stream int

const (
	domainStream stream = iota
	disputeStream
)

// EventDescriptor is the routing entry for one event type.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
	newPayload    func() any
}

type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

type catalogEntry struct {
	aggregate  enums.OutboxAggregateType
	stream     stream
	newPayload func() any
}

func orderTransition() any { return &payloads.OrderTransitionedEvent{} }

// catalog lists every event the publisher can deliver. Escrow halts ride the
// domain stream so they stay ordered with the order events they interrupt.
var catalog = map[enums.OutboxEventType]catalogEntry{
	enums.EventOrderPlaced:          {enums.AggregateOrder, domainStream, func() any { return &payloads.OrderPlacedEvent{} }},
	enums.EventOrderAwaitingPayment: {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderPaid:            {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderConfirmed:       {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderShipped:         {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderDelivered:       {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderDisputed:        {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderSettled:         {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderResolved:        {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderRefunded:        {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventOrderCancelled:       {enums.AggregateOrder, domainStream, orderTransition},
	enums.EventDisputeRaised:        {enums.AggregateDispute, disputeStream, func() any { return &payloads.DisputeRaisedEvent{} }},
	enums.EventDisputeResolved:      {enums.AggregateDispute, disputeStream, func() any { return &payloads.DisputeResolvedEvent{} }},
	enums.EventEscrowIntegrityHalt:  {enums.AggregateEscrow, domainStream, func() any { return &payloads.EscrowIntegrityHaltedEvent{} }},
}

type EventRegistry struct {
	descriptors map[enums.OutboxEventType]EventDescriptor
}

// NewEventRegistry binds the catalog to concrete topic names. An empty
// disputeTopic sends dispute events to the domain topic.
func NewEventRegistry(domainTopic, disputeTopic string) (*EventRegistry, error) {
	if domainTopic == "" {
		return nil, errors.New("domain topic is required")
	}
	if disputeTopic == "" {
		disputeTopic = domainTopic
	}
	topics := map[stream]string{domainStream: domainTopic, disputeStream: disputeTopic}

	descriptors := make(map[enums.OutboxEventType]EventDescriptor, len(catalog))
	for eventType, entry := range catalog {
		descriptors[eventType] = EventDescriptor{
			EventType:     eventType,
			AggregateType: entry.aggregate,
			Topic:         topics[entry.stream],
			newPayload:    entry.newPayload,
		}
	}
	return &EventRegistry{descriptors: descriptors}, nil
}

// Resolve checks a row against its descriptor and decodes the payload. Every
// error it returns is a NonRetryableError: the row is broken as stored.
func (r *EventRegistry) Resolve(row models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.descriptors[row.EventType]
	if !ok {
		return nil, nonRetryable("unsupported event type %s", row.EventType)
	}
	if row.AggregateType != desc.AggregateType {
		return nil, nonRetryable("%s expects aggregate %s, row has %s", row.EventType, desc.AggregateType, row.AggregateType)
	}
	if row.AggregateID == uuid.Nil {
		return nil, nonRetryable("%s row %s has no aggregate id", row.EventType, row.ID)
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(row.Payload, &envelope); err != nil {
		return nil, nonRetryable("decode envelope of %s: %w", row.ID, err)
	}
	if envelope.EventID == "" {
		envelope.EventID = row.ID.String()
	}
	data := bytes.TrimSpace(envelope.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nonRetryable("%s row %s has an empty payload", row.EventType, row.ID)
	}

	payload := desc.newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, nonRetryable("decode %s payload: %w", row.EventType, err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}

func nonRetryable(format string, args ...any) error {
	return NewNonRetryableError(fmt.Errorf(format, args...))
}
