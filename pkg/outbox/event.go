// Package outbox records domain events in the same transaction as the state
// change they describe. A separate publisher drains the table.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

const envelopeVersion = 1

// DomainEvent is what services hand to Emit. Data is any JSON-encodable
// value, usually one of the payloads package types.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	// Version defaults to 1; OccurredAt defaults to now.
	Version    int
	OccurredAt time.Time
}

type ActorRef struct {
	ActorID uuid.UUID       `json:"actorId"`
	Role    enums.ActorRole `json:"role,omitempty"`
}

// PayloadEnvelope is the JSON stored in outbox_events.payload. EventID
// equals the row id, which consumers use for deduplication.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func (e DomainEvent) validate() error {
	switch {
	case !e.EventType.IsValid():
		return fmt.Errorf("unknown event type %q", e.EventType)
	case !e.AggregateType.IsValid():
		return fmt.Errorf("unknown aggregate type %q", e.AggregateType)
	case e.AggregateID == uuid.Nil:
		return fmt.Errorf("%s event without aggregate id", e.EventType)
	}
	return nil
}

// row builds the outbox row for e under a fresh id.
func (e DomainEvent) row(now time.Time) (models.OutboxEvent, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s data: %w", e.EventType, err)
	}
	id := uuid.New()
	envelope := PayloadEnvelope{
		Version:    e.Version,
		EventID:    id.String(),
		OccurredAt: e.OccurredAt.UTC(),
		Actor:      e.Actor,
		Data:       data,
	}
	if envelope.Version == 0 {
		envelope.Version = envelopeVersion
	}
	if e.OccurredAt.IsZero() {
		envelope.OccurredAt = now.UTC()
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode %s envelope: %w", e.EventType, err)
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       payload,
	}, nil
}
