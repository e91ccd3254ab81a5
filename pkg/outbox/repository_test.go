package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

func TestTruncateDLQError(t *testing.T) {
	assert.Equal(t, "short", truncateDLQError("short"))

	long := strings.Repeat("x", maxDLQErrorLen+10)
	assert.Len(t, truncateDLQError(long), maxDLQErrorLen)

	// a two-byte rune straddling the limit is dropped whole
	straddle := strings.Repeat("x", maxDLQErrorLen-1) + "é"
	got := truncateDLQError(straddle)
	assert.Len(t, got, maxDLQErrorLen-1)
	assert.True(t, utf8.ValidString(got))
}

func TestMarkFailedTxClipsLastError(t *testing.T) {
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	row := models.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		EventType:     enums.EventOrderPaid,
		Payload:       []byte(`{}`),
	}
	require.NoError(t, repo.Insert(client.DB(), row))

	cause := errors.New(strings.Repeat("broker down ", 200))
	require.NoError(t, repo.MarkFailedTx(client.DB(), row.ID, cause))

	rows, err := repo.ListByAggregate(nil, row.AggregateType, row.AggregateID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].LastError)
	assert.Len(t, *rows[0].LastError, maxDLQErrorLen)
	assert.Equal(t, 1, rows[0].AttemptCount)
}

func TestDLQInsertClipsMessageAndSkipsDuplicates(t *testing.T) {
	client := dbtest.Open(t)
	dlq := NewDLQRepository(client.DB())
	msg := strings.Repeat("e", maxDLQErrorLen*2)
	entry := models.OutboxDLQ{
		EventID:       uuid.New(),
		AggregateType: enums.AggregateOrder,
		AggregateID:   uuid.New(),
		EventType:     enums.EventOrderPaid,
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &msg,
	}
	require.NoError(t, dlq.InsertTx(client.DB(), entry))
	require.NoError(t, dlq.InsertTx(client.DB(), entry))

	n, err := dlq.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var stored models.OutboxDLQ
	require.NoError(t, client.DB().First(&stored).Error)
	require.NotNil(t, stored.ErrorMessage)
	assert.Len(t, *stored.ErrorMessage, maxDLQErrorLen)
}

func TestInsertOnceKeepsTransactionUsable(t *testing.T) {
	client := dbtest.Open(t)
	require.NoError(t, client.DB().Exec(
		`CREATE UNIQUE INDEX ux_outbox_events_event_aggregate ON outbox_events (event_type, aggregate_type, aggregate_id) WHERE event_type = 'ESCROW.INTEGRITY_HALTED'`,
	).Error)
	repo := NewRepository(client.DB())
	orderID := uuid.New()
	halt := func() models.OutboxEvent {
		return models.OutboxEvent{
			ID:            uuid.New(),
			AggregateType: enums.AggregateEscrow,
			AggregateID:   orderID,
			EventType:     enums.EventEscrowIntegrityHalt,
			Payload:       []byte(`{}`),
		}
	}

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		inserted, err := repo.InsertOnce(tx, halt())
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = repo.InsertOnce(tx, halt())
		require.NoError(t, err)
		assert.False(t, inserted)

		// later writes in the same transaction still succeed
		return repo.Insert(tx, models.OutboxEvent{
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			EventType:     enums.EventOrderCancelled,
			Payload:       []byte(`{}`),
		})
	})
	require.NoError(t, err)

	rows, err := repo.ListByAggregate(nil, enums.AggregateEscrow, orderID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rows, err = repo.ListByAggregate(nil, enums.AggregateOrder, orderID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
