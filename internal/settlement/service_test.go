package settlement

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/metrics"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

var t0 = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type flakyEscrow struct {
	escrowService
	mu       sync.Mutex
	failures int
}

func (f *flakyEscrow) ReleaseTx(ctx context.Context, tx *gorm.DB, input escrow.Input) (*escrow.Result, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, pkgerrors.New(pkgerrors.CodeTransientStore, "connection reset")
	}
	f.mu.Unlock()
	return f.escrowService.ReleaseTx(ctx, tx, input)
}

type settlementHarness struct {
	client *db.Client
	svc    *service
	escrow escrow.Service
	orders orders.Service
	ledger ledger.Service
	flaky  *flakyEscrow
	clock  time.Time
}

func newSettlementHarness(t *testing.T) *settlementHarness {
	t.Helper()
	client := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), logg)

	orderSvc, err := orders.NewService(orders.NewRepository(client.DB()), client, emitter)
	require.NoError(t, err)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(client.DB()))
	require.NoError(t, err)
	escrowSvc, err := escrow.NewService(escrow.Deps{
		Repo:   escrow.NewRepository(client.DB()),
		Tx:     client,
		Orders: orderSvc,
		Ledger: ledgerSvc,
		Outbox: emitter,
		Logger: logg,
	})
	require.NoError(t, err)

	h := &settlementHarness{
		client: client,
		escrow: escrowSvc,
		orders: orderSvc,
		ledger: ledgerSvc,
		flaky:  &flakyEscrow{escrowService: escrowSvc},
		clock:  t0,
	}
	svc, err := NewService(Deps{
		Repo:    NewRepository(client.DB()),
		Tx:      client,
		Orders:  orderSvc,
		Escrow:  h.flaky,
		Logger:  logg,
		Metrics: metrics.NewSettlementMetrics(prometheus.NewRegistry()),
		Options: Options{ClaimTTL: 5 * time.Minute, BatchSize: 50, MaxConcurrency: 4, MaxAttempts: 3},
	})
	require.NoError(t, err)
	h.svc = svc.(*service)
	h.svc.now = func() time.Time { return h.clock }
	return h
}

// delivered places a delivered order with its full total held in escrow.
func (h *settlementHarness) delivered(t *testing.T, total int64) uuid.UUID {
	t.Helper()
	order := models.Order{
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		TotalAmount: total,
		Currency:    enums.CurrencyUSD,
		Status:      enums.OrderStatusDelivered,
	}
	require.NoError(t, h.client.DB().Create(&order).Error)
	_, err := h.escrow.Hold(context.Background(), escrow.Input{
		OrderID:        order.ID,
		Amount:         total,
		Actor:          rbac.System(),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	return order.ID
}

func TestTickBeforeGraceWindowDoesNotFire(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 10000)

	_, err := h.svc.Arm(ctx, orderID, 48*time.Hour)
	require.NoError(t, err)

	h.clock = t0.Add(47*time.Hour + 59*time.Minute)
	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, *res)

	account, err := h.escrow.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Zero(t, account.ReleasedAmount)
	assert.Equal(t, enums.EscrowStateHeld, account.State)
}

func TestTickAfterGraceWindowReleasesOnce(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 10000)

	timer, err := h.svc.Arm(ctx, orderID, 48*time.Hour)
	require.NoError(t, err)

	h.clock = t0.Add(48 * time.Hour)
	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)

	account, err := h.escrow.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, enums.EscrowStateReleased, account.State)
	assert.Equal(t, int64(10000), account.ReleasedAmount)

	order, err := h.orders.Get(ctx, orderID, rbac.System())
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusResolved, order.Status)

	entry, err := h.ledger.Lookup(ctx, h.client.DB(), orderID, Key(orderID, timer.FireAt))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.ActorRoleSystem, entry.ActorRole)

	h.clock = t0.Add(72 * time.Hour)
	res, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	balance, err := h.ledger.BalanceFor(ctx, h.client.DB(), orderID)
	require.NoError(t, err)
	assert.Equal(t, 2, balance.EntryCount)
}

func TestCancelledTimerIsNeverClaimed(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 10000)

	_, err := h.svc.Arm(ctx, orderID, time.Hour)
	require.NoError(t, err)
	_, err = h.escrow.Freeze(ctx, escrow.Input{OrderID: orderID, Actor: rbac.System(), IdempotencyKey: "freeze"})
	require.NoError(t, err)
	require.NoError(t, h.svc.Cancel(ctx, orderID, enums.SettlementSkipDisputeRaised))

	h.clock = t0.Add(2 * time.Hour)
	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Due)

	timer, err := h.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, timer.Cancelled)
	assert.Nil(t, timer.ClaimToken)
	require.NotNil(t, timer.SkipReason)
	assert.Equal(t, enums.SettlementSkipDisputeRaised, *timer.SkipReason)
}

func TestFrozenEscrowCancelsDueTimer(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 10000)

	_, err := h.svc.Arm(ctx, orderID, time.Hour)
	require.NoError(t, err)
	_, err = h.escrow.Freeze(ctx, escrow.Input{OrderID: orderID, Actor: rbac.System(), IdempotencyKey: "freeze"})
	require.NoError(t, err)

	h.clock = t0.Add(time.Hour)
	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	timer, err := h.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, timer.Cancelled)
	require.NotNil(t, timer.SkipReason)
	assert.Equal(t, enums.SettlementSkipEscrowFrozen, *timer.SkipReason)

	account, err := h.escrow.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Zero(t, account.ReleasedAmount)
}

func TestTransientFailureReleasesClaimForNextSweep(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 10000)
	h.flaky.failures = 1

	_, err := h.svc.Arm(ctx, orderID, time.Hour)
	require.NoError(t, err)

	h.clock = t0.Add(time.Hour)
	res, err := h.svc.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)

	timer, err := h.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Nil(t, timer.ClaimToken)
	assert.Equal(t, 1, timer.Attempts)
	require.NotNil(t, timer.LastError)

	account, err := h.escrow.Get(ctx, orderID)
	require.NoError(t, err)
	assert.Zero(t, account.ReleasedAmount)

	res, err = h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
}

func TestStaleClaimIsRetaken(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	fresh := h.delivered(t, 1000)
	stale := h.delivered(t, 2000)

	for _, id := range []uuid.UUID{fresh, stale} {
		_, err := h.svc.Arm(ctx, id, time.Hour)
		require.NoError(t, err)
	}
	h.clock = t0.Add(2 * time.Hour)

	claim := func(orderID uuid.UUID, at time.Time) {
		require.NoError(t, h.client.DB().Model(&models.SettlementTimer{}).
			Where("order_id = ?", orderID).
			Updates(map[string]any{"claim_token": uuid.New(), "claimed_at": at}).Error)
	}
	claim(fresh, h.clock.Add(-time.Minute))
	claim(stale, h.clock.Add(-10*time.Minute))

	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Fired)

	account, err := h.escrow.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, enums.EscrowStateReleased, account.State)
}

func TestTickFansOutAcrossOrders(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		id := h.delivered(t, int64(1000*(i+1)))
		_, err := h.svc.Arm(ctx, id, time.Minute)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	h.clock = t0.Add(time.Hour)
	res, err := h.svc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Fired)

	for _, id := range ids {
		account, err := h.escrow.Get(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, account.LiveAmount())
	}
}

func TestArmReplacesUnfiredTimer(t *testing.T) {
	h := newSettlementHarness(t)
	ctx := context.Background()
	orderID := h.delivered(t, 500)

	_, err := h.svc.Arm(ctx, orderID, time.Hour)
	require.NoError(t, err)
	require.NoError(t, h.svc.Cancel(ctx, orderID, enums.SettlementSkipCancelled))

	h.clock = t0.Add(10 * time.Minute)
	rearmed, err := h.svc.Arm(ctx, orderID, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, rearmed.FireAt.Equal(t0.Add(130*time.Minute)))

	timer, err := h.svc.Get(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, timer.Cancelled)
	assert.Nil(t, timer.SkipReason)

	_, err = h.svc.Arm(ctx, orderID, 0)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestKeyFormat(t *testing.T) {
	id := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	assert.Equal(t, "settlement:1b4e28ba-2fa1-11d2-883f-0016d3cca427:1777887000", Key(id, t0))
}
