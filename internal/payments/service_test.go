package payments

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type fakeGateway struct {
	result   *CaptureResult
	err      error
	requests []CaptureRequest
}

func (f *fakeGateway) CapturePayment(_ context.Context, req CaptureRequest) (*CaptureResult, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

type paymentsHarness struct {
	client  *db.Client
	svc     Service
	gateway *fakeGateway
	orders  orders.Service
	escrow  escrow.Service
	ledger  ledger.Service
}

func newPaymentsHarness(t *testing.T) *paymentsHarness {
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

	gateway := &fakeGateway{result: &CaptureResult{Success: true, GatewayRef: "sq_pay_1", Status: "COMPLETED"}}
	svc, err := NewService(Deps{
		Gateway: gateway,
		Tx:      client,
		Orders:  orderSvc,
		Escrow:  escrowSvc,
		Logger:  logg,
	})
	require.NoError(t, err)
	return &paymentsHarness{client: client, svc: svc, gateway: gateway, orders: orderSvc, escrow: escrowSvc, ledger: ledgerSvc}
}

func (h *paymentsHarness) awaiting(t *testing.T, total int64) models.Order {
	t.Helper()
	order := models.Order{
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		TotalAmount: total,
		Currency:    enums.CurrencyUSD,
		Status:      enums.OrderStatusAwaitingPayment,
	}
	require.NoError(t, h.client.DB().Create(&order).Error)
	return order
}

func (h *paymentsHarness) status(t *testing.T, orderID uuid.UUID) enums.OrderStatus {
	t.Helper()
	order, err := h.orders.Get(context.Background(), orderID, rbac.System())
	require.NoError(t, err)
	return order.Status
}

func TestCaptureHoldsAndConfirms(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()
	order := h.awaiting(t, 4200)
	buyer := rbac.Actor{ID: order.BuyerID, Role: enums.ActorRoleCustomer}

	paid, err := h.svc.Capture(ctx, CaptureInput{OrderID: order.ID, SourceID: "cnon:ok", Actor: buyer})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusPaid, paid.Status)
	require.NotNil(t, paid.GatewayRef)
	assert.Equal(t, "sq_pay_1", *paid.GatewayRef)

	require.Len(t, h.gateway.requests, 1)
	assert.Equal(t, int64(4200), h.gateway.requests[0].Amount)

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EscrowStateHeld, account.State)
	assert.Equal(t, int64(4200), account.HeldAmount)

	entry, err := h.ledger.Lookup(ctx, nil, order.ID, HoldKey("sq_pay_1"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, rbac.SystemActorID, entry.ActorID)
}

func TestCaptureDeclinedLeavesOrderUnpaid(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()
	order := h.awaiting(t, 1000)
	h.gateway.result = &CaptureResult{Success: false, GatewayRef: "sq_pay_x", Status: "FAILED"}

	_, err := h.svc.Capture(ctx, CaptureInput{
		OrderID:  order.ID,
		SourceID: "cnon:declined",
		Actor:    rbac.Actor{ID: order.BuyerID, Role: enums.ActorRoleCustomer},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDependency))
	assert.Equal(t, enums.OrderStatusAwaitingPayment, h.status(t, order.ID))

	_, err = h.escrow.Get(ctx, order.ID)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestCaptureOnlyByBuyer(t *testing.T) {
	h := newPaymentsHarness(t)
	order := h.awaiting(t, 1000)

	seller := rbac.Actor{ID: order.SellerID, Role: enums.ActorRoleDealer}
	_, err := h.svc.Capture(context.Background(), CaptureInput{OrderID: order.ID, SourceID: "cnon:ok", Actor: seller})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))
	assert.Empty(t, h.gateway.requests)
}

func TestCapturedWebhookIsIdempotent(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()
	order := h.awaiting(t, 2500)
	event := &Event{ID: "evt_1", Kind: EventCaptured, GatewayRef: "sq_pay_9", OrderID: order.ID, Amount: 2500}

	require.NoError(t, h.svc.HandleEvent(ctx, event))
	retry := *event
	retry.ID = "evt_2"
	require.NoError(t, h.svc.HandleEvent(ctx, &retry))

	assert.Equal(t, enums.OrderStatusPaid, h.status(t, order.ID))
	var entries int64
	require.NoError(t, h.client.DB().Model(&models.LedgerEntry{}).Where("order_id = ?", order.ID).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestSecondCaptureWithNewReferenceIsRejected(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()
	order := h.awaiting(t, 2500)

	require.NoError(t, h.svc.HandleEvent(ctx, &Event{Kind: EventCaptured, GatewayRef: "sq_a", OrderID: order.ID}))
	err := h.svc.HandleEvent(ctx, &Event{Kind: EventCaptured, GatewayRef: "sq_b", OrderID: order.ID})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeAlreadyHeld))

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), account.HeldAmount)
}

func TestFailedWebhookCancelsUnpaidOrder(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()

	unpaid := h.awaiting(t, 900)
	require.NoError(t, h.svc.HandleEvent(ctx, &Event{Kind: EventFailed, GatewayRef: "sq_f", OrderID: unpaid.ID}))
	assert.Equal(t, enums.OrderStatusCancelled, h.status(t, unpaid.ID))

	paid := h.awaiting(t, 900)
	require.NoError(t, h.svc.HandleEvent(ctx, &Event{Kind: EventCaptured, GatewayRef: "sq_ok", OrderID: paid.ID}))
	require.NoError(t, h.svc.HandleEvent(ctx, &Event{Kind: EventFailed, GatewayRef: "sq_late", OrderID: paid.ID}))
	assert.Equal(t, enums.OrderStatusPaid, h.status(t, paid.ID))
}

func TestCapturedWebhookForCancelledOrderFails(t *testing.T) {
	h := newPaymentsHarness(t)
	ctx := context.Background()
	order := h.awaiting(t, 900)
	require.NoError(t, h.svc.HandleEvent(ctx, &Event{Kind: EventFailed, GatewayRef: "sq_f", OrderID: order.ID}))

	err := h.svc.HandleEvent(ctx, &Event{Kind: EventCaptured, GatewayRef: "sq_late", OrderID: order.ID})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInvalidTransition))
}
