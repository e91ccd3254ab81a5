package disputes

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/ledger"
	"github.com/angelmondragon/novamart-backend/internal/orders"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/dbtest"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/outbox"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

var admin = rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleAdmin}

type disputeHarness struct {
	client     *db.Client
	svc        Service
	orders     orders.Service
	escrow     escrow.Service
	ledger     ledger.Service
	settlement settlement.Service
}

func newDisputeHarness(t *testing.T) *disputeHarness {
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
	settlementSvc, err := settlement.NewService(settlement.Deps{
		Repo:    settlement.NewRepository(client.DB()),
		Tx:      client,
		Orders:  orderSvc,
		Escrow:  escrowSvc,
		Logger:  logg,
		Options: settlement.Options{ClaimTTL: time.Minute, BatchSize: 10, MaxConcurrency: 1, MaxAttempts: 3},
	})
	require.NoError(t, err)

	svc, err := NewService(Deps{
		Repo:       NewRepository(client.DB()),
		Tx:         client,
		Orders:     orderSvc,
		Escrow:     escrowSvc,
		Settlement: settlementSvc,
		Outbox:     emitter,
		Logger:     logg,
	})
	require.NoError(t, err)
	return &disputeHarness{
		client:     client,
		svc:        svc,
		orders:     orderSvc,
		escrow:     escrowSvc,
		ledger:     ledgerSvc,
		settlement: settlementSvc,
	}
}

// delivered places a delivered order with the total held and a settlement timer armed.
func (h *disputeHarness) delivered(t *testing.T, total int64) models.Order {
	t.Helper()
	order := models.Order{
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		TotalAmount: total,
		Currency:    enums.CurrencyUSD,
		Status:      enums.OrderStatusDelivered,
	}
	require.NoError(t, h.client.DB().Create(&order).Error)
	ctx := context.Background()
	_, err := h.escrow.Hold(ctx, escrow.Input{
		OrderID:        order.ID,
		Amount:         total,
		Actor:          rbac.System(),
		IdempotencyKey: "payment:" + order.ID.String(),
	})
	require.NoError(t, err)
	_, err = h.settlement.Arm(ctx, order.ID, 48*time.Hour)
	require.NoError(t, err)
	return order
}

func buyerOf(order models.Order) rbac.Actor {
	return rbac.Actor{ID: order.BuyerID, Role: enums.ActorRoleCustomer}
}

func sellerOf(order models.Order) rbac.Actor {
	return rbac.Actor{ID: order.SellerID, Role: enums.ActorRoleDealer}
}

// underReview raises a dispute as the buyer and moves it into review.
func (h *disputeHarness) underReview(t *testing.T, order models.Order) *models.Dispute {
	t.Helper()
	ctx := context.Background()
	dispute, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "item damaged", Actor: buyerOf(order)})
	require.NoError(t, err)
	dispute, err = h.svc.StartReview(ctx, dispute.ID, admin)
	require.NoError(t, err)
	return dispute
}

func TestRaiseFreezesEscrowAndCancelsTimer(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 10000)

	dispute, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "  never arrived ", Actor: buyerOf(order)})
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusOpen, dispute.Status)
	assert.Equal(t, "never arrived", dispute.Reason)
	assert.Equal(t, int64(10000), dispute.FrozenAmount)

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EscrowStateFrozen, account.State)

	stored, err := h.orders.Get(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusDisputed, stored.Status)
	require.NotNil(t, stored.DisputeID)
	assert.Equal(t, dispute.ID, *stored.DisputeID)

	timer, err := h.settlement.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, timer.Cancelled)
	require.NotNil(t, timer.SkipReason)
	assert.Equal(t, enums.SettlementSkipDisputeRaised, *timer.SkipReason)

	entry, err := h.ledger.Lookup(ctx, nil, order.ID, FreezeKey(dispute.ID))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.LedgerEntryFreeze, entry.Type)

	var events []models.OutboxEvent
	require.NoError(t, h.client.DB().Where("event_type = ?", enums.EventDisputeRaised).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, dispute.ID, events[0].AggregateID)
}

func TestRaiseRejectsSecondOpenDispute(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 5000)

	_, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "wrong size", Actor: buyerOf(order)})
	require.NoError(t, err)

	_, err = h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "late", Actor: sellerOf(order)})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeDisputeOpen))
}

func TestRaiseChecksEligibility(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()

	t.Run("stranger", func(t *testing.T) {
		order := h.delivered(t, 5000)
		stranger := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleCustomer}
		_, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "x", Actor: stranger})
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))
	})

	t.Run("admin cannot raise", func(t *testing.T) {
		order := h.delivered(t, 5000)
		_, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "x", Actor: admin})
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))
	})

	t.Run("missing reason", func(t *testing.T) {
		order := h.delivered(t, 5000)
		_, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: " ", Actor: buyerOf(order)})
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
	})

	t.Run("order not yet paid", func(t *testing.T) {
		order := models.Order{
			BuyerID:     uuid.New(),
			SellerID:    uuid.New(),
			TotalAmount: 100,
			Currency:    enums.CurrencyUSD,
			Status:      enums.OrderStatusAwaitingPayment,
		}
		require.NoError(t, h.client.DB().Create(&order).Error)
		_, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "x", Actor: buyerOf(order)})
		assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInvalidTransition))

		var count int64
		require.NoError(t, h.client.DB().Model(&models.Dispute{}).Where("order_id = ?", order.ID).Count(&count).Error)
		assert.Zero(t, count)
	})
}

func TestResolveRefundBuyer(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 10000)
	dispute := h.underReview(t, order)

	resolved, err := h.svc.Resolve(ctx, ResolveInput{
		DisputeID:  dispute.ID,
		Resolution: enums.DisputeResolutionRefundBuyer,
		Actor:      admin,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusResolved, resolved.Status)
	assert.Equal(t, int64(10000), resolved.AmountToBuyer)
	assert.Zero(t, resolved.AmountToSeller)

	stored, err := h.orders.Get(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusRefunded, stored.Status)

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.EscrowStateRefunded, account.State)
	assert.Equal(t, int64(10000), account.RefundedAmount)
	assert.Zero(t, account.LiveAmount())

	_, err = h.svc.Resolve(ctx, ResolveInput{
		DisputeID:  dispute.ID,
		Resolution: enums.DisputeResolutionReleaseSeller,
		Actor:      admin,
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInvalidTransition))
	assert.Contains(t, err.Error(), "already resolved")

	account, err = h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Zero(t, account.ReleasedAmount)
}

func TestResolveReleaseSeller(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 7500)
	dispute := h.underReview(t, order)

	_, err := h.svc.Resolve(ctx, ResolveInput{
		DisputeID:  dispute.ID,
		Resolution: enums.DisputeResolutionReleaseSeller,
		Actor:      admin,
	})
	require.NoError(t, err)

	stored, err := h.orders.Get(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusResolved, stored.Status)

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), account.ReleasedAmount)
	assert.Equal(t, enums.EscrowStateReleased, account.State)
}

func TestResolveSplitMustSumToFrozenAmount(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 10000)
	dispute := h.underReview(t, order)

	for _, tc := range []struct {
		name          string
		buyer, seller int64
	}{
		{name: "short", buyer: 4000, seller: 5999},
		{name: "over", buyer: 4000, seller: 6001},
		{name: "negative", buyer: -1, seller: 10001},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Resolve(ctx, ResolveInput{
				DisputeID:      dispute.ID,
				Resolution:     enums.DisputeResolutionSplit,
				AmountToBuyer:  tc.buyer,
				AmountToSeller: tc.seller,
				Actor:          admin,
			})
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
		})
	}

	account, err := h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), account.LiveAmount())
	assert.Equal(t, enums.EscrowStateFrozen, account.State)

	resolved, err := h.svc.Resolve(ctx, ResolveInput{
		DisputeID:      dispute.ID,
		Resolution:     enums.DisputeResolutionSplit,
		AmountToBuyer:  4000,
		AmountToSeller: 6000,
		Actor:          admin,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4000), resolved.AmountToBuyer)
	assert.Equal(t, int64(6000), resolved.AmountToSeller)

	account, err = h.escrow.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), account.RefundedAmount)
	assert.Equal(t, int64(6000), account.ReleasedAmount)
	assert.Zero(t, account.LiveAmount())

	balance, err := h.ledger.BalanceFor(ctx, nil, order.ID)
	require.NoError(t, err)
	assert.True(t, balance.Matches(*account))

	stored, err := h.orders.Get(ctx, order.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusResolved, stored.Status)
}

func TestResolveRejectsEscrowDrainedOutsideDispute(t *testing.T) {
	for _, tc := range []struct {
		name     string
		released int64
	}{
		{name: "fully released", released: 10000},
		{name: "partly released", released: 4000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newDisputeHarness(t)
			ctx := context.Background()
			order := h.delivered(t, 10000)
			dispute := h.underReview(t, order)

			_, err := h.escrow.Release(ctx, escrow.Input{
				OrderID:        order.ID,
				Amount:         tc.released,
				Actor:          admin,
				IdempotencyKey: "manual-release",
			})
			require.NoError(t, err)

			_, err = h.svc.Resolve(ctx, ResolveInput{
				DisputeID:  dispute.ID,
				Resolution: enums.DisputeResolutionRefundBuyer,
				Actor:      admin,
			})
			require.Error(t, err)
			assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInsufficientBalance))

			stored, err := h.orders.Get(ctx, order.ID, admin)
			require.NoError(t, err)
			assert.Equal(t, enums.OrderStatusDisputed, stored.Status)

			current, err := h.svc.Get(ctx, dispute.ID, admin)
			require.NoError(t, err)
			assert.Equal(t, enums.DisputeStatusUnderReview, current.Status)

			account, err := h.escrow.Get(ctx, order.ID)
			require.NoError(t, err)
			assert.Zero(t, account.RefundedAmount)
			assert.Equal(t, tc.released, account.ReleasedAmount)
			assert.False(t, account.Halted())
		})
	}
}

func TestResolveRequiresReviewAndAdmin(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 2000)

	dispute, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "broken", Actor: buyerOf(order)})
	require.NoError(t, err)

	_, err = h.svc.Resolve(ctx, ResolveInput{DisputeID: dispute.ID, Resolution: enums.DisputeResolutionRefundBuyer, Actor: admin})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInvalidTransition))

	_, err = h.svc.StartReview(ctx, dispute.ID, sellerOf(order))
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))

	reviewed, err := h.svc.StartReview(ctx, dispute.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, enums.DisputeStatusUnderReview, reviewed.Status)
	require.NotNil(t, reviewed.ReviewerID)
	assert.Equal(t, admin.ID, *reviewed.ReviewerID)

	_, err = h.svc.Resolve(ctx, ResolveInput{DisputeID: dispute.ID, Resolution: enums.DisputeResolutionRefundBuyer, Actor: buyerOf(order)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))

	_, err = h.svc.Resolve(ctx, ResolveInput{DisputeID: dispute.ID, Resolution: "COIN_FLIP", Actor: admin})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestAddEvidence(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 3000)
	dispute := h.underReview(t, order)

	note := "photo of the box"
	evidence, err := h.svc.AddEvidence(ctx, EvidenceInput{
		DisputeID: dispute.ID,
		Reference: "s3://evidence/box.jpg",
		Note:      &note,
		Actor:     sellerOf(order),
	})
	require.NoError(t, err)
	assert.Equal(t, enums.ActorRoleDealer, evidence.Role)

	stranger := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleCustomer}
	_, err = h.svc.AddEvidence(ctx, EvidenceInput{DisputeID: dispute.ID, Reference: "x", Actor: stranger})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeForbidden))

	_, err = h.svc.AddEvidence(ctx, EvidenceInput{DisputeID: dispute.ID, Reference: "", Actor: buyerOf(order)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))

	loaded, err := h.svc.Get(ctx, dispute.ID, buyerOf(order))
	require.NoError(t, err)
	require.Len(t, loaded.Evidence, 1)
	assert.Equal(t, "s3://evidence/box.jpg", loaded.Evidence[0].Reference)

	_, err = h.svc.Resolve(ctx, ResolveInput{DisputeID: dispute.ID, Resolution: enums.DisputeResolutionReleaseSeller, Actor: admin})
	require.NoError(t, err)

	_, err = h.svc.AddEvidence(ctx, EvidenceInput{DisputeID: dispute.ID, Reference: "late.pdf", Actor: buyerOf(order)})
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeInvalidTransition))
}

func TestGetHidesDisputeFromStrangers(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	order := h.delivered(t, 3000)
	dispute := h.underReview(t, order)

	stranger := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleDealer}
	_, err := h.svc.Get(ctx, dispute.ID, stranger)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))

	_, err = h.svc.Get(ctx, uuid.New(), admin)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeNotFound))
}

func TestListPagesOldestFirst(t *testing.T) {
	h := newDisputeHarness(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		order := h.delivered(t, 1000)
		dispute, err := h.svc.Raise(ctx, RaiseInput{OrderID: order.ID, Reason: "x", Actor: buyerOf(order)})
		require.NoError(t, err)
		ids = append(ids, dispute.ID)
	}

	open := enums.DisputeStatusOpen
	first, err := h.svc.List(ctx, ListFilters{Status: &open}, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Disputes, 2)
	require.NotEmpty(t, first.NextCursor)

	second, err := h.svc.List(ctx, ListFilters{Status: &open}, pagination.Params{Limit: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Disputes, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[uuid.UUID]bool{}
	for _, d := range append(first.Disputes, second.Disputes...) {
		seen[d.ID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}
}

func TestSplit(t *testing.T) {
	buyer, seller, err := Split(enums.DisputeResolutionRefundBuyer, 900, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{900, 0}, []int64{buyer, seller})

	buyer, seller, err = Split(enums.DisputeResolutionSplit, 900, 0, 900)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 900}, []int64{buyer, seller})

	_, _, err = Split(enums.DisputeResolutionSplit, 900, 450, 449)
	assert.Error(t, err)
}
