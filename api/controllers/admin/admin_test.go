package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	internaldisputes "github.com/angelmondragon/novamart-backend/internal/disputes"
	"github.com/angelmondragon/novamart-backend/internal/escrow"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/pagination"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
	"github.com/angelmondragon/novamart-backend/pkg/types"
)

type stubDisputes struct {
	reviewed uuid.UUID
	resolved *internaldisputes.ResolveInput
	filters  internaldisputes.ListFilters
	params   pagination.Params
}

func (s *stubDisputes) StartReview(_ context.Context, id uuid.UUID, actor rbac.Actor) (*models.Dispute, error) {
	s.reviewed = id
	return &models.Dispute{ID: id, Status: enums.DisputeStatusUnderReview, ReviewerID: &actor.ID}, nil
}

func (s *stubDisputes) Resolve(_ context.Context, input internaldisputes.ResolveInput) (*models.Dispute, error) {
	s.resolved = &input
	resolution := input.Resolution
	return &models.Dispute{
		ID:             input.DisputeID,
		OrderID:        uuid.New(),
		Status:         enums.DisputeStatusResolved,
		Resolution:     &resolution,
		AmountToBuyer:  input.AmountToBuyer,
		AmountToSeller: input.AmountToSeller,
	}, nil
}

func (s *stubDisputes) List(_ context.Context, filters internaldisputes.ListFilters, params pagination.Params) (*internaldisputes.DisputeList, error) {
	s.filters = filters
	s.params = params
	return &internaldisputes.DisputeList{Disputes: []internaldisputes.DisputeDTO{}}, nil
}

type stubEscrow struct {
	inputs   []escrow.Input
	replayed bool
	err      error
}

func (s *stubEscrow) apply(input escrow.Input) (*escrow.Result, error) {
	s.inputs = append(s.inputs, input)
	if s.err != nil {
		return nil, s.err
	}
	return &escrow.Result{
		Account: &models.EscrowAccount{
			OrderID:        input.OrderID,
			State:          enums.EscrowStatePartiallyReleased,
			HeldAmount:     1000,
			ReleasedAmount: input.Amount,
		},
		Entry:    &models.LedgerEntry{Sequence: 2, Amount: input.Amount},
		Replayed: s.replayed,
	}, nil
}

func (s *stubEscrow) Freeze(_ context.Context, in escrow.Input) (*escrow.Result, error)   { return s.apply(in) }
func (s *stubEscrow) Unfreeze(_ context.Context, in escrow.Input) (*escrow.Result, error) { return s.apply(in) }
func (s *stubEscrow) Release(_ context.Context, in escrow.Input) (*escrow.Result, error)  { return s.apply(in) }
func (s *stubEscrow) Refund(_ context.Context, in escrow.Input) (*escrow.Result, error)   { return s.apply(in) }

func (s *stubEscrow) Reconcile(_ context.Context, orderID uuid.UUID) (*escrow.ReconcileReport, error) {
	return &escrow.ReconcileReport{OrderID: orderID, Consistent: false, Reason: "snapshot differs", Halted: true}, nil
}

type stubOrders struct{}

func (stubOrders) Get(_ context.Context, orderID uuid.UUID, _ rbac.Actor) (*models.Order, error) {
	return &models.Order{ID: orderID, Currency: enums.CurrencyUSD}, nil
}

type stubTicker struct{ calls int }

func (s *stubTicker) Tick(context.Context) (*settlement.TickResult, error) {
	s.calls++
	return &settlement.TickResult{Due: 3, Fired: 2, Skipped: 1}, nil
}

var adminActor = rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleAdmin}

func serve(method, pattern, path, body string, headers map[string]string, h http.HandlerFunc) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Method(method, pattern, h)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(middleware.WithActor(req.Context(), adminActor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body types.SuccessEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	return data
}

func TestListDisputesFilters(t *testing.T) {
	svc := &stubDisputes{}
	orderID := uuid.New()

	rec := serve(http.MethodGet, "/disputes", "/disputes?status=open&order_id="+orderID.String()+"&limit=5", "", nil, ListDisputes(svc, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.filters.Status)
	assert.Equal(t, enums.DisputeStatusOpen, *svc.filters.Status)
	require.NotNil(t, svc.filters.OrderID)
	assert.Equal(t, orderID, *svc.filters.OrderID)
	assert.Equal(t, 5, svc.params.Limit)

	rec = serve(http.MethodGet, "/disputes", "/disputes?status=closed", "", nil, ListDisputes(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodGet, "/disputes", "/disputes?order_id=nope", "", nil, ListDisputes(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewDispute(t *testing.T) {
	svc := &stubDisputes{}
	id := uuid.New()

	rec := serve(http.MethodPost, "/disputes/{disputeId}/review", "/disputes/"+id.String()+"/review", "", nil, ReviewDispute(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, svc.reviewed)
	assert.Equal(t, "UNDER_REVIEW", decodeData(t, rec)["status"])
}

func TestResolveDispute(t *testing.T) {
	svc := &stubDisputes{}
	id := uuid.New()

	rec := serve(http.MethodPost, "/disputes/{disputeId}/resolve", "/disputes/"+id.String()+"/resolve",
		`{"resolution":"split","amount_to_buyer":400,"amount_to_seller":600}`, nil, ResolveDispute(svc, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.resolved)
	assert.Equal(t, enums.DisputeResolutionSplit, svc.resolved.Resolution)
	assert.Equal(t, int64(400), svc.resolved.AmountToBuyer)
	assert.Equal(t, int64(600), svc.resolved.AmountToSeller)
	assert.Equal(t, adminActor, svc.resolved.Actor)
	assert.Equal(t, "SPLIT", decodeData(t, rec)["resolution"])
}

func TestResolveDisputeRejectsUnknownResolution(t *testing.T) {
	svc := &stubDisputes{}

	rec := serve(http.MethodPost, "/disputes/{disputeId}/resolve", "/disputes/"+uuid.NewString()+"/resolve",
		`{"resolution":"COIN_FLIP"}`, nil, ResolveDispute(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodPost, "/disputes/{disputeId}/resolve", "/disputes/"+uuid.NewString()+"/resolve",
		`{"resolution":"SPLIT","amount_to_buyer":-1}`, nil, ResolveDispute(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.resolved)
}

func TestReleaseEscrowUsesHeaderKey(t *testing.T) {
	svc := &stubEscrow{}
	orderID := uuid.New()

	rec := serve(http.MethodPost, "/escrow/{orderId}/release", "/escrow/"+orderID.String()+"/release",
		`{"amount":250}`, map[string]string{"Idempotency-Key": "ops-42"}, ReleaseEscrow(svc, stubOrders{}, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, svc.inputs, 1)
	assert.Equal(t, "admin:release:ops-42", svc.inputs[0].IdempotencyKey)
	assert.Equal(t, int64(250), svc.inputs[0].Amount)
	assert.Equal(t, orderID, svc.inputs[0].OrderID)

	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["sequence"])
	assert.Equal(t, false, data["replayed"])
	account := data["account"].(map[string]any)
	assert.Equal(t, float64(750), account["live"].(map[string]any)["cents"])
}

func TestEscrowMutationValidation(t *testing.T) {
	svc := &stubEscrow{}
	path := "/escrow/" + uuid.NewString() + "/refund"

	rec := serve(http.MethodPost, "/escrow/{orderId}/refund", path, `{"amount":100}`, nil, RefundEscrow(svc, stubOrders{}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodPost, "/escrow/{orderId}/refund", path, `{"amount":0}`, map[string]string{"Idempotency-Key": "k"}, RefundEscrow(svc, stubOrders{}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.inputs)
}

func TestFreezeAndUnfreezeSkipBody(t *testing.T) {
	svc := &stubEscrow{}
	orderID := uuid.New()
	headers := map[string]string{"Idempotency-Key": "manual-hold"}

	rec := serve(http.MethodPost, "/escrow/{orderId}/freeze", "/escrow/"+orderID.String()+"/freeze", "", headers, FreezeEscrow(svc, stubOrders{}, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = serve(http.MethodPost, "/escrow/{orderId}/unfreeze", "/escrow/"+orderID.String()+"/unfreeze", "", headers, UnfreezeEscrow(svc, stubOrders{}, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, svc.inputs, 2)
	assert.Equal(t, "admin:freeze:manual-hold", svc.inputs[0].IdempotencyKey)
	assert.Equal(t, "admin:unfreeze:manual-hold", svc.inputs[1].IdempotencyKey)
	assert.Zero(t, svc.inputs[0].Amount)
}

func TestEscrowMutationSurfacesInsufficientBalance(t *testing.T) {
	svc := &stubEscrow{err: pkgerrors.New(pkgerrors.CodeInsufficientBalance, "amount exceeds live escrow balance")}

	rec := serve(http.MethodPost, "/escrow/{orderId}/release", "/escrow/"+uuid.NewString()+"/release",
		`{"amount":5000}`, map[string]string{"Idempotency-Key": "k1"}, ReleaseEscrow(svc, stubOrders{}, nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestReconcileEscrow(t *testing.T) {
	orderID := uuid.New()
	rec := serve(http.MethodPost, "/escrow/{orderId}/reconcile", "/escrow/"+orderID.String()+"/reconcile", "", nil, ReconcileEscrow(&stubEscrow{}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, false, data["consistent"])
	assert.Equal(t, true, data["halted"])
}

func TestSettlementTick(t *testing.T) {
	ticker := &stubTicker{}
	rec := serve(http.MethodPost, "/settlement/tick", "/settlement/tick", "", nil, SettlementTick(ticker, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ticker.calls)
	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["fired"])
}
