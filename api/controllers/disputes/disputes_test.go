package disputes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	internaldisputes "github.com/angelmondragon/novamart-backend/internal/disputes"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
	"github.com/angelmondragon/novamart-backend/pkg/types"
)

type stubService struct {
	raised   *internaldisputes.RaiseInput
	evidence *internaldisputes.EvidenceInput
	dispute  *models.Dispute
	err      error
}

func (s *stubService) Raise(_ context.Context, input internaldisputes.RaiseInput) (*models.Dispute, error) {
	s.raised = &input
	if s.err != nil {
		return nil, s.err
	}
	return &models.Dispute{
		ID:           uuid.New(),
		OrderID:      input.OrderID,
		RaisedByID:   input.Actor.ID,
		RaisedByRole: input.Actor.Role,
		Reason:       input.Reason,
		Status:       enums.DisputeStatusOpen,
		FrozenAmount: 2500,
	}, nil
}

func (s *stubService) AddEvidence(_ context.Context, input internaldisputes.EvidenceInput) (*models.DisputeEvidence, error) {
	s.evidence = &input
	if s.err != nil {
		return nil, s.err
	}
	return &models.DisputeEvidence{
		ID:          uuid.New(),
		DisputeID:   input.DisputeID,
		SubmittedBy: input.Actor.ID,
		Role:        input.Actor.Role,
		Reference:   input.Reference,
		Note:        input.Note,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s *stubService) Get(_ context.Context, disputeID uuid.UUID, _ rbac.Actor) (*models.Dispute, error) {
	if s.dispute == nil || s.dispute.ID != disputeID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute not found")
	}
	return s.dispute, nil
}

func serve(method, pattern, path, body string, actor *rbac.Actor, h http.HandlerFunc) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	router.Method(method, pattern, h)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != nil {
		req = req.WithContext(middleware.WithActor(req.Context(), *actor))
	}
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

func TestRaise(t *testing.T) {
	svc := &stubService{}
	buyer := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleCustomer}
	orderID := uuid.New()

	rec := serve(http.MethodPost, "/orders/{orderId}/disputes", "/orders/"+orderID.String()+"/disputes",
		`{"reason":"  item arrived damaged  "}`, &buyer, Raise(svc, nil))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, svc.raised)
	assert.Equal(t, orderID, svc.raised.OrderID)
	assert.Equal(t, "item arrived damaged", svc.raised.Reason)
	assert.Equal(t, buyer, svc.raised.Actor)

	data := decodeData(t, rec)
	assert.Equal(t, "OPEN", data["status"])
	assert.Equal(t, "25.00", data["frozen_amount"].(map[string]any)["formatted"])
}

func TestRaiseValidation(t *testing.T) {
	buyer := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleCustomer}

	svc := &stubService{}
	rec := serve(http.MethodPost, "/orders/{orderId}/disputes", "/orders/"+uuid.NewString()+"/disputes", `{}`, &buyer, Raise(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, svc.raised)

	rec = serve(http.MethodPost, "/orders/{orderId}/disputes", "/orders/abc/disputes", `{"reason":"x"}`, &buyer, Raise(svc, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(http.MethodPost, "/orders/{orderId}/disputes", "/orders/"+uuid.NewString()+"/disputes", `{"reason":"x"}`, nil, Raise(svc, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRaiseSurfacesDisputeOpen(t *testing.T) {
	svc := &stubService{err: pkgerrors.New(pkgerrors.CodeDisputeOpen, "order already has an open dispute")}
	seller := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleDealer}

	rec := serve(http.MethodPost, "/orders/{orderId}/disputes", "/orders/"+uuid.NewString()+"/disputes", `{"reason":"buyer never paid shipping"}`, &seller, Raise(svc, nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeDisputeOpen), body.Error.Code)
}

func TestDetail(t *testing.T) {
	dispute := &models.Dispute{
		ID:      uuid.New(),
		OrderID: uuid.New(),
		Status:  enums.DisputeStatusUnderReview,
		Evidence: []models.DisputeEvidence{
			{ID: uuid.New(), Reference: "photo-1", Role: enums.ActorRoleCustomer},
		},
	}
	svc := &stubService{dispute: dispute}
	admin := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleAdmin}

	rec := serve(http.MethodGet, "/disputes/{disputeId}", "/disputes/"+dispute.ID.String(), "", &admin, Detail(svc, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "UNDER_REVIEW", data["status"])
	assert.Len(t, data["evidence"], 1)

	rec = serve(http.MethodGet, "/disputes/{disputeId}", "/disputes/"+uuid.NewString(), "", &admin, Detail(svc, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddEvidence(t *testing.T) {
	svc := &stubService{}
	seller := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleManufacturer}
	disputeID := uuid.New()

	rec := serve(http.MethodPost, "/disputes/{disputeId}/evidence", "/disputes/"+disputeID.String()+"/evidence",
		`{"reference":"ups:1Z999","note":"   "}`, &seller, AddEvidence(svc, nil))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, svc.evidence)
	assert.Equal(t, disputeID, svc.evidence.DisputeID)
	assert.Equal(t, "ups:1Z999", svc.evidence.Reference)
	assert.Nil(t, svc.evidence.Note)

	data := decodeData(t, rec)
	assert.Equal(t, "MANUFACTURER", data["role"])
}

func TestAddEvidenceRejectsResolvedDispute(t *testing.T) {
	svc := &stubService{err: pkgerrors.New(pkgerrors.CodeInvalidTransition, "dispute already resolved")}
	buyer := rbac.Actor{ID: uuid.New(), Role: enums.ActorRoleCustomer}

	rec := serve(http.MethodPost, "/disputes/{disputeId}/evidence", "/disputes/"+uuid.NewString()+"/evidence",
		`{"reference":"doc-1","note":"late"}`, &buyer, AddEvidence(svc, nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, svc.evidence.Note)
	assert.Equal(t, "late", *svc.evidence.Note)
}
