package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/internal/payments"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
)

func TestPaymentWebhook_SuccessAndIdempotent(t *testing.T) {
	orderID := uuid.New()
	payload := buildPaymentEvent(t, "payment.captured", orderID)
	header := sign(payload, "secret")
	service := &fakePaymentService{}
	guard := newGuard(t)
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, guard, nil)

	rec := post(handler, payload, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if service.calls != 1 {
		t.Fatalf("expected service called once, got %d", service.calls)
	}
	if service.last.OrderID != orderID || service.last.Kind != payments.EventCaptured {
		t.Fatalf("unexpected event %+v", service.last)
	}
	if service.last.Amount != 4200 {
		t.Fatalf("expected amount 4200, got %d", service.last.Amount)
	}

	rec = post(handler, payload, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", rec.Code)
	}
	if service.calls != 1 {
		t.Fatalf("duplicate should not increment calls, got %d", service.calls)
	}
}

func TestPaymentWebhook_InvalidSignature(t *testing.T) {
	payload := buildPaymentEvent(t, "payment.captured", uuid.New())
	service := &fakePaymentService{}
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, newGuard(t), nil)

	rec := post(handler, payload, "invalid")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid signature, got %d", rec.Code)
	}
	rec = post(handler, payload, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("service should not be invoked on invalid signature")
	}
}

func TestPaymentWebhook_FailureClearsMarker(t *testing.T) {
	payload := buildPaymentEvent(t, "payment.failed", uuid.New())
	header := sign(payload, "secret")
	service := &fakePaymentService{err: errors.New("db down")}
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, newGuard(t), nil)

	rec := post(handler, payload, header)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	service.err = nil
	rec = post(handler, payload, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", rec.Code)
	}
	if service.calls != 2 {
		t.Fatalf("retry should reach the service, got %d calls", service.calls)
	}
}

func TestPaymentWebhook_InFlightDeliveryConflicts(t *testing.T) {
	var event payments.WebhookEvent
	payload := buildPaymentEvent(t, "payment.captured", uuid.New())
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	service := &fakePaymentService{}
	guard := newGuard(t)
	if _, err := guard.Claim(context.Background(), event.EventID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, guard, nil)

	rec := post(handler, payload, sign(payload, "secret"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while another delivery is in flight, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("in-flight duplicate must not reach the service")
	}
}

func TestPaymentWebhook_IgnoresUnknownTypes(t *testing.T) {
	payload := buildPaymentEvent(t, "refund.created", uuid.New())
	service := &fakePaymentService{}
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, newGuard(t), nil)

	rec := post(handler, payload, sign(payload, "secret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if service.calls != 0 {
		t.Fatalf("ignored events should not reach the service")
	}
}

func TestPaymentWebhook_RejectsMalformedReference(t *testing.T) {
	event := payments.WebhookEvent{
		EventID: "evt_bad",
		Type:    "payment.captured",
		Data:    payments.WebhookData{GatewayRef: "pay_1", OrderID: "not-an-order", Amount: 10},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	service := &fakePaymentService{}
	handler := PaymentWebhook(service, &fakeSigningClient{secret: "secret"}, newGuard(t), nil)

	rec := post(handler, payload, sign(payload, "secret"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func post(handler http.HandlerFunc, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Square-Signature", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func newGuard(t *testing.T) *idempotency.Guard {
	t.Helper()
	guard, err := idempotency.NewGuard(newInMemoryStore(), "payments-webhook", time.Minute)
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	return guard
}

func buildPaymentEvent(t *testing.T, eventType string, orderID uuid.UUID) []byte {
	t.Helper()
	event := payments.WebhookEvent{
		EventID: "evt_" + uuid.NewString(),
		Type:    eventType,
		Data: payments.WebhookData{
			ID:         "pay_" + uuid.NewString(),
			GatewayRef: "pay_" + uuid.NewString(),
			OrderID:    orderID.String(),
			Amount:     4200,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type fakePaymentService struct {
	calls int
	last  payments.Event
	err   error
}

func (f *fakePaymentService) HandleEvent(_ context.Context, event *payments.Event) error {
	f.calls++
	f.last = *event
	return f.err
}

type fakeSigningClient struct {
	secret string
}

func (c *fakeSigningClient) SigningSecret() string {
	return c.secret
}

type inMemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{data: make(map[string]string)}
}

func (s *inMemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *inMemoryStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = fmt.Sprintf("%v", value)
	return nil
}

func (s *inMemoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("novamart:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
