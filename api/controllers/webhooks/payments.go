package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
)

const (
	signatureHeader = "Square-Signature"
	maxPayloadBytes = 1 << 20
)

type PaymentEventService interface {
	HandleEvent(ctx context.Context, event *payments.Event) error
}

type paymentWebhookGuard interface {
	Claim(ctx context.Context, eventID string) (idempotency.State, error)
	Confirm(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type signingClient interface {
	SigningSecret() string
}

// PaymentWebhook verifies and applies gateway payment notifications. Each
// event id is applied at most once. A delivery that races an in-flight one
// gets a 409 so the gateway retries it later, and a failed apply releases the
// claim so the retry is processed.
func PaymentWebhook(svc PaymentEventService, client signingClient, guard paymentWebhookGuard, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment webhook service unavailable"))
			return
		}
		if client == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment gateway client unavailable"))
			return
		}
		if guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		sigHeader := strings.TrimSpace(r.Header.Get(signatureHeader))
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "payment signature missing"))
			return
		}
		if !validateSignature(payload, client.SigningSecret(), sigHeader) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid payment signature"))
			return
		}

		event, err := payments.ParseEvent(payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if event.Kind == payments.EventIgnored || event.ID == "" {
			responses.WriteSuccess(w, nil)
			return
		}

		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"event_id":    event.ID,
				"event_kind":  string(event.Kind),
				"gateway_ref": event.GatewayRef,
			})
			ctx = logg.WithOrderID(ctx, event.OrderID.String())
		}

		state, err := guard.Claim(ctx, event.ID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
			return
		}
		switch state {
		case idempotency.Done:
			if logg != nil {
				logg.Info(ctx, "payment event already processed")
			}
			responses.WriteSuccess(w, nil)
			return
		case idempotency.InFlight:
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "payment event is being processed"))
			return
		}

		if err := svc.HandleEvent(ctx, event); err != nil {
			if relErr := guard.Release(ctx, event.ID); relErr != nil && logg != nil {
				logg.Error(ctx, "failed to release payment event claim", relErr)
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := guard.Confirm(ctx, event.ID); err != nil && logg != nil {
			logg.Error(ctx, "failed to confirm payment event", err)
		}

		if logg != nil {
			logg.Info(ctx, "payment event processed")
		}
		responses.WriteSuccess(w, nil)
	}
}

func validateSignature(payload []byte, secret, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}
