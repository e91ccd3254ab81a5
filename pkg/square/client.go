package square

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqoption "github.com/square/square-go-sdk/option"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const (
	sandboxEnv    = "sandbox"
	productionEnv = "production"
)

var (
	errAccessTokenRequired   = errors.New("square access token is required")
	errWebhookSecretRequired = errors.New("square webhook secret is required")
	errLocationRequired      = errors.New("square location id is required")
	errInvalidSquareEnv      = fmt.Errorf("square environment must be %q or %q", sandboxEnv, productionEnv)
	errLoggerRequired        = errors.New("square logger is required")
)

var baseURLs = map[string]string{
	sandboxEnv:    "https://connect.squareupsandbox.com",
	productionEnv: "https://connect.squareup.com",
}

type paymentsAPI interface {
	Create(ctx context.Context, request *sq.CreatePaymentRequest, opts ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error)
	Get(ctx context.Context, request *sq.GetPaymentsRequest, opts ...sqoption.RequestOption) (*sq.GetPaymentResponse, error)
}

// Client charges buyers for orders through the Square Payments API. Every
// order is charged against a single merchant location.
type Client struct {
	payments      paymentsAPI
	environment   string
	webhookSecret string
	locationID    string
	logger        *logger.Logger
}

// NewClient validates the credentials and builds the payments client.
func NewClient(ctx context.Context, cfg config.SquareConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	accessToken := strings.TrimSpace(cfg.AccessToken)
	if accessToken == "" {
		return nil, errAccessTokenRequired
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}
	locationID := strings.TrimSpace(cfg.LocationID)
	if locationID == "" {
		return nil, errLocationRequired
	}

	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURLs[env]),
		sqoption.WithToken(accessToken),
	)

	logg.Info(logg.WithFields(ctx, map[string]any{
		"square_env":  env,
		"location_id": locationID,
	}), "square payments client initialized")

	return &Client{
		payments:      sdk.Payments,
		environment:   env,
		webhookSecret: webhookSecret,
		locationID:    locationID,
		logger:        logg,
	}, nil
}

// Environment reports the normalized Square environment.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the secret payment webhooks are signed with.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

// ChargeOrder takes the order total from the buyer's payment source. The
// order id is the Square idempotency key, so a retried charge for the same
// order returns the original payment. A card decline is not an error: it
// comes back as a Charge with Declined set.
func (c *Client) ChargeOrder(ctx context.Context, params ChargeParams) (*Charge, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	ctx = c.logger.WithOrderID(ctx, params.OrderID.String())
	c.logger.Info(c.logger.WithField(ctx, "amount_cents", params.AmountCents), "square charge requested")

	resp, err := c.payments.Create(ctx, params.toSquareRequest(c.locationID))
	if err != nil {
		if code, declined := declineCode(err); declined {
			c.logger.Warn(c.logger.WithField(ctx, "decline_code", code), "square charge declined")
			return &Charge{
				OrderRef:    params.OrderID.String(),
				Status:      StatusFailed,
				Declined:    true,
				DeclineCode: code,
			}, nil
		}
		c.logger.Error(ctx, "square charge failed", err)
		return nil, mapSquareError(err, "charge order")
	}

	charge := chargeFromPayment(resp.GetPayment())
	if charge == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "square returned no payment")
	}
	c.logger.Info(c.logger.WithFields(ctx, map[string]any{
		"payment_id": charge.PaymentID,
		"status":     charge.Status,
	}), "square charge completed")
	return charge, nil
}

// GetCharge reads the current state of a payment by its Square id.
func (c *Client) GetCharge(ctx context.Context, paymentID string) (*Charge, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	resp, err := c.payments.Get(ctx, &sq.GetPaymentsRequest{PaymentID: paymentID})
	if err != nil {
		c.logger.Error(c.logger.WithField(ctx, "payment_id", paymentID), "square get payment failed", err)
		return nil, mapSquareError(err, "get payment")
	}
	charge := chargeFromPayment(resp.GetPayment())
	if charge == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "square payment not found")
	}
	return charge, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = sandboxEnv
	}
	if _, ok := baseURLs[env]; !ok {
		return "", errInvalidSquareEnv
	}
	return env, nil
}
