package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/novamart-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/novamart-backend/api/controllers/admin"
	disputecontrollers "github.com/angelmondragon/novamart-backend/api/controllers/disputes"
	ordercontrollers "github.com/angelmondragon/novamart-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/novamart-backend/api/controllers/webhooks"
	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
	pkgredis "github.com/angelmondragon/novamart-backend/pkg/redis"
)

type EscrowService interface {
	ordercontrollers.EscrowReader
	admincontrollers.EscrowService
}

type DisputeService interface {
	disputecontrollers.Service
	admincontrollers.DisputeService
}

type WebhookGuard interface {
	Claim(ctx context.Context, eventID string) (idempotency.State, error)
	Confirm(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type WebhookSigner interface {
	SigningSecret() string
}

// Deps carries everything the HTTP surface needs. Optional collaborators
// (payments, metrics) may be left nil; their routes then answer with an
// unavailable error instead of panicking.
type Deps struct {
	Config           *config.Config
	Logger           *logger.Logger
	IdempotencyStore pkgredis.IdempotencyStore
	Readiness        []controllers.ReadinessCheck
	Metrics          http.Handler

	Orders        ordercontrollers.OrderService
	Fulfillment   ordercontrollers.FulfillmentService
	Payments      ordercontrollers.PaymentService
	Escrow        EscrowService
	Ledger        ordercontrollers.LedgerReader
	Disputes      DisputeService
	Settlement    admincontrollers.SettlementTicker
	PaymentEvents webhookcontrollers.PaymentEventService
	WebhookSigner WebhookSigner
	WebhookGuard  WebhookGuard
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins, cfg.App.IsDev()),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Readiness...))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Get("/api/public/ping", controllers.PublicPing())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/payments", webhookcontrollers.PaymentWebhook(deps.PaymentEvents, deps.WebhookSigner, deps.WebhookGuard, logg))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.Idempotency(deps.IdempotencyStore, logg))

			r.Get("/me", controllers.WhoAmI())

			r.Route("/orders", func(r chi.Router) {
				r.With(middleware.RequirePermission(rbac.PermOrderCreate, logg)).Post("/", ordercontrollers.Create(deps.Orders, logg))
				r.With(middleware.RequirePermission(rbac.PermOrderRead, logg)).Get("/", ordercontrollers.List(deps.Orders, logg))

				r.Route("/{orderId}", func(r chi.Router) {
					r.With(middleware.RequirePermission(rbac.PermOrderRead, logg)).Get("/", ordercontrollers.Detail(deps.Orders, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderPay, logg)).Post("/request-payment", ordercontrollers.RequestPayment(deps.Fulfillment, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderPay, logg)).Post("/pay", ordercontrollers.Pay(deps.Payments, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderConfirm, logg)).Post("/confirm", ordercontrollers.Confirm(deps.Fulfillment, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderShip, logg)).Post("/ship", ordercontrollers.Ship(deps.Fulfillment, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderDeliver, logg)).Post("/deliver", ordercontrollers.ConfirmDelivery(deps.Fulfillment, logg))
					r.With(middleware.RequirePermission(rbac.PermOrderCancel, logg)).Post("/cancel", ordercontrollers.Cancel(deps.Fulfillment, logg))
					r.With(middleware.RequirePermission(rbac.PermDisputeRaise, logg)).Post("/disputes", disputecontrollers.Raise(deps.Disputes, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowRead, logg)).Get("/escrow", ordercontrollers.Escrow(deps.Orders, deps.Escrow, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowRead, logg)).Get("/ledger", ordercontrollers.Ledger(deps.Orders, deps.Ledger, logg))
				})
			})

			r.Route("/disputes/{disputeId}", func(r chi.Router) {
				r.With(middleware.RequirePermission(rbac.PermDisputeRead, logg)).Get("/", disputecontrollers.Detail(deps.Disputes, logg))
				r.With(middleware.RequirePermission(rbac.PermDisputeEvidence, logg)).Post("/evidence", disputecontrollers.AddEvidence(deps.Disputes, logg))
			})

			r.Route("/admin", func(r chi.Router) {
				r.Route("/disputes", func(r chi.Router) {
					r.With(middleware.RequirePermission(rbac.PermDisputeReview, logg)).Get("/", admincontrollers.ListDisputes(deps.Disputes, logg))
					r.With(middleware.RequirePermission(rbac.PermDisputeReview, logg)).Post("/{disputeId}/review", admincontrollers.ReviewDispute(deps.Disputes, logg))
					r.With(middleware.RequirePermission(rbac.PermDisputeResolve, logg)).Post("/{disputeId}/resolve", admincontrollers.ResolveDispute(deps.Disputes, logg))
				})
				r.Route("/escrow/{orderId}", func(r chi.Router) {
					r.With(middleware.RequirePermission(rbac.PermEscrowRelease, logg)).Post("/release", admincontrollers.ReleaseEscrow(deps.Escrow, deps.Orders, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowRefund, logg)).Post("/refund", admincontrollers.RefundEscrow(deps.Escrow, deps.Orders, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowFreeze, logg)).Post("/freeze", admincontrollers.FreezeEscrow(deps.Escrow, deps.Orders, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowFreeze, logg)).Post("/unfreeze", admincontrollers.UnfreezeEscrow(deps.Escrow, deps.Orders, logg))
					r.With(middleware.RequirePermission(rbac.PermEscrowReconcile, logg)).Post("/reconcile", admincontrollers.ReconcileEscrow(deps.Escrow, logg))
				})
				r.With(middleware.RequirePermission(rbac.PermSettlementSweep, logg)).Post("/settlement/tick", admincontrollers.SettlementTick(deps.Settlement, logg))
			})
		})
	})

	return r
}
