package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/novamart-backend/api/controllers"
	"github.com/angelmondragon/novamart-backend/internal/settlement"
	pkgAuth "github.com/angelmondragon/novamart-backend/pkg/auth"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubTicker struct {
	calls int
}

func (s *stubTicker) Tick(context.Context) (*settlement.TickResult, error) {
	s.calls++
	return &settlement.TickResult{Due: 2, Fired: 2}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test"},
		JWT: config.JWTConfig{
			Secret:            "router-secret",
			Issuer:            "novamart",
			ExpirationMinutes: 10,
		},
	}
}

func newTestRouter(t *testing.T, ticker *stubTicker) (http.Handler, *config.Config) {
	t.Helper()
	cfg := testConfig()
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	reg := prometheus.NewRegistry()

	return NewRouter(Deps{
		Config:     cfg,
		Logger:     logg,
		Readiness:  []controllers.ReadinessCheck{{Name: "db", Pinger: stubPinger{}}},
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Settlement: ticker,
	}), cfg
}

func bearer(t *testing.T, cfg *config.Config, role enums.ActorRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{
		ActorID: uuid.New(),
		Role:    role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return "Bearer " + token
}

func do(handler http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthRoutes(t *testing.T) {
	router, _ := newTestRouter(t, &stubTicker{})

	for _, path := range []string{"/health/live", "/health/ready"} {
		rec := do(router, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", path)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	router, _ := newTestRouter(t, &stubTicker{})

	rec := do(router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPrivateRoutesRequireToken(t *testing.T) {
	router, cfg := newTestRouter(t, &stubTicker{})

	rec := do(router, http.MethodGet, "/api/v1/me", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = do(router, http.MethodGet, "/api/v1/me", bearer(t, cfg, enums.ActorRoleCustomer))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), string(enums.ActorRoleCustomer)) {
		t.Fatalf("expected role echoed, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), string(rbac.PermOrderCreate)) {
		t.Fatalf("expected granted permissions, got %s", rec.Body.String())
	}
}

func TestAdminRoutesRequirePermission(t *testing.T) {
	ticker := &stubTicker{}
	router, cfg := newTestRouter(t, ticker)

	rec := do(router, http.MethodPost, "/api/v1/admin/settlement/tick", bearer(t, cfg, enums.ActorRoleDealer))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for dealer, got %d", rec.Code)
	}
	if ticker.calls != 0 {
		t.Fatal("ticker must not run for a forbidden caller")
	}

	rec = do(router, http.MethodPost, "/api/v1/admin/settlement/tick", bearer(t, cfg, enums.ActorRoleAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d (%s)", rec.Code, rec.Body.String())
	}
	if ticker.calls != 1 {
		t.Fatalf("expected one tick, got %d", ticker.calls)
	}
}

func TestPaymentWebhookIsPublic(t *testing.T) {
	router, _ := newTestRouter(t, &stubTicker{})

	// No token and no gateway wiring: the handler itself answers, not the auth layer.
	rec := do(router, http.MethodPost, "/api/v1/webhooks/payments", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from unwired webhook, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	router, cfg := newTestRouter(t, &stubTicker{})

	rec := do(router, http.MethodGet, "/api/v1/nope", bearer(t, cfg, enums.ActorRoleAdmin))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
