package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const readinessTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck names one dependency checked by /health/ready.
type ReadinessCheck struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Novamart-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and fails with 503 if any is down.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Novamart-Env", cfg.App.Env)

		results := make(map[string]string, len(checks))
		var failed []string
		for _, check := range checks {
			if check.Pinger == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			err := check.Pinger.Ping(ctx)
			cancel()
			if err != nil {
				results[check.Name] = "down"
				failed = append(failed, check.Name)
				if logg != nil {
					logg.Error(logg.WithField(r.Context(), "dependency", check.Name), "readiness check failed", err)
				}
				continue
			}
			results[check.Name] = "ok"
		}

		if len(failed) > 0 {
			responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").
				WithDetails(map[string]any{"failed": failed}))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": results})
	}
}
