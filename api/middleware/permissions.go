package middleware

import (
	"net/http"

	"github.com/angelmondragon/novamart-backend/api/responses"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

// RequirePermission is the coarse role gate in front of a route. Whether the
// caller is actually a party to the order is decided by the services.
func RequirePermission(perm rbac.Permission, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			actor, err := RequireActor(ctx)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if err := rbac.Authorize(actor, perm); err != nil {
				if logg != nil {
					ctx = logg.WithField(ctx, "permission", string(perm))
				}
				if pkgerrors.As(err) == nil {
					err = pkgerrors.Wrap(pkgerrors.CodeForbidden, err, "permission denied")
				}
				responses.WriteError(ctx, logg, w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
