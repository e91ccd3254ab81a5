package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/angelmondragon/novamart-backend/api/responses"
	pkgAuth "github.com/angelmondragon/novamart-backend/pkg/auth"
	"github.com/angelmondragon/novamart-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

var errNoBearer = errors.New("missing bearer credentials")

// Auth requires a valid bearer token and puts the actor it names on the
// request context.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				unauthorized(w, r, logg, "invalid_request", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if errors.Is(err, pkgAuth.ErrTokenExpired) {
				unauthorized(w, r, logg, "invalid_token", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "token expired"))
				return
			}
			if err != nil {
				unauthorized(w, r, logg, "invalid_token", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			actor := claims.Actor()
			ctx := WithActor(r.Context(), actor)
			if logg != nil {
				ctx = logg.WithActorID(ctx, actor.ID.String())
				ctx = logg.WithActorRole(ctx, string(actor.Role))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the credentials of an "Authorization: Bearer" header.
// Other schemes are rejected.
func bearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", errNoBearer
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoBearer
	}
	return token, nil
}

func unauthorized(w http.ResponseWriter, r *http.Request, logg *logger.Logger, reason string, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="novamart", error="`+reason+`"`)
	responses.WriteError(r.Context(), logg, w, err)
}
