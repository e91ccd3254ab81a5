package middleware

import (
	"context"

	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

type contextKey string

const ctxActor contextKey = "actor"

// ActorFromContext returns the authenticated caller, if any.
func ActorFromContext(ctx context.Context) (rbac.Actor, bool) {
	if ctx == nil {
		return rbac.Actor{}, false
	}
	actor, ok := ctx.Value(ctxActor).(rbac.Actor)
	return actor, ok
}

// WithActor injects the caller into the context for downstream handlers.
func WithActor(ctx context.Context, actor rbac.Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxActor, actor)
}

// RequireActor returns the caller or an Unauthorized error.
func RequireActor(ctx context.Context) (rbac.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return rbac.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor context missing")
	}
	return actor, nil
}
