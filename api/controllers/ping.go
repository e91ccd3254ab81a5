package controllers

import (
	"net/http"

	"github.com/angelmondragon/novamart-backend/api/middleware"
	"github.com/angelmondragon/novamart-backend/api/responses"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		responses.WriteSuccess(w, map[string]string{"status": "ok"})
	}
}

type whoAmIResponse struct {
	ActorID     string            `json:"actor_id"`
	Role        string            `json:"role"`
	Permissions []rbac.Permission `json:"permissions"`
}

// WhoAmI echoes the caller the token resolved to and what it may do.
func WhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := middleware.RequireActor(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), nil, w, err)
			return
		}
		responses.WriteSuccess(w, whoAmIResponse{
			ActorID:     actor.ID.String(),
			Role:        string(actor.Role),
			Permissions: rbac.Granted(actor.Role),
		})
	}
}
