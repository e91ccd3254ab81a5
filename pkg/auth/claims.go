package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/enums"
	"github.com/angelmondragon/novamart-backend/pkg/rbac"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	ActorID uuid.UUID
	Role    enums.ActorRole
	JTI     string
}

// AccessTokenClaims represents the typed JWT presented by callers.
type AccessTokenClaims struct {
	ActorID uuid.UUID       `json:"actor_id"`
	Role    enums.ActorRole `json:"role"`
	jwt.RegisteredClaims
}

// Actor converts verified claims into the authorization identity.
func (c *AccessTokenClaims) Actor() rbac.Actor {
	return rbac.Actor{ID: c.ActorID, Role: c.Role}
}
