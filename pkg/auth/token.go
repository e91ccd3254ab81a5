package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/enums"
)

// clockSkew tolerates small drift between the identity provider and us.
const clockSkew = 30 * time.Second

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

var signingMethod = jwt.SigningMethodHS256

func checkConfig(cfg config.JWTConfig) error {
	switch {
	case cfg.Secret == "":
		return errors.New("jwt secret is required")
	case cfg.Issuer == "":
		return errors.New("jwt issuer is required")
	case cfg.ExpirationMinutes <= 0:
		return errors.New("jwt expiration minutes must be positive")
	}
	return nil
}

// tokenRole reports whether role may appear in a bearer token. The system
// actor only exists inside workers.
func tokenRole(role enums.ActorRole) bool {
	return role.IsValid() && role != enums.ActorRoleSystem
}

// MintAccessToken signs a token for payload valid from now for the
// configured lifetime. Production tokens come from the identity provider;
// internal callers and tests share the secret and mint their own.
func MintAccessToken(cfg config.JWTConfig, now time.Time, payload AccessTokenPayload) (string, error) {
	if err := checkConfig(cfg); err != nil {
		return "", err
	}
	if payload.ActorID == uuid.Nil {
		return "", errors.New("actor id is required")
	}
	if !tokenRole(payload.Role) {
		return "", fmt.Errorf("role %q cannot be issued a token", payload.Role)
	}

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}
	lifetime := time.Duration(cfg.ExpirationMinutes) * time.Minute

	claims := AccessTokenClaims{
		ActorID: payload.ActorID,
		Role:    payload.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    cfg.Issuer,
			Subject:   payload.ActorID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature, issuer and lifetime. Failures wrap
// ErrTokenExpired or ErrTokenInvalid so callers can tell them apart.
func ParseAccessToken(cfg config.JWTConfig, raw string) (*AccessTokenClaims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	claims := &AccessTokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.ActorID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing actor_id", ErrTokenInvalid)
	}
	if claims.Subject != "" && claims.Subject != claims.ActorID.String() {
		return nil, fmt.Errorf("%w: subject does not match actor_id", ErrTokenInvalid)
	}
	if !tokenRole(claims.Role) {
		return nil, fmt.Errorf("%w: unsupported role %q", ErrTokenInvalid, claims.Role)
	}
	return claims, nil
}
