package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

const localDevOrigin = "http://localhost:3000"

// CORS applies the browser origin policy for the storefront and the ops
// console. Dev environments additionally accept the local frontend.
func CORS(origins []string, dev bool) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins(origins, dev),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			IdempotencyHeader,
			RequestIDHeader,
		},
		ExposedHeaders:   []string{RequestIDHeader, "Idempotent-Replay", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler
}

func allowedOrigins(origins []string, dev bool) []string {
	out := make([]string, 0, len(origins)+1)
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" || origin == "*" {
			continue
		}
		out = append(out, origin)
	}
	if dev {
		out = append(out, localDevOrigin)
	}
	return out
}
