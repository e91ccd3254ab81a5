package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/novamart-backend/api/responses"
	pkgerrors "github.com/angelmondragon/novamart-backend/pkg/errors"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/novamart-backend/pkg/redis"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	standardReplayTTL = 24 * time.Hour
	moneyReplayTTL    = 7 * 24 * time.Hour
	reservationTTL    = time.Minute

	stateInProgress = "in_progress"
	stateCompleted  = "completed"
)

// replayPolicy names a mutating route family and how long its responses
// stay replayable. Paths are matched on the concrete URL because the
// middleware runs before chi has resolved the full pattern.
type replayPolicy struct {
	method string
	prefix string
	suffix string
	exact  bool
	ttl    time.Duration
}

func (p replayPolicy) matches(method, path string) bool {
	if p.method != method {
		return false
	}
	if p.exact {
		return path == p.prefix
	}
	return strings.HasPrefix(path, p.prefix) && strings.HasSuffix(path, p.suffix)
}

var replayPolicies = []replayPolicy{
	{method: http.MethodPost, prefix: "/api/v1/orders", exact: true, ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/request-payment", ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/confirm", ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/ship", ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/deliver", ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/disputes/", suffix: "/evidence", ttl: standardReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/admin/disputes/", suffix: "/review", ttl: standardReplayTTL},

	// money moves or terminal decisions
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/pay", ttl: moneyReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/cancel", ttl: moneyReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/orders/", suffix: "/disputes", ttl: moneyReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/admin/disputes/", suffix: "/resolve", ttl: moneyReplayTTL},
	{method: http.MethodPost, prefix: "/api/v1/admin/escrow/", ttl: moneyReplayTTL},
}

func replayTTL(method, path string) (time.Duration, bool) {
	if path == "" {
		return 0, false
	}
	for _, policy := range replayPolicies {
		if policy.matches(method, path) {
			return policy.ttl, true
		}
	}
	return 0, false
}

// replayRecord is what the store holds under an idempotency key. While the
// first request runs it is a short-lived in_progress reservation; once the
// handler answers below 500 it becomes the completed response.
type replayRecord struct {
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency makes the mutating routes in replayPolicies safe to retry. The
// first request reserves the key, concurrent duplicates get 409, and later
// retries with the same body replay the stored response. Server errors drop
// the reservation so the caller can try again.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := replayTTL(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := IdempotencyKeyFromRequest(r)
			if clientKey == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, IdempotencyHeader+" header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			fingerprint := requestFingerprint(r, body)
			key := store.IdempotencyKey(replayScope(r), clientKey)

			reservation, _ := json.Marshal(replayRecord{State: stateInProgress, Fingerprint: fingerprint})
			reserved, err := store.SetNX(ctx, key, string(reservation), reservationTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayExisting(ctx, w, store, key, fingerprint, logg)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			status := capture.statusCode()
			if status >= http.StatusInternalServerError {
				if err := store.Del(ctx, key); err != nil {
					logError(ctx, logg, "drop idempotency reservation", err)
				}
				return
			}

			completed, err := json.Marshal(replayRecord{
				State:       stateCompleted,
				Fingerprint: fingerprint,
				Status:      status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			})
			if err != nil {
				logError(ctx, logg, "encode idempotency record", err)
				return
			}
			if err := store.Set(ctx, key, string(completed), ttl); err != nil {
				logError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replayExisting(ctx context.Context, w http.ResponseWriter, store pkgredis.IdempotencyStore, key, fingerprint string, logg *logger.Logger) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// reservation expired between SETNX and GET
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this idempotency key is still in progress"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record"))
		return
	}

	var record replayRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	if record.Fingerprint != fingerprint {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request"))
		return
	}
	if record.State != stateCompleted {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this idempotency key is still in progress"))
		return
	}

	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

// replayScope keeps one caller's keys from colliding with another's.
func replayScope(r *http.Request) string {
	actorID := "anonymous"
	if actor, ok := ActorFromContext(r.Context()); ok {
		actorID = actor.ID.String()
	}
	return actorID + "|" + r.Method + "|" + r.URL.Path
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyKeyFromRequest returns the caller-supplied Idempotency-Key header.
func IdempotencyKeyFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
