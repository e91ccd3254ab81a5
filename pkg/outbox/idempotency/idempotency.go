// Package idempotency deduplicates deliveries that may arrive or be sent
// more than once: inbound payment webhooks and outbound outbox events.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/novamart-backend/pkg/redis"
)

const (
	markerPending = "pending"
	markerDone    = "done"

	defaultPendingTTL = 5 * time.Minute
)

// State is what a claim found for an id.
type State int

const (
	// Claimed means the caller now owns the id and must Confirm or Release it.
	Claimed State = iota
	// InFlight means another worker holds an unconfirmed claim.
	InFlight
	// Done means the id was already handled within the retention window.
	Done
)

// Guard claims ids within one scope. A claim starts as a short-lived pending
// marker so a worker that dies mid-flight does not swallow the redelivery;
// Confirm stretches it to the full retention.
type Guard struct {
	store      redis.IdempotencyStore
	scope      string
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewGuard keeps confirmed ids for ttl.
func NewGuard(store redis.IdempotencyStore, scope string, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("idempotency scope is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	pending := defaultPendingTTL
	if ttl < pending {
		pending = ttl
	}
	return &Guard{store: store, scope: scope, ttl: ttl, pendingTTL: pending}, nil
}

// Claim takes the id if nobody holds it and reports what it found otherwise.
func (g *Guard) Claim(ctx context.Context, id string) (State, error) {
	key, err := g.key(id)
	if err != nil {
		return Claimed, err
	}
	set, err := g.store.SetNX(ctx, key, markerPending, g.pendingTTL)
	if err != nil {
		return Claimed, fmt.Errorf("claim %s: %w", key, err)
	}
	if set {
		return Claimed, nil
	}

	marker, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// expired between SETNX and GET; the next delivery will claim it
		return InFlight, nil
	case err != nil:
		return Claimed, fmt.Errorf("read claim %s: %w", key, err)
	case marker == markerDone:
		return Done, nil
	default:
		return InFlight, nil
	}
}

// Confirm records that the id was handled.
func (g *Guard) Confirm(ctx context.Context, id string) error {
	key, err := g.key(id)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, key, markerDone, g.ttl)
}

// Release drops a claim so the next delivery of id is processed.
func (g *Guard) Release(ctx context.Context, id string) error {
	key, err := g.key(id)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *Guard) key(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("delivery id is required")
	}
	return g.store.IdempotencyKey(g.scope, id), nil
}
