// Package redis is the engine's Redis client: idempotency records for the
// HTTP API and webhooks, delivery markers for the outbox publisher, and
// owner-checked locks for cron schedules.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const keyNamespace = "novamart"

var errNotInitialized = errors.New("redis client not initialized")

// commands is the slice of go-redis this package calls; tests swap in a fake.
type commands interface {
	redis.StringCmdable
	redis.GenericCmdable
	redis.Scripter
	Ping(context.Context) *redis.StatusCmd
}

type Client struct {
	cmd  commands
	pool *redis.Client
}

// Pinger is what readiness checks need.
type Pinger interface {
	Ping(context.Context) error
}

// New dials Redis and fails unless the server answers PING.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := redis.NewClient(opts)
	if err := pool.Ping(ctx).Err(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"redis_addr": opts.Addr,
			"redis_db":   opts.DB,
			"pool_size":  opts.PoolSize,
		}), "redis connection established")
	}
	return &Client{cmd: pool, pool: pool}, nil
}

// optionsFromConfig takes the URL when set, else the address triple. Pool
// settings from config only fill what the URL left at zero.
func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else if cfg.Address != "" {
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	} else {
		return nil, errors.New("redis url or address is required")
	}

	fillInt(&opts.PoolSize, cfg.PoolSize)
	fillInt(&opts.MinIdleConns, cfg.MinIdleConns)
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

func fillInt(dst *int, fallback int) {
	if *dst == 0 {
		*dst = fallback
	}
}

func (c *Client) Ping(ctx context.Context) error {
	if c.cmd == nil {
		return errNotInitialized
	}
	return c.cmd.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}

// IdempotencyKey is novamart:idempotency:<scope>:<id>.
func (c *Client) IdempotencyKey(scope, id string) string {
	return namespaced("idempotency", scope, id)
}

// LockKey is novamart:lock:<name>.
func (c *Client) LockKey(name string) string {
	return namespaced("lock", name)
}

// namespaced joins the non-blank parts under the global prefix.
func namespaced(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteByte(':')
			b.WriteString(part)
		}
	}
	return b.String()
}
