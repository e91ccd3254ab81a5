// Package db owns the GORM connection pool and the transaction helper every
// repository runs inside.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Client struct {
	conn   *gorm.DB
	driver string
	// lockTimeout is applied per transaction on Postgres only.
	lockTimeout time.Duration
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// New opens the store named by cfg. On Postgres every transaction waits at
// most cfg.LockTimeout for a row lock, so a stuck escrow writer surfaces as a
// transient error rather than a hung request.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	dialector, err := dialectorFor(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newQueryLogger(logg, cfg.SlowQuery),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}
	pool, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	configurePool(pool, cfg)

	client := &Client{conn: conn, driver: driver}
	if driver == DriverPostgres {
		client.lockTimeout = cfg.LockTimeout
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"driver":         driver,
			"max_open_conns": cfg.MaxOpenConns,
			"lock_timeout":   client.lockTimeout.String(),
			"slow_query":     cfg.SlowQuery.String(),
		}), "database connection established")
	}
	return client, nil
}

// configurePool applies the positive pool limits from cfg and leaves the
// database/sql defaults for the rest.
func configurePool(pool *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pool.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		pool.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// Wrap adopts an open GORM handle; tests use it for sqlite.
func Wrap(conn *gorm.DB) *Client {
	driver := DriverPostgres
	if conn != nil && conn.Dialector != nil {
		driver = conn.Dialector.Name()
	}
	return &Client{conn: conn, driver: driver}
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		// simple protocol keeps pgbouncer in transaction mode usable
		return postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true}), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

func (c *Client) DB() *gorm.DB {
	return c.conn
}

func (c *Client) Driver() string {
	return c.driver
}

func (c *Client) Ping(ctx context.Context) error {
	pool, err := c.conn.DB()
	if err != nil {
		return err
	}
	return pool.PingContext(ctx)
}

func (c *Client) Close() error {
	pool, err := c.conn.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}

// WithTx runs fn in one transaction and rolls back on error or panic. Raw
// driver failures that are safe to retry leave as TRANSIENT_STORE_ERROR;
// typed domain errors from fn pass through untouched.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := c.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return WrapError(tx.Error, "begin transaction")
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if c.lockTimeout > 0 {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.lockTimeout.Milliseconds())).Error; err != nil {
			return WrapError(err, "set lock timeout")
		}
	}

	if err := fn(tx); err != nil {
		if IsTransient(err) {
			return WrapError(err, "transaction")
		}
		return err
	}

	committed = true
	if err := tx.Commit().Error; err != nil {
		return WrapError(err, "commit transaction")
	}
	return nil
}
