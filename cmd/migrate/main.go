package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
	"github.com/angelmondragon/novamart-backend/pkg/migrate"
)

const usage = "migration command: up|down|redo|reset|status|version|create|validate"

type options struct {
	command string
	dir     string
	name    string
	version string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.command, "cmd", "up", usage)
	flag.StringVar(&opts.dir, "dir", "", "migrations directory; empty uses the set built into this binary")
	flag.StringVar(&opts.name, "name", "", "migration name for -cmd=create")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", opts.command, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	// file-only commands need neither config nor a database
	switch opts.command {
	case "create":
		if opts.name == "" {
			return errors.New("-name is required")
		}
		dir := opts.dir
		if dir == "" {
			dir = migrate.DefaultDir
		}
		path, err := migrate.CreateSQLMigration(dir, opts.name)
		if err != nil {
			return err
		}
		fmt.Println("created", path)
		return nil
	case "validate":
		if err := migrate.Validate(migrate.Source(opts.dir)); err != nil {
			return err
		}
		fmt.Println("migrations valid")
		return nil
	}

	var target int64
	if opts.command == "version" {
		v, err := strconv.ParseInt(opts.version, 10, 64)
		if err != nil || len(opts.version) != 14 {
			return fmt.Errorf("-version %q is not a YYYYMMDDHHMMSS version", opts.version)
		}
		target = v
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": opts.command})

	client, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()
	if client.Driver() != db.DriverPostgres {
		return fmt.Errorf("goose migrations target postgres, configured driver is %s", client.Driver())
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	runner, err := migrate.NewRunner(sqlDB, migrate.Source(opts.dir), logg)
	if err != nil {
		return err
	}

	if opts.command == "version" {
		return runner.To(ctx, target)
	}
	return runner.Run(ctx, opts.command)
}
