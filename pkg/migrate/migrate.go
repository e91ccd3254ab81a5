// Package migrate applies the goose SQL migrations that define the schema.
// The files under migrations/ are embedded so every binary carries the
// schema it was built against.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

// DefaultDir is where `migrate -cmd=create` writes new files.
const DefaultDir = "pkg/migrate/migrations"

//go:embed migrations/*.sql
var embedded embed.FS

// Embedded returns the migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(fmt.Sprintf("migrate: embedded migrations: %v", err))
	}
	return sub
}

// Source returns dir on disk, or the embedded set when dir is empty.
func Source(dir string) fs.FS {
	if strings.TrimSpace(dir) == "" {
		return Embedded()
	}
	return os.DirFS(dir)
}

// Runner drives one goose provider against a Postgres database.
type Runner struct {
	provider *goose.Provider
	logg     *logger.Logger
}

func NewRunner(db *sql.DB, migrations fs.FS, logg *logger.Logger) (*Runner, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if migrations == nil {
		return nil, errors.New("migrations source is required")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	return &Runner{provider: provider, logg: logg}, nil
}

// Run executes one of up, down, redo, reset or status.
func (r *Runner) Run(ctx context.Context, command string) error {
	switch command {
	case "up":
		results, err := r.provider.Up(ctx)
		r.report(ctx, results...)
		return wrapCommand(command, err)
	case "down":
		result, err := r.provider.Down(ctx)
		r.report(ctx, result)
		return wrapCommand(command, err)
	case "redo":
		down, err := r.provider.Down(ctx)
		r.report(ctx, down)
		if err != nil {
			return wrapCommand(command, err)
		}
		up, err := r.provider.UpByOne(ctx)
		r.report(ctx, up)
		return wrapCommand(command, err)
	case "reset":
		results, err := r.provider.DownTo(ctx, 0)
		r.report(ctx, results...)
		return wrapCommand(command, err)
	case "status":
		return r.status(ctx)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

// To moves the schema up or down until target is the newest applied
// version.
func (r *Runner) To(ctx context.Context, target int64) error {
	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case target == current:
		return nil
	case target > current:
		results, err := r.provider.UpTo(ctx, target)
		r.report(ctx, results...)
		return wrapCommand(fmt.Sprintf("up-to %d", target), err)
	default:
		results, err := r.provider.DownTo(ctx, target)
		r.report(ctx, results...)
		return wrapCommand(fmt.Sprintf("down-to %d", target), err)
	}
}

// Pending reports whether the database is behind the migration source.
func (r *Runner) Pending(ctx context.Context) (bool, error) {
	pending, err := r.provider.HasPending(ctx)
	if err != nil {
		return false, fmt.Errorf("check pending migrations: %w", err)
	}
	return pending, nil
}

func (r *Runner) status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return wrapCommand("status", err)
	}
	if r.logg == nil {
		return nil
	}
	for _, st := range statuses {
		fields := map[string]any{
			"version": st.Source.Version,
			"file":    st.Source.Path,
			"state":   string(st.State),
		}
		if !st.AppliedAt.IsZero() {
			fields["applied_at"] = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		r.logg.Info(r.logg.WithFields(ctx, fields), "migration status")
	}
	return nil
}

func (r *Runner) report(ctx context.Context, results ...*goose.MigrationResult) {
	if r.logg == nil {
		return
	}
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"version":     res.Source.Version,
			"file":        res.Source.Path,
			"direction":   res.Direction,
			"duration_ms": res.Duration.Milliseconds(),
		}), "migration applied")
	}
}

func wrapCommand(command string, err error) error {
	if err == nil || errors.Is(err, goose.ErrNoNextVersion) {
		return nil
	}
	return fmt.Errorf("goose %s: %w", command, err)
}
