package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/novamart-backend/pkg/config"
	"github.com/angelmondragon/novamart-backend/pkg/db"
	"github.com/angelmondragon/novamart-backend/pkg/db/models"
	"github.com/angelmondragon/novamart-backend/pkg/logger"
)

// MaybeRunDev applies the embedded migrations at boot in dev when
// NOVAMART_AUTO_MIGRATE is set. Elsewhere it only warns when the schema is
// behind, since production schema changes go through cmd/migrate.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if client.Driver() != db.DriverPostgres {
		// goose files are Postgres DDL
		return client.DB().WithContext(ctx).AutoMigrate(models.All()...)
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	runner, err := NewRunner(sqlDB, Embedded(), logg)
	if err != nil {
		return err
	}
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		pending, err := runner.Pending(ctx)
		if err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "could not check schema version")
			return nil
		}
		if pending {
			logg.Warn(ctx, "database schema is behind this build; run cmd/migrate")
		}
		return nil
	}

	logg.Info(ctx, "auto-applying migrations")
	if err := runner.Run(ctx, "up"); err != nil {
		return err
	}
	logg.Info(ctx, "schema up to date")
	return nil
}
