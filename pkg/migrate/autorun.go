package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/angelmondragon/immsbatch/pkg/db"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

// MaybeRunDev brings the audit table up to date on dev boots with
// IMMSBATCH_AUTO_MIGRATE set. Goose files target postgres, so sqlite databases
// get the schema from the gorm model instead.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if client == nil || !cfg.App.IsDev() || !cfg.Features.AutoMigrate {
		return nil
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "sqlite": cfg.Features.UseSQLite})

	if cfg.Features.UseSQLite {
		if err := client.DB().WithContext(ctx).AutoMigrate(&models.AuditRecord{}); err != nil {
			return fmt.Errorf("auto-migrating audit records: %w", err)
		}
		logg.Info(ctx, "audit table synced from model")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	if err := Run(ctx, sqlDB, DefaultDir, "up"); err != nil {
		return err
	}
	logg.Info(ctx, "audit migrations applied")
	return nil
}
