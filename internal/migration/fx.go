package migration

import (
	"strings"

	"github.com/smallbiznis/tenantvault/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(runAtStartup),
)

// runAtStartup migrates before any module touches backup tables.
func runAtStartup(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")
	if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
		log.Warn("embedded migrations target postgres, skipping", zap.String("db_type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	res, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	if res.Applied {
		log.Info("schema migrated", zap.Uint("from", res.From), zap.Uint("to", res.To))
		return nil
	}
	log.Debug("schema up to date", zap.Uint("version", res.To))
	return nil
}
