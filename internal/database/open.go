package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenConfig selects the driver and DSN for Open.
type OpenConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver string
	// DSN is the driver-specific connection string. For sqlite it is the
	// file path, or ":memory:" for an in-memory database.
	DSN string
}

// Open connects with the configured driver. The guarded state transitions
// depend on gorm's translated errors, so TranslateError is always on.
func Open(cfg OpenConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), opts)
	case "mysql":
		db, err = gorm.Open(mysql.Open(cfg.DSN), opts)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), opts)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	logger.Info("database opened", zap.String("driver", cfg.Driver))
	return db, nil
}
