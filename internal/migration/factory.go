package migration

import (
	"fmt"

	appconfig "github.com/williamwinkler/openai-batch-manager-sub003/config"
)

// NewMigratorFromConfig creates a migrator from the application configuration.
func NewMigratorFromConfig(cfg *appconfig.Config) (*Migrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from the database section.
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*Migrator, error) {
	d, err := ParseDialect(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	return Open(Options{Dialect: d, URL: ConnectionURL(d, dbCfg)})
}

// NewMigratorFromURL creates a migrator from a raw connection URL, used by
// the migrate subcommand's --db-url override.
func NewMigratorFromURL(driver, url string) (*Migrator, error) {
	d, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	return Open(Options{Dialect: d, URL: url})
}

// ConnectionURL renders the database/sql connection string for the dialect.
// For SQLite the Name field carries the file path.
func ConnectionURL(d Dialect, cfg appconfig.DatabaseConfig) string {
	switch d {
	case DialectMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	case DialectSQLite:
		return fmt.Sprintf("file:%s?mode=rwc&_pragma=foreign_keys(1)", cfg.Name)
	default:
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, ssl)
	}
}
