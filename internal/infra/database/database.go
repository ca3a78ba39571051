// Package database opens the engine's gorm connection for the configured driver.
package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/config"
	"github.com/kursadbilgin/backfill-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/backfill-engine/internal/infra/sqlite"
)

func Open(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case config.DriverPostgres:
		return postgresql.NewPostgres(dsn, postgresql.DefaultPoolConfig())
	case config.DriverSQLite:
		return sqlite.NewSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
