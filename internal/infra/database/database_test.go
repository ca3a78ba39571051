package database

import (
	"path/filepath"
	"testing"

	"github.com/kursadbilgin/backfill-engine/internal/config"
)

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	db, err := Open(config.DriverSQLite, filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open("mysql", "root@/engine"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
