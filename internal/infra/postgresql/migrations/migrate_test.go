package migrations

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/infra/sqlite"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := sqlite.NewSQLite(filepath.Join(t.TempDir(), "migrations.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	for _, table := range []string{"batched_migrations", "batched_migration_batches"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("table %s was not created", table)
		}
	}
	if !db.Migrator().HasIndex("batched_migration_batches", "idx_batches_migration_min_value") {
		t.Fatal("unique (batched_migration_id, min_value) index missing")
	}
}

func TestRunFiles(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	files := []registry.File{
		{
			ID:       registry.MigrationID{Timestamp: 20240101000000, Name: "create_widgets"},
			Filename: "20240101000000_create_widgets.sql",
			Content:  []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);"),
		},
		{
			ID:         registry.MigrationID{Timestamp: 20240102000000, Name: "index_widgets"},
			Filename:   "20240102000000_index_widgets.sql",
			Annotation: registry.AnnotationNoTransaction,
			Content:    []byte("CREATE INDEX idx_widgets_name ON widgets (name);"),
		},
	}

	if err := RunFiles(db, files); err != nil {
		t.Fatalf("RunFiles() error = %v", err)
	}
	if err := RunFiles(db, files); err != nil {
		t.Fatalf("RunFiles() rerun error = %v, want applied files skipped", err)
	}

	if !db.Migrator().HasIndex("widgets", "idx_widgets_name") {
		t.Fatal("NO_TRANSACTION file was not applied")
	}

	var applied int64
	if err := db.Table(FileMigrationsTable).Count(&applied).Error; err != nil {
		t.Fatalf("count applied files error = %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
}

func TestRunFilesRollsBackFailedTransactionalFile(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)

	files := []registry.File{
		{
			ID:       registry.MigrationID{Timestamp: 20240101000000, Name: "broken"},
			Filename: "20240101000000_broken.sql",
			Content:  []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY); INSERT INTO nope VALUES (1);"),
		},
	}

	if err := RunFiles(db, files); err == nil {
		t.Fatal("RunFiles() expected error for broken file")
	}
	if db.Migrator().HasTable("gadgets") {
		t.Fatal("failed transactional file left a partial schema behind")
	}
}
