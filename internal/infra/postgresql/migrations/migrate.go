// Package migrations owns the engine's own schema and the runner for
// one-shot SQL migration files.
package migrations

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/registry"
)

// FileMigrationsTable records applied one-shot migration files, kept apart
// from the engine schema ids.
const FileMigrationsTable = "schema_migrations"

// Migrate brings the engine schema up to date.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		createBatchedMigrationsTable(),
		createBatchedMigrationBatchesTable(),
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate engine schema: %w", err)
	}
	return nil
}

// FileMigrations converts loaded SQL files into gormigrate migrations. Files
// run inside a transaction unless annotated NO_TRANSACTION.
func FileMigrations(files []registry.File) []*gormigrate.Migration {
	out := make([]*gormigrate.Migration, 0, len(files))
	for _, f := range files {
		out = append(out, &gormigrate.Migration{
			ID: f.ID.String(),
			Migrate: func(db *gorm.DB) error {
				sql := string(f.Content)
				if f.NoTransaction() {
					return db.Exec(sql).Error
				}
				return db.Transaction(func(tx *gorm.DB) error {
					return tx.Exec(sql).Error
				})
			},
		})
	}
	return out
}

// RunFiles applies files in timestamp order, skipping ones already recorded.
func RunFiles(db *gorm.DB, files []registry.File) error {
	if len(files) == 0 {
		return nil
	}

	opts := *gormigrate.DefaultOptions
	opts.TableName = FileMigrationsTable
	opts.UseTransaction = false

	m := gormigrate.New(db, &opts, FileMigrations(files))
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("failed to run migration files: %w", err)
	}
	return nil
}
