package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

func createBatchedMigrationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_batched_migrations",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchedMigrationModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batched_migrations_project_status ON batched_migrations (project, status)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchedMigrationModel{})
		},
	}
}
