package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

func createBatchedMigrationBatchesTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_batched_migration_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_batches_claimable ON batched_migration_batches (batched_migration_id, min_value) WHERE status IN ('pending', 'claimed')`,
				`CREATE INDEX IF NOT EXISTS idx_batches_migration_status ON batched_migration_batches (batched_migration_id, status)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchModel{})
		},
	}
}
