package repository

import (
	"time"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

// BatchedMigrationModel is the persistence model for batched_migrations.
type BatchedMigrationModel struct {
	ID               int64                  `gorm:"primaryKey;autoIncrement"`
	Project          string                 `gorm:"type:varchar(255);not null;uniqueIndex:idx_batched_migrations_project_filename,priority:1"`
	Filename         string                 `gorm:"type:varchar(255);not null;uniqueIndex:idx_batched_migrations_project_filename,priority:2"`
	Status           domain.MigrationStatus `gorm:"type:varchar(20);not null"`
	MinValue         int64                  `gorm:"not null"`
	MaxValue         int64                  `gorm:"not null"`
	BatchSize        int64                  `gorm:"not null"`
	PartitionedUntil int64                  `gorm:"not null"`
	LastError        *string                `gorm:"type:text"`
	StartedAt        *time.Time
	FinishedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (BatchedMigrationModel) TableName() string {
	return "batched_migrations"
}

// BatchModel is the persistence model for batched_migration_batches.
type BatchModel struct {
	ID                 int64              `gorm:"primaryKey;autoIncrement"`
	BatchedMigrationID int64              `gorm:"not null;uniqueIndex:idx_batches_migration_min_value,priority:1"`
	MinValue           int64              `gorm:"not null;uniqueIndex:idx_batches_migration_min_value,priority:2"`
	MaxValue           int64              `gorm:"not null"`
	Status             domain.BatchStatus `gorm:"type:varchar(20);not null"`
	Attempts           int                `gorm:"not null;default:0"`
	LastError          *string            `gorm:"type:text"`
	ClaimedBy          *string            `gorm:"type:varchar(255)"`
	ClaimedAt          *time.Time
	NextAttemptAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (BatchModel) TableName() string {
	return "batched_migration_batches"
}

func migrationModelFromDomain(m *domain.BatchedMigration) *BatchedMigrationModel {
	if m == nil {
		return nil
	}

	return &BatchedMigrationModel{
		ID:               m.ID,
		Project:          m.Project,
		Filename:         m.Filename,
		Status:           m.Status,
		MinValue:         m.MinValue,
		MaxValue:         m.MaxValue,
		BatchSize:        m.BatchSize,
		PartitionedUntil: m.PartitionedUntil,
		LastError:        m.LastError,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func migrationModelToDomain(m *BatchedMigrationModel) *domain.BatchedMigration {
	if m == nil {
		return nil
	}

	return &domain.BatchedMigration{
		ID:               m.ID,
		Project:          m.Project,
		Filename:         m.Filename,
		Status:           m.Status,
		MinValue:         m.MinValue,
		MaxValue:         m.MaxValue,
		BatchSize:        m.BatchSize,
		PartitionedUntil: m.PartitionedUntil,
		LastError:        m.LastError,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:                 m.ID,
		BatchedMigrationID: m.BatchedMigrationID,
		MinValue:           m.MinValue,
		MaxValue:           m.MaxValue,
		Status:             m.Status,
		Attempts:           m.Attempts,
		LastError:          m.LastError,
		ClaimedBy:          m.ClaimedBy,
		ClaimedAt:          m.ClaimedAt,
		NextAttemptAt:      m.NextAttemptAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
