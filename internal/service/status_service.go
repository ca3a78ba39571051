package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

const failedBatchesLimit = 20

// MigrationDetail is one migration with its batch progress.
type MigrationDetail struct {
	Migration     domain.BatchedMigration
	Summary       domain.BatchSummary
	FailedBatches []domain.Batch
}

// StatusService answers read-only progress queries.
type StatusService struct {
	migrations repository.MigrationRepository
	batches    repository.BatchRepository
}

func NewStatusService(migrations repository.MigrationRepository, batches repository.BatchRepository) (*StatusService, error) {
	if migrations == nil {
		return nil, fmt.Errorf("migration repository is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}

	return &StatusService{migrations: migrations, batches: batches}, nil
}

func (s *StatusService) SelectAllBatchedMigrations(ctx context.Context, project string) ([]domain.BatchedMigration, error) {
	if project == "" {
		return nil, fmt.Errorf("%w: project is required", domain.ErrValidation)
	}
	return s.migrations.ListByProject(ctx, project)
}

// SelectBatchedMigration returns domain.ErrNotFound for migrations of other projects.
func (s *StatusService) SelectBatchedMigration(ctx context.Context, project string, id int64) (*MigrationDetail, error) {
	m, err := s.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Project != project {
		return nil, domain.ErrNotFound
	}

	summary, err := s.batches.SummarizeStatus(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize batches: %w", err)
	}

	var failed []domain.Batch
	if summary.Failed > 0 {
		status := domain.BatchStatusFailed
		failed, err = s.batches.ListByMigration(ctx, m.ID, &status, failedBatchesLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list failed batches: %w", err)
		}
	}

	return &MigrationDetail{
		Migration:     *m,
		Summary:       summary,
		FailedBatches: failed,
	}, nil
}
