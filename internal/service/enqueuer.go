package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

// Enqueuer creates the durable record of each registered batched migration
// the first time a deploy references it.
type Enqueuer struct {
	db         *gorm.DB
	migrations repository.MigrationRepository
	logger     *zap.Logger
}

func NewEnqueuer(db *gorm.DB, migrations repository.MigrationRepository, logger *zap.Logger) (*Enqueuer, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if migrations == nil {
		return nil, fmt.Errorf("migration repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Enqueuer{db: db, migrations: migrations, logger: logger}, nil
}

// EnqueueAll enqueues every definition in reg for project. Definitions that
// already have a record keep it untouched, so their parameters are computed
// only once. Every definition is attempted; failures are returned together.
func (e *Enqueuer) EnqueueAll(ctx context.Context, project string, reg *registry.Registry) ([]domain.BatchedMigration, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	var (
		errs     error
		enqueued []domain.BatchedMigration
	)
	for _, def := range reg.All() {
		m, err := e.enqueue(ctx, project, def)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("enqueue %s: %w", def.Filename, err))
			continue
		}
		enqueued = append(enqueued, *m)
	}

	return enqueued, errs
}

func (e *Enqueuer) enqueue(ctx context.Context, project string, def registry.Definition) (*domain.BatchedMigration, error) {
	existing, err := e.migrations.GetByFilename(ctx, project, def.Filename)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	params, err := def.Migration.Parameters(ctx, e.db.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to compute parameters: %w", err)
	}

	m, created, err := e.migrations.Enqueue(ctx, &domain.BatchedMigration{
		Project:   project,
		Filename:  def.Filename,
		MinValue:  params.Min,
		MaxValue:  params.Max,
		BatchSize: params.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	if created {
		e.logger.Info("batched migration enqueued",
			zap.Int64("migrationId", m.ID),
			zap.String("project", project),
			zap.String("filename", m.Filename),
			zap.Int64("minValue", m.MinValue),
			zap.Int64("maxValue", m.MaxValue),
			zap.Int64("batchSize", m.BatchSize),
		)
	}
	return m, nil
}
