package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
)

type MigrationRepository interface {
	Enqueue(ctx context.Context, m *domain.BatchedMigration) (*domain.BatchedMigration, bool, error)
	GetByID(ctx context.Context, id int64) (*domain.BatchedMigration, error)
	GetByFilename(ctx context.Context, project, filename string) (*domain.BatchedMigration, error)
	ListByProject(ctx context.Context, project string) ([]domain.BatchedMigration, error)
	ListRunnable(ctx context.Context, project string) ([]domain.BatchedMigration, error)
	TransitionStatus(ctx context.Context, id int64, from []domain.MigrationStatus, to domain.MigrationStatus, lastError *string) (bool, error)
	AdvancePartitionCursor(ctx context.Context, id int64, from, to int64) (bool, error)
}

// runnableStatuses are the migration statuses whose batches workers may claim.
var runnableStatuses = []domain.MigrationStatus{
	domain.MigrationStatusPending,
	domain.MigrationStatusRunning,
}

type GormMigrationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormMigrationRepo(db *gorm.DB) *GormMigrationRepo {
	return &GormMigrationRepo{db: db, now: time.Now}
}

// Enqueue inserts m as a pending migration. A migration that already exists
// for (project, filename) is returned unchanged with created=false.
func (r *GormMigrationRepo) Enqueue(ctx context.Context, m *domain.BatchedMigration) (*domain.BatchedMigration, bool, error) {
	if m == nil {
		return nil, false, fmt.Errorf("%w: migration is required", domain.ErrValidation)
	}
	if err := m.Validate(); err != nil {
		return nil, false, err
	}

	model := migrationModelFromDomain(m)
	model.ID = 0
	model.Status = domain.MigrationStatusPending
	model.PartitionedUntil = m.MinValue
	model.LastError = nil
	model.StartedAt = nil
	model.FinishedAt = nil

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project"}, {Name: "filename"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}

	if result.RowsAffected == 0 {
		existing, err := r.GetByFilename(ctx, m.Project, m.Filename)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	return migrationModelToDomain(model), true, nil
}

func (r *GormMigrationRepo) GetByID(ctx context.Context, id int64) (*domain.BatchedMigration, error) {
	var model BatchedMigrationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return migrationModelToDomain(&model), nil
}

func (r *GormMigrationRepo) GetByFilename(ctx context.Context, project, filename string) (*domain.BatchedMigration, error) {
	var model BatchedMigrationModel
	err := r.db.WithContext(ctx).
		Where("project = ? AND filename = ?", project, filename).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return migrationModelToDomain(&model), nil
}

func (r *GormMigrationRepo) ListByProject(ctx context.Context, project string) ([]domain.BatchedMigration, error) {
	return r.list(r.db.WithContext(ctx).Where("project = ?", project))
}

// ListRunnable returns the migrations workers should claim batches for.
func (r *GormMigrationRepo) ListRunnable(ctx context.Context, project string) ([]domain.BatchedMigration, error) {
	return r.list(r.db.WithContext(ctx).Where("project = ? AND status IN ?", project, runnableStatuses))
}

func (r *GormMigrationRepo) list(query *gorm.DB) ([]domain.BatchedMigration, error) {
	var models []BatchedMigrationModel
	if err := query.Order("filename ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	migrations := make([]domain.BatchedMigration, 0, len(models))
	for i := range models {
		migrations = append(migrations, *migrationModelToDomain(&models[i]))
	}
	return migrations, nil
}

// TransitionStatus moves the migration to `to` only if its current status is
// one of from. Every from->to pair must be a state machine edge. Exactly one
// concurrent caller observes true. lastError replaces
// the stored error, so passing nil clears it.
func (r *GormMigrationRepo) TransitionStatus(
	ctx context.Context,
	id int64,
	from []domain.MigrationStatus,
	to domain.MigrationStatus,
	lastError *string,
) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("%w: at least one source status is required", domain.ErrValidation)
	}
	for _, f := range from {
		if !domain.CanTransition(f, to) {
			return false, fmt.Errorf("%w: migration cannot move from %s to %s", domain.ErrValidation, f, to)
		}
	}

	now := r.now().UTC()
	updates := map[string]any{
		"status":     to,
		"last_error": lastError,
	}
	switch {
	case to == domain.MigrationStatusRunning:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
		updates["finished_at"] = nil
	case to.IsTerminal():
		updates["finished_at"] = now
	}

	result := r.db.WithContext(ctx).
		Model(&BatchedMigrationModel{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// AdvancePartitionCursor moves partitioned_until from `from` to `to`. It is a
// compare-and-set: a caller that lost the race sees false.
func (r *GormMigrationRepo) AdvancePartitionCursor(ctx context.Context, id int64, from, to int64) (bool, error) {
	if to < from {
		return false, &domain.InvalidRangeError{Min: from, Max: to}
	}

	result := r.db.WithContext(ctx).
		Model(&BatchedMigrationModel{}).
		Where("id = ? AND partitioned_until = ?", id, from).
		Update("partitioned_until", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
