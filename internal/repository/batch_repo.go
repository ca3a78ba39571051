package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/partition"
)

const (
	createBatchesChunk = 100
	maxClaimConflicts  = 5
	defaultListLimit   = 100

	defaultLeaseDuration = 5 * time.Minute

	// LeaseExpiredError is stored on a batch reclaimed from a worker whose
	// lease ran out.
	LeaseExpiredError = "claim lease expired"
)

// errClaimConflict means the guarded claim update lost to another worker.
var errClaimConflict = errors.New("claim conflict")

// ClaimParams controls ClaimNextBatch.
type ClaimParams struct {
	WorkerID string
	Now      time.Time
	// LeaseDuration is how long a claim stays valid without a heartbeat.
	// A claimed batch whose claimed_at is older than Now-LeaseDuration is
	// reclaimable.
	LeaseDuration time.Duration
	// MaxAttempts bounds failed attempts, expired leases included.
	MaxAttempts int
}

// BatchResult is the outcome of one batch execution.
type BatchResult struct {
	WorkerID string
	// Err is nil on success.
	Err error
	// RetryAt schedules another attempt after a failure. Nil makes the
	// failure terminal.
	RetryAt *time.Time
}

type BatchRepository interface {
	CreateBatches(ctx context.Context, migrationID int64, ranges []partition.Range) error
	ClaimNextBatch(ctx context.Context, migrationID int64, params ClaimParams) (*domain.Batch, error)
	RenewLease(ctx context.Context, batchID int64, workerID string, now time.Time) error
	RecordBatchResult(ctx context.Context, batchID int64, result BatchResult) error
	SummarizeStatus(ctx context.Context, migrationID int64) (domain.BatchSummary, error)
	ResetFailed(ctx context.Context, migrationID int64) (int64, error)
	ListByMigration(ctx context.Context, migrationID int64, status *domain.BatchStatus, limit int) ([]domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// CreateBatches inserts pending batches for ranges. Ranges that already exist
// for the migration are skipped, so repeating a call is a no-op.
func (r *GormBatchRepo) CreateBatches(ctx context.Context, migrationID int64, ranges []partition.Range) error {
	if len(ranges) == 0 {
		return nil
	}

	models := make([]BatchModel, 0, len(ranges))
	for _, rg := range ranges {
		if rg.Max <= rg.Min {
			return &domain.InvalidRangeError{Min: rg.Min, Max: rg.Max}
		}
		models = append(models, BatchModel{
			BatchedMigrationID: migrationID,
			MinValue:           rg.Min,
			MaxValue:           rg.Max,
			Status:             domain.BatchStatusPending,
		})
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batched_migration_id"}, {Name: "min_value"}},
			DoNothing: true,
		}).
		CreateInBatches(&models, createBatchesChunk).Error
}

// ClaimNextBatch claims the lowest claimable batch of the migration for
// params.WorkerID. It returns nil, nil when nothing is claimable.
//
// Candidates are pending batches whose retry time has passed and claimed
// batches whose lease expired, and only while the parent migration is pending
// or running. Rows locked by a concurrent claimer are
// skipped rather than waited on. Reclaiming an expired lease costs an
// attempt; when that exhausts the budget the batch is failed instead and no
// batch is returned, so the caller sees the failure on its next status check.
func (r *GormBatchRepo) ClaimNextBatch(ctx context.Context, migrationID int64, params ClaimParams) (*domain.Batch, error) {
	if params.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", domain.ErrValidation)
	}
	if params.Now.IsZero() {
		params.Now = time.Now()
	}
	params.Now = params.Now.UTC()
	if params.LeaseDuration <= 0 {
		params.LeaseDuration = defaultLeaseDuration
	}

	for range maxClaimConflicts {
		batch, err := r.tryClaim(ctx, migrationID, params)
		if errors.Is(err, errClaimConflict) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		return batch, err
	}

	return nil, nil
}

func (r *GormBatchRepo) tryClaim(ctx context.Context, migrationID int64, params ClaimParams) (*domain.Batch, error) {
	var claimed *domain.Batch

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model BatchModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("batched_migration_id = ?", migrationID).
			Where(
				"EXISTS (SELECT 1 FROM batched_migrations m WHERE m.id = batched_migration_batches.batched_migration_id AND m.status IN ?)",
				runnableStatuses,
			).
			Where(
				"((status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND claimed_at < ?))",
				domain.BatchStatusPending, params.Now,
				domain.BatchStatusClaimed, params.Now.Add(-params.LeaseDuration),
			).
			Order("min_value ASC").
			Take(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		attempts := model.Attempts
		exhausted := false
		updates := map[string]any{
			"status":          domain.BatchStatusClaimed,
			"claimed_by":      params.WorkerID,
			"claimed_at":      params.Now,
			"next_attempt_at": nil,
		}

		if model.Status == domain.BatchStatusClaimed {
			attempts++
			leaseErr := LeaseExpiredError
			updates["attempts"] = attempts
			updates["last_error"] = leaseErr
			model.LastError = &leaseErr

			if params.MaxAttempts > 0 && attempts >= params.MaxAttempts {
				exhausted = true
				updates["status"] = domain.BatchStatusFailed
				updates["claimed_by"] = nil
				updates["claimed_at"] = nil
			}
		}

		result := tx.Model(&BatchModel{}).
			Where("id = ? AND status = ? AND attempts = ?", model.ID, model.Status, model.Attempts).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errClaimConflict
		}

		if exhausted {
			return nil
		}

		workerID := params.WorkerID
		claimedAt := params.Now
		model.Status = domain.BatchStatusClaimed
		model.Attempts = attempts
		model.ClaimedBy = &workerID
		model.ClaimedAt = &claimedAt
		model.NextAttemptAt = nil
		claimed = batchModelToDomain(&model)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// RenewLease extends the claim held by workerID.
func (r *GormBatchRepo) RenewLease(ctx context.Context, batchID int64, workerID string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ? AND claimed_by = ?", batchID, domain.BatchStatusClaimed, workerID).
		Update("claimed_at", now.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// RecordBatchResult stores the outcome of a batch the worker still holds.
// A failure always counts an attempt; it is retried at RetryAt or, when
// RetryAt is nil, marks the batch failed.
func (r *GormBatchRepo) RecordBatchResult(ctx context.Context, batchID int64, result BatchResult) error {
	var updates map[string]any
	if result.Err == nil {
		updates = map[string]any{
			"status":          domain.BatchStatusSucceeded,
			"next_attempt_at": nil,
		}
	} else {
		updates = map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      result.Err.Error(),
			"claimed_by":      nil,
			"claimed_at":      nil,
			"status":          domain.BatchStatusFailed,
			"next_attempt_at": nil,
		}
		if result.RetryAt != nil {
			updates["status"] = domain.BatchStatusPending
			updates["next_attempt_at"] = result.RetryAt.UTC()
		}
	}

	res := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ? AND claimed_by = ?", batchID, domain.BatchStatusClaimed, result.WorkerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

type batchStatusCount struct {
	Status domain.BatchStatus `gorm:"column:status"`
	Count  int64              `gorm:"column:count"`
}

func (r *GormBatchRepo) SummarizeStatus(ctx context.Context, migrationID int64) (domain.BatchSummary, error) {
	var counts []batchStatusCount
	err := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Select("status, COUNT(*) as count").
		Where("batched_migration_id = ?", migrationID).
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return domain.BatchSummary{}, err
	}

	var summary domain.BatchSummary
	for _, c := range counts {
		summary.Add(c.Status, c.Count)
	}
	return summary, nil
}

// ResetFailed returns every failed batch of the migration to pending with a
// fresh attempt budget. last_error is kept for inspection.
func (r *GormBatchRepo) ResetFailed(ctx context.Context, migrationID int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("batched_migration_id = ? AND status = ?", migrationID, domain.BatchStatusFailed).
		Updates(map[string]any{
			"status":          domain.BatchStatusPending,
			"attempts":        0,
			"claimed_by":      nil,
			"claimed_at":      nil,
			"next_attempt_at": nil,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormBatchRepo) ListByMigration(ctx context.Context, migrationID int64, status *domain.BatchStatus, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = defaultListLimit
	}

	query := r.db.WithContext(ctx).Where("batched_migration_id = ?", migrationID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	var models []BatchModel
	if err := query.Order("min_value ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, nil
}
