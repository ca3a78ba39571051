package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
)

// BatchExecutor runs migration bodies. It never retries; the coordinator
// owns the retry policy.
type BatchExecutor interface {
	Run(ctx context.Context, def registry.Definition, batch domain.Batch) error
	Finalize(ctx context.Context, def registry.Definition) error
}

var _ BatchExecutor = (*Executor)(nil)

type Executor struct {
	db           *gorm.DB
	batchTimeout time.Duration
	logger       *zap.Logger
}

func NewExecutor(db *gorm.DB, batchTimeout time.Duration, logger *zap.Logger) (*Executor, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		db:           db,
		batchTimeout: batchTimeout,
		logger:       logger,
	}, nil
}

// Run applies def to the batch range. The body runs in a transaction unless
// the definition is annotated NO_TRANSACTION. Any error or panic comes back
// as a *domain.ExecutionError.
func (e *Executor) Run(ctx context.Context, def registry.Definition, batch domain.Batch) error {
	if e.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.batchTimeout)
		defer cancel()
	}

	err := e.invoke(ctx, def, func(ctx context.Context, db *gorm.DB) error {
		return def.Migration.Execute(ctx, db, batch.MinValue, batch.MaxValue)
	})
	if err != nil {
		return &domain.ExecutionError{
			Filename: def.Filename,
			BatchID:  batch.ID,
			MinValue: batch.MinValue,
			MaxValue: batch.MaxValue,
			Err:      err,
		}
	}
	return nil
}

// Finalize runs the definition's finalize step, if it has one. It is not
// bounded by the batch timeout.
func (e *Executor) Finalize(ctx context.Context, def registry.Definition) error {
	finalizer, ok := def.Finalizer()
	if !ok {
		return nil
	}

	err := e.invoke(ctx, def, finalizer.Finalize)
	if err != nil {
		return &domain.FinalizationError{Filename: def.Filename, Err: err}
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, def registry.Definition, fn func(ctx context.Context, db *gorm.DB) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("migration body panicked",
				zap.String("filename", def.Filename),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	db := e.db.WithContext(ctx)
	if def.NoTransaction() {
		return fn(ctx, db)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}
