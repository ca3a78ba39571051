package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kursadbilgin/backfill-engine/internal/observability"
)

const defaultReconcileInterval = 15 * time.Second

// Reconciler periodically recomputes the status of every runnable migration,
// so failures and completions surface even while workers are busy elsewhere.
type Reconciler struct {
	coordinator *Coordinator
	logger      *zap.Logger
	interval    time.Duration
}

func NewReconciler(coordinator *Coordinator, interval time.Duration, logger *zap.Logger) (*Reconciler, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		coordinator: coordinator,
		logger:      logger,
		interval:    interval,
	}, nil
}

func (r *Reconciler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconciler initial pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ReconcileAll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconciler pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileAll reconciles the runnable migrations registered in this build.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	c := r.coordinator
	migrations, err := c.migrations.ListRunnable(ctx, c.cfg.Project)
	if err != nil {
		return fmt.Errorf("failed to list runnable migrations: %w", err)
	}

	for i := range migrations {
		m := migrations[i]
		def, err := c.registry.Lookup(m.Filename)
		if err != nil {
			continue
		}

		if err := c.reconcile(observability.WithMigrationID(ctx, m.ID), &m, def); err != nil {
			r.logger.Error("failed to reconcile migration",
				zap.Int64("migrationId", m.ID),
				zap.String("filename", m.Filename),
				zap.Error(err),
			)
		}
	}

	return nil
}
