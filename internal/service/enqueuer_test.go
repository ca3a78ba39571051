package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

type countingMigration struct {
	stubMigration
	params registry.Parameters
	err    error
	calls  int
}

func (c *countingMigration) Parameters(ctx context.Context, db *gorm.DB) (registry.Parameters, error) {
	c.calls++
	return c.params, c.err
}

func TestNewEnqueuerValidation(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	if _, err := NewEnqueuer(nil, &fakeMigrationRepo{}, nil); err == nil {
		t.Fatal("expected error when database is nil")
	}
	if _, err := NewEnqueuer(db, nil, nil); err == nil {
		t.Fatal("expected error when migration repository is nil")
	}
}

func TestEnqueueAllComputesParametersOnce(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormMigrationRepo(db)
	counting := &countingMigration{params: registry.Parameters{Min: 5, Max: 500, BatchSize: 50}}
	reg, err := registry.New(registry.Registration{Filename: testFilename, Migration: counting})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	enqueuer, err := NewEnqueuer(db, repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEnqueuer() error = %v", err)
	}

	first, err := enqueuer.EnqueueAll(context.Background(), "acme", reg)
	if err != nil {
		t.Fatalf("EnqueueAll() error = %v", err)
	}
	second, err := enqueuer.EnqueueAll(context.Background(), "acme", reg)
	if err != nil {
		t.Fatalf("second EnqueueAll() error = %v", err)
	}

	if counting.calls != 1 {
		t.Fatalf("Parameters calls = %d, want 1", counting.calls)
	}
	if len(first) != 1 || len(second) != 1 || first[0].ID != second[0].ID {
		t.Fatalf("enqueued ids = %+v / %+v, want the same migration", first, second)
	}
	m := first[0]
	if m.Status != domain.MigrationStatusPending || m.MinValue != 5 || m.MaxValue != 500 || m.BatchSize != 50 {
		t.Fatalf("migration = %+v", m)
	}
	if m.PartitionedUntil != m.MinValue {
		t.Fatalf("partitioned until = %d, want %d", m.PartitionedUntil, m.MinValue)
	}
}

func TestEnqueueAllCollectsFailures(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := repository.NewGormMigrationRepo(db)
	reg, err := registry.New(
		registry.Registration{
			Filename:  "20240101000000_broken_parameters.go",
			Migration: &countingMigration{err: errors.New("relation does not exist")},
		},
		registry.Registration{
			Filename:  "20240102000000_inverted_range.go",
			Migration: &countingMigration{params: registry.Parameters{Min: 10, Max: 1, BatchSize: 5}},
		},
		registry.Registration{
			Filename:  "20240103000000_good.go",
			Migration: &countingMigration{params: registry.Parameters{Min: 0, Max: 10, BatchSize: 5}},
		},
	)
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}

	enqueuer, err := NewEnqueuer(db, repo, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEnqueuer() error = %v", err)
	}

	enqueued, err := enqueuer.EnqueueAll(context.Background(), "acme", reg)
	if err == nil {
		t.Fatal("EnqueueAll() error = nil, want collected failures")
	}
	if !strings.Contains(err.Error(), "20240101000000_broken_parameters.go") || !strings.Contains(err.Error(), "relation does not exist") {
		t.Fatalf("error %q should name the parameters failure", err)
	}
	var rangeErr *domain.InvalidRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("error %v should include the invalid range", err)
	}
	if len(enqueued) != 1 || enqueued[0].Filename != "20240103000000_good.go" {
		t.Fatalf("enqueued = %+v, want only the good migration", enqueued)
	}
}
