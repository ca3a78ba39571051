package domain

import (
	"fmt"
	"strings"
	"time"
)

// MigrationStatus represents the lifecycle state of a batched migration.
type MigrationStatus string

const (
	MigrationStatusPending    MigrationStatus = "pending"
	MigrationStatusRunning    MigrationStatus = "running"
	MigrationStatusPaused     MigrationStatus = "paused"
	MigrationStatusFinalizing MigrationStatus = "finalizing"
	MigrationStatusSucceeded  MigrationStatus = "succeeded"
	MigrationStatusFailed     MigrationStatus = "failed"
)

func (s MigrationStatus) String() string { return string(s) }

func (s MigrationStatus) IsValid() bool {
	switch s {
	case MigrationStatusPending, MigrationStatusRunning, MigrationStatusPaused,
		MigrationStatusFinalizing, MigrationStatusSucceeded, MigrationStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no worker will touch the migration again without manual action.
func (s MigrationStatus) IsTerminal() bool {
	return s == MigrationStatusSucceeded || s == MigrationStatusFailed
}

func ParseMigrationStatusFromString(s string) (MigrationStatus, error) {
	st := MigrationStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid migration status %q", ErrValidation, s)
	}
	return st, nil
}

// BatchedMigration is one long-running job applying a single migration
// definition across the key range [MinValue, MaxValue).
type BatchedMigration struct {
	ID        int64
	Project   string
	Filename  string
	Status    MigrationStatus
	MinValue  int64
	MaxValue  int64
	BatchSize int64
	// PartitionedUntil is the exclusive upper bound of the key range already
	// materialized as batches. Batches always cover [MinValue, PartitionedUntil).
	PartitionedUntil int64
	LastError        *string
	StartedAt        *time.Time
	FinishedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FullyPartitioned reports whether batches cover the whole range.
func (m *BatchedMigration) FullyPartitioned() bool {
	return m.PartitionedUntil >= m.MaxValue
}

func (m *BatchedMigration) Validate() error {
	if strings.TrimSpace(m.Project) == "" {
		return fmt.Errorf("%w: project is required", ErrValidation)
	}
	if strings.TrimSpace(m.Filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if m.MaxValue < m.MinValue {
		return &InvalidRangeError{Min: m.MinValue, Max: m.MaxValue}
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive (got %d)", ErrValidation, m.BatchSize)
	}
	return nil
}
