package domain

import "time"

// BatchStatus represents the processing state of a single batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusClaimed   BatchStatus = "claimed"
	BatchStatusSucceeded BatchStatus = "succeeded"
	BatchStatusFailed    BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusClaimed, BatchStatusSucceeded, BatchStatusFailed:
		return true
	}
	return false
}

// Batch is an independently claimable sub-range [MinValue, MaxValue) of a
// batched migration.
type Batch struct {
	ID                 int64
	BatchedMigrationID int64
	MinValue           int64
	MaxValue           int64
	Status             BatchStatus
	Attempts           int
	LastError          *string
	ClaimedBy          *string
	ClaimedAt          *time.Time
	NextAttemptAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BatchSummary counts a migration's batches per status.
type BatchSummary struct {
	Pending   int64
	Claimed   int64
	Succeeded int64
	Failed    int64
	Total     int64
}

// Add accumulates a status count, ignoring unknown statuses in Total as well.
func (s *BatchSummary) Add(status BatchStatus, count int64) {
	switch status {
	case BatchStatusPending:
		s.Pending += count
	case BatchStatusClaimed:
		s.Claimed += count
	case BatchStatusSucceeded:
		s.Succeeded += count
	case BatchStatusFailed:
		s.Failed += count
	default:
		return
	}
	s.Total += count
}
