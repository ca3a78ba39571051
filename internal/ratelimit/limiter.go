package ratelimit

import (
	"context"
	"strconv"
)

// RateLimiter throttles batch starts across every worker process sharing a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

// MigrationKey is the limiter key for one batched migration.
func MigrationKey(migrationID int64) string {
	return "migration:" + strconv.FormatInt(migrationID, 10)
}
