package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	workerIDKey    struct{}
	migrationIDKey struct{}
)

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

// WithWorkerID tags ctx with the coordinator worker id processing it.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, workerIDKey{}, workerID)
}

func WorkerIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	workerID, ok := ctx.Value(workerIDKey{}).(string)
	if !ok || workerID == "" {
		return "", false
	}

	return workerID, true
}

// WithMigrationID tags ctx with the batched migration being worked on.
func WithMigrationID(ctx context.Context, migrationID int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, migrationIDKey{}, migrationID)
}

func MigrationIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}

	migrationID, ok := ctx.Value(migrationIDKey{}).(int64)
	return migrationID, ok
}

// WithContextLogger returns logger with the worker and migration ids carried by ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	var fields []zap.Field
	if workerID, ok := WorkerIDFromContext(ctx); ok {
		fields = append(fields, zap.String("workerId", workerID))
	}
	if migrationID, ok := MigrationIDFromContext(ctx); ok {
		fields = append(fields, zap.Int64("migrationId", migrationID))
	}
	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}
