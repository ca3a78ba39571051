package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursadbilgin/backfill-engine/internal/domain"
	"github.com/kursadbilgin/backfill-engine/internal/events"
	"github.com/kursadbilgin/backfill-engine/internal/observability"
	"github.com/kursadbilgin/backfill-engine/internal/partition"
	"github.com/kursadbilgin/backfill-engine/internal/ratelimit"
	"github.com/kursadbilgin/backfill-engine/internal/registry"
	"github.com/kursadbilgin/backfill-engine/internal/repository"
)

const (
	minWorkerConcurrency     = 1
	defaultPollInterval      = time.Second
	defaultLeaseDuration     = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxAttempts       = 5
	defaultBaseRetryDelay    = time.Second
	defaultMaxRetryDelay     = time.Minute
	defaultPartitionChunk    = 1000
	maxRetryJitterMillis     = 250

	// recordTimeout bounds writes that must land even while shutting down.
	recordTimeout = 10 * time.Second
	// publishTimeout bounds how long a status change may wait on the broker.
	publishTimeout = 2 * time.Second
)

var runnableStatuses = []domain.MigrationStatus{
	domain.MigrationStatusPending,
	domain.MigrationStatusRunning,
}

type CoordinatorConfig struct {
	Project           string
	Concurrency       int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	BaseRetryDelay    time.Duration
	MaxRetryDelay     time.Duration
	PartitionChunk    int
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Concurrency < minWorkerConcurrency {
		c.Concurrency = minWorkerConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration {
		c.HeartbeatInterval = min(defaultHeartbeatInterval, c.LeaseDuration/3)
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = defaultBaseRetryDelay
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		c.MaxRetryDelay = max(defaultMaxRetryDelay, c.BaseRetryDelay)
	}
	if c.PartitionChunk < 1 {
		c.PartitionChunk = defaultPartitionChunk
	}
	return c
}

// Coordinator drives batched migrations for one project. Every worker process
// runs one; they coordinate only through the store.
type Coordinator struct {
	migrations  repository.MigrationRepository
	batches     repository.BatchRepository
	registry    *registry.Registry
	executor    BatchExecutor
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics
	publisher   events.Publisher
	cfg         CoordinatorConfig
	now         func() time.Time
	randIntn    func(n int) int
	newWorkerID func() string
}

func NewCoordinator(
	migrations repository.MigrationRepository,
	batches repository.BatchRepository,
	reg *registry.Registry,
	executor BatchExecutor,
	rateLimiter ratelimit.RateLimiter,
	cfg CoordinatorConfig,
	logger *zap.Logger,
) (*Coordinator, error) {
	if migrations == nil {
		return nil, fmt.Errorf("migration repository is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		migrations:  migrations,
		batches:     batches,
		registry:    reg,
		executor:    executor,
		rateLimiter: rateLimiter,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		randIntn:    rand.Intn,
		newWorkerID: NewWorkerID,
	}, nil
}

func (c *Coordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// SetPublisher makes the coordinator announce every status change it applies.
func (c *Coordinator) SetPublisher(publisher events.Publisher) {
	if c == nil {
		return
	}
	c.publisher = publisher
}

// NewWorkerID returns a process-unique worker id of the form host/pid/suffix.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Start runs the configured number of worker loops until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for range c.cfg.Concurrency {
		workerID := c.newWorkerID()
		g.Go(func() error {
			return c.runWorker(observability.WithWorkerID(groupCtx, workerID), workerID)
		})
	}

	return g.Wait()
}

func (c *Coordinator) runWorker(ctx context.Context, workerID string) error {
	logger := observability.WithContextLogger(c.logger, ctx)
	logger.Info("worker started", zap.String("project", c.cfg.Project))
	defer logger.Info("worker stopped")

	for {
		worked, err := c.Step(ctx, workerID)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("worker step failed", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		if err := sleepWithContext(ctx, c.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// Step processes at most one batch across the runnable migrations, lowest
// filename first. It reports whether a batch was processed. A migration whose
// step fails is logged and skipped so later migrations still make progress.
func (c *Coordinator) Step(ctx context.Context, workerID string) (bool, error) {
	migrations, err := c.migrations.ListRunnable(ctx, c.cfg.Project)
	if err != nil {
		return false, fmt.Errorf("failed to list runnable migrations: %w", err)
	}

	for i := range migrations {
		m := migrations[i]
		def, err := c.registry.Lookup(m.Filename)
		if err != nil {
			c.logger.Debug("skipping migration not registered in this build",
				zap.Int64("migrationId", m.ID),
				zap.String("filename", m.Filename),
			)
			continue
		}

		stepCtx := observability.WithMigrationID(ctx, m.ID)
		worked, err := c.stepMigration(stepCtx, workerID, &m, def)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			observability.WithContextLogger(c.logger, stepCtx).Error("failed to step migration",
				zap.String("filename", m.Filename),
				zap.Error(err),
			)
			continue
		}
		if worked {
			return true, nil
		}
	}

	return false, nil
}

func (c *Coordinator) stepMigration(ctx context.Context, workerID string, m *domain.BatchedMigration, def registry.Definition) (bool, error) {
	batch, err := c.claim(ctx, workerID, m.ID)
	if err != nil {
		return false, err
	}

	if batch == nil && !m.FullyPartitioned() {
		if err := c.extendPartitions(ctx, m); err != nil {
			return false, err
		}
		if batch, err = c.claim(ctx, workerID, m.ID); err != nil {
			return false, err
		}
	}

	if batch == nil {
		return false, c.reconcile(ctx, m, def)
	}

	c.metrics.IncBatchClaimed(m.Filename)
	if m.Status == domain.MigrationStatusPending {
		c.transition(ctx, m, []domain.MigrationStatus{domain.MigrationStatusPending}, domain.MigrationStatusRunning, nil)
	}

	return true, c.processBatch(ctx, workerID, m, def, batch)
}

func (c *Coordinator) claim(ctx context.Context, workerID string, migrationID int64) (*domain.Batch, error) {
	batch, err := c.batches.ClaimNextBatch(ctx, migrationID, repository.ClaimParams{
		WorkerID:      workerID,
		Now:           c.now(),
		LeaseDuration: c.cfg.LeaseDuration,
		MaxAttempts:   c.cfg.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return batch, nil
}

// extendPartitions materializes the next chunk of batches past the partition
// cursor. Batch creation is idempotent, so a worker that loses the cursor
// race only reloads the migration.
func (c *Coordinator) extendPartitions(ctx context.Context, m *domain.BatchedMigration) error {
	p, err := partition.New(m.MinValue, m.MaxValue, m.BatchSize)
	if err != nil {
		return err
	}

	ranges := p.Take(m.PartitionedUntil, c.cfg.PartitionChunk)
	if len(ranges) == 0 {
		return nil
	}
	if err := c.batches.CreateBatches(ctx, m.ID, ranges); err != nil {
		return fmt.Errorf("failed to create batches: %w", err)
	}

	next := ranges[len(ranges)-1].Max
	advanced, err := c.migrations.AdvancePartitionCursor(ctx, m.ID, m.PartitionedUntil, next)
	if err != nil {
		return fmt.Errorf("failed to advance partition cursor: %w", err)
	}
	if advanced {
		observability.WithContextLogger(c.logger, ctx).Debug("partitioned batches",
			zap.Int("batches", len(ranges)),
			zap.Int64("partitionedUntil", next),
		)
		m.PartitionedUntil = next
		return nil
	}

	fresh, err := c.migrations.GetByID(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to reload migration: %w", err)
	}
	*m = *fresh
	return nil
}

func (c *Coordinator) processBatch(ctx context.Context, workerID string, m *domain.BatchedMigration, def registry.Definition, batch *domain.Batch) error {
	logger := observability.WithContextLogger(c.logger, ctx).With(
		zap.Int64("batchId", batch.ID),
		zap.Int64("minValue", batch.MinValue),
		zap.Int64("maxValue", batch.MaxValue),
	)

	c.metrics.IncBatchesInFlight(m.Filename)
	defer c.metrics.DecBatchesInFlight(m.Filename)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(heartbeatCtx, logger, workerID, batch.ID)
	}()

	execErr := c.throttle(ctx, logger, m.ID)
	start := c.now()
	if execErr == nil {
		execErr = c.executor.Run(ctx, def, *batch)
	}
	c.metrics.ObserveBatchDuration(m.Filename, c.now().Sub(start))

	stopHeartbeat()
	<-heartbeatDone

	result := repository.BatchResult{WorkerID: workerID, Err: execErr}
	attempt := batch.Attempts + 1
	if execErr != nil {
		switch {
		case ctx.Err() != nil:
			// Shutdown interrupted the batch; hand it back right away.
			retryAt := c.now()
			result.RetryAt = &retryAt
		case attempt < c.cfg.MaxAttempts:
			retryAt := c.now().Add(c.computeRetryDelay(attempt))
			result.RetryAt = &retryAt
		}
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := c.batches.RecordBatchResult(recordCtx, batch.ID, result); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			logger.Warn("batch lease lost before result was recorded", zap.Error(execErr))
			c.metrics.IncLeaseLost(m.Filename)
			return nil
		}
		return fmt.Errorf("failed to record batch result: %w", err)
	}

	if execErr == nil {
		logger.Debug("batch succeeded")
		c.metrics.IncBatchSucceeded(m.Filename)
		return nil
	}

	if result.RetryAt != nil {
		logger.Warn("batch failed, retry scheduled",
			zap.Int("attempt", attempt),
			zap.Time("retryAt", *result.RetryAt),
			zap.Error(execErr),
		)
		c.metrics.IncRetryScheduled(m.Filename)
		return nil
	}

	logger.Error("batch failed, retry budget exhausted",
		zap.Int("attempt", attempt),
		zap.Error(execErr),
	)
	c.metrics.IncBatchFailed(m.Filename, "retry_exhausted")

	fresh, err := c.migrations.GetByID(recordCtx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to reload migration: %w", err)
	}
	return c.reconcile(recordCtx, fresh, def)
}

// throttle waits for the fleet-wide rate limiter. Limiter outages are logged
// and do not stop the batch.
func (c *Coordinator) throttle(ctx context.Context, logger *zap.Logger, migrationID int64) error {
	if c.rateLimiter == nil {
		return nil
	}

	err := c.rateLimiter.Wait(ctx, ratelimit.MigrationKey(migrationID))
	if err == nil || ctx.Err() == nil {
		if err != nil {
			logger.Warn("rate limiter unavailable, running batch unthrottled", zap.Error(err))
		}
		return nil
	}
	return ctx.Err()
}

func (c *Coordinator) heartbeat(ctx context.Context, logger *zap.Logger, workerID string, batchID int64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.batches.RenewLease(ctx, batchID, workerID, c.now())
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, domain.ErrLeaseLost) {
				logger.Warn("batch lease lost during execution")
				return
			}
			logger.Warn("failed to renew batch lease", zap.Error(err))
		}
	}
}

// reconcile recomputes the migration status from its batches and runs the
// finalize step when this worker wins the move to finalizing.
func (c *Coordinator) reconcile(ctx context.Context, m *domain.BatchedMigration, def registry.Definition) error {
	summary, err := c.batches.SummarizeStatus(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to summarize batches: %w", err)
	}

	next := domain.DeriveStatus(m.Status, summary, m.FullyPartitioned())
	if next == m.Status {
		return nil
	}

	switch next {
	case domain.MigrationStatusFailed:
		msg := c.failureMessage(ctx, m.ID)
		c.transition(ctx, m, runnableStatuses, domain.MigrationStatusFailed, &msg)
	case domain.MigrationStatusRunning:
		c.transition(ctx, m, []domain.MigrationStatus{domain.MigrationStatusPending}, domain.MigrationStatusRunning, nil)
	case domain.MigrationStatusFinalizing:
		if c.transition(ctx, m, runnableStatuses, domain.MigrationStatusFinalizing, nil) {
			if err := c.finalize(ctx, m, def); err != nil {
				observability.WithContextLogger(c.logger, ctx).Error("finalize failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (c *Coordinator) failureMessage(ctx context.Context, migrationID int64) string {
	failed := domain.BatchStatusFailed
	batches, err := c.batches.ListByMigration(ctx, migrationID, &failed, 1)
	if err != nil || len(batches) == 0 || batches[0].LastError == nil {
		return "batch retry budget exhausted"
	}
	b := batches[0]
	return fmt.Sprintf("batch %d [%d, %d) failed after %d attempts: %s", b.ID, b.MinValue, b.MaxValue, b.Attempts, *b.LastError)
}

// finalize runs the finalize step of a migration already in finalizing and
// moves it to its terminal status.
func (c *Coordinator) finalize(ctx context.Context, m *domain.BatchedMigration, def registry.Definition) error {
	logger := observability.WithContextLogger(c.logger, ctx)
	logger.Info("finalizing migration", zap.String("filename", m.Filename))

	finalizing := []domain.MigrationStatus{domain.MigrationStatusFinalizing}
	if err := c.executor.Finalize(ctx, def); err != nil {
		msg := err.Error()
		c.metrics.IncFinalization(m.Filename, "failed")
		c.transition(context.WithoutCancel(ctx), m, finalizing, domain.MigrationStatusFailed, &msg)
		return err
	}

	c.metrics.IncFinalization(m.Filename, "succeeded")
	if !c.transition(context.WithoutCancel(ctx), m, finalizing, domain.MigrationStatusSucceeded, nil) {
		return fmt.Errorf("%w: migration %d left finalizing while its finalize step ran", domain.ErrConflict, m.ID)
	}
	logger.Info("migration succeeded", zap.String("filename", m.Filename))
	return nil
}

// transition applies a conditional status change and reports whether this
// caller won it. m is updated on success.
func (c *Coordinator) transition(
	ctx context.Context,
	m *domain.BatchedMigration,
	from []domain.MigrationStatus,
	to domain.MigrationStatus,
	lastError *string,
) bool {
	ok, err := c.migrations.TransitionStatus(ctx, m.ID, from, to, lastError)
	if err != nil {
		observability.WithContextLogger(c.logger, ctx).Error("failed to change migration status",
			zap.String("to", to.String()),
			zap.Error(err),
		)
		return false
	}
	if !ok {
		return false
	}

	observability.WithContextLogger(c.logger, ctx).Info("migration status changed",
		zap.String("from", m.Status.String()),
		zap.String("to", to.String()),
	)
	c.metrics.IncStatusTransition(m.Filename, to.String())
	c.publishStatusChange(ctx, *m, to, lastError)
	m.Status = to
	m.LastError = lastError
	return true
}

// publishStatusChange never fails the transition; a broker outage only
// costs the announcement.
func (c *Coordinator) publishStatusChange(ctx context.Context, m domain.BatchedMigration, to domain.MigrationStatus, lastError *string) {
	if c.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := c.publisher.Publish(ctx, events.StatusChange{
		EventID:     uuid.NewString(),
		Project:     m.Project,
		MigrationID: m.ID,
		Filename:    m.Filename,
		From:        m.Status,
		To:          to,
		LastError:   lastError,
		OccurredAt:  c.now().UTC(),
	})
	if err != nil {
		observability.WithContextLogger(c.logger, ctx).Warn("failed to publish migration status change",
			zap.Int64("migrationId", m.ID),
			zap.String("to", to.String()),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := c.cfg.BaseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= c.cfg.MaxRetryDelay {
			delay = c.cfg.MaxRetryDelay
			break
		}
	}

	jitterMillis := 0
	if c.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = c.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pause stops workers from claiming new batches of the migration. Batches
// already claimed run to completion.
func (c *Coordinator) Pause(ctx context.Context, id int64) (*domain.BatchedMigration, error) {
	m, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !c.transition(ctx, m, runnableStatuses, domain.MigrationStatusPaused, m.LastError) {
		return nil, fmt.Errorf("%w: migration %d is %s and cannot be paused", domain.ErrConflict, id, m.Status)
	}
	return m, nil
}

// Resume makes a paused or failed migration runnable again. Resuming a failed
// migration resets its failed batches with a fresh attempt budget.
func (c *Coordinator) Resume(ctx context.Context, id int64) (*domain.BatchedMigration, error) {
	m, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case domain.MigrationStatusPaused:
	case domain.MigrationStatusFailed:
		reset, err := c.batches.ResetFailed(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reset failed batches: %w", err)
		}
		observability.WithContextLogger(c.logger, ctx).Info("reset failed batches",
			zap.Int64("migrationId", m.ID),
			zap.Int64("batches", reset),
		)
	default:
		return nil, fmt.Errorf("%w: migration %d is %s and cannot be resumed", domain.ErrConflict, id, m.Status)
	}

	from := []domain.MigrationStatus{m.Status}
	if !c.transition(ctx, m, from, domain.MigrationStatusRunning, nil) {
		return nil, fmt.Errorf("%w: migration %d changed status concurrently", domain.ErrConflict, id)
	}
	return m, nil
}

// Finalize re-runs the finalize step of a failed or finalizing migration
// whose batches all succeeded.
func (c *Coordinator) Finalize(ctx context.Context, id int64) (*domain.BatchedMigration, error) {
	m, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MigrationStatusFailed && m.Status != domain.MigrationStatusFinalizing {
		return nil, fmt.Errorf("%w: migration %d is %s and cannot be finalized", domain.ErrConflict, id, m.Status)
	}

	def, err := c.registry.Lookup(m.Filename)
	if err != nil {
		return nil, err
	}

	summary, err := c.batches.SummarizeStatus(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize batches: %w", err)
	}
	if !m.FullyPartitioned() || summary.Succeeded != summary.Total {
		return nil, fmt.Errorf("%w: migration %d has %d of %d batches succeeded", domain.ErrConflict, id, summary.Succeeded, summary.Total)
	}

	if m.Status == domain.MigrationStatusFailed {
		from := []domain.MigrationStatus{domain.MigrationStatusFailed}
		if !c.transition(ctx, m, from, domain.MigrationStatusFinalizing, nil) {
			return nil, fmt.Errorf("%w: migration %d changed status concurrently", domain.ErrConflict, id)
		}
	}

	if err := c.finalize(ctx, m, def); err != nil {
		return m, err
	}
	return m, nil
}

// load returns the migration when it belongs to the coordinator's project.
func (c *Coordinator) load(ctx context.Context, id int64) (*domain.BatchedMigration, error) {
	m, err := c.migrations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Project != c.cfg.Project {
		return nil, domain.ErrNotFound
	}
	return m, nil
}
