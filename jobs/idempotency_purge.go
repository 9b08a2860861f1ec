package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fiscaldesk/internal/jobs"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const (
	// TaskIdempotencyPurge deletes idempotency keys past the retention window.
	TaskIdempotencyPurge = "idempotency:purge"
)

// IdempotencyPurgeJob keeps idempotency_keys bounded. Keys older than
// Retention stop deduplicating retries.
type IdempotencyPurgeJob struct {
	DB        shared.IdempotencyQuerier
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewIdempotencyPurgeJob constructs the job handler.
func NewIdempotencyPurgeJob(db shared.IdempotencyQuerier, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyPurgeJob {
	return &IdempotencyPurgeJob{
		DB:        db,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewIdempotencyPurgeTask creates the cron task.
func NewIdempotencyPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyPurge, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(time.Hour),
	)
}

// Handle deletes every key claimed before now minus Retention.
func (j *IdempotencyPurgeJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.DB == nil {
		return errors.New("idempotency purge: dependencies not configured")
	}
	if j.Retention <= 0 {
		return errors.New("idempotency purge: retention must be positive")
	}
	metrics := defaultJobMetrics
	if j.Metrics != nil {
		metrics = j.Metrics
	}
	logger := slog.Default()
	if j.Logger != nil {
		logger = j.Logger
	}
	logger = logger.With(slog.String("job", TaskIdempotencyPurge))

	tracker := metrics.Track(TaskIdempotencyPurge)
	cutoff := j.now().Add(-j.Retention)
	purged, err := shared.PurgeIdempotencyKeys(ctx, j.DB, cutoff)
	if err != nil {
		logger.Error("purge idempotency keys", slog.Any("error", err))
		return tracker.End(err)
	}
	if purged == 0 {
		metrics.AddSkipped(TaskIdempotencyPurge, "empty")
	}
	logger.Info("idempotency keys purged", slog.Int64("count", purged), slog.Time("before", cutoff))
	return tracker.End(nil)
}

func (j *IdempotencyPurgeJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *IdempotencyPurgeJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
