package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fiscaldesk/internal/fiscal"
	jobmetrics "github.com/odyssey-erp/fiscaldesk/internal/jobs"
	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

const (
	// TaskFiscalAutoSwitch rolls the current fiscal year over on schedule.
	TaskFiscalAutoSwitch = "fiscal:auto_switch"
)

// AutoSwitcher is the part of fiscal.Manager the scheduler triggers.
type AutoSwitcher interface {
	ScheduledAutoSwitch(ctx context.Context, at time.Time) (fiscal.SwitchResult, error)
}

// AutoSwitchJob fires the scheduled fiscal rollover. Repeated firings within
// the same year are no-ops.
type AutoSwitchJob struct {
	Switcher AutoSwitcher
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewAutoSwitchJob constructs the job handler.
func NewAutoSwitchJob(switcher AutoSwitcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoSwitchJob {
	return &AutoSwitchJob{
		Switcher: switcher,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewAutoSwitchTask creates the cron task. The unique window keeps a burst
// of scheduler replicas from queueing duplicates.
func NewAutoSwitchTask() *asynq.Task {
	return asynq.NewTask(TaskFiscalAutoSwitch, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(time.Hour),
	)
}

// Handle executes the auto-switch job.
func (j *AutoSwitchJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Switcher == nil {
		return errors.New("fiscal auto-switch: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskFiscalAutoSwitch)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	result, err := j.Switcher.ScheduledAutoSwitch(ctx, j.now())
	if err != nil {
		resultErr = err
		// A lost race or an unusable target fails the same way on every attempt.
		if errors.Is(err, shared.ErrConcurrencyConflict) || errors.Is(err, shared.ErrInvalidTarget) {
			resultErr = fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		j.log().Error("auto-switch fiscal year", slog.String("target", result.To), slog.Any("error", err))
		return resultErr
	}
	if !result.Switched {
		j.metrics().AddSkipped(TaskFiscalAutoSwitch, "not_due")
		j.log().Debug("fiscal auto-switch not due", slog.String("current", result.From), slog.String("target", result.To))
		return resultErr
	}
	j.log().Info("fiscal year rolled over", slog.String("from", result.From), slog.String("to", result.To))
	return resultErr
}

func (j *AutoSwitchJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AutoSwitchJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskFiscalAutoSwitch))
	}
	return slog.Default().With(slog.String("job", TaskFiscalAutoSwitch))
}

func (j *AutoSwitchJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *AutoSwitchJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
