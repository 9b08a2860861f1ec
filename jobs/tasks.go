package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fiscaldesk/internal/jobs"
	"github.com/odyssey-erp/fiscaldesk/internal/notify"
	"github.com/odyssey-erp/fiscaldesk/internal/users"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = notify.QueueDefault
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = notify.TaskTypeSendEmail
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Mailer delivers one rendered email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Recipients resolves the address of a notification recipient.
type Recipients interface {
	FindByID(ctx context.Context, id int64) (users.User, error)
}

// SendEmailJob renders queued notifications and hands them to the mailer.
// Retries are bounded by the task's MaxRetry; each attempt has its own timeout.
type SendEmailJob struct {
	Mailer     Mailer
	Recipients Recipients
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewSendEmailJob constructs the mail job handler.
func NewSendEmailJob(mailer Mailer, recipients Recipients, logger *slog.Logger, metrics *jobmetrics.Metrics) *SendEmailJob {
	return &SendEmailJob{Mailer: mailer, Recipients: recipients, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks.
func (j *SendEmailJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Mailer == nil || j.Recipients == nil {
		return errors.New("send email: dependencies not configured")
	}
	msg, err := notify.DecodeTask(task)
	if err != nil {
		return fmt.Errorf("send email: decode payload: %w", asynq.SkipRetry)
	}
	log := j.log().With(slog.Int64("recipient_id", msg.RecipientID), slog.String("template", msg.Template))
	if msg.CorrelationID != "" {
		log = log.With(slog.String("correlation_id", msg.CorrelationID))
	}

	tracker := j.metrics().Track(TaskTypeSendEmail)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	subject, body, err := notify.Render(msg)
	if err != nil {
		log.Error("render notification", slog.Any("error", err))
		resultErr = fmt.Errorf("send email: %w: %w", err, asynq.SkipRetry)
		return resultErr
	}

	ctx, cancel := context.WithTimeout(ctx, notify.AttemptTimeout)
	defer cancel()

	user, err := j.Recipients.FindByID(ctx, msg.RecipientID)
	if err != nil {
		log.Error("resolve recipient", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
	if !user.IsActive || user.Email == "" {
		log.Info("recipient cannot receive mail, dropping notification")
		j.metrics().AddSkipped(TaskTypeSendEmail, "inactive_recipient")
		return resultErr
	}
	if err := j.Mailer.Send(ctx, user.Email, subject, body); err != nil {
		log.Warn("deliver notification", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
	log.Info("notification delivered")
	return resultErr
}

func (j *SendEmailJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SendEmailJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}
