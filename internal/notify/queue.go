package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Delivery policy of a notification task.
const (
	TaskTypeSendEmail = "mail:send"
	QueueDefault      = "default"
	MaxRetry          = 3
	AttemptTimeout    = 10 * time.Second
)

// NewTask wraps msg in an asynq task carrying the delivery policy.
func NewTask(msg Message) (*asynq.Task, error) {
	if msg.RecipientID <= 0 {
		return nil, fmt.Errorf("notify: recipient required")
	}
	if _, ok := templates[msg.Template]; !ok {
		return nil, fmt.Errorf("notify: unknown template %q", msg.Template)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(MaxRetry),
		asynq.Timeout(AttemptTimeout),
	), nil
}

// DecodeTask reads the message back out of a task payload.
func DecodeTask(t *asynq.Task) (Message, error) {
	var msg Message
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Enqueuer is the subset of *asynq.Client used by QueueSender.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSender hands messages to the background worker. Send returns once the
// task is queued; delivery and its retries happen in the worker.
type QueueSender struct {
	client Enqueuer
}

// NewQueueSender wraps an asynq client.
func NewQueueSender(client Enqueuer) *QueueSender {
	return &QueueSender{client: client}
}

// Send enqueues msg.
func (s *QueueSender) Send(ctx context.Context, msg Message) error {
	task, err := NewTask(msg)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}
