// ABOUTME: Asynq notifier enqueuing one task per event into the route's queue
// ABOUTME: Task type is the routing key so consumers can register handlers per route

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// asynqMaxRetry bounds redelivery attempts for consumers.
	asynqMaxRetry = 5
	// asynqRetention keeps completed tasks inspectable for a while.
	asynqRetention = time.Hour
)

// AsynqNotifier enqueues events as asynq tasks backed by Redis.
type AsynqNotifier struct {
	client *asynq.Client
	logger *slog.Logger
}

var _ Notifier = (*AsynqNotifier)(nil)

// NewAsynqNotifier builds a client from a redis:// URL.
func NewAsynqNotifier(redisURL string, logger *slog.Logger) (*AsynqNotifier, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqNotifier{
		client: asynq.NewClient(opt),
		logger: logger.With("component", "asynq_notifier"),
	}, nil
}

// NewTask builds the task and options for an event.
// The event ID doubles as the task ID, so a republished event is rejected by asynq.
func NewTask(ev *Event) (*asynq.Task, []asynq.Option, error) {
	b, ok := ev.Route.Binding()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownRoute, ev.Route)
	}
	raw, err := ev.Encode()
	if err != nil {
		return nil, nil, fmt.Errorf("encoding event: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(b.Queue),
		asynq.TaskID(ev.ID),
		asynq.MaxRetry(asynqMaxRetry),
		asynq.Retention(asynqRetention),
	}
	return asynq.NewTask(b.RoutingKey, raw), opts, nil
}

// Publish enqueues payload on the route's queue.
func (n *AsynqNotifier) Publish(ctx context.Context, route Route, payload any) error {
	ev, err := NewEvent(route, payload)
	if err != nil {
		return err
	}
	task, opts, err := NewTask(ev)
	if err != nil {
		return err
	}

	info, err := n.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("asynq enqueue: %w", err)
	}

	n.logger.Debug("enqueued event", "task_id", info.ID, "queue", info.Queue, "type", task.Type())
	return nil
}

// Close closes the underlying client.
func (n *AsynqNotifier) Close() error {
	return n.client.Close()
}
