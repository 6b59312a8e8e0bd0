// Package broker adapts this pipeline's typed publish/consume needs onto
// asynq. asynq has no literal "routing key" or "dead-letter exchange"
// concept, so this package maps
// the pipeline's broker vocabulary onto asynq's nearest equivalents: a
// routing key is a (task type, queue) pair, and the dead-letter queue is
// asynq's per-queue archived-task set, inspected via asynq.Inspector (see
// the DLQ recovery worker).
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task type / queue constants, the routing-key table for this pipeline.
const (
	TypeScan      = "mediapipe:scan"
	TypeImage     = "mediapipe:image"
	TypeThumbnail = "mediapipe:thumbnail"
	TypeCache     = "mediapipe:cache"

	QueueScan      = "scan"
	QueueImage     = "image"
	QueueThumbnail = "thumbnail"
	QueueCache     = "cache"
)

// Envelope wraps every published payload with the recovery bookkeeping C11
// needs; asynq carries no header bag, so these fields travel inside the
// JSON body instead of the "x-recovered-*" headers an AMQP broker would use.
type Envelope[T any] struct {
	Payload          T         `json:"payload"`
	RecoveredFromDLQ bool      `json:"recovered_from_dlq,omitempty"`
	RecoveredAt      time.Time `json:"recovered_at,omitempty"`
}

// Client publishes typed messages onto asynq queues.
type Client struct {
	client *asynq.Client
}

func NewClient(redisOpt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpt)}
}

func (c *Client) Close() error { return c.client.Close() }

// EnqueueRaw publishes a pre-built task as-is. DLQ recovery (C11) uses this
// to republish an archived task's exact payload bytes without knowing its
// concrete Go payload type.
func (c *Client) EnqueueRaw(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, task)
}

// PublishOptions configures one publish call; MaxRetry/Timeout together
// govern when asynq archives a task into our DLQ analogue (Timeout maps
// from the configured DLQ TTL).
type PublishOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func Publish[T any](ctx context.Context, c *Client, taskType string, payload T, opts PublishOptions) error {
	return publish(ctx, c, taskType, Envelope[T]{Payload: payload}, opts)
}

// PublishRecovered re-enqueues a message pulled from the DLQ, stamping the
// recovery bookkeeping C11 must preserve.
func PublishRecovered[T any](ctx context.Context, c *Client, taskType string, payload T, recoveredAt time.Time, opts PublishOptions) error {
	return publish(ctx, c, taskType, Envelope[T]{Payload: payload, RecoveredFromDLQ: true, RecoveredAt: recoveredAt}, opts)
}

func publish[T any](ctx context.Context, c *Client, taskType string, env Envelope[T], opts PublishOptions) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal payload for %s: %w", taskType, err)
	}

	taskOpts := []asynq.Option{asynq.Queue(opts.Queue)}
	if opts.MaxRetry > 0 {
		taskOpts = append(taskOpts, asynq.MaxRetry(opts.MaxRetry))
	}
	if opts.Timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(opts.Timeout))
	}

	task := asynq.NewTask(taskType, body, taskOpts...)
	_, err = c.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("broker: enqueue %s: %w", taskType, err)
	}
	return nil
}

// DecodeEnvelope unmarshals a consumed task's payload.
func DecodeEnvelope[T any](task *asynq.Task) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(task.Payload(), &env); err != nil {
		return env, fmt.Errorf("broker: unmarshal payload for %s: %w", task.Type(), err)
	}
	return env, nil
}

// Ack acknowledges a poison/size-limit message: the handler must return nil
// so asynq never retries it. Callers call this for documentation purposes at
// the return site of a ProcessTask method; it performs no I/O itself.
func Ack() error { return nil }

// Nack signals a transient failure: asynq retries per its own backoff and
// eventually archives the task (our DLQ) once MaxRetry is exhausted.
func Nack(cause error) error { return fmt.Errorf("broker: nack, will retry: %w", cause) }

// SkipRetryNack is used for a message the DLQ recovery pass cannot decode:
// nack-with-requeue (the task stays archived) rather than silently dropping it.
func SkipRetryNack(cause error) error { return Nack(cause) }

// NewServer wraps asynq.NewServer with this pipeline's queue-to-concurrency
// mapping, where "concurrency per queue" stands in for a literal prefetch
// count (asynq has no separate prefetch knob).
func NewServer(redisOpt asynq.RedisConnOpt, prefetchPerQueue int) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Queues: map[string]int{
			QueueScan:      prefetchPerQueue,
			QueueImage:     prefetchPerQueue,
			QueueThumbnail: prefetchPerQueue,
			QueueCache:     prefetchPerQueue,
		},
	})
}

// NewInspector wraps asynq.Inspector construction for DLQ recovery (C11).
func NewInspector(redisOpt asynq.RedisConnOpt) *asynq.Inspector {
	return asynq.NewInspector(redisOpt)
}
