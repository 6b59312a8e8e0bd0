// Package dlqrecovery implements the C11 dead-letter recovery pass: at
// startup (and on a slow periodic poll thereafter), it drains every
// archived task across the pipeline's queues back onto its origin queue,
// stamping RecoveredFromDLQ/RecoveredAt, and only then deletes the archived
// copy — publish-first, delete-second, so a crash between the two leaves a
// duplicate rather than a silently dropped message.
package dlqrecovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/letuhao/media-management-sub010/internal/broker"
)

// envelopeShape is enough of broker.Envelope[T]'s JSON shape to recover the
// raw payload bytes without knowing T: the recovery pass republishes the
// same bytes under a task of the same type, so it never needs to unmarshal
// into the caller's concrete payload type.
type envelopeShape struct {
	Payload json.RawMessage `json:"payload"`
}

// rewrapEnvelope rebuilds a broker.Envelope[T]'s JSON body with the
// recovery fields stamped, without ever knowing T.
func rewrapEnvelope(payload json.RawMessage, recoveredAt time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Payload          json.RawMessage `json:"payload"`
		RecoveredFromDLQ bool            `json:"recovered_from_dlq"`
		RecoveredAt      time.Time       `json:"recovered_at"`
	}{Payload: payload, RecoveredFromDLQ: true, RecoveredAt: recoveredAt})
}

// Recoverer drains asynq's archived-task sets.
type Recoverer struct {
	inspector *asynq.Inspector
	client    *broker.Client
	queues    []string
}

func New(inspector *asynq.Inspector, client *broker.Client, queues ...string) *Recoverer {
	return &Recoverer{inspector: inspector, client: client, queues: queues}
}

// RecoverAll drains every archived task in every configured queue. It never
// returns an error for an individual task's recovery failure (that task is
// left archived and picked up again on the next pass); it only returns an
// error if listing a queue itself fails.
func (r *Recoverer) RecoverAll(ctx context.Context) (recovered int, err error) {
	for _, queue := range r.queues {
		tasks, err := r.inspector.ListArchivedTasks(queue)
		if err != nil {
			return recovered, fmt.Errorf("dlqrecovery: list archived tasks in %s: %w", queue, err)
		}
		for _, t := range tasks {
			if err := r.recoverOne(ctx, queue, t); err != nil {
				log.Printf("dlqrecovery: %v", err)
				continue
			}
			recovered++
		}
	}
	return recovered, nil
}

func (r *Recoverer) recoverOne(ctx context.Context, queue string, info *asynq.TaskInfo) error {
	var env envelopeShape
	if err := json.Unmarshal(info.Task.Payload(), &env); err != nil {
		// A malformed payload cannot be republished; it stays archived for
		// manual review instead of being deleted.
		return fmt.Errorf("unrecoverable task %s/%s: decode: %w", queue, info.ID, broker.SkipRetryNack(err))
	}

	body, err := rewrapEnvelope(env.Payload, time.Now())
	if err != nil {
		return fmt.Errorf("task %s/%s: re-marshal: %w", queue, info.ID, err)
	}

	task := asynq.NewTask(info.Task.Type(), body, asynq.Queue(queue))
	if _, err := r.client.EnqueueRaw(ctx, task); err != nil {
		return fmt.Errorf("task %s/%s: re-enqueue: %w", queue, info.ID, err)
	}

	if err := r.inspector.DeleteTask(queue, info.ID); err != nil {
		// The task is already re-enqueued; leaving the archived copy in
		// place only risks a second recovery pass republishing it again.
		return fmt.Errorf("task %s/%s: recovered but failed to delete archived copy: %w", queue, info.ID, err)
	}
	return nil
}

// Run polls for archived tasks on an interval until ctx is cancelled. The
// first pass always runs immediately at startup.
func (r *Recoverer) Run(ctx context.Context, interval time.Duration) {
	if n, err := r.RecoverAll(ctx); err != nil {
		log.Printf("dlqrecovery: startup recovery pass failed: %v", err)
	} else if n > 0 {
		log.Printf("dlqrecovery: recovered %d archived task(s) at startup", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RecoverAll(ctx); err != nil {
				log.Printf("dlqrecovery: recovery pass failed: %v", err)
			} else if n > 0 {
				log.Printf("dlqrecovery: recovered %d archived task(s)", n)
			}
		}
	}
}
