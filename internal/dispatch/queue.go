package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"benchboard/internal/common/mq"
	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/contextkey"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultTopic = "benchboard.evaluation.jobs"

	headerTraceID = "trace_id"
	headerAttempt = "attempt"
)

// JobHandler processes one job. Returning nil acknowledges the delivery.
type JobHandler func(ctx context.Context, job model.EvaluationJob) error

// Config holds dispatch settings.
type Config struct {
	Topic     string              `yaml:"topic"`
	Subscribe mq.SubscribeOptions `yaml:"subscribe"`
}

// Queue carries evaluation jobs over a message queue with at-least-once delivery.
type Queue struct {
	mq    mq.MessageQueue
	topic string
	opts  mq.SubscribeOptions
}

// NewQueue creates a Queue on transport.
func NewQueue(transport mq.MessageQueue, cfg Config) *Queue {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	return &Queue{mq: transport, topic: cfg.Topic, opts: cfg.Subscribe}
}

// Topic returns the jobs topic.
func (q *Queue) Topic() string {
	return q.topic
}

// Enqueue publishes job. A nil error means the broker accepted it.
func (q *Queue) Enqueue(ctx context.Context, job model.EvaluationJob) error {
	if job.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = job.SubmissionID
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal evaluation job failed: %w", err)
	}
	message := mq.NewMessage(body)
	message.ID = job.IdempotencyKey
	message.MaxRetries = 0
	message.SetHeader(headerAttempt, strconv.Itoa(job.Attempt))
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		message.SetHeader(headerTraceID, traceID)
	}
	if err := q.mq.Publish(ctx, q.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "enqueue evaluation job failed")
	}
	return nil
}

// Consume subscribes handler and blocks until ctx is done. The transport is
// owned by the caller, which stops it on shutdown.
func (q *Queue) Consume(ctx context.Context, handler JobHandler) error {
	if handler == nil {
		return fmt.Errorf("job handler is required")
	}
	opts := q.opts
	if err := q.mq.Subscribe(ctx, q.topic, q.wrap(handler), &opts); err != nil {
		return fmt.Errorf("subscribe %s failed: %w", q.topic, err)
	}
	if err := q.mq.Start(); err != nil {
		return fmt.Errorf("start consumer failed: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (q *Queue) wrap(handler JobHandler) mq.HandlerFunc {
	return func(ctx context.Context, message *mq.Message) error {
		var job model.EvaluationJob
		if err := json.Unmarshal(message.Body, &job); err != nil || job.SubmissionID == "" {
			// Poison: redelivery can never succeed.
			logger.Error(ctx, "dropping malformed evaluation job",
				zap.String("message_id", message.ID),
				zap.ByteString("body", truncate(message.Body, 256)),
				zap.Error(err))
			return nil
		}
		if job.IdempotencyKey == "" {
			job.IdempotencyKey = job.SubmissionID
		}
		if traceID, ok := message.GetHeader(headerTraceID); ok {
			ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
		}
		ctx = context.WithValue(ctx, contextkey.SubmissionID, job.SubmissionID)
		if message.Redelivered {
			logger.Info(ctx, "evaluation job redelivered", zap.Int("attempt", job.Attempt))
		}
		return handler(ctx, job)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
