package mq

import (
	"context"
	"time"

	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

// outcome tells a backend what to do with a delivery after the handler ran.
type outcome int

const (
	outcomeAck     outcome = iota // remove from the broker
	outcomeRelease                // leave unacknowledged for redelivery
)

// deliver runs handler with in-process retries. Exhausted messages go to the
// dead-letter topic (when configured) and are then acknowledged. A canceled
// context releases the message so another consumer picks it up.
func deliver(ctx context.Context, producer Producer, topic string, handler HandlerFunc, opts SubscribeOptions, m *Message) outcome {
	if m.MaxRetries == 0 {
		m.MaxRetries = opts.MaxRetries
	}
	if m.Expiration == 0 && opts.MessageTTL > 0 {
		m.Expiration = opts.MessageTTL
	}
	if m.Expired(time.Now()) {
		logger.Warn(ctx, "message expired, dropping", zap.String("topic", topic), zap.String("message_id", m.ID))
		return outcomeAck
	}

	for {
		err := handler(ctx, m)
		if err == nil {
			return outcomeAck
		}
		if ctx.Err() != nil {
			return outcomeRelease
		}
		m.RetryCount++
		if m.RetryCount > m.MaxRetries {
			if opts.DeadLetterTopic == "" {
				logger.Error(ctx, "message retries exhausted, leaving for redelivery",
					zap.String("topic", topic), zap.String("message_id", m.ID), zap.Error(err))
				return outcomeRelease
			}
			dead := m.clone()
			dead.SetHeader("x-dead-letter-reason", err.Error())
			dead.SetHeader("x-original-topic", topic)
			if pubErr := producer.Publish(ctx, opts.DeadLetterTopic, dead); pubErr != nil {
				logger.Error(ctx, "publish dead letter failed", zap.String("message_id", m.ID), zap.Error(pubErr))
				return outcomeRelease
			}
			logger.Warn(ctx, "message sent to dead letter",
				zap.String("topic", topic), zap.String("dead_letter", opts.DeadLetterTopic),
				zap.String("message_id", m.ID), zap.Error(err))
			return outcomeAck
		}
		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcomeRelease
		case <-timer.C:
		}
	}
}
