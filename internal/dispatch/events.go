package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"benchboard/internal/common/mq"
	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const DefaultEventTopic = "benchboard.evaluation.terminal"

// EventHandler consumes terminal events.
type EventHandler func(ctx context.Context, event model.TerminalEvent) error

// EventBus carries terminal events from workers to the API processes.
type EventBus struct {
	mq    mq.MessageQueue
	topic string
	opts  mq.SubscribeOptions
}

// NewEventBus creates an EventBus on transport.
func NewEventBus(transport mq.MessageQueue, cfg Config) *EventBus {
	if cfg.Topic == "" {
		cfg.Topic = DefaultEventTopic
	}
	return &EventBus{mq: transport, topic: cfg.Topic, opts: cfg.Subscribe}
}

// OnTerminal publishes event. It satisfies repository.TerminalObserver.
func (b *EventBus) OnTerminal(ctx context.Context, event model.TerminalEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal terminal event failed: %w", err)
	}
	message := mq.NewMessage(body)
	message.ID = event.SubmissionID
	message.MaxRetries = 0
	if err := b.mq.Publish(ctx, b.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish terminal event failed")
	}
	return nil
}

// Subscribe registers handler for terminal events. The caller starts the
// transport.
func (b *EventBus) Subscribe(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("event handler is required")
	}
	opts := b.opts
	return b.mq.Subscribe(ctx, b.topic, func(ctx context.Context, message *mq.Message) error {
		var event model.TerminalEvent
		if err := json.Unmarshal(message.Body, &event); err != nil || event.SubmissionID == "" {
			logger.Error(ctx, "dropping malformed terminal event", zap.String("message_id", message.ID), zap.Error(err))
			return nil
		}
		return handler(ctx, event)
	}, &opts)
}
