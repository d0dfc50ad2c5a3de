package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"benchboard/pkg/utils/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitConfig configures the RabbitMQ transport.
type RabbitConfig struct {
	URL string `yaml:"url"`

	// PublishTimeout bounds the wait for a publisher confirm. Default: 5 seconds
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// RabbitQueue implements MessageQueue on durable RabbitMQ queues with
// publisher confirms and manual acknowledgements. Deliveries that are never
// acknowledged return to the queue when the consumer channel closes.
type RabbitQueue struct {
	config RabbitConfig
	conn   *amqp.Connection

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool

	mu            sync.Mutex
	subscriptions []*rabbitSubscription
	started       bool
	closed        bool
}

type rabbitSubscription struct {
	queue   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ch     *amqp.Channel
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRabbitQueue dials the broker and opens a confirming publisher channel.
func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel failed: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms failed: %w", err)
	}
	return &RabbitQueue{
		config:   cfg,
		conn:     conn,
		pubCh:    ch,
		declared: make(map[string]bool),
	}, nil
}

func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s failed: %w", name, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (r *RabbitQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers := amqp.Table{}
	for k, v := range encodeMeta(message) {
		headers[k] = v
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    message.ID,
		Timestamp:    message.Timestamp,
		Headers:      headers,
		Body:         message.Body,
	}
	if message.Expiration > 0 {
		pub.Expiration = strconv.FormatInt(message.Expiration.Milliseconds(), 10)
	}

	r.pubMu.Lock()
	if !r.declared[topic] {
		if err := declareQueue(r.pubCh, topic); err != nil {
			r.pubMu.Unlock()
			return err
		}
		r.declared[topic] = true
	}
	confirm, err := r.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", topic, false, false, pub)
	r.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("wait publish confirm failed: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %s on %s", message.ID, topic)
	}
	return nil
}

// Subscribe registers handler for the queue named by topic.
func (r *RabbitQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()

	sub := &rabbitSubscription{queue: topic, handler: handler, opts: options, baseCtx: ctx}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	r.subscriptions = append(r.subscriptions, sub)
	if r.started {
		return r.startSubscription(sub)
	}
	return nil
}

// Start opens one consuming channel per subscription.
func (r *RabbitQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("message queue is closed")
	}
	if r.started {
		return nil
	}
	for _, sub := range r.subscriptions {
		if err := r.startSubscription(sub); err != nil {
			return err
		}
	}
	r.started = true
	return nil
}

func (r *RabbitQueue) startSubscription(sub *rabbitSubscription) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel failed: %w", err)
	}
	if err := declareQueue(ch, sub.queue); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(sub.opts.PrefetchCount*sub.opts.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos failed: %w", err)
	}
	deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s failed: %w", sub.queue, err)
	}
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ch = ch
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-sub.ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						if sub.ctx.Err() == nil {
							logger.Error(sub.ctx, "rabbitmq delivery channel closed", zap.String("queue", sub.queue))
						}
						return
					}
					r.handle(sub, d)
				}
			}
		}()
	}
	return nil
}

func (r *RabbitQueue) handle(sub *rabbitSubscription, d amqp.Delivery) {
	m := fromDelivery(d)
	switch deliver(sub.ctx, r, sub.queue, sub.handler, sub.opts, m) {
	case outcomeAck:
		if err := d.Ack(false); err != nil {
			logger.Warn(sub.ctx, "rabbitmq ack failed", zap.String("queue", sub.queue), zap.String("message_id", m.ID), zap.Error(err))
		}
	default:
		if err := d.Nack(false, true); err != nil {
			logger.Warn(sub.ctx, "rabbitmq nack failed", zap.String("queue", sub.queue), zap.String("message_id", m.ID), zap.Error(err))
		}
	}
}

// Stop cancels consumers and closes their channels; unacked deliveries are requeued by the broker.
func (r *RabbitQueue) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range r.subscriptions {
		sub.wg.Wait()
		if sub.ch != nil {
			_ = sub.ch.Close()
			sub.ch = nil
		}
	}
	r.started = false
	return nil
}

// Ping reports whether the connection is still open.
func (r *RabbitQueue) Ping(ctx context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return ctx.Err()
}

// Close stops consumers and closes the connection.
func (r *RabbitQueue) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	_ = r.Stop()
	r.pubMu.Lock()
	_ = r.pubCh.Close()
	r.pubMu.Unlock()
	return r.conn.Close()
}

func fromDelivery(d amqp.Delivery) *Message {
	m := &Message{
		ID:          d.MessageId,
		Body:        d.Body,
		Headers:     make(map[string]string, len(d.Headers)),
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
	for k, v := range d.Headers {
		decodeMeta(m, k, fmt.Sprint(v))
	}
	return m
}
