package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"benchboard/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig defines configuration for Kafka implementation.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientID"`

	RequiredAcks kafka.RequiredAcks `yaml:"requiredAcks"`
	BatchSize    int                `yaml:"batchSize"`
	BatchTimeout time.Duration      `yaml:"batchTimeout"`

	MinBytes int           `yaml:"minBytes"`
	MaxBytes int           `yaml:"maxBytes"`
	MaxWait  time.Duration `yaml:"maxWait"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	return c
}

// KafkaQueue implements MessageQueue on Kafka consumer groups.
// A partition is committed only up to its lowest unacked offset, so a
// consumer that dies mid-job, or releases a job, leaves it to be redelivered
// after the group rebalances.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu      sync.Mutex
	readers []*kafkaReader
	running bool
	closed  bool
}

// kafkaReader is one Subscribe call: a group reader feeding a handler pool.
type kafkaReader struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context

	reader  *kafka.Reader
	slots   *inflight
	offsets *offsetTracker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg = cfg.withDefaults()

	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
	}
	return &KafkaQueue{config: cfg, writer: writer, dialer: dialer}, nil
}

// Publish blocks until the brokers acknowledged the write per RequiredAcks.
// Messages are keyed by ID so retries of one job land on one partition.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if len(message.Body) == 0 {
		return errors.New("message body is empty")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	meta := encodeMeta(message)
	headers := make([]kafka.Header, 0, len(meta))
	for key, value := range meta {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(message.ID),
		Value:   message.Body,
		Headers: headers,
		Time:    message.Timestamp,
	})
}

// Subscribe registers a consumer group reader for topic.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("benchboard-%s", topic)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r := &kafkaReader{
		topic:   topic,
		handler: handler,
		opts:    options,
		parent:  ctx,
		slots:   newInflight(options.Concurrency * options.PrefetchCount),
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.readers = append(k.readers, r)
	if k.running {
		k.run(r)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.running {
		return nil
	}
	for _, r := range k.readers {
		k.run(r)
	}
	k.running = true
	return nil
}

func (k *KafkaQueue) run(r *kafkaReader) {
	r.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       r.topic,
		GroupID:     r.opts.ConsumerGroup,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      k.dialer,
	})
	r.ctx, r.cancel = context.WithCancel(r.parent)
	r.offsets = newOffsetTracker()

	fetched := make(chan kafka.Message, r.opts.Concurrency)
	r.wg.Add(1 + r.opts.Concurrency)
	go func() {
		defer r.wg.Done()
		defer close(fetched)
		r.fetch(fetched)
	}()
	for i := 0; i < r.opts.Concurrency; i++ {
		go func() {
			defer r.wg.Done()
			for msg := range fetched {
				k.handle(r, msg)
			}
		}()
	}
}

// fetch pulls messages until the reader is canceled. Each message holds an
// inflight slot until handle releases it.
func (r *kafkaReader) fetch(out chan<- kafka.Message) {
	for {
		if err := r.slots.Acquire(r.ctx); err != nil {
			return
		}
		msg, err := r.reader.FetchMessage(r.ctx)
		if err != nil {
			r.slots.Release()
			if r.ctx.Err() != nil {
				return
			}
			logger.Warn(r.ctx, "kafka fetch failed", zap.String("topic", r.topic), zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		r.offsets.track(msg.Partition, msg.Offset)
		select {
		case out <- msg:
		case <-r.ctx.Done():
			r.slots.Release()
			return
		}
	}
}

func (k *KafkaQueue) handle(r *kafkaReader, msg kafka.Message) {
	defer r.slots.Release()
	m := &Message{Body: msg.Value, Timestamp: msg.Time, Headers: make(map[string]string, len(msg.Headers))}
	for _, h := range msg.Headers {
		decodeMeta(m, h.Key, string(h.Value))
	}
	if m.ID == "" {
		m.ID = string(msg.Key)
	}
	if deliver(r.ctx, k, r.topic, r.handler, r.opts, m) != outcomeAck {
		if r.ctx.Err() == nil {
			logger.Warn(r.ctx, "kafka message released, partition commits held until redelivery",
				zap.String("topic", r.topic), zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))
		}
		return
	}
	offset, ok := r.offsets.ack(msg.Partition, msg.Offset)
	if !ok {
		logger.Debug(r.ctx, "kafka commit deferred behind an unacked offset",
			zap.String("topic", r.topic), zap.Int("partition", msg.Partition), zap.Int("held", r.offsets.held(msg.Partition)))
		return
	}
	commit := kafka.Message{Topic: msg.Topic, Partition: msg.Partition, Offset: offset}
	if err := r.reader.CommitMessages(r.ctx, commit); err != nil {
		logger.Warn(r.ctx, "kafka commit failed", zap.String("topic", r.topic), zap.String("message_id", m.ID), zap.Error(err))
	}
}

// Stop cancels every reader and waits for in-flight handlers to return.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, r := range k.readers {
		if r.cancel != nil {
			r.cancel()
		}
	}
	for _, r := range k.readers {
		r.wg.Wait()
		if r.reader != nil {
			_ = r.reader.Close()
			r.reader = nil
		}
	}
	k.running = false
	return nil
}

// Ping dials the first broker.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close closes the producer and stops consumers.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}
