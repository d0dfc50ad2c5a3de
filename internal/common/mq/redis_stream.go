package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"benchboard/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamFieldID         = "id"
	streamFieldBody       = "body"
	streamFieldTimestamp  = "ts"
	streamFieldHeaders    = "headers"
	streamFieldRetryCount = "retry"
	streamFieldMaxRetries = "max_retries"
)

// RedisStreamConfig configures the Redis Streams transport.
type RedisStreamConfig struct {
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64 `yaml:"maxLen"`

	// BlockTimeout bounds a single XREADGROUP call. Default: 2 seconds
	BlockTimeout time.Duration `yaml:"blockTimeout"`

	// ClaimInterval is how often stale pending entries are reclaimed.
	// Default: half the visibility timeout.
	ClaimInterval time.Duration `yaml:"claimInterval"`

	// ConsumerName identifies this process inside consumer groups.
	ConsumerName string `yaml:"consumerName"`
}

// RedisStreamQueue implements MessageQueue on Redis Streams consumer groups.
// Acknowledged entries are XACKed; entries left pending longer than the
// visibility timeout are taken over with XAUTOCLAIM and redelivered.
type RedisStreamQueue struct {
	client *redis.Client
	config RedisStreamConfig

	mu            sync.Mutex
	subscriptions []*streamSubscription
	started       bool
	closed        bool
}

type streamSubscription struct {
	stream  string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	limiter *inflight
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type streamDelivery struct {
	msg         redis.XMessage
	redelivered bool
}

// NewRedisStreamQueue creates a queue backed by an existing client.
func NewRedisStreamQueue(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		cfg.ConsumerName = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return &RedisStreamQueue{client: client, config: cfg}, nil
}

// Publish appends the message to the stream named by topic.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	headers, err := json.Marshal(message.Headers)
	if err != nil {
		return fmt.Errorf("encode headers failed: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			streamFieldID:         message.ID,
			streamFieldBody:       string(message.Body),
			streamFieldTimestamp:  message.Timestamp.Format(time.RFC3339Nano),
			streamFieldHeaders:    string(headers),
			streamFieldRetryCount: message.RetryCount,
			streamFieldMaxRetries: message.MaxRetries,
		},
	}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

// Subscribe registers handler on a consumer group of the stream.
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	sub := &streamSubscription{
		stream:  topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
		limiter: newInflight(options.Concurrency),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		return q.startSubscription(sub)
	}
	return nil
}

// Start creates consumer groups and begins consuming.
func (q *RedisStreamQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		if err := q.startSubscription(sub); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

func (q *RedisStreamQueue) ensureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s failed: %w", group, stream, err)
	}
	return nil
}

func (q *RedisStreamQueue) startSubscription(sub *streamSubscription) error {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	if err := q.ensureGroup(sub.baseCtx, sub.stream, sub.opts.ConsumerGroup); err != nil {
		return err
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	work := make(chan streamDelivery, sub.opts.Concurrency)
	var producers sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		q.readLoop(sub, work)
	}()
	go func() {
		defer producers.Done()
		q.claimLoop(sub, work)
	}()
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		producers.Wait()
		close(work)
	}()

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for d := range work {
				q.handle(sub, d)
			}
		}()
	}
	return nil
}

func (q *RedisStreamQueue) readLoop(sub *streamSubscription, work chan<- streamDelivery) {
	for {
		if err := sub.limiter.Acquire(sub.ctx); err != nil {
			return
		}
		streams, err := q.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
			Group:    sub.opts.ConsumerGroup,
			Consumer: q.config.ConsumerName,
			Streams:  []string{sub.stream, ">"},
			Count:    1,
			Block:    q.config.BlockTimeout,
		}).Result()
		if err != nil {
			sub.limiter.Release()
			if sub.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				logger.Warn(sub.ctx, "redis stream read failed", zap.String("stream", sub.stream), zap.Error(err))
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		delivered := false
		for _, s := range streams {
			for _, m := range s.Messages {
				if delivered {
					// Count is 1; extra entries would break inflight accounting.
					continue
				}
				delivered = true
				select {
				case work <- streamDelivery{msg: m}:
				case <-sub.ctx.Done():
					sub.limiter.Release()
					return
				}
			}
		}
		if !delivered {
			sub.limiter.Release()
		}
	}
}

func (q *RedisStreamQueue) claimLoop(sub *streamSubscription, work chan<- streamDelivery) {
	interval := q.config.ClaimInterval
	if interval <= 0 {
		interval = sub.opts.VisibilityTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}
		start := "0-0"
		for {
			msgs, next, err := q.client.XAutoClaim(sub.ctx, &redis.XAutoClaimArgs{
				Stream:   sub.stream,
				Group:    sub.opts.ConsumerGroup,
				Consumer: q.config.ConsumerName,
				MinIdle:  sub.opts.VisibilityTimeout,
				Start:    start,
				Count:    int64(sub.opts.Concurrency),
			}).Result()
			if err != nil {
				if sub.ctx.Err() == nil && !errors.Is(err, redis.Nil) {
					logger.Warn(sub.ctx, "redis stream reclaim failed", zap.String("stream", sub.stream), zap.Error(err))
				}
				break
			}
			for _, m := range msgs {
				if err := sub.limiter.Acquire(sub.ctx); err != nil {
					return
				}
				select {
				case work <- streamDelivery{msg: m, redelivered: true}:
				case <-sub.ctx.Done():
					sub.limiter.Release()
					return
				}
			}
			if next == "" || next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (q *RedisStreamQueue) handle(sub *streamSubscription, d streamDelivery) {
	defer sub.limiter.Release()
	m := fromStreamMessage(d.msg)
	m.Redelivered = d.redelivered
	if deliver(sub.ctx, q, sub.stream, sub.handler, sub.opts, m) != outcomeAck {
		return
	}
	// Ack on a fresh context so a shutdown racing the ack does not cause a redelivery.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.client.XAck(ctx, sub.stream, sub.opts.ConsumerGroup, d.msg.ID).Err(); err != nil {
		logger.Warn(ctx, "redis stream ack failed", zap.String("stream", sub.stream), zap.String("entry_id", d.msg.ID), zap.Error(err))
	}
}

// Stop stops all consumers gracefully.
func (q *RedisStreamQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range q.subscriptions {
		sub.wg.Wait()
	}
	q.started = false
	return nil
}

// Ping verifies the Redis connection.
func (q *RedisStreamQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops consumers. The client is owned by the caller.
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.Stop()
}

func fromStreamMessage(x redis.XMessage) *Message {
	m := &Message{Headers: make(map[string]string)}
	if v, ok := x.Values[streamFieldID].(string); ok {
		m.ID = v
	}
	if v, ok := x.Values[streamFieldBody].(string); ok {
		m.Body = []byte(v)
	}
	if v, ok := x.Values[streamFieldTimestamp].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.Timestamp = ts
		}
	}
	if v, ok := x.Values[streamFieldHeaders].(string); ok && v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &m.Headers)
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
	}
	if v, ok := x.Values[streamFieldRetryCount].(string); ok {
		m.RetryCount, _ = strconv.Atoi(v)
	}
	if v, ok := x.Values[streamFieldMaxRetries].(string); ok {
		m.MaxRetries, _ = strconv.Atoi(v)
	}
	if m.ID == "" {
		m.ID = x.ID
	}
	return m
}
