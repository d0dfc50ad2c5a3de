package mq

import (
	"context"
	"time"
)

// MessageQueue is the transport used for evaluation jobs and terminal events.
// Delivery is at-least-once: a handler returning nil acknowledges the message,
// anything else (including a crash before returning) leads to redelivery.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the message queue connection is alive
	Ping(ctx context.Context) error

	// Close stops consumers and releases connections
	Close() error
}

// Producer publishes messages.
type Producer interface {
	// Publish returns nil only once the broker has accepted the message.
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer registers handlers and drives consumption.
type Consumer interface {
	// Subscribe registers handler for topic. Consumption begins on Start.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages
	Start() error

	// Stop gracefully stops consuming messages
	Stop() error
}

// Message represents a message in the queue
type Message struct {
	// ID doubles as the idempotency key of the payload
	ID string `json:"id"`

	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// Retry information for in-process handler retries
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Redelivered is set when the broker hands out a message that was
	// delivered before without an acknowledgement.
	Redelivered bool `json:"redelivered"`

	// Expiration drops messages older than this without handling them
	Expiration time.Duration `json:"expiration"`
}

// HandlerFunc processes one delivery. Returning nil acknowledges it.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the Kafka consumer group / Redis stream group
	ConsumerGroup string `yaml:"consumerGroup"`

	// PrefetchCount is the RabbitMQ QoS prefetch. Default: 1
	PrefetchCount int `yaml:"prefetchCount"`

	// Concurrency is the number of concurrent handlers. Default: 1
	Concurrency int `yaml:"concurrency"`

	// MaxRetries is the number of in-process handler retries. Default: 3
	MaxRetries int `yaml:"maxRetries"`

	// RetryDelay is the delay between in-process retries. Default: 1 second
	RetryDelay time.Duration `yaml:"retryDelay"`

	// DeadLetterTopic receives messages whose retries are exhausted
	DeadLetterTopic string `yaml:"deadLetterTopic"`

	// MessageTTL drops messages older than this
	MessageTTL time.Duration `yaml:"messageTTL"`

	// VisibilityTimeout is how long a delivery may stay unacknowledged before
	// the broker hands it to another consumer. Default: 30 seconds
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:       body,
		Headers:    make(map[string]string),
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Expired reports whether the message outlived its expiration.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.Expiration
}

func (m *Message) clone() *Message {
	out := *m
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return &out
}
