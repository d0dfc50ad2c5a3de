package mq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process MessageQueue used by single-binary
// deployments and tests. Each consumer group sees every message published
// to a topic; an unacknowledged delivery becomes visible again once its
// visibility timeout elapses.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	subs   []*memSubscription

	started bool
	closed  bool
	now     func() time.Time
}

type memTopic struct {
	backlog []*Message
	groups  map[string]*memGroup
}

type memGroup struct {
	ready    []*Message
	inflight map[string]*memInflight
	signal   chan struct{}
}

type memInflight struct {
	msg      *Message
	deadline time.Time
}

type memSubscription struct {
	topic   string
	group   *memGroup
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{topics: make(map[string]*memTopic), now: time.Now}
}

func (q *MemoryQueue) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup)}
		q.topics[name] = t
	}
	return t
}

func (g *memGroup) notify() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// Publish appends the message to every consumer group of topic. Messages
// published before any group exists are kept until the first one subscribes.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = q.now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	t := q.topic(topic)
	if len(t.groups) == 0 {
		t.backlog = append(t.backlog, message.clone())
		return nil
	}
	for _, g := range t.groups {
		g.ready = append(g.ready, message.clone())
		g.notify()
	}
	return nil
}

// Subscribe joins the consumer group opts.ConsumerGroup on topic.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
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
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	t := q.topic(topic)
	g, ok := t.groups[options.ConsumerGroup]
	if !ok {
		g = &memGroup{inflight: make(map[string]*memInflight), signal: make(chan struct{}, 1)}
		if len(t.groups) == 0 {
			g.ready = t.backlog
			t.backlog = nil
		}
		t.groups[options.ConsumerGroup] = g
	}
	sub := &memSubscription{topic: topic, group: g, handler: handler, opts: options, baseCtx: ctx}
	q.subs = append(q.subs, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start launches the handler goroutines.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subs {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memSubscription) {
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go q.worker(sub)
	}
}

func (q *MemoryQueue) worker(sub *memSubscription) {
	defer sub.wg.Done()
	poll := sub.opts.VisibilityTimeout / 4
	if poll <= 0 || poll > time.Second {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if sub.ctx.Err() != nil {
			return
		}
		token, m := q.take(sub)
		if m == nil {
			select {
			case <-sub.ctx.Done():
				return
			case <-sub.group.signal:
			case <-ticker.C:
			}
			continue
		}
		switch deliver(sub.ctx, q, sub.topic, sub.handler, sub.opts, m) {
		case outcomeAck:
			q.ack(sub.group, token)
		default:
			q.release(sub.group, token)
		}
	}
}

// take reclaims expired deliveries, then hands out the head of the group.
func (q *MemoryQueue) take(sub *memSubscription) (string, *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := sub.group
	now := q.now()
	for token, in := range g.inflight {
		if now.After(in.deadline) {
			delete(g.inflight, token)
			in.msg.Redelivered = true
			g.ready = append(g.ready, in.msg)
		}
	}
	if len(g.ready) == 0 {
		return "", nil
	}
	m := g.ready[0]
	g.ready = g.ready[1:]
	token := uuid.NewString()
	g.inflight[token] = &memInflight{msg: m, deadline: now.Add(sub.opts.VisibilityTimeout)}
	return token, m.clone()
}

// ack is a no-op when the delivery was already reclaimed.
func (q *MemoryQueue) ack(g *memGroup, token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(g.inflight, token)
}

func (q *MemoryQueue) release(g *memGroup, token string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	in, ok := g.inflight[token]
	if !ok {
		return
	}
	delete(g.inflight, token)
	in.msg.Redelivered = true
	g.ready = append(g.ready, in.msg)
	g.notify()
}

// Pending counts messages of topic not yet acknowledged by every group.
func (q *MemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return 0
	}
	n := len(t.backlog)
	for _, g := range t.groups {
		n += len(g.ready) + len(g.inflight)
	}
	return n
}

// Stop cancels handler goroutines and waits for them. In-flight deliveries
// stay pending and become visible again after their timeout.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memSubscription(nil), q.subs...)
	q.started = false
	q.mu.Unlock()
	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("message queue is closed")
	}
	return ctx.Err()
}

func (q *MemoryQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
