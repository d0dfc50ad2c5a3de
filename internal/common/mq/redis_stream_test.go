package mq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStreamQueue(t *testing.T) (*RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewRedisStreamQueue(client, RedisStreamConfig{
		BlockTimeout:  50 * time.Millisecond,
		ClaimInterval: time.Hour,
		ConsumerName:  "test-consumer",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, client
}

func TestRedisStreamQueuePublishConsumeAck(t *testing.T) {
	q, client := newStreamQueue(t)
	ctx := context.Background()

	var got atomic.Value
	err := q.Subscribe(ctx, "jobs", func(ctx context.Context, m *Message) error {
		got.Store(m)
		return nil
	}, &SubscribeOptions{ConsumerGroup: "workers"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg := NewMessage([]byte(`{"submission_id":"s-1"}`))
	msg.ID = "s-1"
	msg.SetHeader("trace_id", "t-1")
	if err := q.Publish(ctx, "jobs", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	m := got.Load().(*Message)
	if m.ID != "s-1" || string(m.Body) != `{"submission_id":"s-1"}` {
		t.Fatalf("unexpected message %+v", m)
	}
	if v, _ := m.GetHeader("trace_id"); v != "t-1" {
		t.Fatalf("expected header to round trip, got %q", v)
	}

	waitFor(t, 2*time.Second, func() bool {
		pending, err := client.XPending(ctx, "jobs", "workers").Result()
		return err == nil && pending.Count == 0
	})
}

func TestRedisStreamQueueLeavesFailedEntryPending(t *testing.T) {
	q, client := newStreamQueue(t)
	ctx := context.Background()

	var calls int32
	_ = q.Subscribe(ctx, "jobs", func(ctx context.Context, m *Message) error {
		atomic.AddInt32(&calls, 1)
		return context.DeadlineExceeded
	}, &SubscribeOptions{ConsumerGroup: "workers", MaxRetries: 1, RetryDelay: time.Millisecond})
	_ = q.Start()

	msg := NewMessage([]byte("job"))
	msg.ID = "s-2"
	msg.MaxRetries = 0
	_ = q.Publish(ctx, "jobs", msg)

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&calls) == 2 })
	pending, err := client.XPending(ctx, "jobs", "workers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected entry left pending for redelivery, got %d", pending.Count)
	}
}
