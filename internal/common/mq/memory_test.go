package mq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestMemoryQueueDeliversAndAcks(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	var got atomic.Value
	if err := q.Subscribe(context.Background(), "jobs", func(ctx context.Context, m *Message) error {
		got.Store(string(m.Body))
		return nil
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	msg := NewMessage([]byte("hello"))
	msg.ID = "s-1"
	if err := q.Publish(context.Background(), "jobs", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Pending("jobs") == 0 && got.Load() != nil })
	if got.Load().(string) != "hello" {
		t.Fatalf("unexpected body %v", got.Load())
	}
}

func TestMemoryQueueKeepsBacklogUntilSubscribed(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	for i := 0; i < 3; i++ {
		if err := q.Publish(context.Background(), "jobs", NewMessage([]byte("x"))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if q.Pending("jobs") != 3 {
		t.Fatalf("expected 3 pending, got %d", q.Pending("jobs"))
	}
	var count int32
	_ = q.Subscribe(context.Background(), "jobs", func(ctx context.Context, m *Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil)
	_ = q.Start()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 3 })
}

func TestMemoryQueueRedeliversAfterVisibilityTimeout(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	var mu sync.Mutex
	var deliveries []bool
	block := make(chan struct{})
	opts := &SubscribeOptions{Concurrency: 2, VisibilityTimeout: 50 * time.Millisecond}
	_ = q.Subscribe(context.Background(), "jobs", func(ctx context.Context, m *Message) error {
		mu.Lock()
		deliveries = append(deliveries, m.Redelivered)
		first := len(deliveries) == 1
		mu.Unlock()
		if first {
			// never acknowledged in time
			select {
			case <-block:
			case <-ctx.Done():
			}
		}
		return nil
	}, opts)
	_ = q.Start()
	defer close(block)

	msg := NewMessage([]byte("job"))
	msg.ID = "s-2"
	_ = q.Publish(context.Background(), "jobs", msg)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) >= 2
	})
	mu.Lock()
	defer mu.Unlock()
	if deliveries[0] || !deliveries[1] {
		t.Fatalf("expected second delivery flagged redelivered, got %v", deliveries)
	}
}

func TestMemoryQueueDeadLettersExhaustedMessages(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	var attempts int32
	opts := &SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "jobs.dlq", ConsumerGroup: "worker"}
	_ = q.Subscribe(context.Background(), "jobs", func(ctx context.Context, m *Message) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}, opts)

	var reason atomic.Value
	_ = q.Subscribe(context.Background(), "jobs.dlq", func(ctx context.Context, m *Message) error {
		r, _ := m.GetHeader("x-dead-letter-reason")
		reason.Store(r)
		return nil
	}, &SubscribeOptions{ConsumerGroup: "dlq"})
	_ = q.Start()

	msg := NewMessage([]byte("job"))
	msg.MaxRetries = 0
	_ = q.Publish(context.Background(), "jobs", msg)

	waitFor(t, time.Second, func() bool { return reason.Load() != nil })
	if reason.Load().(string) != "boom" {
		t.Fatalf("unexpected dead letter reason %v", reason.Load())
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	waitFor(t, time.Second, func() bool { return q.Pending("jobs") == 0 })
}

func TestMemoryQueueFansOutToConsumerGroups(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	var a, b int32
	_ = q.Subscribe(context.Background(), "events", func(ctx context.Context, m *Message) error {
		atomic.AddInt32(&a, 1)
		return nil
	}, &SubscribeOptions{ConsumerGroup: "api-1"})
	_ = q.Subscribe(context.Background(), "events", func(ctx context.Context, m *Message) error {
		atomic.AddInt32(&b, 1)
		return nil
	}, &SubscribeOptions{ConsumerGroup: "api-2"})
	_ = q.Start()
	_ = q.Publish(context.Background(), "events", NewMessage([]byte("e")))

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&a) == 1 && atomic.LoadInt32(&b) == 1 })
}
