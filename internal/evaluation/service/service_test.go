package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/evaluation/runner"
	"benchboard/internal/evaluation/service"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	appErr "benchboard/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingObserver struct {
	mu     sync.Mutex
	events []model.TerminalEvent
}

func (o *countingObserver) OnTerminal(ctx context.Context, event model.TerminalEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *countingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []model.EvaluationJob
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job model.EvaluationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func create(t *testing.T, store repository.SubmissionStore, userID string) *model.Submission {
	t.Helper()
	sub, err := store.Create(context.Background(), model.NewSubmission{
		UserID:    userID,
		Username:  userID,
		SourceRef: "submissions/" + userID + "/main.py",
		Language:  model.LanguagePython,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return sub
}

func fixedVerdict(calls *int32, verdict runner.Verdict) runner.Evaluator {
	return runner.EvaluatorFunc(func(ctx context.Context, req runner.Request, timeout time.Duration) (runner.Verdict, error) {
		atomic.AddInt32(calls, 1)
		return verdict, nil
	})
}

func TestWorkerDuplicateDeliveriesExecuteOnce(t *testing.T) {
	observer := &countingObserver{}
	base := repository.NewMemoryStore()
	store := repository.WithTerminalObservers(base, observer)
	sub := create(t, store, "u1")

	var calls int32
	worker, err := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 1050}), service.WorkerConfig{Workers: 8}, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	job := model.NewEvaluationJob(sub.ID, 1, time.Now())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.HandleJob(context.Background(), job); err != nil {
				t.Errorf("HandleJob() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("evaluator calls = %d, want 1", calls)
	}
	if n := observer.count(); n != 1 {
		t.Fatalf("terminal writes = %d, want 1", n)
	}
	got, err := base.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateSuccess || got.ExecutionTimeMs == nil || *got.ExecutionTimeMs != 1050 {
		t.Fatalf("submission = %+v", got)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
}

func TestWorkerRunnerTimeoutEndsInError(t *testing.T) {
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")

	slow := runner.EvaluatorFunc(func(ctx context.Context, req runner.Request, timeout time.Duration) (runner.Verdict, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-ctx.Done()
		return runner.Verdict{}, appErr.RunnerTimeoutError(ctx.Err())
	})
	evaluator := runner.NewRetryingEvaluator(slow, runner.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond})
	worker, err := service.NewWorker(store, evaluator, service.WorkerConfig{RunnerTimeout: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	got, _ := store.Get(context.Background(), sub.ID)
	if got.State != model.StateError {
		t.Fatalf("state = %s, want error", got.State)
	}
	if !strings.Contains(got.FailureReason, "timed out") || !strings.Contains(got.FailureReason, "after 2 attempts") {
		t.Fatalf("failure reason = %q", got.FailureReason)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestWorkerFailedVerdict(t *testing.T) {
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")
	var calls int32
	worker, _ := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeFailed, Diagnostic: "Traceback"}), service.WorkerConfig{}, nil)

	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	got, _ := store.Get(context.Background(), sub.ID)
	if got.State != model.StateFailed || got.FailureReason != "Traceback" || got.ExecutionTimeMs != nil {
		t.Fatalf("submission = %+v", got)
	}
}

func TestWorkerAcksUnknownAndTerminalSubmissions(t *testing.T) {
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")
	var calls int32
	worker, _ := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 1}), service.WorkerConfig{}, nil)

	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob("missing", 1, time.Now())); err != nil {
		t.Fatalf("unknown submission: HandleJob() error = %v", err)
	}
	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("late redelivery: %v", err)
	}
	if calls != 1 {
		t.Fatalf("evaluator calls = %d, want 1", calls)
	}
}

type flakyStore struct {
	repository.SubmissionStore
	failures int32
}

func (s *flakyStore) Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error {
	if to.Terminal() && atomic.AddInt32(&s.failures, -1) >= 0 {
		return errors.New("connection reset")
	}
	return s.SubmissionStore.Transition(ctx, id, from, to, fields)
}

func TestWorkerRetriesTerminalWrite(t *testing.T) {
	store := &flakyStore{SubmissionStore: repository.NewMemoryStore(), failures: 2}
	sub := create(t, store, "u1")
	var calls int32
	worker, _ := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 7}),
		service.WorkerConfig{FinishRetries: 3, FinishBackoff: time.Millisecond}, nil)

	if err := worker.HandleJob(context.Background(), model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	got, _ := store.Get(context.Background(), sub.ID)
	if got.State != model.StateSuccess {
		t.Fatalf("state = %s, want success", got.State)
	}
}

func TestWorkerShutdownReleasesClaim(t *testing.T) {
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")
	ctx, cancel := context.WithCancel(context.Background())
	evaluator := runner.EvaluatorFunc(func(c context.Context, req runner.Request, timeout time.Duration) (runner.Verdict, error) {
		cancel()
		<-c.Done()
		return runner.Verdict{}, appErr.RunnerTimeoutError(c.Err())
	})
	worker, _ := service.NewWorker(store, evaluator, service.WorkerConfig{}, nil)

	if err := worker.HandleJob(ctx, model.NewEvaluationJob(sub.ID, 1, time.Now())); !errors.Is(err, context.Canceled) {
		t.Fatalf("HandleJob() error = %v, want context.Canceled", err)
	}
	got, _ := store.Get(context.Background(), sub.ID)
	if got.State != model.StatePending || got.StartedAt != nil {
		t.Fatalf("submission = %+v, want released to pending", got)
	}
}

func newRedisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestWorkerClaimIgnoresStaleCachedRecord(t *testing.T) {
	ctx := context.Background()
	base := repository.NewMemoryStore()
	sub := create(t, base, "u1")
	// A first claim was recovered by the reaper, but its Running copy is still cached.
	_ = base.Transition(ctx, sub.ID, model.StatePending, model.StateRunning, model.TransitionFields{})
	stale, _ := base.Get(ctx, sub.ID)
	_ = base.Transition(ctx, sub.ID, model.StateRunning, model.StatePending, model.TransitionFields{})

	c, mr := newRedisCache(t)
	raw, err := cache.JSONCodec[*model.Submission]().Encode(stale)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = mr.Set("submission:"+sub.ID, raw)
	store := repository.WithCache(base, c, time.Minute, time.Second)

	var calls int32
	worker, _ := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 42}), service.WorkerConfig{}, nil)
	if err := worker.HandleJob(ctx, model.NewEvaluationJob(sub.ID, 2, time.Now())); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("evaluator calls = %d, want 1", calls)
	}
	got, _ := base.Get(ctx, sub.ID)
	if got.State != model.StateSuccess || got.Attempts != 2 {
		t.Fatalf("submission = %+v", got)
	}
}

func TestWorkerDiscardsVerdictOfSupersededClaim(t *testing.T) {
	ctx := context.Background()
	observer := &countingObserver{}
	base := repository.NewMemoryStore()
	store := repository.WithTerminalObservers(base, observer)
	sub := create(t, store, "u1")

	// While evaluating, the reaper requeues the claim and another worker takes it.
	evaluator := runner.EvaluatorFunc(func(c context.Context, req runner.Request, timeout time.Duration) (runner.Verdict, error) {
		if err := base.Transition(c, req.SubmissionID, model.StateRunning, model.StatePending, model.TransitionFields{}); err != nil {
			return runner.Verdict{}, err
		}
		if err := base.Transition(c, req.SubmissionID, model.StatePending, model.StateRunning, model.TransitionFields{}); err != nil {
			return runner.Verdict{}, err
		}
		return runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 10}, nil
	})
	worker, _ := service.NewWorker(store, evaluator, service.WorkerConfig{}, nil)

	if err := worker.HandleJob(ctx, model.NewEvaluationJob(sub.ID, 1, time.Now())); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	got, _ := base.Get(ctx, sub.ID)
	if got.State != model.StateRunning || got.Attempts != 2 || got.ExecutionTimeMs != nil {
		t.Fatalf("superseded claim finished the submission: %+v", got)
	}
	if n := observer.count(); n != 0 {
		t.Fatalf("terminal events = %d, want 0", n)
	}
}

func TestReaperRecoversStaleRunning(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	stale := create(t, store, "u1")
	fresh := create(t, store, "u2")
	ctx := context.Background()
	if err := store.Transition(ctx, stale.ID, model.StatePending, model.StateRunning, model.TransitionFields{At: now.Add(-10 * time.Minute)}); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if err := store.Transition(ctx, fresh.ID, model.StatePending, model.StateRunning, model.TransitionFields{At: now.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	queue := &fakeQueue{}
	reaper, err := service.NewReaper(store, queue, service.ReaperConfig{GracePeriod: 2 * time.Minute, MaxAttempts: 3}, nil)
	if err != nil {
		t.Fatalf("new reaper: %v", err)
	}
	reaper.WithClock(func() time.Time { return now })

	res, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Requeued != 1 || res.Abandoned != 0 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Get(ctx, stale.ID)
	if got.State != model.StatePending || got.StartedAt != nil {
		t.Fatalf("stale submission = %+v", got)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].SubmissionID != stale.ID || queue.jobs[0].Attempt != 2 {
		t.Fatalf("jobs = %+v", queue.jobs)
	}
	if got, _ := store.Get(ctx, fresh.ID); got.State != model.StateRunning {
		t.Fatalf("fresh submission state = %s, want running", got.State)
	}
}

func TestReaperAbandonsAfterMaxAttempts(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Transition(ctx, sub.ID, model.StatePending, model.StateRunning, model.TransitionFields{At: now.Add(-time.Hour)}); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if i < 2 {
			if err := store.Transition(ctx, sub.ID, model.StateRunning, model.StatePending, model.TransitionFields{}); err != nil {
				t.Fatalf("release %d: %v", i, err)
			}
		}
	}

	queue := &fakeQueue{}
	reaper, _ := service.NewReaper(store, queue, service.ReaperConfig{GracePeriod: time.Minute, MaxAttempts: 3}, nil)
	reaper.WithClock(func() time.Time { return now })

	res, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Abandoned != 1 || len(queue.jobs) != 0 {
		t.Fatalf("result = %+v, jobs = %d", res, len(queue.jobs))
	}
	got, _ := store.Get(ctx, sub.ID)
	if got.State != model.StateError || got.FailureReason != "abandoned after 3 attempts" {
		t.Fatalf("submission = %+v", got)
	}
}

func TestReaperRepublishesStalePending(t *testing.T) {
	now := time.Now().UTC()
	store := repository.NewMemoryStore().WithClock(func() time.Time { return now.Add(-time.Hour) })
	sub := create(t, store, "u1")

	queue := &fakeQueue{}
	reaper, _ := service.NewReaper(store, queue, service.ReaperConfig{PendingGrace: 10 * time.Minute}, nil)
	reaper.WithClock(func() time.Time { return now })

	res, err := reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Republished != 1 || len(queue.jobs) != 1 || queue.jobs[0].SubmissionID != sub.ID {
		t.Fatalf("result = %+v, jobs = %+v", res, queue.jobs)
	}
}

func TestReaperRepublishesPendingOncePerGrace(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore().WithClock(func() time.Time { return now.Add(-time.Hour) })
	sub := create(t, store, "u1")

	queue := &fakeQueue{}
	reaper, _ := service.NewReaper(store, queue, service.ReaperConfig{PendingGrace: 10 * time.Minute}, nil)
	clock := now
	reaper.WithClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		if _, err := reaper.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
		clock = clock.Add(time.Minute)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("jobs within one grace = %d, want 1", len(queue.jobs))
	}

	clock = now.Add(10 * time.Minute)
	res, err := reaper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Republished != 1 || len(queue.jobs) != 2 || queue.jobs[1].SubmissionID != sub.ID {
		t.Fatalf("result = %+v, jobs = %+v", res, queue.jobs)
	}
}

func TestReaperDoesNotRepublishWhatItRequeued(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore().WithClock(func() time.Time { return now.Add(-time.Hour) })
	sub := create(t, store, "u1")
	ctx := context.Background()
	if err := store.Transition(ctx, sub.ID, model.StatePending, model.StateRunning, model.TransitionFields{At: now.Add(-10 * time.Minute)}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	queue := &fakeQueue{}
	reaper, _ := service.NewReaper(store, queue, service.ReaperConfig{GracePeriod: 2 * time.Minute, PendingGrace: 10 * time.Minute}, nil)
	reaper.WithClock(func() time.Time { return now })

	res, err := reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Requeued != 1 || res.Republished != 0 || len(queue.jobs) != 1 {
		t.Fatalf("result = %+v, jobs = %+v", res, queue.jobs)
	}
}

func TestReapersSharingCacheRepublishOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore().WithClock(func() time.Time { return now.Add(-time.Hour) })
	_ = create(t, store, "u1")
	c, mr := newRedisCache(t)

	queue := &fakeQueue{}
	cfg := service.ReaperConfig{PendingGrace: 10 * time.Minute}
	for i := 0; i < 2; i++ {
		reaper, _ := service.NewReaper(store, queue, cfg, nil)
		reaper.WithCache(c).WithClock(func() time.Time { return now })
		if _, err := reaper.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(queue.jobs))
	}

	mr.FastForward(cfg.PendingGrace)
	reaper, _ := service.NewReaper(store, queue, cfg, nil)
	reaper.WithCache(c).WithClock(func() time.Time { return now.Add(cfg.PendingGrace) })
	if _, err := reaper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(queue.jobs) != 2 {
		t.Fatalf("jobs after grace = %d, want 2", len(queue.jobs))
	}
}

func TestReaperThenWorkerCompletes(t *testing.T) {
	now := time.Now().UTC()
	store := repository.NewMemoryStore()
	sub := create(t, store, "u1")
	ctx := context.Background()
	if err := store.Transition(ctx, sub.ID, model.StatePending, model.StateRunning, model.TransitionFields{At: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	queue := &fakeQueue{}
	reaper, _ := service.NewReaper(store, queue, service.ReaperConfig{GracePeriod: time.Minute, MaxAttempts: 3}, nil)
	if _, err := reaper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	var calls int32
	worker, _ := service.NewWorker(store, fixedVerdict(&calls, runner.Verdict{Outcome: runner.OutcomeSuccess, ExecutionTimeMs: 900}), service.WorkerConfig{}, nil)
	for _, job := range queue.jobs {
		if err := worker.HandleJob(ctx, job); err != nil {
			t.Fatalf("HandleJob() error = %v", err)
		}
	}
	got, _ := store.Get(ctx, sub.ID)
	if got.State != model.StateSuccess || got.Attempts != 2 {
		t.Fatalf("submission = %+v", got)
	}
}
