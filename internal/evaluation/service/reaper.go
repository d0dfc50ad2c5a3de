package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/common/metrics"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/contextkey"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

// Enqueuer publishes evaluation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.EvaluationJob) error
}

// ReaperConfig holds recovery settings.
type ReaperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"gracePeriod"`
	MaxAttempts int           `yaml:"maxAttempts"`
	// PendingGrace re-enqueues records left Pending longer than this, covering
	// a lost publish after Create. A record is republished at most once per
	// PendingGrace. Zero disables it.
	PendingGrace time.Duration `yaml:"pendingGrace"`
	BatchSize    int           `yaml:"batchSize"`
	StoreTimeout time.Duration `yaml:"storeTimeout"`
}

// SweepResult counts the work of one sweep.
type SweepResult struct {
	Requeued    int
	Abandoned   int
	Republished int
}

// Reaper recovers submissions stuck in Running after a worker crash.
type Reaper struct {
	store   repository.SubmissionStore
	queue   Enqueuer
	metrics *metrics.Collector
	cfg     ReaperConfig
	clock   func() time.Time
	marks   publishMarks
}

// NewReaper creates a reaper.
func NewReaper(store repository.SubmissionStore, queue Enqueuer, cfg ReaperConfig, collector *metrics.Collector) (*Reaper, error) {
	if store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Reaper{
		store:   store,
		queue:   queue,
		metrics: collector,
		cfg:     cfg,
		clock:   func() time.Time { return time.Now().UTC() },
		marks:   newLocalMarks(),
	}, nil
}

// WithCache shares publish marks through Redis so replicas do not republish
// the same record within one PendingGrace.
func (r *Reaper) WithCache(c cache.Cache) *Reaper {
	if c != nil {
		r.marks = &cacheMarks{cache: c}
	}
	return r
}

// WithClock replaces the time source.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// Run sweeps every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				logger.Error(ctx, "reaper sweep failed", zap.Error(err))
				continue
			}
			if res.Requeued+res.Abandoned+res.Republished > 0 {
				logger.Info(ctx, "reaper sweep finished",
					zap.Int("requeued", res.Requeued),
					zap.Int("abandoned", res.Abandoned),
					zap.Int("republished", res.Republished))
			}
		}
	}
}

// Sweep performs one recovery pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.clock()

	stale, err := r.query(ctx, model.Filter{State: model.StateRunning, StartedBefore: now.Add(-r.cfg.GracePeriod)})
	if err != nil {
		return res, err
	}
	for _, sub := range stale {
		subCtx := context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
		if sub.Attempts >= r.cfg.MaxAttempts {
			reason := fmt.Sprintf("abandoned after %d attempts", sub.Attempts)
			if r.transition(subCtx, sub.ID, model.StateError, model.TransitionFields{FailureReason: reason, At: now, Attempt: sub.Attempts}) {
				res.Abandoned++
			}
			continue
		}
		if !r.transition(subCtx, sub.ID, model.StatePending, model.TransitionFields{At: now, Attempt: sub.Attempts}) {
			continue
		}
		res.Requeued++
		if r.cfg.PendingGrace > 0 {
			r.marks.mark(subCtx, sub.ID, now, r.cfg.PendingGrace)
		}
		if err := r.queue.Enqueue(subCtx, model.NewEvaluationJob(sub.ID, sub.Attempts+1, now)); err != nil {
			// The stale Pending pass picks it up later.
			logger.Error(subCtx, "re-enqueue recovered submission failed", zap.Error(err))
		}
	}

	if r.cfg.PendingGrace > 0 {
		pending, err := r.query(ctx, model.Filter{State: model.StatePending, CreatedBefore: now.Add(-r.cfg.PendingGrace)})
		if err != nil {
			return res, err
		}
		r.marks.prune(now, r.cfg.PendingGrace)
		for _, sub := range pending {
			subCtx := context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
			if !r.marks.mark(subCtx, sub.ID, now, r.cfg.PendingGrace) {
				continue
			}
			if err := r.queue.Enqueue(subCtx, model.NewEvaluationJob(sub.ID, sub.Attempts+1, now)); err != nil {
				logger.Error(subCtx, "republish pending submission failed", zap.Error(err))
				continue
			}
			res.Republished++
		}
	}

	r.metrics.RecordReaped(res.Requeued, res.Abandoned)
	return res, nil
}

func (r *Reaper) query(ctx context.Context, filter model.Filter) ([]*model.Submission, error) {
	ctxDB, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	return r.store.Query(ctxDB, model.Query{
		Filter: filter,
		Order:  model.Order{Field: model.OrderByCreatedAt},
		Limit:  r.cfg.BatchSize,
	})
}

// transition reports whether the reaper won the Running edge.
func (r *Reaper) transition(ctx context.Context, id string, to model.State, fields model.TransitionFields) bool {
	ctxDB, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	err := r.store.Transition(ctxDB, id, model.StateRunning, to, fields)
	if err == nil {
		return true
	}
	if appErr.IsConflict(err) || appErr.IsNotFound(err) {
		r.metrics.RecordConflict()
	} else {
		logger.Error(ctx, "reaper transition failed", zap.String("target", string(to)), zap.Error(err))
	}
	return false
}

// publishMarks remembers when a record was last published by the reaper.
// mark records a publish and reports false if one happened within window.
type publishMarks interface {
	mark(ctx context.Context, id string, now time.Time, window time.Duration) bool
	prune(now time.Time, window time.Duration)
}

type localMarks struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newLocalMarks() *localMarks {
	return &localMarks{seen: make(map[string]time.Time)}
}

func (m *localMarks) mark(ctx context.Context, id string, now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.seen[id]; ok && now.Sub(last) < window {
		return false
	}
	m.seen[id] = now
	return true
}

func (m *localMarks) prune(now time.Time, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, last := range m.seen {
		if now.Sub(last) >= window {
			delete(m.seen, id)
		}
	}
}

const publishMarkPrefix = "reaper:published:"

type cacheMarks struct {
	cache cache.Cache
}

// mark fails open: a Redis error allows the publish.
func (m *cacheMarks) mark(ctx context.Context, id string, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	ok, err := m.cache.SetNX(ctx, publishMarkPrefix+id, now.Format(time.RFC3339Nano), window)
	if err != nil {
		logger.Warn(ctx, "set publish mark failed", zap.Error(err))
		return true
	}
	return ok
}

func (m *cacheMarks) prune(time.Time, time.Duration) {}
