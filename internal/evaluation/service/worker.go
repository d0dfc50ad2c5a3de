package service

import (
	"context"
	"fmt"
	"time"

	"benchboard/internal/common/metrics"
	"benchboard/internal/evaluation/runner"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultRunnerTimeout = 30 * time.Second
	defaultStoreTimeout  = 3 * time.Second
	defaultFinishRetries = 3
	defaultFinishBackoff = 100 * time.Millisecond
)

// WorkerConfig holds worker settings.
type WorkerConfig struct {
	Workers       int           `yaml:"workers"`
	RunnerTimeout time.Duration `yaml:"runnerTimeout"`
	StoreTimeout  time.Duration `yaml:"storeTimeout"`
	FinishRetries int           `yaml:"finishRetries"`
	FinishBackoff time.Duration `yaml:"finishBackoff"`
}

// Worker evaluates jobs. Exclusivity comes from the Pending -> Running
// transition only; any number of workers may receive the same job.
type Worker struct {
	store     repository.SubmissionStore
	evaluator runner.Evaluator
	metrics   *metrics.Collector
	cfg       WorkerConfig
	sem       chan struct{}
	clock     func() time.Time
}

// NewWorker creates a worker.
func NewWorker(store repository.SubmissionStore, evaluator runner.Evaluator, cfg WorkerConfig, collector *metrics.Collector) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RunnerTimeout <= 0 {
		cfg.RunnerTimeout = defaultRunnerTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.FinishRetries <= 0 {
		cfg.FinishRetries = defaultFinishRetries
	}
	if cfg.FinishBackoff <= 0 {
		cfg.FinishBackoff = defaultFinishBackoff
	}
	return &Worker{
		store:     store,
		evaluator: evaluator,
		metrics:   collector,
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Workers),
		clock:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleJob runs claim, execute and finish for one delivery. A nil return
// acknowledges the delivery; an error asks for redelivery.
func (w *Worker) HandleJob(ctx context.Context, job model.EvaluationJob) error {
	if err := w.acquireSlot(ctx); err != nil {
		return err
	}
	defer w.releaseSlot()

	sub, claimed, err := w.claim(ctx, job.SubmissionID)
	if err != nil || !claimed {
		return err
	}
	w.metrics.AddInFlight(1)
	defer w.metrics.AddInFlight(-1)

	startedAt := w.clock()
	verdict := w.execute(ctx, sub)
	if ctx.Err() != nil {
		// Shutdown while running; give the claim back so a redelivery can run it.
		w.release(sub.ID, sub.Attempts)
		return ctx.Err()
	}
	return w.finish(ctx, sub, verdict, startedAt)
}

// claim moves the submission to Running and then loads it from the source
// store. The attempt count read here identifies the claim when finishing, so
// the read must not come from a cache.
func (w *Worker) claim(ctx context.Context, id string) (*model.Submission, bool, error) {
	ctxDB, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	err := w.store.Transition(ctxDB, id, model.StatePending, model.StateRunning, model.TransitionFields{At: w.clock()})
	switch {
	case err == nil:
	case appErr.IsConflict(err):
		logger.Debug(ctx, "skip job for non-pending submission", zap.Error(err))
		w.metrics.RecordConflict()
		return nil, false, nil
	case appErr.IsNotFound(err):
		logger.Warn(ctx, "orphaned evaluation job")
		return nil, false, nil
	default:
		return nil, false, err
	}

	sub, err := w.store.Get(repository.SkipCache(ctxDB), id)
	if err != nil {
		w.release(id, 0)
		if appErr.IsNotFound(err) {
			logger.Warn(ctx, "claimed submission vanished")
			return nil, false, nil
		}
		return nil, false, err
	}
	sub.State = model.StateRunning
	return sub, true, nil
}

func (w *Worker) execute(ctx context.Context, sub *model.Submission) runner.Verdict {
	req := runner.Request{SubmissionID: sub.ID, SourceRef: sub.SourceRef, Language: sub.Language}
	verdict, err := w.evaluator.Evaluate(ctx, req, w.cfg.RunnerTimeout)
	if err != nil {
		// Evaluators wrapped in a RetryingEvaluator never get here.
		logger.Warn(ctx, "evaluation failed", zap.Error(err))
		return runner.Verdict{Outcome: runner.OutcomeError, Diagnostic: err.Error()}
	}
	return verdict
}

func (w *Worker) finish(ctx context.Context, sub *model.Submission, verdict runner.Verdict, startedAt time.Time) error {
	id := sub.ID
	to := verdict.Outcome.State()
	fields := model.TransitionFields{At: w.clock(), Attempt: sub.Attempts}
	if to == model.StateSuccess {
		fields.ExecutionTimeMs = verdict.ExecutionTimeMs
	} else {
		fields.FailureReason = verdict.Diagnostic
	}

	var err error
	for attempt := 0; attempt < w.cfg.FinishRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, runner.ComputeBackoff(attempt-1, w.cfg.FinishBackoff, 10*w.cfg.FinishBackoff)); sleepErr != nil {
				return sleepErr
			}
		}
		ctxDB, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
		err = w.store.Transition(ctxDB, id, model.StateRunning, to, fields)
		cancel()
		switch {
		case err == nil:
			w.metrics.RecordEvaluation(string(to), fields.At.Sub(startedAt).Seconds())
			logger.Info(ctx, "evaluation finished",
				zap.String("state", string(to)),
				zap.Int64("execution_time_ms", fields.ExecutionTimeMs),
				zap.String("reason", fields.FailureReason))
			return nil
		case appErr.IsConflict(err), appErr.IsNotFound(err):
			// The reaper recovered the job meanwhile, or another worker holds it now.
			logger.Info(ctx, "discard verdict for recovered submission", zap.Error(err))
			w.metrics.RecordConflict()
			return nil
		}
		logger.Warn(ctx, "store terminal state failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("store terminal state for %s failed: %w", id, err)
}

func (w *Worker) release(id string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.StoreTimeout)
	defer cancel()
	fields := model.TransitionFields{At: w.clock(), Attempt: attempt}
	if err := w.store.Transition(ctx, id, model.StateRunning, model.StatePending, fields); err != nil && !appErr.IsConflict(err) {
		logger.Warn(ctx, "release claim failed", zap.String("submission_id", id), zap.Error(err))
	}
}

func (w *Worker) acquireSlot(ctx context.Context) error {
	select {
	case w.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) releaseSlot() {
	select {
	case <-w.sem:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
