package runner

import (
	"context"
	"fmt"
	"time"

	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

// RetryConfig bounds retries of runner faults.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

// RetryingEvaluator retries RunnerTimeout and RunnerUnavailable faults with
// exponential backoff. It never returns an error: exhausted retries and any
// other failure become an Error verdict.
type RetryingEvaluator struct {
	next  Evaluator
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error

	// OnAttempt observes each call result, for metrics.
	OnAttempt func(result string)
}

func NewRetryingEvaluator(next Evaluator, cfg RetryConfig) *RetryingEvaluator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &RetryingEvaluator{next: next, cfg: cfg, sleep: sleepContext}
}

func (r *RetryingEvaluator) Evaluate(ctx context.Context, req Request, timeout time.Duration) (Verdict, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		verdict, err := r.next.Evaluate(ctx, req, timeout)
		if err == nil {
			r.observe(string(verdict.Outcome))
			return verdict, nil
		}
		lastErr = err
		if !appErr.IsRunnerFault(err) {
			r.observe("error")
			return Verdict{Outcome: OutcomeError, Diagnostic: err.Error()}, nil
		}
		if appErr.Is(err, appErr.RunnerTimeout) {
			r.observe("timeout")
		} else {
			r.observe("unavailable")
		}
		logger.Warn(ctx, "runner call failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Error(err))
		if attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, ComputeBackoff(attempt-1, r.cfg.BaseBackoff, r.cfg.MaxBackoff)); err != nil {
			return Verdict{Outcome: OutcomeError, Diagnostic: fmt.Sprintf("%v (canceled after %d attempts)", lastErr, attempt)}, nil
		}
	}
	return Verdict{
		Outcome:    OutcomeError,
		Diagnostic: fmt.Sprintf("%v after %d attempts", lastErr, r.cfg.MaxAttempts),
	}, nil
}

func (r *RetryingEvaluator) observe(result string) {
	if r.OnAttempt != nil {
		r.OnAttempt(result)
	}
}

// ComputeBackoff doubles base per retry, capped at max.
func ComputeBackoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retry; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
