package runner

import (
	"context"
	"time"

	"benchboard/internal/submission/model"
)

// Outcome is the result class of one evaluation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
)

// State maps the outcome to the terminal submission state.
func (o Outcome) State() model.State {
	switch o {
	case OutcomeSuccess:
		return model.StateSuccess
	case OutcomeFailed:
		return model.StateFailed
	default:
		return model.StateError
	}
}

// Verdict is what the runner concluded about a submission.
type Verdict struct {
	Outcome         Outcome
	ExecutionTimeMs int64
	Diagnostic      string
}

// Request identifies the code to run.
type Request struct {
	SubmissionID string
	SourceRef    string
	Language     model.Language
}

// Evaluator runs a submission against the benchmark dataset. Implementations
// must return within timeout. Infrastructure faults are reported as
// RunnerTimeout or RunnerUnavailable errors.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request, timeout time.Duration) (Verdict, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req Request, timeout time.Duration) (Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req Request, timeout time.Duration) (Verdict, error) {
	return f(ctx, req, timeout)
}
