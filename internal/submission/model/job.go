package model

import "time"

// EvaluationJob asks a worker to evaluate one submission.
type EvaluationJob struct {
	SubmissionID string `json:"submission_id"`
	// IdempotencyKey always equals SubmissionID.
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempt        int       `json:"attempt"`
}

// NewEvaluationJob builds the job for id.
func NewEvaluationJob(id string, attempt int, now time.Time) EvaluationJob {
	return EvaluationJob{SubmissionID: id, IdempotencyKey: id, EnqueuedAt: now, Attempt: attempt}
}

// TerminalEvent is emitted once per submission when it reaches a terminal state.
type TerminalEvent struct {
	SubmissionID    string    `json:"submission_id"`
	UserID          string    `json:"user_id"`
	State           State     `json:"state"`
	ExecutionTimeMs int64     `json:"execution_time_ms,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}
