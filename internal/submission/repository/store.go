package repository

import (
	"context"
	"time"

	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
)

// SubmissionStore persists submissions. Transition is the only way to change
// a record's lifecycle state.
type SubmissionStore interface {
	// Create stores a new record in StatePending.
	Create(ctx context.Context, input model.NewSubmission) (*model.Submission, error)

	// Transition moves id from `from` to `to` if and only if its current
	// state is `from` and the edge is legal. Otherwise it returns a
	// SubmissionStateConflict error, or SubmissionNotFound for unknown ids.
	Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error

	Get(ctx context.Context, id string) (*model.Submission, error)
	Query(ctx context.Context, q model.Query) ([]*model.Submission, error)
}

func notFound(id string) error {
	return appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", id).
		WithDetail("submission_id", id)
}

func illegalEdge(id string, from, to model.State) error {
	return appErr.Newf(appErr.SubmissionStateConflict, "submission %s: illegal transition %s -> %s", id, from, to).
		WithDetail("submission_id", id).
		WithDetail("expected", string(from)).
		WithDetail("target", string(to))
}

func staleAttempt(id string, attempt int) error {
	return appErr.Newf(appErr.SubmissionStateConflict, "submission %s was claimed again after attempt %d", id, attempt).
		WithDetail("submission_id", id).
		WithDetail("attempt", attempt)
}

// applyTransition stamps the fields of a legal edge onto sub.
func applyTransition(sub *model.Submission, to model.State, fields model.TransitionFields, now time.Time) {
	sub.State = to
	switch {
	case to == model.StateRunning:
		started := now
		sub.StartedAt = &started
		sub.Attempts++
	case to == model.StatePending:
		sub.StartedAt = nil
	case to == model.StateSuccess:
		completed := now
		ms := fields.ExecutionTimeMs
		if ms < 0 {
			ms = 0
		}
		sub.CompletedAt = &completed
		sub.ExecutionTimeMs = &ms
	case to.Terminal():
		completed := now
		sub.CompletedAt = &completed
		sub.FailureReason = fields.FailureReason
	}
}

func transitionTime(fields model.TransitionFields, clock func() time.Time) time.Time {
	if !fields.At.IsZero() {
		return fields.At.UTC()
	}
	return clock().UTC()
}
