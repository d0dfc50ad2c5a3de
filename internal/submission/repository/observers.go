package repository

import (
	"context"

	"benchboard/internal/submission/model"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

// TerminalObserver is notified after a submission reaches a terminal state.
type TerminalObserver interface {
	OnTerminal(ctx context.Context, event model.TerminalEvent) error
}

// TerminalObserverFunc adapts a function to TerminalObserver.
type TerminalObserverFunc func(ctx context.Context, event model.TerminalEvent) error

func (f TerminalObserverFunc) OnTerminal(ctx context.Context, event model.TerminalEvent) error {
	return f(ctx, event)
}

type observedStore struct {
	SubmissionStore
	observers []TerminalObserver
}

// WithTerminalObservers emits a TerminalEvent to every observer after each
// successful terminal transition. Observer errors are logged, never returned:
// the transition already happened.
func WithTerminalObservers(store SubmissionStore, observers ...TerminalObserver) SubmissionStore {
	if len(observers) == 0 {
		return store
	}
	return &observedStore{SubmissionStore: store, observers: observers}
}

func (s *observedStore) Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error {
	if err := s.SubmissionStore.Transition(ctx, id, from, to, fields); err != nil {
		return err
	}
	if !to.Terminal() {
		return nil
	}

	event := model.TerminalEvent{SubmissionID: id, State: to, ExecutionTimeMs: fields.ExecutionTimeMs, CompletedAt: fields.At}
	if sub, err := s.SubmissionStore.Get(ctx, id); err == nil {
		event.UserID = sub.UserID
		if sub.CompletedAt != nil {
			event.CompletedAt = *sub.CompletedAt
		}
		if sub.ExecutionTimeMs != nil {
			event.ExecutionTimeMs = *sub.ExecutionTimeMs
		}
	} else {
		logger.Warn(ctx, "load submission for terminal event failed", zap.String("submission_id", id), zap.Error(err))
	}
	if to != model.StateSuccess {
		event.ExecutionTimeMs = 0
	}

	for _, o := range s.observers {
		if err := o.OnTerminal(ctx, event); err != nil {
			logger.Error(ctx, "terminal observer failed",
				zap.String("submission_id", id),
				zap.String("state", string(to)),
				zap.Error(err))
		}
	}
	return nil
}
