package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"

	"github.com/google/uuid"
)

// MemoryStore is a SubmissionStore kept in process memory. The mutex makes
// every Transition an atomic compare-and-swap.
type MemoryStore struct {
	mu    sync.RWMutex
	subs  map[string]*model.Submission
	clock func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*model.Submission), clock: time.Now}
}

// WithClock overrides the store clock.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, input model.NewSubmission) (*model.Submission, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	lang, _ := model.ParseLanguage(string(input.Language))
	sub := &model.Submission{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Username:  input.Username,
		AvatarURL: input.AvatarURL,
		SourceRef: input.SourceRef,
		Language:  lang,
		State:     model.StatePending,
		CreatedAt: s.clock().UTC(),
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return sub.Clone(), nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return notFound(id)
	}
	if sub.State != from {
		return appErr.ConflictError(id, string(from), string(sub.State))
	}
	if !model.CanTransition(from, to) {
		return illegalEdge(id, from, to)
	}
	if fields.Attempt > 0 && sub.Attempts != fields.Attempt {
		return staleAttempt(id, fields.Attempt)
	}
	applyTransition(sub, to, fields, transitionTime(fields, s.clock))
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, notFound(id)
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, q model.Query) ([]*model.Submission, error) {
	s.mu.RLock()
	out := make([]*model.Submission, 0)
	for _, sub := range s.subs {
		if matches(sub, q.Filter) {
			out = append(out, sub.Clone())
		}
	}
	s.mu.RUnlock()

	if q.Filter.BestPerUser {
		out = bestPerUser(out)
	}
	sortSubmissions(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(sub *model.Submission, f model.Filter) bool {
	if f.State != "" && sub.State != f.State {
		return false
	}
	if f.UserID != "" && sub.UserID != f.UserID {
		return false
	}
	if !f.StartedBefore.IsZero() && (sub.StartedAt == nil || !sub.StartedAt.Before(f.StartedBefore)) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !sub.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func bestPerUser(subs []*model.Submission) []*model.Submission {
	best := make(map[string]*model.Submission, len(subs))
	for _, sub := range subs {
		if cur, ok := best[sub.UserID]; !ok || better(sub, cur) {
			best[sub.UserID] = sub
		}
	}
	out := make([]*model.Submission, 0, len(best))
	for _, sub := range best {
		out = append(out, sub)
	}
	return out
}

// better orders by execution time, then completion, then id. Missing values lose.
func better(a, b *model.Submission) bool {
	if c := compareKey(a, b, model.OrderByExecutionTime); c != 0 {
		return c < 0
	}
	if c := compareKey(a, b, model.OrderByCompletedAt); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func sortKey(s *model.Submission, field model.OrderField) (int64, bool) {
	switch field {
	case model.OrderByExecutionTime:
		if s.ExecutionTimeMs == nil {
			return 0, false
		}
		return *s.ExecutionTimeMs, true
	case model.OrderByCompletedAt:
		if s.CompletedAt == nil {
			return 0, false
		}
		return s.CompletedAt.UnixNano(), true
	default:
		return s.CreatedAt.UnixNano(), true
	}
}

// compareKey compares ascending with missing values last.
func compareKey(a, b *model.Submission, field model.OrderField) int {
	ka, oka := sortKey(a, field)
	kb, okb := sortKey(b, field)
	switch {
	case oka != okb:
		if oka {
			return -1
		}
		return 1
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// sortSubmissions orders by the requested fields with id as a stable tiebreak.
// Records missing a field sort last in either direction.
func sortSubmissions(subs []*model.Submission, order model.Order) {
	fields := []model.OrderField{order.Field}
	if fields[0] == "" {
		fields[0] = model.OrderByCreatedAt
	}
	if order.Then != "" && order.Then != fields[0] {
		fields = append(fields, order.Then)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		for _, field := range fields {
			c := compareKey(subs[i], subs[j], field)
			if c == 0 {
				continue
			}
			_, oki := sortKey(subs[i], field)
			_, okj := sortKey(subs[j], field)
			if order.Desc && oki && okj {
				return c > 0
			}
			return c < 0
		}
		return subs[i].ID < subs[j].ID
	})
}
