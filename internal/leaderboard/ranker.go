package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	appErr "benchboard/pkg/errors"
)

const (
	DefaultRankLimit    = 20
	DefaultHistoryLimit = 10
	defaultScanLimit    = 10000
)

// Entry is one row of the ranking.
type Entry struct {
	Rank            int            `json:"rank"`
	UserID          string         `json:"user_id"`
	Username        string         `json:"username"`
	AvatarURL       string         `json:"avatar_url"`
	SubmissionID    string         `json:"submission_id"`
	Language        model.Language `json:"language"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// Stats summarizes one user's submissions.
type Stats struct {
	UserID                   string              `json:"user_id"`
	PersonalBestMs           *int64              `json:"personal_best_ms,omitempty"`
	PersonalBestSubmissionID string              `json:"personal_best_submission_id,omitempty"`
	Rank                     *int                `json:"rank,omitempty"`
	Total                    int                 `json:"total"`
	ByState                  map[model.State]int `json:"by_state"`
}

// PersonalBest keeps each user's best successful submission: lowest
// execution time, then earliest completion. Other states are ignored.
func PersonalBest(subs []*model.Submission) []*model.Submission {
	best := make(map[string]*model.Submission)
	for _, sub := range subs {
		if sub == nil || sub.State != model.StateSuccess || sub.ExecutionTimeMs == nil {
			continue
		}
		if cur, ok := best[sub.UserID]; !ok || better(sub, cur) {
			best[sub.UserID] = sub
		}
	}
	out := make([]*model.Submission, 0, len(best))
	for _, sub := range best {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// Project turns submissions into a ranking of at most limit entries. A limit
// of zero or less returns every ranked user.
func Project(subs []*model.Submission, limit int) []Entry {
	best := PersonalBest(subs)
	if limit > 0 && len(best) > limit {
		best = best[:limit]
	}
	entries := make([]Entry, 0, len(best))
	for i, sub := range best {
		entry := Entry{
			Rank:            i + 1,
			UserID:          sub.UserID,
			Username:        sub.Username,
			AvatarURL:       sub.AvatarURL,
			SubmissionID:    sub.ID,
			Language:        sub.Language,
			ExecutionTimeMs: *sub.ExecutionTimeMs,
		}
		if sub.CompletedAt != nil {
			entry.CompletedAt = *sub.CompletedAt
		}
		entries = append(entries, entry)
	}
	return entries
}

func better(a, b *model.Submission) bool {
	if *a.ExecutionTimeMs != *b.ExecutionTimeMs {
		return *a.ExecutionTimeMs < *b.ExecutionTimeMs
	}
	ac, bc := completedAt(a), completedAt(b)
	if !ac.Equal(bc) {
		return ac.Before(bc)
	}
	return a.ID < b.ID
}

func completedAt(sub *model.Submission) time.Time {
	if sub.CompletedAt == nil {
		return time.Time{}
	}
	return *sub.CompletedAt
}

// Ranker reads rankings and histories straight from the submission store.
type Ranker struct {
	store     repository.SubmissionStore
	scanLimit int
}

// NewRanker creates a Ranker. scanLimit bounds the personal bests read per
// ranking, so it caps ranked users rather than submissions.
func NewRanker(store repository.SubmissionStore, scanLimit int) *Ranker {
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	return &Ranker{store: store, scanLimit: scanLimit}
}

// Rank returns the top limit users by personal best.
func (r *Ranker) Rank(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRankLimit
	}
	subs, err := r.successes(ctx)
	if err != nil {
		return nil, err
	}
	return Project(subs, limit), nil
}

// UserHistory returns the user's submissions in every state, newest first.
func (r *Ranker) UserHistory(ctx context.Context, userID string, limit int) ([]*model.Submission, error) {
	if userID == "" {
		return nil, appErr.ValidationError("user_id", "required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	subs, err := r.store.Query(ctx, model.Query{
		Filter: model.Filter{UserID: userID},
		Order:  model.Order{Field: model.OrderByCreatedAt, Desc: true},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query history failed: %w", err)
	}
	return subs, nil
}

// UserStats returns the user's personal best, counts and current rank.
func (r *Ranker) UserStats(ctx context.Context, userID string) (Stats, error) {
	if userID == "" {
		return Stats{}, appErr.ValidationError("user_id", "required")
	}
	subs, err := r.store.Query(ctx, model.Query{Filter: model.Filter{UserID: userID}})
	if err != nil {
		return Stats{}, fmt.Errorf("query user submissions failed: %w", err)
	}
	stats := Stats{UserID: userID, Total: len(subs), ByState: make(map[model.State]int, len(model.AllStates))}
	for _, state := range model.AllStates {
		stats.ByState[state] = 0
	}
	for _, sub := range subs {
		stats.ByState[sub.State]++
	}
	best := PersonalBest(subs)
	if len(best) == 0 {
		return stats, nil
	}
	ms := *best[0].ExecutionTimeMs
	stats.PersonalBestMs = &ms
	stats.PersonalBestSubmissionID = best[0].ID

	all, err := r.successes(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, entry := range Project(all, 0) {
		if entry.UserID == userID {
			rank := entry.Rank
			stats.Rank = &rank
			break
		}
	}
	return stats, nil
}

func (r *Ranker) successes(ctx context.Context) ([]*model.Submission, error) {
	subs, err := r.store.Query(ctx, model.Query{
		Filter: model.Filter{State: model.StateSuccess, BestPerUser: true},
		Order:  model.Order{Field: model.OrderByExecutionTime, Then: model.OrderByCompletedAt},
		Limit:  r.scanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("query successful submissions failed: %w", err)
	}
	return subs, nil
}
