package repository

import (
	"context"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/submission/model"
	appErr "benchboard/pkg/errors"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 30 * time.Second
	submissionCacheKeyPrefix       = "submission:"
)

type cachedStore struct {
	SubmissionStore
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// WithCache serves Get from Redis (cache-aside) and fences the cached record
// whenever its state changes. Queries always hit the underlying store.
func WithCache(store SubmissionStore, cacheClient cache.Cache, ttl, emptyTTL time.Duration) SubmissionStore {
	if cacheClient == nil {
		return store
	}
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &cachedStore{SubmissionStore: store, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

type skipCacheKey struct{}

// SkipCache makes Get on a cached store read the underlying store and leave
// the cache untouched.
func SkipCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipCacheKey{}, true)
}

func (s *cachedStore) Get(ctx context.Context, id string) (*model.Submission, error) {
	if skip, _ := ctx.Value(skipCacheKey{}).(bool); skip {
		return s.SubmissionStore.Get(ctx, id)
	}
	entry := cache.Entry[*model.Submission]{
		Key:     submissionCacheKey(id),
		TTL:     cache.JitterTTL(s.ttl),
		MissTTL: cache.JitterTTL(s.emptyTTL),
		Codec:   cache.JSONCodec[*model.Submission](),
		Missing: func(sub *model.Submission) bool { return sub == nil },
	}
	sub, err := cache.ReadThrough(ctx, s.cache, entry, func(ctx context.Context) (*model.Submission, error) {
		sub, err := s.SubmissionStore.Get(ctx, id)
		if appErr.IsNotFound(err) {
			return nil, nil
		}
		return sub, err
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, notFound(id)
	}
	return sub, nil
}

func (s *cachedStore) Transition(ctx context.Context, id string, from, to model.State, fields model.TransitionFields) error {
	return cache.Invalidate(ctx, s.cache, submissionCacheKey(id), func(ctx context.Context) error {
		return s.SubmissionStore.Transition(ctx, id, from, to, fields)
	})
}

func (s *cachedStore) Create(ctx context.Context, input model.NewSubmission) (*model.Submission, error) {
	sub, err := s.SubmissionStore.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	// Replace a cached "not found" left by an early read.
	_ = cache.Fence(ctx, s.cache, submissionCacheKey(sub.ID))
	return sub, nil
}

func submissionCacheKey(id string) string {
	return submissionCacheKeyPrefix + id
}
