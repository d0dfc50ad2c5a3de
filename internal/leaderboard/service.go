package leaderboard

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	rankingCacheKey      = "leaderboard:top"
	defaultMaxLimit      = 100
	defaultRankingTTL    = time.Minute
	defaultRankingNilTTL = 10 * time.Second
)

// Config holds leaderboard settings.
type Config struct {
	MaxLimit     int           `yaml:"maxLimit"`
	ScanLimit    int           `yaml:"scanLimit"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
	StoreTimeout time.Duration `yaml:"storeTimeout"`
}

// Snapshot is the message pushed to stream subscribers.
type Snapshot struct {
	Type      string    `json:"type"`
	Entries   []Entry   `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service serves rankings from a Redis cached projection and pushes fresh
// rankings to the hub on every terminal event. Cache and hub are optional.
type Service struct {
	ranker *Ranker
	cache  cache.Cache
	hub    *Hub
	cfg    Config
}

func NewService(store repository.SubmissionStore, cacheClient cache.Cache, hub *Hub, cfg Config) *Service {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = defaultMaxLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultRankingTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	return &Service{
		ranker: NewRanker(store, cfg.ScanLimit),
		cache:  cacheClient,
		hub:    hub,
		cfg:    cfg,
	}
}

// Hub returns the stream hub, or nil.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Rank returns the top limit entries. limit defaults to 20 and is capped at
// MaxLimit.
func (s *Service) Rank(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRankLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	entries, err := s.top(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// UserHistory returns the user's newest submissions.
func (s *Service) UserHistory(ctx context.Context, userID string, limit int) ([]*model.Submission, error) {
	ctxDB, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.ranker.UserHistory(ctxDB, userID, limit)
}

// UserStats returns the user's summary.
func (s *Service) UserStats(ctx context.Context, userID string) (Stats, error) {
	ctxDB, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return s.ranker.UserStats(ctxDB, userID)
}

// OnTerminal fences the cached ranking and pushes a fresh one to the hub.
// A ranking loaded before the event cannot be cached over the fence.
func (s *Service) OnTerminal(ctx context.Context, event model.TerminalEvent) error {
	if s.cache != nil {
		if err := cache.Fence(ctx, s.cache, rankingCacheKey); err != nil {
			logger.Warn(ctx, "invalidate ranking cache failed", zap.Error(err))
		}
	}
	if s.hub == nil || s.hub.Len() == 0 {
		return nil
	}
	payload, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	s.hub.Broadcast(payload)
	logger.Debug(ctx, "ranking pushed",
		zap.String("submission_id", event.SubmissionID),
		zap.String("state", string(event.State)),
		zap.Int("clients", s.hub.Len()))
	return nil
}

// Snapshot encodes the current default ranking for stream subscribers.
func (s *Service) Snapshot(ctx context.Context) ([]byte, error) {
	entries, err := s.Rank(ctx, DefaultRankLimit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Snapshot{Type: "leaderboard", Entries: entries, UpdatedAt: time.Now().UTC()})
}

// top returns the first MaxLimit entries, cached as one key.
func (s *Service) top(ctx context.Context) ([]Entry, error) {
	load := func(ctx context.Context) ([]Entry, error) {
		ctxDB, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		defer cancel()
		return s.ranker.Rank(ctxDB, s.cfg.MaxLimit)
	}
	if s.cache == nil {
		return load(ctx)
	}
	entries, err := cache.ReadThrough(ctx, s.cache, cache.Entry[[]Entry]{
		Key:     rankingCacheKey,
		TTL:     cache.JitterTTL(s.cfg.CacheTTL),
		MissTTL: defaultRankingNilTTL,
		Codec:   cache.JSONCodec[[]Entry](),
		Missing: func(entries []Entry) bool { return len(entries) == 0 },
	}, load)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// ParseLimit reads a limit query value; empty or invalid values yield 0.
func ParseLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
