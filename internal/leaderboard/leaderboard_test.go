package leaderboard_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/leaderboard"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
)

type seed struct {
	user  string
	ms    int64
	state model.State
}

func seedStore(t *testing.T, rows []seed) *repository.MemoryStore {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store := repository.NewMemoryStore().WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	for _, row := range rows {
		finish(t, store, row)
	}
	return store
}

func finish(t *testing.T, store repository.SubmissionStore, row seed) *model.Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := store.Create(ctx, model.NewSubmission{
		UserID:    row.user,
		Username:  row.user,
		SourceRef: "submissions/" + row.user + "/main.py",
		Language:  model.LanguagePython,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.state == model.StatePending {
		return sub
	}
	if err := store.Transition(ctx, sub.ID, model.StatePending, model.StateRunning, model.TransitionFields{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if row.state == model.StateRunning {
		return sub
	}
	fields := model.TransitionFields{ExecutionTimeMs: row.ms}
	if row.state != model.StateSuccess {
		fields = model.TransitionFields{FailureReason: "boom"}
	}
	if err := store.Transition(ctx, sub.ID, model.StateRunning, row.state, fields); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return sub
}

var example = []seed{
	{"u1", 1200, model.StateSuccess},
	{"u2", 1100, model.StateSuccess},
	{"u1", 1050, model.StateSuccess},
	{"u3", 900, model.StateFailed},
}

func summary(entries []leaderboard.Entry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.UserID+"@"+strconv.FormatInt(e.ExecutionTimeMs, 10))
	}
	return strings.Join(parts, ",")
}

func TestRankKeepsPersonalBest(t *testing.T) {
	ranker := leaderboard.NewRanker(seedStore(t, example), 0)
	entries, err := ranker.Rank(context.Background(), 0)
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if got := summary(entries); got != "u1@1050,u2@1100" {
		t.Fatalf("Rank() = %s, want u1@1050,u2@1100", got)
	}
	if entries[0].Rank != 1 || entries[1].Rank != 2 {
		t.Fatalf("ranks = %d,%d", entries[0].Rank, entries[1].Rank)
	}
}

func TestRankScanLimitCountsUsersNotSubmissions(t *testing.T) {
	rows := []seed{{"u1", 700, model.StateSuccess}}
	for ms := int64(600); ms < 640; ms++ {
		rows = append(rows, seed{"flood", ms, model.StateSuccess})
	}
	rows = append(rows, seed{"u2", 700, model.StateSuccess}, seed{"u3", 900, model.StateSuccess})
	store := seedStore(t, rows)

	entries, err := leaderboard.NewRanker(store, 3).Rank(context.Background(), 0)
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if got := summary(entries); got != "flood@600,u1@700,u2@700" {
		t.Fatalf("Rank() = %s", got)
	}
}

func TestProjectTieBreaksOnCompletion(t *testing.T) {
	ms := int64(500)
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	subs := []*model.Submission{
		{ID: "b", UserID: "late", State: model.StateSuccess, ExecutionTimeMs: &ms, CompletedAt: &late},
		{ID: "a", UserID: "early", State: model.StateSuccess, ExecutionTimeMs: &ms, CompletedAt: &early},
		{ID: "c", UserID: "pending", State: model.StatePending},
	}
	entries := leaderboard.Project(subs, 1)
	if len(entries) != 1 || entries[0].UserID != "early" {
		t.Fatalf("Project() = %+v", entries)
	}
}

func TestUserHistoryNewestFirst(t *testing.T) {
	store := seedStore(t, []seed{
		{"u1", 1200, model.StateSuccess},
		{"u1", 0, model.StateFailed},
		{"u2", 10, model.StateSuccess},
		{"u1", 0, model.StateError},
	})
	history, err := leaderboard.NewRanker(store, 0).UserHistory(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("UserHistory() error = %v", err)
	}
	var states []string
	for i, sub := range history {
		states = append(states, string(sub.State))
		if i > 0 && history[i-1].CreatedAt.Before(sub.CreatedAt) {
			t.Fatalf("history not ordered by created_at desc")
		}
	}
	if got := strings.Join(states, ","); got != "error,failed,success" {
		t.Fatalf("history states = %s", got)
	}
}

func TestUserStats(t *testing.T) {
	store := seedStore(t, append(example, seed{"u1", 0, model.StateError}))
	stats, err := leaderboard.NewRanker(store, 0).UserStats(context.Background(), "u1")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}
	if stats.Total != 3 || stats.ByState[model.StateSuccess] != 2 || stats.ByState[model.StateError] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.PersonalBestMs == nil || *stats.PersonalBestMs != 1050 {
		t.Fatalf("personal best = %v", stats.PersonalBestMs)
	}
	if stats.Rank == nil || *stats.Rank != 1 {
		t.Fatalf("rank = %v", stats.Rank)
	}

	unranked, err := leaderboard.NewRanker(store, 0).UserStats(context.Background(), "u3")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}
	if unranked.Rank != nil || unranked.PersonalBestMs != nil || unranked.ByState[model.StateFailed] != 1 {
		t.Fatalf("u3 stats = %+v", unranked)
	}
}

func newCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServiceCachesUntilTerminalEvent(t *testing.T) {
	store := seedStore(t, example)
	svc := leaderboard.NewService(store, newCache(t), nil, leaderboard.Config{})
	ctx := context.Background()

	first, err := svc.Rank(ctx, 0)
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if summary(first) != "u1@1050,u2@1100" {
		t.Fatalf("Rank() = %s", summary(first))
	}

	sub := finish(t, store, seed{"u3", 800, model.StateSuccess})
	cached, _ := svc.Rank(ctx, 0)
	if summary(cached) != "u1@1050,u2@1100" {
		t.Fatalf("cached Rank() = %s", summary(cached))
	}

	if err := svc.OnTerminal(ctx, model.TerminalEvent{SubmissionID: sub.ID, UserID: "u3", State: model.StateSuccess}); err != nil {
		t.Fatalf("OnTerminal() error = %v", err)
	}
	fresh, _ := svc.Rank(ctx, 2)
	if summary(fresh) != "u3@800,u1@1050" {
		t.Fatalf("Rank() after event = %s", summary(fresh))
	}
}

// pausingQueries holds its first Query after reading, until released.
type pausingQueries struct {
	repository.SubmissionStore
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausingQueries) Query(ctx context.Context, q model.Query) ([]*model.Submission, error) {
	subs, err := p.SubmissionStore.Query(ctx, q)
	p.once.Do(func() {
		close(p.loaded)
		<-p.release
	})
	return subs, err
}

func TestServiceSlowRankCannotCacheOverTerminalEvent(t *testing.T) {
	store := seedStore(t, example)
	paused := &pausingQueries{SubmissionStore: store, loaded: make(chan struct{}), release: make(chan struct{})}
	svc := leaderboard.NewService(paused, newCache(t), nil, leaderboard.Config{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Rank(ctx, 0)
		done <- err
	}()

	<-paused.loaded
	sub := finish(t, store, seed{"u3", 800, model.StateSuccess})
	if err := svc.OnTerminal(ctx, model.TerminalEvent{SubmissionID: sub.ID, UserID: "u3", State: model.StateSuccess}); err != nil {
		t.Fatalf("OnTerminal() error = %v", err)
	}
	close(paused.release)
	if err := <-done; err != nil {
		t.Fatalf("slow Rank() error = %v", err)
	}

	fresh, err := svc.Rank(ctx, 2)
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if summary(fresh) != "u3@800,u1@1050" {
		t.Fatalf("Rank() after event = %s", summary(fresh))
	}
}

func TestServiceEmptyRanking(t *testing.T) {
	svc := leaderboard.NewService(repository.NewMemoryStore(), newCache(t), nil, leaderboard.Config{})
	entries, err := svc.Rank(context.Background(), 5)
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("Rank() = %#v, want empty slice", entries)
	}
}

func TestHubStreamsSnapshots(t *testing.T) {
	store := seedStore(t, example)
	hub := leaderboard.NewHub()
	svc := leaderboard.NewService(store, nil, hub, leaderboard.Config{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot, err := svc.Snapshot(r.Context())
		if err != nil {
			t.Errorf("snapshot: %v", err)
			return
		}
		_ = hub.Serve(w, r, snapshot)
	}))
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() leaderboard.Snapshot {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var snap leaderboard.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			t.Fatalf("read: %v", err)
		}
		return snap
	}
	if got := summary(read().Entries); got != "u1@1050,u2@1100" {
		t.Fatalf("initial snapshot = %s", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sub := finish(t, store, seed{"u2", 1000, model.StateSuccess})
	if err := svc.OnTerminal(context.Background(), model.TerminalEvent{SubmissionID: sub.ID, UserID: "u2", State: model.StateSuccess}); err != nil {
		t.Fatalf("OnTerminal() error = %v", err)
	}
	if got := summary(read().Entries); got != "u2@1000,u1@1050" {
		t.Fatalf("pushed snapshot = %s", got)
	}
}
