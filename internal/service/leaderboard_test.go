package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submit(t *testing.T, h *harness, user string, score int, sessionID string) *model.SubmitResult {
	t.Helper()
	res, err := h.lb.SubmitScore(context.Background(), user, model.SubmitScoreRequest{Score: score, SessionID: sessionID})
	require.NoError(t, err)
	return res
}

func TestLeaderboard_ScoresOnlyGoUp(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	submit(t, h, "bob", 200, "")
	submit(t, h, "carol", 150, "")
	submit(t, h, "dave", 120, "")

	res := submit(t, h, "alice", 100, "")
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].Updated)
	assert.Equal(t, "global", res.Outcomes[0].Scope)

	res = submit(t, h, "alice", 80, "")
	assert.False(t, res.Outcomes[0].Updated)
	assert.Equal(t, 100, res.Outcomes[0].Stored.Score)

	res = submit(t, h, "alice", 150, "")
	assert.True(t, res.Outcomes[0].Updated)
	assert.Equal(t, 150, res.Outcomes[0].Stored.Score)

	entry, err := h.lb.RankOf(ctx, "alice", model.GlobalScope())
	require.NoError(t, err)
	assert.Equal(t, 150, entry.Score)
	assert.Equal(t, 2, entry.Rank)

	top, err := h.lb.Top(ctx, model.GlobalScope(), 0)
	require.NoError(t, err)
	require.Len(t, top, 4)
	assert.Equal(t, []int{1, 2, 2, 3}, []int{top[0].Rank, top[1].Rank, top[2].Rank, top[3].Rank})
	assert.Equal(t, "bob", top[0].Username)
	assert.Equal(t, "dave", top[3].Username)

	_, err = h.lb.RankOf(ctx, "nobody", model.GlobalScope())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLeaderboard_RejectsInvalidScores(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	for _, req := range []model.SubmitScoreRequest{
		{Score: 0},
		{Score: -5},
		{Score: 10, WaveReached: -1},
		{Score: 10, SurvivalTime: -1},
	} {
		_, err := h.lb.SubmitScore(ctx, "alice", req)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, "%+v", req)
	}
	_, err := h.lb.SubmitScore(ctx, "", model.SubmitScoreRequest{Score: 1})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = h.lb.SubmitScore(ctx, "alice", model.SubmitScoreRequest{Score: 1, SessionID: "missing"})
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestLeaderboard_SessionScopeWritesBothBoards(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	alice := h.connect("alice", 0)
	_, err := h.sm.Create(ctx, "alice", "", 4, "s1")
	require.NoError(t, err)
	h.flush("s1")
	drain(t, alice)

	res := submit(t, h, "alice", 300, "s1")
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "s1", res.Outcomes[0].Scope)
	assert.Equal(t, "s1", res.Outcomes[0].Stored.SessionID)
	assert.Equal(t, "global", res.Outcomes[1].Scope)

	session, err := h.lb.Top(ctx, model.SessionScope("s1"), 10)
	require.NoError(t, err)
	require.Len(t, session, 1)
	global, err := h.lb.Top(ctx, model.GlobalScope(), 10)
	require.NoError(t, err)
	require.Len(t, global, 1)

	h.flush("s1")
	evs := drain(t, alice)
	require.Equal(t, []model.EventType{model.EventLeaderboardUpdated, model.EventLeaderboardUpdated}, types(evs))
	first := payload[model.LeaderboardPayload](t, evs[0])
	assert.Equal(t, "s1", first.Scope)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, 300, first.Entries[0].Score)
	assert.Equal(t, model.OriginServer, evs[0].Origin)
	assert.Equal(t, "global", payload[model.LeaderboardPayload](t, evs[1]).Scope)
}

func TestLeaderboard_SessionScoreRequiresMembership(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_, err := h.sm.Create(ctx, "alice", "", 4, "s1")
	require.NoError(t, err)

	_, err = h.lb.SubmitScore(ctx, "bob", model.SubmitScoreRequest{Score: 80, SessionID: "s1"})
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = h.lb.RankOf(ctx, "bob", model.GlobalScope())
	assert.ErrorIs(t, err, errs.ErrNotFound, "a rejected submission writes no board")

	submit(t, h, "alice", 40, "s1")
	require.NoError(t, h.sm.Leave(ctx, "s1", "alice"))
	_, err = h.lb.SubmitScore(ctx, "alice", model.SubmitScoreRequest{Score: 90, SessionID: "s1"})
	assert.ErrorIs(t, err, errs.ErrForbidden, "closed session")

	// The global board stays open to everyone.
	submit(t, h, "bob", 80, "")
}

func TestLeaderboard_ConcurrentSubmitsKeepMaximum(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_, err := h.sm.Create(ctx, "alice", "", 4, "s1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			_, err := h.lb.SubmitScore(ctx, "alice", model.SubmitScoreRequest{Score: score, SessionID: "s1"})
			assert.NoError(t, err)
		}(i * 7 % 41)
	}
	wg.Wait()

	for _, scope := range []model.Scope{model.GlobalScope(), model.SessionScope("s1")} {
		entry, err := h.lb.RankOf(ctx, "alice", scope)
		require.NoError(t, err)
		assert.Equal(t, 40, entry.Score, scope.Key())
		top, err := h.lb.Top(ctx, scope, 100)
		require.NoError(t, err)
		assert.Len(t, top, 1, scope.Key())
	}
	assert.Zero(t, h.lb.locks.size())

	p, ok := h.mem.Player("alice")
	require.True(t, ok)
	assert.Equal(t, 40, p.Score)
}

func TestLeaderboard_LimitClamp(t *testing.T) {
	h := newHarness(t, harnessOpts{lbMaxLimit: 3})
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		submit(t, h, fmt.Sprintf("p%02d", i), i*10, "")
	}
	top, err := h.lb.Top(ctx, model.GlobalScope(), 1000)
	require.NoError(t, err)
	assert.Len(t, top, 3)
	assert.Equal(t, "p12", top[0].Username)

	top, err = h.lb.Top(ctx, model.GlobalScope(), 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]model.RankedEntry
	gens        map[string]int64
	invalidated []string
	hits        int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]model.RankedEntry{}, gens: map[string]int64{}}
}

func cacheKey(scope string, limit int) string { return fmt.Sprintf("%s/%d", scope, limit) }

func (c *fakeCache) Top(_ context.Context, scope string, limit int) ([]model.RankedEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(scope, limit)]
	if ok {
		c.hits++
	}
	return e, ok, nil
}

func (c *fakeCache) Generation(_ context.Context, scope string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[scope], nil
}

func (c *fakeCache) StoreTop(_ context.Context, scope string, gen int64, limit int, entries []model.RankedEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[scope] != gen {
		return nil
	}
	c.entries[cacheKey(scope, limit)] = entries
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, scope)
	c.gens[scope]++
	for k := range c.entries {
		if len(k) > len(scope) && k[:len(scope)+1] == scope+"/" {
			delete(c.entries, k)
		}
	}
	return nil
}

func TestLeaderboard_ReadsThroughCache(t *testing.T) {
	cache := newFakeCache()
	h := newHarness(t, harnessOpts{cache: cache})
	ctx := context.Background()
	submit(t, h, "alice", 50, "")

	_, err := h.lb.Top(ctx, model.GlobalScope(), 5)
	require.NoError(t, err)
	top, err := h.lb.Top(ctx, model.GlobalScope(), 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 1, cache.hits)

	submit(t, h, "bob", 70, "")
	top, err = h.lb.Top(ctx, model.GlobalScope(), 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].Username)
	assert.Contains(t, cache.invalidated, "global")

	// A rejected (lower) score leaves the cache alone.
	n := len(cache.invalidated)
	submit(t, h, "bob", 10, "")
	assert.Len(t, cache.invalidated, n)
}

// pausingStore holds the next TopScores call after it read the rows.
type pausingStore struct {
	*repository.MemoryGateway
	pause   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (s *pausingStore) TopScores(ctx context.Context, scope model.Scope, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.MemoryGateway.TopScores(ctx, scope, limit)
	if s.pause.CompareAndSwap(true, false) {
		close(s.read)
		<-s.release
	}
	return rows, err
}

func TestLeaderboard_StaleReadIsNotCached(t *testing.T) {
	cache := newFakeCache()
	st := &pausingStore{
		MemoryGateway: repository.NewMemoryGateway(),
		read:          make(chan struct{}),
		release:       make(chan struct{}),
	}
	h := newHarness(t, harnessOpts{store: st, cache: cache})
	ctx := context.Background()
	submit(t, h, "alice", 50, "")

	st.pause.Store(true)
	done := make(chan []model.RankedEntry, 1)
	go func() {
		top, err := h.lb.Top(ctx, model.GlobalScope(), 5)
		assert.NoError(t, err)
		done <- top
	}()
	<-st.read
	submit(t, h, "bob", 70, "")
	close(st.release)
	assert.Len(t, <-done, 1)

	top, err := h.lb.Top(ctx, model.GlobalScope(), 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bob", top[0].Username)
}

func TestLeaderboard_UnlocksScoreAchievements(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.lb.SubmitScore(ctx, "alice", model.SubmitScoreRequest{Score: 999, SurvivalTime: 599})
	require.NoError(t, err)
	got, err := h.ach.Unlocked(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = h.lb.SubmitScore(ctx, "alice", model.SubmitScoreRequest{Score: 1000, SurvivalTime: 600})
	require.NoError(t, err)
	got, err = h.ach.Unlocked(ctx, "alice")
	require.NoError(t, err)
	names := make([]string, 0, len(got))
	for _, a := range got {
		names = append(names, a.Name)
		assert.NotNil(t, a.UnlockedAt)
	}
	assert.ElementsMatch(t, []string{AchievementScoreMaster, AchievementSurvivor}, names)
}
