package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Leighthann/codebreak/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, ttl time.Duration) (*LeaderboardCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLeaderboardCache(rdb, ttl), mr
}

func TestLeaderboardCache_RoundTrip(t *testing.T) {
	c, mr := newCache(t, time.Minute)
	ctx := context.Background()

	_, ok, err := c.Top(ctx, "global", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []model.RankedEntry{
		{Rank: 1, Username: "alice", Score: 150, Date: at},
		{Rank: 2, Username: "bob", Score: 100, Date: at},
	}
	gen, err := c.Generation(ctx, "global")
	require.NoError(t, err)
	require.NoError(t, c.StoreTop(ctx, "global", gen, 10, entries))
	require.NoError(t, c.StoreTop(ctx, "global", gen, 1, entries[:1]))

	got, ok, err := c.Top(ctx, "global", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entries, got)

	_, ok, err = c.Top(ctx, "session:s1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists(keyPrefix+"global"))
	assert.Equal(t, time.Minute, mr.TTL(keyPrefix+"global"))

	require.NoError(t, c.Invalidate(ctx, "global"))
	_, ok, err = c.Top(ctx, "global", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaderboardCache_Expires(t *testing.T) {
	c, mr := newCache(t, 30*time.Second)
	ctx := context.Background()
	require.NoError(t, c.StoreTop(ctx, "global", 0, 5, []model.RankedEntry{{Rank: 1, Username: "alice", Score: 1}}))

	mr.FastForward(31 * time.Second)
	_, ok, err := c.Top(ctx, "global", 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaderboardCache_StoreAfterInvalidateIsDropped(t *testing.T) {
	c, _ := newCache(t, time.Minute)
	ctx := context.Background()

	gen, err := c.Generation(ctx, "global")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "global"))
	require.NoError(t, c.StoreTop(ctx, "global", gen, 5, []model.RankedEntry{{Rank: 1, Username: "alice", Score: 50}}))
	_, ok, err := c.Top(ctx, "global", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err = c.Generation(ctx, "global")
	require.NoError(t, err)
	assert.EqualValues(t, 1, gen)
	require.NoError(t, c.StoreTop(ctx, "global", gen, 5, []model.RankedEntry{{Rank: 1, Username: "bob", Score: 70}}))
	got, ok, err := c.Top(ctx, "global", 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", got[0].Username)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(context.Background(), "://nope")
	assert.Error(t, err)
}
