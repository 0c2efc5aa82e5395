package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type store interface {
	SessionStore
	LeaderboardStore
	AchievementStore
	TransferStore
}

type fakeSocket struct {
	closed atomic.Bool
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type harness struct {
	t     *testing.T
	mem   *repository.MemoryGateway
	reg   *Registry
	hub   *Broadcaster
	sm    *SessionManager
	ach   *Achievements
	lb    *Leaderboard
	tr    *Transfers
	clock *testClock
}

type harnessOpts struct {
	store        store
	criticalWait time.Duration
	maxMembers   int
	lbMaxLimit   int
	cache        LeaderboardCache
}

type testClock struct {
	now atomic.Int64
}

func newTestClock(start time.Time) *testClock {
	c := &testClock{}
	c.now.Store(start.UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.now.Load()).UTC() }

func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	mem := repository.NewMemoryGateway()
	var st store = mem
	if opts.store != nil {
		st = opts.store
	}
	if opts.criticalWait == 0 {
		opts.criticalWait = 100 * time.Millisecond
	}
	if opts.maxMembers == 0 {
		opts.maxMembers = 16
	}
	if opts.lbMaxLimit == 0 {
		opts.lbMaxLimit = 100
	}

	clock := newTestClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	reg := NewRegistry(log)
	hub := NewBroadcaster(32, opts.criticalWait, reg, log)
	sm := NewSessionManager(st, reg, hub, SessionOptions{
		DefaultMaxMembers: 4,
		MaxMembersLimit:   opts.maxMembers,
		IdleThreshold:     24 * time.Hour,
	}, log)
	sm.now = clock.Now
	ach := NewAchievements(st, sm, log)
	lb := NewLeaderboard(st, opts.cache, sm, ach, LeaderboardOptions{DefaultLimit: 10, MaxLimit: opts.lbMaxLimit}, log)
	tr := NewTransfers(st, sm, ach, log)
	t.Cleanup(func() {
		reg.Wait()
		hub.Close()
	})

	return &harness{t: t, mem: mem, reg: reg, hub: hub, sm: sm, ach: ach, lb: lb, tr: tr, clock: clock}
}

// connect binds a fresh connection for name.
func (h *harness) connect(name string, queue int) *Conn {
	h.t.Helper()
	if queue == 0 {
		queue = 256
	}
	c := NewConn(name, &fakeSocket{}, ConnOptions{QueueSize: queue})
	require.NoError(h.t, h.reg.Bind(context.Background(), c))
	return c
}

func (h *harness) flush(sessionID string) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.hub.Flush(ctx, sessionID))
}

type wireEvent struct {
	Type      model.EventType `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Origin    string          `json:"origin"`
	Data      json.RawMessage `json:"data"`
}

// drain pops every frame currently queued on c.
func drain(t *testing.T, c *Conn) []wireEvent {
	t.Helper()
	var out []wireEvent
	for c.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		f, err := c.Next(ctx)
		cancel()
		require.NoError(t, err)
		var ev wireEvent
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		out = append(out, ev)
	}
	return out
}

func payload[T any](t *testing.T, ev wireEvent) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func types(evs []wireEvent) []model.EventType {
	out := make([]model.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
