package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func moved(origin, data string) Frame {
	return Frame{Type: model.EventPlayerMoved, Origin: origin, Data: []byte(data)}
}

func chat(origin, data string) Frame {
	return Frame{Type: model.EventChatMessage, Origin: origin, Data: []byte(data)}
}

func popAll(t *testing.T, c *Conn) []string {
	t.Helper()
	var out []string
	for c.Len() > 0 {
		f, err := c.Next(context.Background())
		require.NoError(t, err)
		out = append(out, string(f.Data))
	}
	return out
}

func TestConn_CoalescesMovesFromSameOrigin(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 8})

	require.NoError(t, c.Enqueue(moved("alice", "a1"), 0))
	require.NoError(t, c.Enqueue(chat("alice", "hi"), 0))
	require.NoError(t, c.Enqueue(moved("carol", "c1"), 0))
	require.NoError(t, c.Enqueue(moved("alice", "a2"), 0))

	assert.Equal(t, []string{"hi", "c1", "a2"}, popAll(t, c))
	assert.EqualValues(t, 1, c.Dropped())
}

func TestConn_CoalescedMoveKeepsPublishOrder(t *testing.T) {
	c := NewConn("carol", &fakeSocket{}, ConnOptions{QueueSize: 4})

	require.NoError(t, c.Enqueue(moved("bob", "seq1"), 0))
	require.NoError(t, c.Enqueue(chat("alice", "seq2"), 0))
	require.NoError(t, c.Enqueue(moved("bob", "seq3"), 0))

	assert.Equal(t, []string{"seq2", "seq3"}, popAll(t, c))
}

func TestConn_FullQueueDropsOldestDroppable(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 2})

	require.NoError(t, c.Enqueue(moved("alice", "a1"), 0))
	require.NoError(t, c.Enqueue(moved("carol", "c1"), 0))
	require.NoError(t, c.Enqueue(moved("dave", "d1"), 0))

	assert.Equal(t, []string{"c1", "d1"}, popAll(t, c))
	assert.EqualValues(t, 1, c.Dropped())
}

func TestConn_CriticalTakesSlotOfDroppable(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 2})

	require.NoError(t, c.Enqueue(moved("alice", "a1"), 0))
	require.NoError(t, c.Enqueue(chat("alice", "first"), 0))
	require.NoError(t, c.Enqueue(chat("alice", "second"), 0))

	assert.Equal(t, []string{"first", "second"}, popAll(t, c))
}

func TestConn_DroppableDiscardedWhenQueueHoldsOnlyCritical(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1})

	require.NoError(t, c.Enqueue(chat("alice", "hi"), 0))
	require.NoError(t, c.Enqueue(moved("alice", "a1"), 0))

	assert.Equal(t, []string{"hi"}, popAll(t, c))
	assert.EqualValues(t, 1, c.Dropped())
}

func TestConn_CriticalBackpressure(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1})
	require.NoError(t, c.Enqueue(chat("alice", "one"), 0))

	assert.ErrorIs(t, c.Enqueue(chat("alice", "two"), 0), errs.ErrBackpressure)

	start := time.Now()
	err := c.Enqueue(chat("alice", "two"), 30*time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrBackpressure)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestConn_CriticalWaitsForFreedSlot(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1})
	require.NoError(t, c.Enqueue(chat("alice", "one"), 0))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_, _ = c.Next(context.Background())
	}()

	require.NoError(t, c.Enqueue(chat("alice", "two"), time.Second))
	wg.Wait()
	assert.Equal(t, []string{"two"}, popAll(t, c))
}

func TestConn_Close(t *testing.T) {
	sock := &fakeSocket{}
	c := NewConn("bob", sock, ConnOptions{QueueSize: 1})
	require.NoError(t, c.Enqueue(chat("alice", "one"), 0))

	done := make(chan error, 1)
	go func() { done <- c.Enqueue(chat("alice", "two"), 5*time.Second) }()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, sock.closed.Load())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue not released by Close")
	}
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, errs.ErrConnClosed)
	assert.ErrorIs(t, c.Enqueue(moved("alice", "a"), 0), errs.ErrConnClosed)
}

func TestConn_NextHonoursContext(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_PositionRateLimit(t *testing.T) {
	c := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1, PositionRate: 1, PositionBurst: 2})
	assert.True(t, c.AllowPosition())
	assert.True(t, c.AllowPosition())
	assert.False(t, c.AllowPosition())

	unlimited := NewConn("bob", &fakeSocket{}, ConnOptions{QueueSize: 1})
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.AllowPosition())
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			mu.Lock()
			inside[key]++
			n := inside[key]
			mu.Unlock()
			assert.Equal(t, 1, n)
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, k.size())

	unlock := k.LockAll("y", "x", "y")
	assert.Equal(t, 2, k.size())
	unlock()
	assert.Zero(t, k.size())
}
