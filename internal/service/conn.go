package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Frame is one encoded server event waiting in a connection's outbound queue.
type Frame struct {
	Type   model.EventType
	Origin string
	Data   []byte
}

// ConnOptions configures a connection's outbound queue and inbound limits.
type ConnOptions struct {
	QueueSize     int
	PositionRate  float64 // updates per second, <= 0 disables the limit
	PositionBurst int
}

// Conn is one live client transport bound to a principal. Outbound events go
// through a bounded queue drained by the transport's write pump.
type Conn struct {
	ID        string
	Principal string

	socket  io.Closer
	limiter *rate.Limiter
	size    int

	mu      sync.Mutex
	queue   []Frame
	session string
	space   chan struct{} // closed and replaced whenever a slot frees
	closed  bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewConn wraps socket for principal. Closing the Conn closes the socket.
func NewConn(principal string, socket io.Closer, opts ConnOptions) *Conn {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	limit := rate.Inf
	if opts.PositionRate > 0 {
		limit = rate.Limit(opts.PositionRate)
	}
	burst := opts.PositionBurst
	if burst < 1 {
		burst = 1
	}
	return &Conn{
		ID:        uuid.New().String(),
		Principal: principal,
		socket:    socket,
		limiter:   rate.NewLimiter(limit, burst),
		size:      opts.QueueSize,
		queue:     make([]Frame, 0, opts.QueueSize),
		space:     make(chan struct{}),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session the connection is flipped into, or "".
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// SetSession flips the connection into (or out of, with "") a session.
func (c *Conn) SetSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

// AllowPosition reports whether an inbound position update fits the rate limit.
func (c *Conn) AllowPosition() bool {
	return c.limiter.Allow()
}

// Dropped is the number of droppable frames discarded under backpressure.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Len is the number of queued frames.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Enqueue adds f to the outbound queue.
//
// A droppable frame replaces a queued frame with the same type and origin; the
// stale frame is removed and the new one goes to the tail so queue order
// stays publish order.
// On a full queue it pushes out the oldest queued droppable frame, or is
// discarded itself when there is none; it never blocks.
//
// A critical frame first claims a slot held by a droppable frame. Otherwise it
// waits up to wait for the write pump to free a slot and returns
// ErrBackpressure when none frees in time.
func (c *Conn) Enqueue(f Frame, wait time.Duration) error {
	var deadline <-chan time.Time
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return errs.ErrConnClosed
		}
		if f.Type.Droppable() {
			c.pushDroppableLocked(f)
			c.mu.Unlock()
			c.signal()
			return nil
		}
		if len(c.queue) < c.size || c.evictDroppableLocked() {
			c.queue = append(c.queue, f)
			c.mu.Unlock()
			c.signal()
			return nil
		}
		space := c.space
		c.mu.Unlock()

		if wait <= 0 {
			return errs.ErrBackpressure
		}
		if deadline == nil {
			t := time.NewTimer(wait)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-space:
		case <-deadline:
			return errs.ErrBackpressure
		case <-c.done:
			return errs.ErrConnClosed
		}
	}
}

// Send encodes ev and queues it for this connection only, outside any session order.
func (c *Conn) Send(ev model.Event, wait time.Duration) error {
	if ev.Origin == "" {
		ev.Origin = model.OriginServer
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.Enqueue(Frame{Type: ev.Type, Origin: ev.Origin, Data: data}, wait)
}

func (c *Conn) pushDroppableLocked(f Frame) {
	for i := range c.queue {
		if c.queue[i].Type == f.Type && c.queue[i].Origin == f.Origin {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.queue = append(c.queue, f)
			c.dropped.Add(1)
			return
		}
	}
	if len(c.queue) < c.size || c.evictDroppableLocked() {
		c.queue = append(c.queue, f)
		return
	}
	c.dropped.Add(1)
}

// evictDroppableLocked removes the oldest droppable frame and reports whether one was found.
func (c *Conn) evictDroppableLocked() bool {
	for i := range c.queue {
		if c.queue[i].Type.Droppable() {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.dropped.Add(1)
			return true
		}
	}
	return false
}

func (c *Conn) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a frame is queued and pops it. It returns ErrConnClosed
// once the connection is closed.
func (c *Conn) Next(ctx context.Context) (Frame, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Frame{}, errs.ErrConnClosed
		}
		if len(c.queue) > 0 {
			f := c.queue[0]
			c.queue[0] = Frame{}
			c.queue = c.queue[1:]
			close(c.space)
			c.space = make(chan struct{})
			c.mu.Unlock()
			return f, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
			return Frame{}, errs.ErrConnClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Close stops the queue and closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		if c.socket != nil {
			err = c.socket.Close()
		}
	})
	return err
}
