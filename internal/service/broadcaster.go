package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"go.uber.org/zap"
)

// Evicter removes connections that cannot keep up with critical events.
type Evicter interface {
	Evict(conn *Conn)
}

// Broadcaster fans events out to session members. Each session gets one worker
// fed by a bounded mailbox, so every recipient sees a session's events in
// publish order.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*fanout
	wg       sync.WaitGroup

	mailbox      int
	criticalWait time.Duration
	evicter      Evicter
	now          func() time.Time
	log          *zap.Logger
}

type fanout struct {
	id      string
	mu      sync.Mutex // held across the mailbox send to keep publishers in seq order
	seq     uint64
	mailbox chan delivery
	closed  bool
}

type delivery struct {
	frame Frame
	to    []*Conn
	ack   chan struct{}
}

// NewBroadcaster creates a hub. criticalWait bounds how long a critical event
// waits for a slot in a recipient's queue before the recipient is evicted.
func NewBroadcaster(mailbox int, criticalWait time.Duration, evicter Evicter, log *zap.Logger) *Broadcaster {
	if mailbox < 1 {
		mailbox = 1
	}
	return &Broadcaster{
		sessions:     make(map[string]*fanout),
		mailbox:      mailbox,
		criticalWait: criticalWait,
		evicter:      evicter,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
}

func (b *Broadcaster) fanoutFor(sessionID string) *fanout {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.sessions[sessionID]
	if !ok {
		f = &fanout{id: sessionID, mailbox: make(chan delivery, b.mailbox)}
		b.sessions[sessionID] = f
		b.wg.Add(1)
		go b.run(f)
	}
	return f
}

// Publish stamps ev with the next sequence number of its session and queues
// it for delivery to recipients. It blocks while the session mailbox is full.
func (b *Broadcaster) Publish(sessionID string, ev model.Event, recipients []*Conn) error {
	if len(recipients) == 0 {
		return nil
	}
	f := b.fanoutFor(sessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errs.ErrSessionNotFound
	}
	f.seq++
	ev.Seq = f.seq
	ev.SessionID = sessionID
	if ev.Origin == "" {
		ev.Origin = model.OriginServer
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	to := append([]*Conn(nil), recipients...)
	f.mailbox <- delivery{frame: Frame{Type: ev.Type, Origin: ev.Origin, Data: data}, to: to}
	return nil
}

// Flush waits until everything published to sessionID so far reached the
// recipients' queues.
func (b *Broadcaster) Flush(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	f, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	ack := make(chan struct{})
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.mailbox <- delivery{ack: ack}
	f.mu.Unlock()
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSession stops the session worker after it drained pending events.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	f, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.mailbox)
	}
	f.mu.Unlock()
}

// Close stops every worker and waits for them.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.CloseSession(id)
	}
	b.wg.Wait()
}

func (b *Broadcaster) run(f *fanout) {
	defer b.wg.Done()
	for d := range f.mailbox {
		if d.ack != nil {
			close(d.ack)
			continue
		}
		b.deliver(f.id, d)
	}
}

func (b *Broadcaster) deliver(sessionID string, d delivery) {
	var wg sync.WaitGroup
	for _, c := range d.to {
		err := c.Enqueue(d.frame, 0)
		if err == nil || !errors.Is(err, errs.ErrBackpressure) {
			continue
		}
		// Slow recipients wait in parallel so a session stalls for at most one wait.
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if err := c.Enqueue(d.frame, b.criticalWait); errors.Is(err, errs.ErrBackpressure) {
				b.log.Warn("critical event not accepted in time",
					zap.String("session_id", sessionID),
					zap.String("username", c.Principal),
					zap.String("type", string(d.frame.Type)))
				if b.evicter != nil {
					b.evicter.Evict(c)
				}
			}
		}(c)
	}
	wg.Wait()
}
