package service

import (
	"context"
	"sync"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"go.uber.org/zap"
)

// BindListener reacts to registry changes. The session manager implements it.
type BindListener interface {
	// Bound runs after conn became the live connection of principal.
	// replaced is the connection it force-closed, or nil.
	Bound(ctx context.Context, principal string, conn, replaced *Conn)
	// Unbound runs after conn stopped being the live connection of principal.
	Unbound(ctx context.Context, principal string, conn *Conn, reason string)
}

// Registry maps every principal to its single live connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	listener BindListener
	evicting sync.WaitGroup
	log      *zap.Logger
}

// NewRegistry creates an empty connection registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{conns: make(map[string]*Conn), log: log}
}

// SetListener wires the component that handles joins and leaves on bind changes.
func (r *Registry) SetListener(l BindListener) { r.listener = l }

// Bind makes conn the live connection of conn.Principal. A previous connection
// of the same principal is closed before conn is accepted (last writer wins).
func (r *Registry) Bind(ctx context.Context, conn *Conn) error {
	if conn == nil || conn.Principal == "" {
		return errs.ErrUnauthorized
	}
	r.mu.Lock()
	old := r.conns[conn.Principal]
	if old != nil && old != conn {
		// Closed before conn is published: the old pump's Unbind is then a no-op.
		_ = old.Close()
	}
	r.conns[conn.Principal] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		r.log.Info("connection replaced",
			zap.String("username", conn.Principal),
			zap.String("old_conn", old.ID),
			zap.String("conn", conn.ID))
	} else {
		old = nil
		r.log.Info("connection bound", zap.String("username", conn.Principal), zap.String("conn", conn.ID))
	}
	if r.listener != nil {
		r.listener.Bound(ctx, conn.Principal, conn, old)
	}
	return nil
}

// Unbind removes conn if it is still the live connection of its principal and
// closes it. Unbinding a replaced or already removed connection is a no-op.
func (r *Registry) Unbind(ctx context.Context, conn *Conn, reason string) bool {
	if conn == nil {
		return false
	}
	r.mu.Lock()
	cur, ok := r.conns[conn.Principal]
	if !ok || cur != conn {
		r.mu.Unlock()
		_ = conn.Close()
		return false
	}
	delete(r.conns, conn.Principal)
	r.mu.Unlock()

	_ = conn.Close()
	r.log.Info("connection unbound",
		zap.String("username", conn.Principal),
		zap.String("conn", conn.ID),
		zap.String("reason", reason))
	if r.listener != nil {
		r.listener.Unbound(ctx, conn.Principal, conn, reason)
	}
	return true
}

// Evict drops a connection that cannot keep up. Leave processing runs on its
// own goroutine so the caller never waits on session locks.
func (r *Registry) Evict(conn *Conn) {
	r.log.Warn("evicting slow connection",
		zap.String("username", conn.Principal),
		zap.String("conn", conn.ID),
		zap.Uint64("dropped", conn.Dropped()))
	_ = conn.Close()
	r.evicting.Add(1)
	go func() {
		defer r.evicting.Done()
		r.Unbind(context.Background(), conn, model.LeaveReasonEvicted)
	}()
}

// Wait blocks until pending evictions finished their leave processing.
func (r *Registry) Wait() {
	r.evicting.Wait()
}

// Lookup returns the live connection of principal.
func (r *Registry) Lookup(principal string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[principal]
	return c, ok
}

// InSession lists live connections currently flipped into sessionID.
func (r *Registry) InSession(sessionID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for _, c := range r.conns {
		if c.SessionID() == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Conns returns a snapshot of all live connections.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
