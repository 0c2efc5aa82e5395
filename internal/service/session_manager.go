package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultMode = "standard"

// SessionStore is the part of the persistence gateway the session manager uses.
type SessionStore interface {
	CreateSession(ctx context.Context, game model.ActiveGame, host model.GamePlayer) error
	AddMember(ctx context.Context, m model.GamePlayer) error
	RemoveMember(ctx context.Context, gameID, username string) error
	SetReady(ctx context.Context, gameID, username string, ready bool) error
	SetHost(ctx context.Context, gameID, username string) error
	CloseSession(ctx context.Context, gameID string, history model.GameSession) error
	DeleteInactiveSessions(ctx context.Context, cutoff time.Time) ([]string, error)
	ActiveSessions(ctx context.Context) ([]model.ActiveGame, error)
	Members(ctx context.Context, gameID string) ([]model.GamePlayer, error)
	TouchPlayer(ctx context.Context, username string, at time.Time) error
	SavePosition(ctx context.Context, username string, x, y float64, at time.Time) error
	PlayerByName(ctx context.Context, username string) (model.Player, error)
}

// Publisher delivers session events to connections.
type Publisher interface {
	Publish(sessionID string, ev model.Event, recipients []*Conn) error
	CloseSession(sessionID string)
}

// SessionOptions are the session limits from config.
type SessionOptions struct {
	DefaultMaxMembers int
	MaxMembersLimit   int
	IdleThreshold     time.Duration
}

// session is one game session. Its state is either active or inactive.
type session struct {
	mu           sync.Mutex
	id           string
	mode         string
	maxMembers   int
	createdAt    time.Time
	participants map[string]struct{} // everyone who was ever a member
	state        sessionState
}

type sessionState interface{ sessionState() }

type activeState struct {
	host    string
	members []*member // join order
}

type inactiveState struct {
	closedAt time.Time
}

func (*activeState) sessionState()   {}
func (*inactiveState) sessionState() {}

type member struct {
	username string
	ready    bool
	joinedAt time.Time
}

func (st *activeState) index(username string) int {
	for i, m := range st.members {
		if m.username == username {
			return i
		}
	}
	return -1
}

// SessionManager owns the lifecycle of game sessions and their member sets.
// Lock order: session.mu before SessionManager.mu.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	memberOf map[string]string // principal -> active session id

	store    SessionStore
	registry *Registry
	hub      Publisher
	opts     SessionOptions
	log      *zap.Logger
	now      func() time.Time
}

// NewSessionManager creates a session manager and registers it as the registry listener.
func NewSessionManager(store SessionStore, registry *Registry, hub Publisher, opts SessionOptions, log *zap.Logger) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*session),
		memberOf: make(map[string]string),
		store:    store,
		registry: registry,
		hub:      hub,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	registry.SetListener(m)
	return m
}

func (m *SessionManager) lookup(id string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// reserve records principal as a member of id unless it already belongs to a session.
func (m *SessionManager) reserve(principal, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.memberOf[principal]; ok {
		if cur == id {
			return errs.ErrAlreadyMember
		}
		return fmt.Errorf("%s already belongs to session %s: %w", principal, cur, errs.ErrConflict)
	}
	m.memberOf[principal] = id
	return nil
}

func (m *SessionManager) release(principal, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberOf[principal] == id {
		delete(m.memberOf, principal)
	}
}

// MemberSessionOf returns the active session principal belongs to.
func (m *SessionManager) MemberSessionOf(principal string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.memberOf[principal]
	return id, ok
}

// IsMember reports whether principal is a member of the active session id.
func (m *SessionManager) IsMember(id, principal string) bool {
	cur, ok := m.MemberSessionOf(principal)
	return ok && cur == id
}

// recipientsLocked resolves live connections of the members, skipping exclude.
func (m *SessionManager) recipientsLocked(st *activeState, exclude string) []*Conn {
	out := make([]*Conn, 0, len(st.members))
	for _, mb := range st.members {
		if mb.username == exclude {
			continue
		}
		if c, ok := m.registry.Lookup(mb.username); ok {
			out = append(out, c)
		}
	}
	return out
}

func (m *SessionManager) publishLocked(s *session, st *activeState, ev model.Event, exclude string) {
	if err := m.hub.Publish(s.id, ev, m.recipientsLocked(st, exclude)); err != nil {
		m.log.Warn("publish failed",
			zap.String("session_id", s.id),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (m *SessionManager) attach(principal, id string) {
	if c, ok := m.registry.Lookup(principal); ok {
		c.SetSession(id)
	}
}

func (m *SessionManager) detach(principal, id string) {
	if c, ok := m.registry.Lookup(principal); ok && c.SessionID() == id {
		c.SetSession("")
	}
}

// Create opens a session hosted by host. requestedID may be empty.
func (m *SessionManager) Create(ctx context.Context, host, mode string, maxMembers int, requestedID string) (*model.Session, error) {
	if host == "" {
		return nil, errs.ErrUnauthorized
	}
	if maxMembers == 0 {
		maxMembers = m.opts.DefaultMaxMembers
	}
	if maxMembers < 1 || maxMembers > m.opts.MaxMembersLimit {
		return nil, errs.Invalid("max_players must be within [1, %d]", m.opts.MaxMembersLimit)
	}
	id := strings.TrimSpace(requestedID)
	switch {
	case id == "":
		id = uuid.New().String()
	case strings.EqualFold(id, model.GlobalScope().String()):
		return nil, errs.Invalid("session id %q is reserved", id)
	case len(id) > 255:
		return nil, errs.Invalid("session id too long")
	}
	mode = strings.TrimSpace(mode)
	if mode == "" {
		mode = defaultMode
	}

	now := m.now()
	s := &session{
		id:           id,
		mode:         mode,
		maxMembers:   maxMembers,
		createdAt:    now,
		participants: map[string]struct{}{host: {}},
	}
	st := &activeState{host: host, members: []*member{{username: host, joinedAt: now}}}
	s.state = st

	// The session is locked before it becomes visible.
	s.mu.Lock()
	defer s.mu.Unlock()
	m.mu.Lock()
	if cur, ok := m.memberOf[host]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s already belongs to session %s: %w", host, cur, errs.ErrConflict)
	}
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", id, errs.ErrConflict)
	}
	m.sessions[id] = s
	m.memberOf[host] = id
	m.mu.Unlock()

	err := m.store.CreateSession(ctx,
		model.ActiveGame{GameID: id, HostUsername: host, GameMode: mode, MaxPlayers: maxMembers, IsActive: true, CreatedAt: now},
		model.GamePlayer{GameID: id, Username: host, JoinedAt: now},
	)
	if err != nil {
		s.state = &inactiveState{closedAt: now}
		m.mu.Lock()
		delete(m.sessions, id)
		if m.memberOf[host] == id {
			delete(m.memberOf, host)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.attach(host, id)
	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerJoined,
		Origin: host,
		Data:   model.PlayerPayload{Username: host},
	}, "")
	m.log.Info("session created",
		zap.String("session_id", id),
		zap.String("host", host),
		zap.String("mode", mode),
		zap.Int("max_players", maxMembers))
	return s.viewLocked(), nil
}

// Join adds principal to the active session id.
func (m *SessionManager) Join(ctx context.Context, id, principal string) (*model.Session, error) {
	if principal == "" {
		return nil, errs.ErrUnauthorized
	}
	s := m.lookup(id)
	if s == nil {
		return nil, errs.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	if st.index(principal) >= 0 {
		return nil, errs.ErrAlreadyMember
	}
	if len(st.members) >= s.maxMembers {
		return nil, fmt.Errorf("session %s (%d/%d): %w", id, len(st.members), s.maxMembers, errs.ErrSessionFull)
	}
	if err := m.reserve(principal, id); err != nil {
		return nil, err
	}

	now := m.now()
	if err := m.store.AddMember(ctx, model.GamePlayer{GameID: id, Username: principal, JoinedAt: now}); err != nil {
		m.release(principal, id)
		return nil, err
	}
	st.members = append(st.members, &member{username: principal, joinedAt: now})
	s.participants[principal] = struct{}{}

	m.attach(principal, id)
	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerJoined,
		Origin: principal,
		Data:   model.PlayerPayload{Username: principal},
	}, "")
	m.log.Info("player joined",
		zap.String("session_id", id),
		zap.String("username", principal),
		zap.Int("members", len(st.members)))
	return s.viewLocked(), nil
}

// Leave removes principal from session id. Leaving a session one is not a
// member of, or one that is already inactive, is a no-op.
func (m *SessionManager) Leave(ctx context.Context, id, principal string) error {
	return m.leave(ctx, id, principal, model.LeaveReasonLeft)
}

func (m *SessionManager) leave(ctx context.Context, id, principal, reason string) error {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok {
		return nil
	}
	i := st.index(principal)
	if i < 0 {
		return nil
	}
	st.members = append(st.members[:i], st.members[i+1:]...)
	m.release(principal, id)
	m.detach(principal, id)

	if err := m.store.RemoveMember(ctx, id, principal); err != nil {
		m.log.Error("remove member failed",
			zap.String("session_id", id),
			zap.String("username", principal),
			zap.Error(err))
	}
	m.log.Info("player left",
		zap.String("session_id", id),
		zap.String("username", principal),
		zap.String("reason", reason))

	if len(st.members) == 0 {
		m.closeLocked(ctx, s, reason)
		return nil
	}

	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerLeft,
		Origin: principal,
		Data:   model.PlayerPayload{Username: principal, Reason: reason},
	}, "")

	if st.host == principal {
		st.host = st.members[0].username
		if err := m.store.SetHost(ctx, id, st.host); err != nil {
			m.log.Error("set host failed", zap.String("session_id", id), zap.Error(err))
		}
		m.publishLocked(s, st, model.Event{
			Type: model.EventHostChanged,
			Data: model.PlayerPayload{Username: st.host},
		}, "")
		m.log.Info("host promoted", zap.String("session_id", id), zap.String("host", st.host))
	}
	return nil
}

// closeLocked marks s inactive and appends its history row.
func (m *SessionManager) closeLocked(ctx context.Context, s *session, reason string) {
	now := m.now()
	s.state = &inactiveState{closedAt: now}
	history := model.GameSession{
		CreatedAt:       s.createdAt,
		EndedAt:         now,
		DurationSeconds: int(now.Sub(s.createdAt).Seconds()),
		TotalPlayers:    len(s.participants),
		GameMode:        s.mode,
	}
	if err := m.store.CloseSession(ctx, s.id, history); err != nil {
		m.log.Error("close session failed", zap.String("session_id", s.id), zap.Error(err))
	}
	m.hub.CloseSession(s.id)
	m.log.Info("session closed",
		zap.String("session_id", s.id),
		zap.String("reason", reason),
		zap.Int("participants", len(s.participants)))
}

// SetReady records the ready flag of a member.
func (m *SessionManager) SetReady(ctx context.Context, id, principal string, ready bool) error {
	s := m.lookup(id)
	if s == nil {
		return errs.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok {
		return errs.ErrSessionNotFound
	}
	i := st.index(principal)
	if i < 0 {
		return fmt.Errorf("%s is not a member of %s: %w", principal, id, errs.ErrNotFound)
	}
	if err := m.store.SetReady(ctx, id, principal, ready); err != nil {
		return err
	}
	st.members[i].ready = ready
	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerReadyChanged,
		Origin: principal,
		Data:   model.ReadyPayload{Username: principal, Ready: ready},
	}, "")
	return nil
}

// Terminate closes session id on behalf of its host.
func (m *SessionManager) Terminate(ctx context.Context, id, principal string) error {
	s := m.lookup(id)
	if s == nil {
		return errs.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok {
		return errs.ErrSessionNotFound
	}
	if st.host != principal {
		return fmt.Errorf("only the host can close session %s: %w", id, errs.ErrForbidden)
	}
	m.publishLocked(s, st, model.Event{
		Type:   model.EventSessionClosed,
		Origin: principal,
		Data:   model.SessionClosedPayload{SessionID: id, Reason: model.LeaveReasonTerminated},
	}, "")
	for _, mb := range st.members {
		m.release(mb.username, id)
		m.detach(mb.username, id)
	}
	st.members = nil
	m.closeLocked(ctx, s, model.LeaveReasonTerminated)
	return nil
}

// Broadcast relays a gameplay event from origin to the members of session id.
func (m *SessionManager) Broadcast(id, origin string, ev model.Event, excludeOrigin bool) error {
	s := m.lookup(id)
	if s == nil {
		return errs.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok {
		return errs.ErrSessionNotFound
	}
	if origin != model.OriginServer && st.index(origin) < 0 {
		return fmt.Errorf("%s is not a member of %s: %w", origin, id, errs.ErrForbidden)
	}
	ev.Origin = origin
	exclude := ""
	if excludeOrigin {
		exclude = origin
	}
	return m.hub.Publish(id, ev, m.recipientsLocked(st, exclude))
}

// Profile returns the stored player row of username with its live presence.
func (m *SessionManager) Profile(ctx context.Context, username string) (*model.PlayerProfile, error) {
	p, err := m.store.PlayerByName(ctx, username)
	if err != nil {
		return nil, err
	}
	out := &model.PlayerProfile{
		Username:  p.Username,
		X:         p.X,
		Y:         p.Y,
		Score:     p.Score,
		Inventory: p.Inventory,
		LastLogin: p.LastLogin,
		CreatedAt: p.CreatedAt,
	}
	if out.Inventory == nil {
		out.Inventory = map[string]int{}
	}
	_, out.Online = m.registry.Lookup(username)
	out.SessionID, _ = m.MemberSessionOf(username)
	return out, nil
}

// Move persists the position of principal and relays it to the other members
// of its session. Persistence failures are only logged.
func (m *SessionManager) Move(ctx context.Context, principal string, x, y float64, direction string) error {
	if err := m.store.SavePosition(ctx, principal, x, y, m.now()); err != nil {
		m.log.Warn("save position failed", zap.String("username", principal), zap.Error(err))
	}
	id, ok := m.MemberSessionOf(principal)
	if !ok {
		return nil
	}
	return m.Broadcast(id, principal, model.Event{
		Type: model.EventPlayerMoved,
		Data: model.MovePayload{Username: principal, X: x, Y: y, Direction: direction},
	}, true)
}

// Chat relays a chat line to every member of principal's session, sender included.
func (m *SessionManager) Chat(principal, text string) error {
	id, ok := m.MemberSessionOf(principal)
	if !ok {
		return errs.Invalid("not in a session")
	}
	now := m.now()
	return m.Broadcast(id, principal, model.Event{
		Type:      model.EventChatMessage,
		Timestamp: now,
		Data:      model.ChatPayload{Username: principal, Text: text, Timestamp: now},
	}, false)
}

// Bound attaches a fresh connection to the principal's session. A reconnect
// is announced as player_left followed by player_joined.
func (m *SessionManager) Bound(ctx context.Context, principal string, conn, replaced *Conn) {
	if err := m.store.TouchPlayer(ctx, principal, m.now()); err != nil {
		m.log.Warn("touch player failed", zap.String("username", principal), zap.Error(err))
	}
	id, ok := m.MemberSessionOf(principal)
	if !ok {
		return
	}
	s := m.lookup(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.(*activeState)
	if !ok || st.index(principal) < 0 {
		return
	}
	conn.SetSession(id)
	if replaced == nil {
		return
	}
	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerLeft,
		Origin: principal,
		Data:   model.PlayerPayload{Username: principal, Reason: model.LeaveReasonReconnect},
	}, principal)
	m.publishLocked(s, st, model.Event{
		Type:   model.EventPlayerJoined,
		Origin: principal,
		Data:   model.PlayerPayload{Username: principal},
	}, "")
}

// Unbound runs leave processing for a principal whose connection went away.
func (m *SessionManager) Unbound(ctx context.Context, principal string, _ *Conn, reason string) {
	id, ok := m.MemberSessionOf(principal)
	if !ok {
		return
	}
	if reason == "" {
		reason = model.LeaveReasonDisconnect
	}
	_ = m.leave(ctx, id, principal, reason)
}

// List returns active sessions, newest first.
func (m *SessionManager) List() []model.SessionSummary {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]model.SessionSummary, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		if st, ok := s.state.(*activeState); ok {
			out = append(out, model.SessionSummary{
				ID:          s.id,
				Host:        st.host,
				Mode:        s.mode,
				MaxPlayers:  s.maxMembers,
				PlayerCount: len(st.members),
				CreatedAt:   s.createdAt,
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the current view of session id, active or inactive.
func (m *SessionManager) Get(id string) (*model.Session, error) {
	s := m.lookup(id)
	if s == nil {
		return nil, errs.ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(), nil
}

func (s *session) viewLocked() *model.Session {
	v := &model.Session{
		ID:         s.id,
		Mode:       s.mode,
		MaxPlayers: s.maxMembers,
		CreatedAt:  s.createdAt,
		Members:    []model.Member{},
	}
	switch st := s.state.(type) {
	case *activeState:
		v.Status = model.SessionStatusActive
		v.Host = st.host
		for _, mb := range st.members {
			v.Members = append(v.Members, model.Member{
				Username: mb.username,
				Ready:    mb.ready,
				Host:     mb.username == st.host,
				JoinedAt: mb.joinedAt,
			})
		}
	case *inactiveState:
		v.Status = model.SessionStatusInactive
		closedAt := st.closedAt
		v.ClosedAt = &closedAt
	}
	return v
}

// Recover closes sessions persisted as active that this process does not
// know, which happens after a crash. It returns how many were closed.
func (m *SessionManager) Recover(ctx context.Context) (int, error) {
	games, err := m.store.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, g := range games {
		if m.lookup(g.GameID) != nil {
			continue
		}
		members, err := m.store.Members(ctx, g.GameID)
		if err != nil {
			return closed, err
		}
		now := m.now()
		total := len(members)
		if total == 0 {
			total = 1
		}
		err = m.store.CloseSession(ctx, g.GameID, model.GameSession{
			CreatedAt:       g.CreatedAt,
			EndedAt:         now,
			DurationSeconds: int(now.Sub(g.CreatedAt).Seconds()),
			TotalPlayers:    total,
			GameMode:        g.GameMode,
		})
		if err != nil {
			return closed, err
		}
		closed++
	}
	if closed > 0 {
		m.log.Info("orphaned sessions closed", zap.Int("count", closed))
	}
	return closed, nil
}

// Sweep deletes inactive sessions idle for longer than the idle threshold.
// Active sessions are never touched.
func (m *SessionManager) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-m.opts.IdleThreshold)
	ids, err := m.store.DeleteInactiveSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.mu.Lock()
		if st, ok := s.state.(*inactiveState); ok && st.closedAt.Before(cutoff) {
			m.mu.Lock()
			if m.sessions[s.id] == s {
				delete(m.sessions, s.id)
			}
			m.mu.Unlock()
		}
		s.mu.Unlock()
	}
	if len(ids) > 0 {
		m.log.Info("inactive sessions swept", zap.Int("count", len(ids)), zap.Time("cutoff", cutoff))
	}
	return len(ids), nil
}
