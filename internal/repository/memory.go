package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
)

// defaultAchievements mirrors the catalog seeded by the SQL migrations.
var defaultAchievements = []model.Achievement{
	{AchievementName: "First Blood", Description: "Defeat your first enemy", Points: 10},
	{AchievementName: "Score Master", Description: "Reach a score of 1000", Points: 25},
	{AchievementName: "Survivor", Description: "Survive for 10 minutes", Points: 50},
	{AchievementName: "Resource Hoarder", Description: "Collect 100 resources", Points: 15},
	{AchievementName: "Legendary Collector", Description: "Collect 500 resources", Points: 50},
	{AchievementName: "Victory Royale", Description: "Win your first game", Points: 100},
}

type memberKey struct{ game, user string }

// MemoryGateway keeps the whole persisted state in process memory with the same
// uniqueness rules as the SQL schema. Used with STORE=memory and in tests.
type MemoryGateway struct {
	mu           sync.Mutex
	players      map[string]*model.Player
	games        map[string]*model.ActiveGame
	members      map[memberKey]*model.GamePlayer
	scores       map[string]*model.LeaderboardEntry // username + scope key
	history      map[string]model.GameSession
	achievements []model.Achievement
	unlocks      map[string]model.PlayerAchievement // username + achievement id
	transfers    []model.ResourceTransfer
	nextID       int64
}

// NewMemoryGateway creates an empty store with the default achievement catalog.
func NewMemoryGateway() *MemoryGateway {
	g := &MemoryGateway{
		players: make(map[string]*model.Player),
		games:   make(map[string]*model.ActiveGame),
		members: make(map[memberKey]*model.GamePlayer),
		scores:  make(map[string]*model.LeaderboardEntry),
		history: make(map[string]model.GameSession),
		unlocks: make(map[string]model.PlayerAchievement),
	}
	for _, a := range defaultAchievements {
		g.nextID++
		a.AchievementID = g.nextID
		a.CreatedAt = time.Now().UTC()
		g.achievements = append(g.achievements, a)
	}
	return g
}

func (g *MemoryGateway) id() int64 {
	g.nextID++
	return g.nextID
}

func (g *MemoryGateway) ensurePlayerLocked(username string, at time.Time) *model.Player {
	p, ok := g.players[username]
	if !ok {
		p = &model.Player{Username: username, Inventory: StarterInventory(), LastLogin: &at, CreatedAt: at}
		g.players[username] = p
	}
	return p
}

func scoreKey(username string, scope model.Scope) string {
	return username + "\x00" + scope.Key()
}

// CreateSession inserts the session and the host membership.
func (g *MemoryGateway) CreateSession(_ context.Context, game model.ActiveGame, host model.GamePlayer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.games[game.GameID]; ok {
		return fmt.Errorf("session %q: %w", game.GameID, errs.ErrConflict)
	}
	g.ensurePlayerLocked(game.HostUsername, game.CreatedAt)
	g.games[game.GameID] = &game
	g.members[memberKey{host.GameID, host.Username}] = &host
	return nil
}

// AddMember inserts a membership row for an active session.
func (g *MemoryGateway) AddMember(_ context.Context, m model.GamePlayer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	game, ok := g.games[m.GameID]
	if !ok || !game.IsActive {
		return errs.ErrSessionNotFound
	}
	k := memberKey{m.GameID, m.Username}
	if _, ok := g.members[k]; ok {
		return errs.ErrAlreadyMember
	}
	g.ensurePlayerLocked(m.Username, m.JoinedAt)
	g.members[k] = &m
	return nil
}

// RemoveMember deletes a membership row; deleting a missing row is not an error.
func (g *MemoryGateway) RemoveMember(_ context.Context, gameID, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, memberKey{gameID, username})
	return nil
}

// SetReady updates the ready flag of a membership.
func (g *MemoryGateway) SetReady(_ context.Context, gameID, username string, ready bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[memberKey{gameID, username}]
	if !ok {
		return fmt.Errorf("membership %s/%s: %w", gameID, username, errs.ErrNotFound)
	}
	m.IsReady = ready
	return nil
}

// SetHost records a promoted host.
func (g *MemoryGateway) SetHost(_ context.Context, gameID, username string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if game, ok := g.games[gameID]; ok {
		game.HostUsername = username
	}
	return nil
}

// CloseSession marks the session inactive, drops memberships and appends history once.
func (g *MemoryGateway) CloseSession(_ context.Context, gameID string, history model.GameSession) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	game, ok := g.games[gameID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	game.IsActive = false
	closedAt := history.EndedAt
	game.ClosedAt = &closedAt
	for k := range g.members {
		if k.game == gameID {
			delete(g.members, k)
		}
	}
	if _, done := g.history[gameID]; done {
		return nil
	}
	if history.WinnerUsername == nil {
		if top := g.topLocked(model.SessionScope(gameID), 1); len(top) == 1 {
			winner := top[0].Username
			history.WinnerUsername = &winner
		}
	}
	history.GameID = gameID
	history.SessionID = g.id()
	g.history[gameID] = history
	return nil
}

// DeleteInactiveSessions removes inactive sessions closed (or created) before cutoff.
func (g *MemoryGateway) DeleteInactiveSessions(_ context.Context, cutoff time.Time) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, game := range g.games {
		if game.IsActive {
			continue
		}
		at := game.CreatedAt
		if game.ClosedAt != nil {
			at = *game.ClosedAt
		}
		if !at.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
		delete(g.games, id)
		for k := range g.members {
			if k.game == id {
				delete(g.members, k)
			}
		}
		for k, e := range g.scores {
			if e.GameID != nil && *e.GameID == id {
				delete(g.scores, k)
			}
		}
		kept := g.transfers[:0]
		for _, t := range g.transfers {
			if t.GameID != id {
				kept = append(kept, t)
			}
		}
		g.transfers = kept
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveSessions lists sessions persisted as active, newest first.
func (g *MemoryGateway) ActiveSessions(_ context.Context) ([]model.ActiveGame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.ActiveGame
	for _, game := range g.games {
		if game.IsActive {
			out = append(out, *game)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Members lists persisted memberships of a session in join order.
func (g *MemoryGateway) Members(_ context.Context, gameID string) ([]model.GamePlayer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.GamePlayer
	for k, m := range g.members {
		if k.game == gameID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// Session returns a persisted session row.
func (g *MemoryGateway) Session(gameID string) (model.ActiveGame, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	game, ok := g.games[gameID]
	if !ok {
		return model.ActiveGame{}, false
	}
	return *game, true
}

// History returns the history rows appended so far.
func (g *MemoryGateway) History() []model.GameSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.GameSession, 0, len(g.history))
	for _, h := range g.history {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// TouchPlayer creates the player row if missing and records the login time.
func (g *MemoryGateway) TouchPlayer(_ context.Context, username string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.ensurePlayerLocked(username, at)
	p.LastLogin = &at
	return nil
}

// SavePosition stores the last reported position of a player.
func (g *MemoryGateway) SavePosition(_ context.Context, username string, x, y float64, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.ensurePlayerLocked(username, at)
	p.X, p.Y, p.LastLogin = x, y, &at
	return nil
}

// Player returns a copy of a player row.
func (g *MemoryGateway) Player(username string) (model.Player, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.players[username]
	if !ok {
		return model.Player{}, false
	}
	cp := *p
	cp.Inventory = cloneInventory(p.Inventory)
	return cp, true
}

// PlayerByName returns the player row of username.
func (g *MemoryGateway) PlayerByName(_ context.Context, username string) (model.Player, error) {
	p, ok := g.Player(username)
	if !ok {
		return model.Player{}, errs.ErrPlayerNotFound
	}
	return p, nil
}

// UpsertScore applies the replace-if-higher rule for one (username, scope) key.
func (g *MemoryGateway) UpsertScore(_ context.Context, sub model.ScoreSubmission) (model.LeaderboardEntry, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !sub.Scope.Global() {
		if _, ok := g.games[sub.Scope.SessionID]; !ok {
			return model.LeaderboardEntry{}, false, errs.ErrSessionNotFound
		}
	}
	p := g.ensurePlayerLocked(sub.Username, sub.At)
	k := scoreKey(sub.Username, sub.Scope)
	existing, ok := g.scores[k]
	if ok && sub.Score <= existing.Score {
		return *existing, false, nil
	}
	row := &model.LeaderboardEntry{
		Username:     sub.Username,
		GameID:       sub.Scope.GameID(),
		Score:        sub.Score,
		WaveReached:  sub.WaveReached,
		SurvivalTime: sub.SurvivalTime,
		Date:         sub.At,
	}
	if ok {
		row.ID = existing.ID
	} else {
		row.ID = g.id()
	}
	g.scores[k] = row
	if p.Score < sub.Score {
		p.Score = sub.Score
	}
	return *row, true, nil
}

func (g *MemoryGateway) topLocked(scope model.Scope, limit int) []model.LeaderboardEntry {
	var rows []model.LeaderboardEntry
	for _, e := range g.scores {
		if inScope(e, scope) {
			rows = append(rows, *e)
		}
	}
	sortEntries(rows)
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func inScope(e *model.LeaderboardEntry, scope model.Scope) bool {
	if scope.Global() {
		return e.GameID == nil
	}
	return e.GameID != nil && *e.GameID == scope.SessionID
}

// TopScores returns the best rows of a scope.
func (g *MemoryGateway) TopScores(_ context.Context, scope model.Scope, limit int) ([]model.LeaderboardEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topLocked(scope, limit), nil
}

// ScoreOf returns the stored row for one key.
func (g *MemoryGateway) ScoreOf(_ context.Context, username string, scope model.Scope) (model.LeaderboardEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.scores[scoreKey(username, scope)]
	if !ok {
		return model.LeaderboardEntry{}, fmt.Errorf("leaderboard entry %s/%s: %w", username, scope.Key(), errs.ErrNotFound)
	}
	return *e, nil
}

// CountScoresAbove counts distinct scores strictly greater than score in a scope.
func (g *MemoryGateway) CountScoresAbove(_ context.Context, scope model.Scope, score int) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[int]struct{})
	for _, e := range g.scores {
		if inScope(e, scope) && e.Score > score {
			seen[e.Score] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

// Achievements returns the catalog.
func (g *MemoryGateway) Achievements(_ context.Context) ([]model.Achievement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Achievement(nil), g.achievements...), nil
}

// AchievementByName looks up a catalog entry.
func (g *MemoryGateway) AchievementByName(_ context.Context, name string) (model.Achievement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.achievements {
		if a.AchievementName == name {
			return a, nil
		}
	}
	return model.Achievement{}, fmt.Errorf("achievement %q: %w", name, errs.ErrNotFound)
}

// UnlockAchievement inserts the unlock row unless it exists.
func (g *MemoryGateway) UnlockAchievement(_ context.Context, username string, achievementID int64, at time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := fmt.Sprintf("%s\x00%d", username, achievementID)
	if _, ok := g.unlocks[k]; ok {
		return false, nil
	}
	g.ensurePlayerLocked(username, at)
	g.unlocks[k] = model.PlayerAchievement{ID: g.id(), Username: username, AchievementID: achievementID, UnlockedAt: at}
	return true, nil
}

// PlayerAchievements lists unlock rows of a player.
func (g *MemoryGateway) PlayerAchievements(_ context.Context, username string) ([]model.PlayerAchievement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.PlayerAchievement
	for _, u := range g.unlocks {
		if u.Username == username {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Inventory returns the inventory of a player.
func (g *MemoryGateway) Inventory(_ context.Context, username string) (map[string]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.players[username]
	if !ok {
		return StarterInventory(), nil
	}
	return cloneInventory(p.Inventory), nil
}

// AddResources credits collected resources to a player.
func (g *MemoryGateway) AddResources(_ context.Context, username, resource string, amount int, at time.Time) (map[string]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.ensurePlayerLocked(username, at)
	p.Inventory[resource] += amount
	return cloneInventory(p.Inventory), nil
}

// TransferResource moves resources between two players and records the transfer.
func (g *MemoryGateway) TransferResource(_ context.Context, t model.ResourceTransfer) (model.ResourceTransfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	from := g.ensurePlayerLocked(t.FromUsername, t.CreatedAt)
	to := g.ensurePlayerLocked(t.ToUsername, t.CreatedAt)
	if have := from.Inventory[t.ResourceType]; have < t.Amount {
		return model.ResourceTransfer{}, errs.Invalid("insufficient %s (have: %d, need: %d)", t.ResourceType, have, t.Amount)
	}
	from.Inventory[t.ResourceType] -= t.Amount
	to.Inventory[t.ResourceType] += t.Amount
	t.ID = g.id()
	g.transfers = append(g.transfers, t)
	return t, nil
}

// Transfers lists the transfers of a session, newest first.
func (g *MemoryGateway) Transfers(_ context.Context, gameID string) ([]model.ResourceTransfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.ResourceTransfer
	for i := len(g.transfers) - 1; i >= 0; i-- {
		if g.transfers[i].GameID == gameID {
			out = append(out, g.transfers[i])
		}
	}
	return out, nil
}
