package model

import (
	"strings"
	"time"
)

const scopeGlobal = "global"

// Scope selects a leaderboard partition: the global board or one session's board.
type Scope struct {
	SessionID string
}

// GlobalScope is the partition of rows without a session.
func GlobalScope() Scope { return Scope{} }

// SessionScope is the partition of rows for one session.
func SessionScope(sessionID string) Scope { return Scope{SessionID: sessionID} }

// ParseScope maps a query value ("", "global" or a session id) to a Scope.
func ParseScope(v string) Scope {
	v = strings.TrimSpace(v)
	if v == "" || v == scopeGlobal {
		return GlobalScope()
	}
	return SessionScope(v)
}

func (s Scope) Global() bool { return s.SessionID == "" }

// GameID returns the nullable game_id column value.
func (s Scope) GameID() *string {
	if s.Global() {
		return nil
	}
	id := s.SessionID
	return &id
}

// String is the wire name of the scope.
func (s Scope) String() string {
	if s.Global() {
		return scopeGlobal
	}
	return s.SessionID
}

// Key identifies the scope in lock tables and cache keys.
func (s Scope) Key() string {
	if s.Global() {
		return scopeGlobal
	}
	return "session:" + s.SessionID
}

// ScoreSubmission is one score report for a (username, scope) key.
type ScoreSubmission struct {
	Username     string
	Scope        Scope
	Score        int
	WaveReached  int
	SurvivalTime int // seconds
	At           time.Time
}

// RankedEntry is a leaderboard row with its dense rank computed at read time.
type RankedEntry struct {
	Rank         int       `json:"rank"`
	Username     string    `json:"username"`
	Score        int       `json:"score"`
	WaveReached  int       `json:"wave_reached"`
	SurvivalTime int       `json:"survival_time"`
	SessionID    string    `json:"session_id,omitempty"`
	Date         time.Time `json:"date"`
}

// ScoreOutcome reports what one submission did to one key.
type ScoreOutcome struct {
	Scope   string      `json:"scope"`
	Updated bool        `json:"updated"`
	Stored  RankedEntry `json:"stored"`
}

// SubmitResult is returned for an accepted submission.
type SubmitResult struct {
	Status   string         `json:"status"`
	Score    int            `json:"score"`
	Outcomes []ScoreOutcome `json:"outcomes"`
}

// SubmitScoreRequest is the request body for POST /leaderboard.
type SubmitScoreRequest struct {
	Score        int    `json:"score"`
	WaveReached  int    `json:"wave_reached"`
	SurvivalTime int    `json:"survival_time"`
	SessionID    string `json:"session_id"`
}

// LeaderboardResponse is the response for GET /leaderboard.
type LeaderboardResponse struct {
	Scope   string        `json:"scope"`
	Entries []RankedEntry `json:"leaderboard"`
}

// RankResponse is the response for GET /leaderboard/rank/:username.
type RankResponse struct {
	Scope string      `json:"scope"`
	Entry RankedEntry `json:"entry"`
}

// AchievementView is a catalog entry, optionally with the unlock time for a player.
type AchievementView struct {
	Name        string     `json:"achievement"`
	Description string     `json:"description"`
	Points      int        `json:"points"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
}

// UnlockRequest is the request body for POST /achievements/unlock.
type UnlockRequest struct {
	Achievement string `json:"achievement" binding:"required"`
}

// UnlockResponse reports whether the call created the unlock row.
type UnlockResponse struct {
	Achievement string `json:"achievement"`
	Status      string `json:"status"`
}

// Unlock statuses.
const (
	UnlockNewly   = "newly_unlocked"
	UnlockAlready = "already_unlocked"
)
