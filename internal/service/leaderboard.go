package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"go.uber.org/zap"
)

// LeaderboardStore is the part of the persistence gateway the leaderboard uses.
type LeaderboardStore interface {
	UpsertScore(ctx context.Context, sub model.ScoreSubmission) (model.LeaderboardEntry, bool, error)
	TopScores(ctx context.Context, scope model.Scope, limit int) ([]model.LeaderboardEntry, error)
	ScoreOf(ctx context.Context, username string, scope model.Scope) (model.LeaderboardEntry, error)
	CountScoresAbove(ctx context.Context, scope model.Scope, score int) (int64, error)
}

// LeaderboardCache caches ranked top-N reads per scope. StoreTop must drop the
// write when scopeKey was invalidated after gen was taken.
type LeaderboardCache interface {
	Top(ctx context.Context, scopeKey string, limit int) ([]model.RankedEntry, bool, error)
	Generation(ctx context.Context, scopeKey string) (int64, error)
	StoreTop(ctx context.Context, scopeKey string, gen int64, limit int, entries []model.RankedEntry) error
	Invalidate(ctx context.Context, scopeKey string) error
}

// SessionBroadcaster routes server events into sessions.
type SessionBroadcaster interface {
	MemberSessionOf(principal string) (string, bool)
	Broadcast(id, origin string, ev model.Event, excludeOrigin bool) error
}

// ScoreSessions is what the leaderboard asks the session manager.
type ScoreSessions interface {
	SessionBroadcaster
	IsMember(id, principal string) bool
	Get(id string) (*model.Session, error)
}

// LeaderboardOptions are the read limits from config.
type LeaderboardOptions struct {
	DefaultLimit int
	MaxLimit     int
}

// Leaderboard applies score submissions and serves ranked reads.
type Leaderboard struct {
	store        LeaderboardStore
	cache        LeaderboardCache
	sessions     ScoreSessions
	achievements *Achievements
	locks        *keyedMutex
	opts         LeaderboardOptions
	log          *zap.Logger
	now          func() time.Time
}

// NewLeaderboard creates the leaderboard layer. cache and achievements may be nil.
func NewLeaderboard(store LeaderboardStore, cache LeaderboardCache, sessions ScoreSessions, achievements *Achievements, opts LeaderboardOptions, log *zap.Logger) *Leaderboard {
	return &Leaderboard{
		store:        store,
		cache:        cache,
		sessions:     sessions,
		achievements: achievements,
		locks:        newKeyedMutex(),
		opts:         opts,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func scoreLockKey(principal string, scope model.Scope) string {
	return principal + "\x00" + scope.Key()
}

// SubmitScore records a score for principal. With a session id the score goes
// to that session's board and to the global board; each key keeps its best.
func (l *Leaderboard) SubmitScore(ctx context.Context, principal string, req model.SubmitScoreRequest) (*model.SubmitResult, error) {
	if principal == "" {
		return nil, errs.ErrUnauthorized
	}
	if req.Score <= 0 {
		return nil, errs.Invalid("score must be positive")
	}
	if req.WaveReached < 0 || req.SurvivalTime < 0 {
		return nil, errs.Invalid("wave_reached and survival_time must not be negative")
	}

	scopes := []model.Scope{model.GlobalScope()}
	if sc := model.ParseScope(req.SessionID); !sc.Global() {
		if err := l.checkMember(principal, sc.SessionID); err != nil {
			return nil, err
		}
		scopes = []model.Scope{sc, model.GlobalScope()}
	}

	now := l.now()
	res := &model.SubmitResult{Status: "accepted", Score: req.Score}
	for _, scope := range scopes {
		entry, updated, err := l.upsert(ctx, model.ScoreSubmission{
			Username:     principal,
			Scope:        scope,
			Score:        req.Score,
			WaveReached:  req.WaveReached,
			SurvivalTime: req.SurvivalTime,
			At:           now,
		})
		if err != nil {
			return nil, err
		}
		stored := toRanked(entry, 0)
		if rank, err := l.rankOfScore(ctx, scope, entry.Score); err == nil {
			stored.Rank = rank
		}
		res.Outcomes = append(res.Outcomes, model.ScoreOutcome{Scope: scope.String(), Updated: updated, Stored: stored})
		if updated {
			l.announce(ctx, principal, scope)
		}
	}

	if l.achievements != nil {
		l.achievements.evaluateScore(ctx, principal, req.Score, req.SurvivalTime)
	}
	return res, nil
}

// checkMember admits session-scoped scores only from current members of the
// active session.
func (l *Leaderboard) checkMember(principal, id string) error {
	if l.sessions == nil || l.sessions.IsMember(id, principal) {
		return nil
	}
	if _, err := l.sessions.Get(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is not a member of session %s", errs.ErrForbidden, principal, id)
}

// upsert serializes the read-compare-write of one (principal, scope) key.
func (l *Leaderboard) upsert(ctx context.Context, sub model.ScoreSubmission) (model.LeaderboardEntry, bool, error) {
	unlock := l.locks.Lock(scoreLockKey(sub.Username, sub.Scope))
	defer unlock()
	entry, updated, err := l.store.UpsertScore(ctx, sub)
	if err != nil {
		return model.LeaderboardEntry{}, false, err
	}
	if updated && l.cache != nil {
		if err := l.cache.Invalidate(ctx, sub.Scope.Key()); err != nil {
			l.log.Warn("leaderboard cache invalidate failed", zap.String("scope", sub.Scope.Key()), zap.Error(err))
		}
	}
	return entry, updated, nil
}

// announce publishes the fresh board of scope to the session it concerns: the
// scope's own session, or the principal's current session for the global board.
func (l *Leaderboard) announce(ctx context.Context, principal string, scope model.Scope) {
	if l.sessions == nil {
		return
	}
	target := scope.SessionID
	if scope.Global() {
		id, ok := l.sessions.MemberSessionOf(principal)
		if !ok {
			return
		}
		target = id
	}
	entries, err := l.Top(ctx, scope, 0)
	if err != nil {
		l.log.Warn("leaderboard read for update failed", zap.String("scope", scope.Key()), zap.Error(err))
		return
	}
	err = l.sessions.Broadcast(target, model.OriginServer, model.Event{
		Type: model.EventLeaderboardUpdated,
		Data: model.LeaderboardPayload{Scope: scope.String(), Entries: entries},
	}, false)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		l.log.Warn("leaderboard update broadcast failed", zap.String("session_id", target), zap.Error(err))
	}
}

func (l *Leaderboard) clamp(limit int) int {
	if limit <= 0 {
		return l.opts.DefaultLimit
	}
	if limit > l.opts.MaxLimit {
		return l.opts.MaxLimit
	}
	return limit
}

// Top returns the best entries of scope with dense ranks.
func (l *Leaderboard) Top(ctx context.Context, scope model.Scope, limit int) ([]model.RankedEntry, error) {
	limit = l.clamp(limit)
	if l.cache != nil {
		entries, ok, err := l.cache.Top(ctx, scope.Key(), limit)
		if err != nil {
			l.log.Warn("leaderboard cache read failed", zap.String("scope", scope.Key()), zap.Error(err))
		} else if ok {
			return entries, nil
		}
	}

	var gen int64
	cacheable := false
	if l.cache != nil {
		g, err := l.cache.Generation(ctx, scope.Key())
		if err != nil {
			l.log.Warn("leaderboard cache generation failed", zap.String("scope", scope.Key()), zap.Error(err))
		} else {
			gen, cacheable = g, true
		}
	}
	rows, err := l.store.TopScores(ctx, scope, limit)
	if err != nil {
		return nil, err
	}
	entries := denseRank(rows)
	if cacheable {
		if err := l.cache.StoreTop(ctx, scope.Key(), gen, limit, entries); err != nil {
			l.log.Warn("leaderboard cache write failed", zap.String("scope", scope.Key()), zap.Error(err))
		}
	}
	return entries, nil
}

// RankOf returns the stored entry of principal in scope and its dense rank.
func (l *Leaderboard) RankOf(ctx context.Context, principal string, scope model.Scope) (model.RankedEntry, error) {
	entry, err := l.store.ScoreOf(ctx, principal, scope)
	if err != nil {
		return model.RankedEntry{}, err
	}
	rank, err := l.rankOfScore(ctx, scope, entry.Score)
	if err != nil {
		return model.RankedEntry{}, err
	}
	return toRanked(entry, rank), nil
}

func (l *Leaderboard) rankOfScore(ctx context.Context, scope model.Scope, score int) (int, error) {
	above, err := l.store.CountScoresAbove(ctx, scope, score)
	if err != nil {
		return 0, err
	}
	return int(above) + 1, nil
}

// denseRank ranks rows sorted by score descending; equal scores share a rank.
func denseRank(rows []model.LeaderboardEntry) []model.RankedEntry {
	out := make([]model.RankedEntry, 0, len(rows))
	rank := 0
	for i, r := range rows {
		if i == 0 || r.Score != rows[i-1].Score {
			rank++
		}
		out = append(out, toRanked(r, rank))
	}
	return out
}

func toRanked(e model.LeaderboardEntry, rank int) model.RankedEntry {
	re := model.RankedEntry{
		Rank:         rank,
		Username:     e.Username,
		Score:        e.Score,
		WaveReached:  e.WaveReached,
		SurvivalTime: e.SurvivalTime,
		Date:         e.Date,
	}
	if e.GameID != nil {
		re.SessionID = *e.GameID
	}
	return re
}
