package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"go.uber.org/zap"
)

// Achievements unlocked by the server itself.
const (
	AchievementScoreMaster        = "Score Master"
	AchievementSurvivor           = "Survivor"
	AchievementResourceHoarder    = "Resource Hoarder"
	AchievementLegendaryCollector = "Legendary Collector"
)

const (
	scoreMasterThreshold        = 1000
	survivorThresholdSeconds    = 600
	resourceHoarderThreshold    = 100
	legendaryCollectorThreshold = 500
)

// AchievementStore is the part of the persistence gateway achievements use.
type AchievementStore interface {
	Achievements(ctx context.Context) ([]model.Achievement, error)
	AchievementByName(ctx context.Context, name string) (model.Achievement, error)
	UnlockAchievement(ctx context.Context, username string, achievementID int64, at time.Time) (bool, error)
	PlayerAchievements(ctx context.Context, username string) ([]model.PlayerAchievement, error)
}

// Achievements grants write-once achievement unlocks.
type Achievements struct {
	store    AchievementStore
	sessions SessionBroadcaster
	locks    *keyedMutex
	log      *zap.Logger
	now      func() time.Time
}

// NewAchievements creates the achievement layer. sessions may be nil.
func NewAchievements(store AchievementStore, sessions SessionBroadcaster, log *zap.Logger) *Achievements {
	return &Achievements{
		store:    store,
		sessions: sessions,
		locks:    newKeyedMutex(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Unlock grants achievement name to principal. The first caller gets
// UnlockNewly, everyone after that UnlockAlready.
func (a *Achievements) Unlock(ctx context.Context, principal, name string) (string, error) {
	if principal == "" {
		return "", errs.ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.Invalid("achievement name required")
	}
	ach, err := a.store.AchievementByName(ctx, name)
	if err != nil {
		return "", err
	}

	unlock := a.locks.Lock(principal + "\x00" + ach.AchievementName)
	created, err := a.store.UnlockAchievement(ctx, principal, ach.AchievementID, a.now())
	unlock()
	if err != nil {
		return "", err
	}
	if !created {
		return model.UnlockAlready, nil
	}

	a.log.Info("achievement unlocked", zap.String("username", principal), zap.String("achievement", ach.AchievementName))
	a.announce(principal, ach)
	return model.UnlockNewly, nil
}

func (a *Achievements) announce(principal string, ach model.Achievement) {
	if a.sessions == nil {
		return
	}
	id, ok := a.sessions.MemberSessionOf(principal)
	if !ok {
		return
	}
	err := a.sessions.Broadcast(id, model.OriginServer, model.Event{
		Type: model.EventAchievementUnlocked,
		Data: model.AchievementPayload{Username: principal, Achievement: ach.AchievementName, Points: ach.Points},
	}, false)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		a.log.Warn("achievement broadcast failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Catalog lists every achievement.
func (a *Achievements) Catalog(ctx context.Context) ([]model.AchievementView, error) {
	rows, err := a.store.Achievements(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AchievementView, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AchievementView{Name: r.AchievementName, Description: r.Description, Points: r.Points})
	}
	return out, nil
}

// Unlocked lists the achievements principal holds with their unlock times.
func (a *Achievements) Unlocked(ctx context.Context, principal string) ([]model.AchievementView, error) {
	catalog, err := a.store.Achievements(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Achievement, len(catalog))
	for _, c := range catalog {
		byID[c.AchievementID] = c
	}
	rows, err := a.store.PlayerAchievements(ctx, principal)
	if err != nil {
		return nil, err
	}
	out := make([]model.AchievementView, 0, len(rows))
	for _, r := range rows {
		c, ok := byID[r.AchievementID]
		if !ok {
			continue
		}
		at := r.UnlockedAt
		out = append(out, model.AchievementView{Name: c.AchievementName, Description: c.Description, Points: c.Points, UnlockedAt: &at})
	}
	return out, nil
}

func (a *Achievements) evaluateScore(ctx context.Context, principal string, score, survivalSeconds int) {
	if score >= scoreMasterThreshold {
		a.grant(ctx, principal, AchievementScoreMaster)
	}
	if survivalSeconds >= survivorThresholdSeconds {
		a.grant(ctx, principal, AchievementSurvivor)
	}
}

func (a *Achievements) evaluateInventory(ctx context.Context, principal string, inv map[string]int) {
	total := 0
	for _, n := range inv {
		total += n
	}
	if total >= resourceHoarderThreshold {
		a.grant(ctx, principal, AchievementResourceHoarder)
	}
	if total >= legendaryCollectorThreshold {
		a.grant(ctx, principal, AchievementLegendaryCollector)
	}
}

// grant is Unlock for server-side triggers; failures are only logged.
func (a *Achievements) grant(ctx context.Context, principal, name string) {
	if _, err := a.Unlock(ctx, principal, name); err != nil {
		a.log.Warn("automatic unlock failed",
			zap.String("username", principal),
			zap.String("achievement", name),
			zap.Error(err))
	}
}
