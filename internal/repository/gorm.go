package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormGateway is the persistence gateway over PostgreSQL (or any GORM dialect with
// partial unique indexes). The *gorm.DB must be opened with TranslateError enabled.
type GormGateway struct {
	db *gorm.DB
}

// NewGormGateway creates a GORM-backed gateway.
func NewGormGateway(db *gorm.DB) *GormGateway {
	return &GormGateway{db: db}
}

// classify keeps domain errors and marks everything else as a gateway failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{errs.ErrNotFound, errs.ErrConflict, errs.ErrInvalidArgument} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return errs.Unavailable(err)
}

func ensurePlayer(tx *gorm.DB, username string, at time.Time) error {
	p := model.Player{Username: username, Inventory: StarterInventory(), LastLogin: &at}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
}

func scoped(tx *gorm.DB, scope model.Scope) *gorm.DB {
	if scope.Global() {
		return tx.Where("game_id IS NULL")
	}
	return tx.Where("game_id = ?", scope.SessionID)
}

// CreateSession inserts the session and the host membership in one transaction.
func (g *GormGateway) CreateSession(ctx context.Context, game model.ActiveGame, host model.GamePlayer) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlayer(tx, game.HostUsername, game.CreatedAt); err != nil {
			return err
		}
		if err := tx.Create(&game).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("session %q: %w", game.GameID, errs.ErrConflict)
			}
			return err
		}
		return tx.Create(&host).Error
	})
	return classify(err)
}

// AddMember inserts a membership row for an active session.
func (g *GormGateway) AddMember(ctx context.Context, m model.GamePlayer) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.ActiveGame{}).
			Where("game_id = ? AND is_active = ?", m.GameID, true).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return errs.ErrSessionNotFound
		}
		if err := ensurePlayer(tx, m.Username, m.JoinedAt); err != nil {
			return err
		}
		if err := tx.Create(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errs.ErrAlreadyMember
			}
			return err
		}
		return nil
	})
	return classify(err)
}

// RemoveMember deletes a membership row; deleting a missing row is not an error.
func (g *GormGateway) RemoveMember(ctx context.Context, gameID, username string) error {
	err := g.db.WithContext(ctx).
		Where("game_id = ? AND username = ?", gameID, username).
		Delete(&model.GamePlayer{}).Error
	return classify(err)
}

// SetReady updates the ready flag of a membership.
func (g *GormGateway) SetReady(ctx context.Context, gameID, username string, ready bool) error {
	res := g.db.WithContext(ctx).Model(&model.GamePlayer{}).
		Where("game_id = ? AND username = ?", gameID, username).
		Update("is_ready", ready)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("membership %s/%s: %w", gameID, username, errs.ErrNotFound)
	}
	return nil
}

// SetHost records a promoted host.
func (g *GormGateway) SetHost(ctx context.Context, gameID, username string) error {
	err := g.db.WithContext(ctx).Model(&model.ActiveGame{}).
		Where("game_id = ?", gameID).
		Update("host_username", username).Error
	return classify(err)
}

// CloseSession marks the session inactive, drops its memberships and appends the
// history row. A second close of the same session does not append another row.
// When history has no winner, the top scorer of the session board is recorded.
func (g *GormGateway) CloseSession(ctx context.Context, gameID string, history model.GameSession) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ActiveGame{}).
			Where("game_id = ?", gameID).
			Updates(map[string]interface{}{
				"is_active": false,
				"closed_at": history.EndedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrSessionNotFound
		}
		if err := tx.Where("game_id = ?", gameID).Delete(&model.GamePlayer{}).Error; err != nil {
			return err
		}
		if history.WinnerUsername == nil {
			var top []model.LeaderboardEntry
			if err := tx.Where("game_id = ?", gameID).
				Order("score DESC, date ASC").Limit(1).
				Find(&top).Error; err != nil {
				return err
			}
			if len(top) == 1 {
				winner := top[0].Username
				history.WinnerUsername = &winner
			}
		}
		history.GameID = gameID
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&history).Error
	})
	return classify(err)
}

// DeleteInactiveSessions removes inactive sessions closed (or created) before cutoff
// together with their per-session rows. History rows are kept.
func (g *GormGateway) DeleteInactiveSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ActiveGame{}).
			Where("is_active = ? AND COALESCE(closed_at, created_at) < ?", false, cutoff).
			Pluck("game_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, m := range []interface{}{&model.GamePlayer{}, &model.LeaderboardEntry{}, &model.ResourceTransfer{}} {
			if err := tx.Where("game_id IN ?", ids).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("game_id IN ? AND is_active = ?", ids, false).Delete(&model.ActiveGame{}).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// ActiveSessions lists sessions persisted as active, newest first.
func (g *GormGateway) ActiveSessions(ctx context.Context) ([]model.ActiveGame, error) {
	var games []model.ActiveGame
	err := g.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at DESC").
		Find(&games).Error
	return games, classify(err)
}

// Members lists persisted memberships of a session in join order.
func (g *GormGateway) Members(ctx context.Context, gameID string) ([]model.GamePlayer, error) {
	var members []model.GamePlayer
	err := g.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("joined_at ASC").
		Find(&members).Error
	return members, classify(err)
}

// TouchPlayer creates the player row if missing and records the login time.
func (g *GormGateway) TouchPlayer(ctx context.Context, username string, at time.Time) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlayer(tx, username, at); err != nil {
			return err
		}
		return tx.Model(&model.Player{}).Where("username = ?", username).Update("last_login", at).Error
	})
	return classify(err)
}

// SavePosition stores the last reported position of a player.
func (g *GormGateway) SavePosition(ctx context.Context, username string, x, y float64, at time.Time) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlayer(tx, username, at); err != nil {
			return err
		}
		return tx.Model(&model.Player{}).Where("username = ?", username).Updates(map[string]interface{}{
			"x":          x,
			"y":          y,
			"last_login": at,
		}).Error
	})
	return classify(err)
}

// PlayerByName returns the player row of username.
func (g *GormGateway) PlayerByName(ctx context.Context, username string) (model.Player, error) {
	var p model.Player
	err := g.db.WithContext(ctx).Where("username = ?", username).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Player{}, errs.ErrPlayerNotFound
	}
	if err != nil {
		return model.Player{}, classify(err)
	}
	if p.Inventory == nil {
		p.Inventory = StarterInventory()
	}
	return p, nil
}

// UpsertScore applies the replace-if-higher rule for one (username, scope) key and
// reports whether the stored row changed. Callers serialize calls per key.
func (g *GormGateway) UpsertScore(ctx context.Context, sub model.ScoreSubmission) (model.LeaderboardEntry, bool, error) {
	var stored model.LeaderboardEntry
	var updated bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !sub.Scope.Global() {
			var n int64
			if err := tx.Model(&model.ActiveGame{}).Where("game_id = ?", sub.Scope.SessionID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errs.ErrSessionNotFound
			}
		}
		if err := ensurePlayer(tx, sub.Username, sub.At); err != nil {
			return err
		}

		var existing []model.LeaderboardEntry
		if err := scoped(tx.Where("username = ?", sub.Username), sub.Scope).Limit(1).Find(&existing).Error; err != nil {
			return err
		}

		switch {
		case len(existing) == 0:
			row := model.LeaderboardEntry{
				Username:     sub.Username,
				GameID:       sub.Scope.GameID(),
				Score:        sub.Score,
				WaveReached:  sub.WaveReached,
				SurvivalTime: sub.SurvivalTime,
				Date:         sub.At,
			}
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("leaderboard %s/%s: concurrent insert: %w", sub.Username, sub.Scope.Key(), errs.ErrConflict)
				}
				return err
			}
			stored, updated = row, true
		case sub.Score > existing[0].Score:
			row := existing[0]
			if err := tx.Model(&row).Updates(map[string]interface{}{
				"score":         sub.Score,
				"wave_reached":  sub.WaveReached,
				"survival_time": sub.SurvivalTime,
				"date":          sub.At,
			}).Error; err != nil {
				return err
			}
			row.Score, row.WaveReached, row.SurvivalTime, row.Date = sub.Score, sub.WaveReached, sub.SurvivalTime, sub.At
			stored, updated = row, true
		default:
			stored = existing[0]
		}

		if updated {
			return tx.Model(&model.Player{}).
				Where("username = ? AND score < ?", sub.Username, sub.Score).
				Update("score", sub.Score).Error
		}
		return nil
	})
	if err != nil {
		return model.LeaderboardEntry{}, false, classify(err)
	}
	return stored, updated, nil
}

// TopScores returns the best rows of a scope.
func (g *GormGateway) TopScores(ctx context.Context, scope model.Scope, limit int) ([]model.LeaderboardEntry, error) {
	var rows []model.LeaderboardEntry
	err := scoped(g.db.WithContext(ctx), scope).
		Order("score DESC, date ASC, username ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, classify(err)
}

// ScoreOf returns the stored row for one key.
func (g *GormGateway) ScoreOf(ctx context.Context, username string, scope model.Scope) (model.LeaderboardEntry, error) {
	var rows []model.LeaderboardEntry
	if err := scoped(g.db.WithContext(ctx).Where("username = ?", username), scope).Limit(1).Find(&rows).Error; err != nil {
		return model.LeaderboardEntry{}, classify(err)
	}
	if len(rows) == 0 {
		return model.LeaderboardEntry{}, fmt.Errorf("leaderboard entry %s/%s: %w", username, scope.Key(), errs.ErrNotFound)
	}
	return rows[0], nil
}

// CountScoresAbove counts distinct scores strictly greater than score in a scope.
func (g *GormGateway) CountScoresAbove(ctx context.Context, scope model.Scope, score int) (int64, error) {
	var n int64
	err := scoped(g.db.WithContext(ctx).Model(&model.LeaderboardEntry{}), scope).
		Where("score > ?", score).
		Distinct("score").
		Count(&n).Error
	return n, classify(err)
}

// Achievements returns the catalog.
func (g *GormGateway) Achievements(ctx context.Context) ([]model.Achievement, error) {
	var rows []model.Achievement
	err := g.db.WithContext(ctx).Order("achievement_id ASC").Find(&rows).Error
	return rows, classify(err)
}

// AchievementByName looks up a catalog entry.
func (g *GormGateway) AchievementByName(ctx context.Context, name string) (model.Achievement, error) {
	var a model.Achievement
	if err := g.db.WithContext(ctx).Where("achievement_name = ?", name).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Achievement{}, fmt.Errorf("achievement %q: %w", name, errs.ErrNotFound)
		}
		return model.Achievement{}, classify(err)
	}
	return a, nil
}

// UnlockAchievement inserts the unlock row unless it exists and reports whether this call created it.
func (g *GormGateway) UnlockAchievement(ctx context.Context, username string, achievementID int64, at time.Time) (bool, error) {
	var created bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlayer(tx, username, at); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.PlayerAchievement{
			Username:      username,
			AchievementID: achievementID,
			UnlockedAt:    at,
		})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	return created, classify(err)
}

// PlayerAchievements lists unlock rows of a player.
func (g *GormGateway) PlayerAchievements(ctx context.Context, username string) ([]model.PlayerAchievement, error) {
	var rows []model.PlayerAchievement
	err := g.db.WithContext(ctx).
		Where("username = ?", username).
		Order("unlocked_at ASC").
		Find(&rows).Error
	return rows, classify(err)
}

// Inventory returns the inventory of a player; unknown players have the starter inventory.
func (g *GormGateway) Inventory(ctx context.Context, username string) (map[string]int, error) {
	var p model.Player
	if err := g.db.WithContext(ctx).Where("username = ?", username).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StarterInventory(), nil
		}
		return nil, classify(err)
	}
	if p.Inventory == nil {
		return StarterInventory(), nil
	}
	return p.Inventory, nil
}

// AddResources credits collected resources to a player.
func (g *GormGateway) AddResources(ctx context.Context, username, resource string, amount int, at time.Time) (map[string]int, error) {
	var inv map[string]int
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePlayer(tx, username, at); err != nil {
			return err
		}
		var p model.Player
		if err := tx.Where("username = ?", username).First(&p).Error; err != nil {
			return err
		}
		if p.Inventory == nil {
			p.Inventory = StarterInventory()
		}
		p.Inventory[resource] += amount
		inv = cloneInventory(p.Inventory)
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return inv, nil
}

// TransferResource moves resources between two players and records the transfer.
func (g *GormGateway) TransferResource(ctx context.Context, t model.ResourceTransfer) (model.ResourceTransfer, error) {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range []string{t.FromUsername, t.ToUsername} {
			if err := ensurePlayer(tx, u, t.CreatedAt); err != nil {
				return err
			}
		}
		var from, to model.Player
		if err := tx.Where("username = ?", t.FromUsername).First(&from).Error; err != nil {
			return err
		}
		if err := tx.Where("username = ?", t.ToUsername).First(&to).Error; err != nil {
			return err
		}
		if from.Inventory == nil {
			from.Inventory = StarterInventory()
		}
		if to.Inventory == nil {
			to.Inventory = StarterInventory()
		}
		if have := from.Inventory[t.ResourceType]; have < t.Amount {
			return errs.Invalid("insufficient %s (have: %d, need: %d)", t.ResourceType, have, t.Amount)
		}
		from.Inventory[t.ResourceType] -= t.Amount
		to.Inventory[t.ResourceType] += t.Amount
		if err := tx.Save(&from).Error; err != nil {
			return err
		}
		if err := tx.Save(&to).Error; err != nil {
			return err
		}
		return tx.Create(&t).Error
	})
	if err != nil {
		return model.ResourceTransfer{}, classify(err)
	}
	return t, nil
}

// Transfers lists the transfers of a session, newest first.
func (g *GormGateway) Transfers(ctx context.Context, gameID string) ([]model.ResourceTransfer, error) {
	var rows []model.ResourceTransfer
	err := g.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	return rows, classify(err)
}
