package model

import "time"

// Player: игрок (GORM). Создаётся по требованию для каждого принципала.
type Player struct {
	Username  string         `gorm:"column:username;size:255;primaryKey"`
	X         float64        `gorm:"column:x;not null;default:0"`
	Y         float64        `gorm:"column:y;not null;default:0"`
	Score     int            `gorm:"column:score;not null;default:0"`
	Inventory map[string]int `gorm:"column:inventory;type:text;serializer:json"`
	LastLogin *time.Time     `gorm:"column:last_login"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime"`
}

func (Player) TableName() string { return "players" }

// ActiveGame: игровая сессия (GORM).
type ActiveGame struct {
	GameID       string     `gorm:"column:game_id;size:255;primaryKey"`
	HostUsername string     `gorm:"column:host_username;size:255;not null;index"`
	GameMode     string     `gorm:"column:game_mode;size:50;not null;default:standard"`
	MaxPlayers   int        `gorm:"column:max_players;not null;default:4"`
	IsActive     bool       `gorm:"column:is_active;not null;default:true;index:idx_active_games_inactive,priority:1"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	ClosedAt     *time.Time `gorm:"column:closed_at;index:idx_active_games_inactive,priority:2"`
}

func (ActiveGame) TableName() string { return "active_games" }

// GamePlayer: участник сессии (GORM), уникален по паре (game_id, username).
type GamePlayer struct {
	GameID   string    `gorm:"column:game_id;size:255;primaryKey"`
	Username string    `gorm:"column:username;size:255;primaryKey"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
	IsReady  bool      `gorm:"column:is_ready;not null;default:false"`
}

func (GamePlayer) TableName() string { return "game_players" }

// LeaderboardEntry is one row per (username, game_id) where a nil game_id is the global board.
type LeaderboardEntry struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;size:255;not null;uniqueIndex:idx_leaderboard_unique_player_global,where:game_id IS NULL;uniqueIndex:idx_leaderboard_unique_player_game,where:game_id IS NOT NULL"`
	GameID       *string   `gorm:"column:game_id;size:255;uniqueIndex:idx_leaderboard_unique_player_game,where:game_id IS NOT NULL"`
	Score        int       `gorm:"column:score;not null;index"`
	WaveReached  int       `gorm:"column:wave_reached;not null;default:0"`
	SurvivalTime int       `gorm:"column:survival_time;not null;default:0"`
	Date         time.Time `gorm:"column:date;not null"`
}

func (LeaderboardEntry) TableName() string { return "leaderboard" }

// GameSession: неизменяемая история закрытой сессии (GORM).
type GameSession struct {
	SessionID       int64     `gorm:"column:session_id;primaryKey;autoIncrement"`
	GameID          string    `gorm:"column:game_id;size:255;not null;uniqueIndex"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	EndedAt         time.Time `gorm:"column:ended_at;not null"`
	DurationSeconds int       `gorm:"column:duration_seconds;not null"`
	TotalPlayers    int       `gorm:"column:total_players;not null"`
	WinnerUsername  *string   `gorm:"column:winner_username;size:255"`
	GameMode        string    `gorm:"column:game_mode;size:50;not null"`
}

func (GameSession) TableName() string { return "game_sessions" }

// Achievement is a catalog entry.
type Achievement struct {
	AchievementID   int64     `gorm:"column:achievement_id;primaryKey;autoIncrement"`
	AchievementName string    `gorm:"column:achievement_name;size:100;not null;uniqueIndex"`
	Description     string    `gorm:"column:description"`
	Points          int       `gorm:"column:points;not null;default:0"`
	IconPath        string    `gorm:"column:icon_path;size:255"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Achievement) TableName() string { return "achievements" }

// PlayerAchievement is a write-once unlock row.
type PlayerAchievement struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username      string    `gorm:"column:username;size:255;not null;uniqueIndex:idx_player_achievement,priority:1"`
	AchievementID int64     `gorm:"column:achievement_id;not null;uniqueIndex:idx_player_achievement,priority:2"`
	UnlockedAt    time.Time `gorm:"column:unlocked_at;not null"`
}

func (PlayerAchievement) TableName() string { return "player_achievements" }

// ResourceTransfer records a resource handed from one session member to another.
type ResourceTransfer struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	GameID       string    `gorm:"column:game_id;size:255;not null;index"`
	FromUsername string    `gorm:"column:from_username;size:255;not null"`
	ToUsername   string    `gorm:"column:to_username;size:255;not null"`
	ResourceType string    `gorm:"column:resource_type;size:50;not null"`
	Amount       int       `gorm:"column:amount;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (ResourceTransfer) TableName() string { return "resource_transfers" }
