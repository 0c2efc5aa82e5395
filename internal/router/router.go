package router

import (
	"net/http"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/handler"
	"github.com/Leighthann/codebreak/pkg/constants"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Sessions    *handler.SessionHandler
	Leaderboard *handler.LeaderboardHandler
	Players     *handler.PlayerHandler
	WS          *handler.GameWSHandler
	Health      *handler.HealthHandler
}

// New builds the HTTP router. Reads of leaderboards and achievements are
// public; everything that acts for a player needs a bearer token.
func New(h Handlers, verifier auth.Verifier, logger *zap.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(logger))

	r.GET(constants.PathHealth, h.Health.Health)
	r.GET(constants.PathReady, h.Health.Ready)

	// WebSocket: /ws/:username, token checked by the handler before upgrade
	r.GET(constants.PathWebSocket, h.WS.ServeWS)

	r.GET("/leaderboard", h.Leaderboard.GetLeaderboard)
	r.GET("/leaderboard/rank/:username", h.Leaderboard.GetRank)
	r.GET("/achievements", h.Players.ListAchievements)
	r.GET("/players/:username", h.Players.Profile)
	r.GET("/players/:username/achievements", h.Players.PlayerAchievements)

	authed := r.Group("", auth.Middleware(verifier))
	sessions := authed.Group("/sessions")
	{
		sessions.POST("", h.Sessions.CreateSession)
		sessions.GET("", h.Sessions.ListSessions)
		sessions.GET("/:id", h.Sessions.GetSession)
		sessions.POST("/:id/join", h.Sessions.JoinSession)
		sessions.POST("/:id/leave", h.Sessions.LeaveSession)
		sessions.POST("/:id/ready", h.Sessions.SetReady)
		sessions.DELETE("/:id", h.Sessions.DeleteSession)
		sessions.POST("/:id/transfers", h.Sessions.CreateTransfer)
		sessions.GET("/:id/transfers", h.Sessions.ListTransfers)
	}
	authed.POST("/leaderboard", h.Leaderboard.SubmitScore)
	authed.POST("/achievements/unlock", h.Players.UnlockAchievement)
	authed.GET("/players/me/inventory", h.Players.Inventory)
	authed.POST("/players/me/resources", h.Players.AddResources)

	return r
}

func requestLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()))
		}
	}
}
