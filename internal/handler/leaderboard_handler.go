package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/gin-gonic/gin"
)

// LeaderboardService submits and ranks scores.
type LeaderboardService interface {
	SubmitScore(ctx context.Context, principal string, req model.SubmitScoreRequest) (*model.SubmitResult, error)
	Top(ctx context.Context, scope model.Scope, limit int) ([]model.RankedEntry, error)
	RankOf(ctx context.Context, principal string, scope model.Scope) (model.RankedEntry, error)
}

// LeaderboardHandler handles the leaderboard endpoints.
type LeaderboardHandler struct {
	svc LeaderboardService
}

// NewLeaderboardHandler creates a leaderboard handler.
func NewLeaderboardHandler(svc LeaderboardService) *LeaderboardHandler {
	return &LeaderboardHandler{svc: svc}
}

// GetLeaderboard godoc
// GET /leaderboard?scope=global|<session_id>&limit=
func (h *LeaderboardHandler) GetLeaderboard(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		limit = n
	}
	scope := model.ParseScope(c.Query("scope"))
	entries, err := h.svc.Top(c.Request.Context(), scope, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.LeaderboardResponse{Scope: scope.String(), Entries: entries})
}

// GetRank godoc
// GET /leaderboard/rank/:username?session_id=
func (h *LeaderboardHandler) GetRank(c *gin.Context) {
	scope := model.ParseScope(c.Query("session_id"))
	entry, err := h.svc.RankOf(c.Request.Context(), c.Param("username"), scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.RankResponse{Scope: scope.String(), Entry: entry})
}

// SubmitScore godoc
// POST /leaderboard
func (h *LeaderboardHandler) SubmitScore(c *gin.Context) {
	var req model.SubmitScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.SubmitScore(c.Request.Context(), auth.Principal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
