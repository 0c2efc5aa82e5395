package handler

import (
	"context"
	"net/http"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/gin-gonic/gin"
)

// AchievementService unlocks and lists achievements.
type AchievementService interface {
	Unlock(ctx context.Context, principal, name string) (string, error)
	Catalog(ctx context.Context) ([]model.AchievementView, error)
	Unlocked(ctx context.Context, principal string) ([]model.AchievementView, error)
}

// InventoryService reads and credits player resources.
type InventoryService interface {
	Inventory(ctx context.Context, principal string) (map[string]int, error)
	AddResources(ctx context.Context, principal, resource string, amount int) (map[string]int, error)
}

// ProfileService reads public player profiles.
type ProfileService interface {
	Profile(ctx context.Context, username string) (*model.PlayerProfile, error)
}

// PlayerHandler handles profiles, achievements and inventories.
type PlayerHandler struct {
	achievements AchievementService
	inventory    InventoryService
	profiles     ProfileService
}

// NewPlayerHandler creates a player handler.
func NewPlayerHandler(achievements AchievementService, inventory InventoryService, profiles ProfileService) *PlayerHandler {
	return &PlayerHandler{achievements: achievements, inventory: inventory, profiles: profiles}
}

// Profile godoc
// GET /players/:username
func (h *PlayerHandler) Profile(c *gin.Context) {
	p, err := h.profiles.Profile(c.Request.Context(), c.Param("username"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListAchievements godoc
// GET /achievements
func (h *PlayerHandler) ListAchievements(c *gin.Context) {
	list, err := h.achievements.Catalog(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"achievements": list})
}

// PlayerAchievements godoc
// GET /players/:username/achievements
func (h *PlayerHandler) PlayerAchievements(c *gin.Context) {
	username := c.Param("username")
	list, err := h.achievements.Unlocked(c.Request.Context(), username)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []model.AchievementView{}
	}
	c.JSON(http.StatusOK, gin.H{"username": username, "achievements": list})
}

// UnlockAchievement godoc
// POST /achievements/unlock
func (h *PlayerHandler) UnlockAchievement(c *gin.Context) {
	var req model.UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status, err := h.achievements.Unlock(c.Request.Context(), auth.Principal(c), req.Achievement)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if status == model.UnlockNewly {
		code = http.StatusCreated
	}
	c.JSON(code, model.UnlockResponse{Achievement: req.Achievement, Status: status})
}

// Inventory godoc
// GET /players/me/inventory
func (h *PlayerHandler) Inventory(c *gin.Context) {
	principal := auth.Principal(c)
	inv, err := h.inventory.Inventory(c.Request.Context(), principal)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.InventoryResponse{Username: principal, Inventory: nonNil(inv)})
}

// AddResources godoc
// POST /players/me/resources
func (h *PlayerHandler) AddResources(c *gin.Context) {
	var req model.AddResourcesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	principal := auth.Principal(c)
	inv, err := h.inventory.AddResources(c.Request.Context(), principal, req.ResourceType, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.InventoryResponse{Username: principal, Inventory: nonNil(inv)})
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
