package handler

import (
	"context"
	"net/http"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/service"
	"github.com/gin-gonic/gin"
)

// SessionManager is the session lifecycle used by the REST and WebSocket handlers.
type SessionManager interface {
	Create(ctx context.Context, host, mode string, maxMembers int, requestedID string) (*model.Session, error)
	Join(ctx context.Context, id, principal string) (*model.Session, error)
	Leave(ctx context.Context, id, principal string) error
	SetReady(ctx context.Context, id, principal string, ready bool) error
	Terminate(ctx context.Context, id, principal string) error
	List() []model.SessionSummary
	Get(id string) (*model.Session, error)
}

// TransferService shares resources between members of a session.
type TransferService interface {
	Share(ctx context.Context, id, from string, req model.TransferRequest) (*model.Transfer, error)
	History(ctx context.Context, id string) ([]model.Transfer, error)
}

// SessionHandler handles REST API for sessions.
type SessionHandler struct {
	svc       SessionManager
	transfers TransferService
	cfg       *service.WSConfig
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(svc SessionManager, transfers TransferService, wsBaseURL string) *SessionHandler {
	return &SessionHandler{
		svc:       svc,
		transfers: transfers,
		cfg:       &service.WSConfig{BaseURL: wsBaseURL},
	}
}

// CreateSession godoc
// POST /sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	host := auth.Principal(c)
	sess, err := h.svc.Create(c.Request.Context(), host, req.Mode, req.MaxPlayers, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model.CreateSessionResponse{
		SessionID:  sess.ID,
		Host:       sess.Host,
		Mode:       sess.Mode,
		MaxPlayers: sess.MaxPlayers,
		WSURL:      h.cfg.WSURL(sess.ID, host),
		CreatedAt:  sess.CreatedAt,
	})
}

// ListSessions godoc
// GET /sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, model.SessionListResponse{Sessions: h.svc.List()})
}

// GetSession godoc
// GET /sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	sess, err := h.svc.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// JoinSession godoc
// POST /sessions/:id/join
func (h *SessionHandler) JoinSession(c *gin.Context) {
	sess, err := h.svc.Join(c.Request.Context(), c.Param("id"), auth.Principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// LeaveSession godoc
// POST /sessions/:id/leave
func (h *SessionHandler) LeaveSession(c *gin.Context) {
	if err := h.svc.Leave(c.Request.Context(), c.Param("id"), auth.Principal(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetReady godoc
// POST /sessions/:id/ready
func (h *SessionHandler) SetReady(c *gin.Context) {
	var req model.SetReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.SetReady(c.Request.Context(), c.Param("id"), auth.Principal(c), req.Ready); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": req.Ready})
}

// DeleteSession godoc
// DELETE /sessions/:id (host only)
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	if err := h.svc.Terminate(c.Request.Context(), c.Param("id"), auth.Principal(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateTransfer godoc
// POST /sessions/:id/transfers
func (h *SessionHandler) CreateTransfer(c *gin.Context) {
	var req model.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tr, err := h.transfers.Share(c.Request.Context(), c.Param("id"), auth.Principal(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tr)
}

// ListTransfers godoc
// GET /sessions/:id/transfers
func (h *SessionHandler) ListTransfers(c *gin.Context) {
	list, err := h.transfers.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []model.Transfer{}
	}
	c.JSON(http.StatusOK, gin.H{"transfers": list})
}
