package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnRegistry binds live connections to principals.
type ConnRegistry interface {
	Bind(ctx context.Context, conn *service.Conn) error
	Unbind(ctx context.Context, conn *service.Conn, reason string) bool
}

// GameSessions is the part of the session manager driven by client messages.
type GameSessions interface {
	Join(ctx context.Context, id, principal string) (*model.Session, error)
	Leave(ctx context.Context, id, principal string) error
	SetReady(ctx context.Context, id, principal string, ready bool) error
	Move(ctx context.Context, principal string, x, y float64, direction string) error
	Chat(principal, text string) error
	MemberSessionOf(principal string) (string, bool)
}

// WSOptions configures the WebSocket transport.
type WSOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	ErrorWait       time.Duration // how long a direct reply may wait for queue space
	ChatMaxLength   int
	Conn            service.ConnOptions
}

func (o WSOptions) withDefaults() WSOptions {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// GameWSHandler serves /ws/:username.
type GameWSHandler struct {
	registry  ConnRegistry
	sessions  GameSessions
	transfers TransferService
	verifier  auth.Verifier
	upgrader websocket.Upgrader
	opts     WSOptions
	logger   *zap.Logger
}

// NewGameWSHandler creates the WebSocket handler.
func NewGameWSHandler(registry ConnRegistry, sessions GameSessions, transfers TransferService, verifier auth.Verifier, opts WSOptions, logger *zap.Logger) *GameWSHandler {
	opts = opts.withDefaults()
	return &GameWSHandler{
		registry:  registry,
		sessions:  sessions,
		transfers: transfers,
		verifier:  verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			// Browser clients are served from other origins; the token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		opts:   opts,
		logger: logger,
	}
}

// ServeWS verifies the token, upgrades the request and runs the connection.
// Path: /ws/:username?token=<jwt>&session_id=<optional>
// With session_id the player joins that session right after binding.
func (h *GameWSHandler) ServeWS(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username required", "code": "invalid_argument"})
		return
	}
	if err := auth.VerifyFor(h.verifier, auth.TokenFromRequest(c.Request), username); err != nil {
		writeError(c, err)
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := service.NewConn(username, ws, h.opts.Conn)
	ctx := c.Request.Context()
	if err := h.registry.Bind(ctx, conn); err != nil {
		h.logger.Warn("bind failed", zap.String("username", username), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer h.registry.Unbind(context.WithoutCancel(ctx), conn, model.LeaveReasonDisconnect)

	if id := c.Query("session_id"); id != "" {
		if _, err := h.sessions.Join(ctx, id, username); err != nil && !errors.Is(err, errs.ErrAlreadyMember) {
			h.sendError(conn, model.MsgJoinSession, err)
		}
	}

	go h.writePump(ctx, conn, ws)
	h.readPump(ctx, conn, ws)
}

func (h *GameWSHandler) readPump(ctx context.Context, conn *service.Conn, ws *websocket.Conn) {
	if h.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(h.opts.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("read error", zap.String("username", conn.Principal), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(conn, "", errs.Invalid("malformed message"))
			continue
		}
		if err := h.dispatch(ctx, conn, msg); err != nil {
			h.sendError(conn, msg.Type, err)
		}
	}
}

func (h *GameWSHandler) dispatch(ctx context.Context, conn *service.Conn, msg model.ClientMessage) error {
	principal := conn.Principal
	switch msg.Type {
	case model.MsgUpdatePosition:
		if msg.X == nil || msg.Y == nil {
			return errs.Invalid("x and y are required")
		}
		if !conn.AllowPosition() {
			return nil
		}
		return h.sessions.Move(ctx, principal, *msg.X, *msg.Y, msg.Direction)

	case model.MsgChatMessage:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return errs.Invalid("empty chat message")
		}
		if h.opts.ChatMaxLength > 0 && utf8.RuneCountInString(text) > h.opts.ChatMaxLength {
			return errs.Invalid("chat message longer than %d characters", h.opts.ChatMaxLength)
		}
		return h.sessions.Chat(principal, text)

	case model.MsgSetReady:
		if msg.Ready == nil {
			return errs.Invalid("ready is required")
		}
		id, ok := h.sessions.MemberSessionOf(principal)
		if !ok {
			return errs.Invalid("not in a session")
		}
		return h.sessions.SetReady(ctx, id, principal, *msg.Ready)

	case model.MsgJoinSession:
		if msg.SessionID == "" {
			return errs.Invalid("session_id is required")
		}
		_, err := h.sessions.Join(ctx, msg.SessionID, principal)
		return err

	case model.MsgLeaveSession:
		id, ok := h.sessions.MemberSessionOf(principal)
		if !ok {
			return errs.Invalid("not in a session")
		}
		return h.sessions.Leave(ctx, id, principal)

	case model.MsgShareResource:
		id, err := h.sessionOf(principal, msg.SessionID)
		if err != nil {
			return err
		}
		if msg.ToUsername == "" || msg.ResourceType == "" {
			return errs.Invalid("to_username and resource_type are required")
		}
		tr, err := h.transfers.Share(ctx, id, principal, model.TransferRequest{
			ToUsername:   msg.ToUsername,
			ResourceType: msg.ResourceType,
			Amount:       msg.Amount,
		})
		if err != nil {
			return err
		}
		h.reply(conn, model.Event{
			Type:      model.EventResourceShareResponse,
			SessionID: id,
			Data:      model.ResourceSharePayload{Status: "success", Transfer: tr},
		})
		return nil

	case model.MsgRequestHistory:
		id, err := h.sessionOf(principal, msg.SessionID)
		if err != nil {
			return err
		}
		list, err := h.transfers.History(ctx, id)
		if err != nil {
			return err
		}
		if list == nil {
			list = []model.Transfer{}
		}
		h.reply(conn, model.Event{
			Type:      model.EventTransferHistory,
			SessionID: id,
			Data:      model.TransferHistoryPayload{SessionID: id, Transfers: list},
		})
		return nil

	default:
		return errs.Invalid("unknown message type %q", msg.Type)
	}
}

func (h *GameWSHandler) writePump(ctx context.Context, conn *service.Conn, ws *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	go h.pinger(conn, ws)
	for {
		f, err := conn.Next(ctx)
		if err != nil {
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, f.Data); err != nil {
			h.logger.Debug("write error", zap.String("username", conn.Principal), zap.Error(err))
			return
		}
	}
}

// pinger runs next to the write pump; WriteControl may be called concurrently with WriteMessage.
func (h *GameWSHandler) pinger(conn *service.Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// sessionOf resolves the session a message targets: the one it names, or the
// sender's current session.
func (h *GameWSHandler) sessionOf(principal, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	id, ok := h.sessions.MemberSessionOf(principal)
	if !ok {
		return "", errs.Invalid("not in a session")
	}
	return id, nil
}

func (h *GameWSHandler) reply(conn *service.Conn, ev model.Event) {
	if err := conn.Send(ev, h.opts.ErrorWait); err != nil {
		h.logger.Debug("reply dropped", zap.String("username", conn.Principal), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (h *GameWSHandler) sendError(conn *service.Conn, action string, err error) {
	code := errs.Code(err)
	msg := err.Error()
	if code == "internal" {
		h.logger.Error("client action failed", zap.String("username", conn.Principal), zap.String("action", action), zap.Error(err))
		msg = "internal error"
	}
	ev := model.Event{
		Type: model.EventError,
		Data: model.ErrorPayload{Action: action, Code: code, Message: msg},
	}
	if err := conn.Send(ev, h.opts.ErrorWait); err != nil {
		h.logger.Debug("error reply dropped", zap.String("username", conn.Principal), zap.Error(err))
	}
}
