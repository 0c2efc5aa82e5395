package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Leighthann/codebreak/internal/errs"
	"github.com/Leighthann/codebreak/internal/handler"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/repository"
	"github.com/Leighthann/codebreak/internal/router"
	"github.com/Leighthann/codebreak/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// usernameVerifier accepts any non-empty token and treats it as the principal.
type usernameVerifier struct{}

func (usernameVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errs.ErrUnauthorized
	}
	return token, nil
}

type env struct {
	t   *testing.T
	reg *service.Registry
	sm  *service.SessionManager
	h   http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	mem := repository.NewMemoryGateway()
	reg := service.NewRegistry(log)
	hub := service.NewBroadcaster(64, 50*time.Millisecond, reg, log)
	sm := service.NewSessionManager(mem, reg, hub, service.SessionOptions{
		DefaultMaxMembers: 4,
		MaxMembersLimit:   8,
		IdleThreshold:     time.Hour,
	}, log)
	ach := service.NewAchievements(mem, sm, log)
	lb := service.NewLeaderboard(mem, nil, sm, ach, service.LeaderboardOptions{DefaultLimit: 10, MaxLimit: 50}, log)
	tr := service.NewTransfers(mem, sm, ach, log)

	verifier := usernameVerifier{}
	h := router.New(router.Handlers{
		Sessions:    handler.NewSessionHandler(sm, tr, "wss://play.example.com/"),
		Leaderboard: handler.NewLeaderboardHandler(lb),
		Players:     handler.NewPlayerHandler(ach, tr, sm),
		WS: handler.NewGameWSHandler(reg, sm, tr, verifier, handler.WSOptions{
			MaxMessageSize: 4096,
			PingInterval:   5 * time.Second,
			PongWait:       10 * time.Second,
			ErrorWait:      50 * time.Millisecond,
			ChatMaxLength:  20,
			Conn:           service.ConnOptions{QueueSize: 32},
		}, log),
		Health: handler.NewHealthHandler(nil),
	}, verifier, log)

	t.Cleanup(func() {
		reg.Wait()
		hub.Close()
	})
	return &env{t: t, reg: reg, sm: sm, h: h}
}

type response struct {
	Code int
	Body []byte
}

func (r response) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, v), string(r.Body))
}

func (r response) errCode(t *testing.T) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	r.decode(t, &body)
	return body.Code
}

func (e *env) do(method, path, user string, body any) response {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return response{Code: w.Code, Body: w.Body.Bytes()}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health", "", nil).Code)

	r := e.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, r.Code)
	assert.JSONEq(t, `{"status":"ready"}`, string(r.Body))
}

func TestSessionsREST(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodPost, "/sessions", "", model.CreateSessionRequest{})
	assert.Equal(t, http.StatusUnauthorized, r.Code)

	r = e.do(http.MethodPost, "/sessions", "alice", model.CreateSessionRequest{SessionID: "s1", MaxPlayers: 3})
	require.Equal(t, http.StatusCreated, r.Code, string(r.Body))
	var created model.CreateSessionResponse
	r.decode(t, &created)
	assert.Equal(t, "s1", created.SessionID)
	assert.Equal(t, "alice", created.Host)
	assert.Equal(t, "standard", created.Mode)
	assert.Equal(t, "wss://play.example.com/ws/alice?session_id=s1", created.WSURL)

	r = e.do(http.MethodPost, "/sessions", "bob", model.CreateSessionRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "conflict", r.errCode(t))

	r = e.do(http.MethodPost, "/sessions", "bob", model.CreateSessionRequest{SessionID: "global"})
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = e.do(http.MethodPost, "/sessions/s1/join", "bob", nil)
	require.Equal(t, http.StatusOK, r.Code, string(r.Body))
	var view model.Session
	r.decode(t, &view)
	assert.Len(t, view.Members, 2)

	r = e.do(http.MethodPost, "/sessions/s1/join", "bob", nil)
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "already_member", r.errCode(t))

	r = e.do(http.MethodPost, "/sessions/s1/join", "carol", nil)
	require.Equal(t, http.StatusOK, r.Code)
	r = e.do(http.MethodPost, "/sessions/s1/join", "dave", nil)
	assert.Equal(t, http.StatusConflict, r.Code)
	assert.Equal(t, "full", r.errCode(t))

	r = e.do(http.MethodGet, "/sessions", "dave", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var list model.SessionListResponse
	r.decode(t, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, 3, list.Sessions[0].PlayerCount)

	r = e.do(http.MethodPost, "/sessions/s1/ready", "bob", model.SetReadyRequest{Ready: true})
	assert.Equal(t, http.StatusOK, r.Code)
	r = e.do(http.MethodPost, "/sessions/s1/ready", "dave", model.SetReadyRequest{Ready: true})
	assert.GreaterOrEqual(t, r.Code, http.StatusBadRequest)

	r = e.do(http.MethodDelete, "/sessions/s1", "bob", nil)
	assert.Equal(t, http.StatusForbidden, r.Code)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/sessions/s1/leave", "carol", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/sessions/nope", "alice", nil).Code)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/sessions/s1", "alice", nil).Code)
	r = e.do(http.MethodGet, "/sessions/s1", "alice", nil)
	require.Equal(t, http.StatusOK, r.Code)
	r.decode(t, &view)
	assert.Equal(t, model.SessionStatusInactive, view.Status)

	r = e.do(http.MethodGet, "/sessions", "alice", nil)
	r.decode(t, &list)
	assert.Empty(t, list.Sessions)
}

func TestLeaderboardREST(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodPost, "/leaderboard", "", model.SubmitScoreRequest{Score: 10})
	assert.Equal(t, http.StatusUnauthorized, r.Code)

	for user, score := range map[string]int{"alice": 100, "bob": 80, "carol": 150} {
		r := e.do(http.MethodPost, "/leaderboard", user, model.SubmitScoreRequest{Score: score, WaveReached: 3})
		require.Equal(t, http.StatusOK, r.Code, string(r.Body))
	}
	r = e.do(http.MethodPost, "/leaderboard", "alice", model.SubmitScoreRequest{Score: 0})
	assert.Equal(t, http.StatusBadRequest, r.Code)
	assert.Equal(t, "invalid_argument", r.errCode(t))

	r = e.do(http.MethodGet, "/leaderboard?limit=10", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var board model.LeaderboardResponse
	r.decode(t, &board)
	assert.Equal(t, "global", board.Scope)
	require.Len(t, board.Entries, 3)
	got := make([]string, 0, 3)
	for _, en := range board.Entries {
		got = append(got, en.Username)
	}
	assert.Equal(t, []string{"carol", "alice", "bob"}, got)
	assert.Equal(t, []int{1, 2, 3}, []int{board.Entries[0].Rank, board.Entries[1].Rank, board.Entries[2].Rank})

	r = e.do(http.MethodGet, "/leaderboard/rank/alice", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var rank model.RankResponse
	r.decode(t, &rank)
	assert.Equal(t, 2, rank.Entry.Rank)
	assert.Equal(t, 100, rank.Entry.Score)

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/leaderboard/rank/zed", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/leaderboard?limit=many", "", nil).Code)
}

func TestAchievementsREST(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodGet, "/achievements", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var catalog struct {
		Achievements []model.AchievementView `json:"achievements"`
	}
	r.decode(t, &catalog)
	assert.NotEmpty(t, catalog.Achievements)

	r = e.do(http.MethodPost, "/achievements/unlock", "alice", model.UnlockRequest{Achievement: "First Blood"})
	require.Equal(t, http.StatusCreated, r.Code, string(r.Body))
	var unlocked model.UnlockResponse
	r.decode(t, &unlocked)
	assert.Equal(t, model.UnlockNewly, unlocked.Status)

	r = e.do(http.MethodPost, "/achievements/unlock", "alice", model.UnlockRequest{Achievement: "First Blood"})
	require.Equal(t, http.StatusOK, r.Code)
	r.decode(t, &unlocked)
	assert.Equal(t, model.UnlockAlready, unlocked.Status)

	r = e.do(http.MethodPost, "/achievements/unlock", "alice", model.UnlockRequest{Achievement: "Nope"})
	assert.Equal(t, http.StatusNotFound, r.Code)
	r = e.do(http.MethodPost, "/achievements/unlock", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = e.do(http.MethodGet, "/players/alice/achievements", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var mine struct {
		Achievements []model.AchievementView `json:"achievements"`
	}
	r.decode(t, &mine)
	require.Len(t, mine.Achievements, 1)
	assert.Equal(t, "First Blood", mine.Achievements[0].Name)

	r = e.do(http.MethodGet, "/players/bob/achievements", "", nil)
	require.Equal(t, http.StatusOK, r.Code)
	assert.JSONEq(t, `{"username":"bob","achievements":[]}`, string(r.Body))
}

func TestInventoryAndTransfersREST(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodPost, "/players/me/resources", "alice", model.AddResourcesRequest{ResourceType: "code_fragments", Amount: 10})
	require.Equal(t, http.StatusOK, r.Code, string(r.Body))

	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/sessions", "alice", model.CreateSessionRequest{SessionID: "s1"}).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/sessions/s1/join", "bob", nil).Code)

	r = e.do(http.MethodPost, "/sessions/s1/transfers", "alice",
		model.TransferRequest{ToUsername: "bob", ResourceType: "code_fragments", Amount: 4})
	require.Equal(t, http.StatusCreated, r.Code, string(r.Body))

	r = e.do(http.MethodPost, "/sessions/s1/transfers", "alice",
		model.TransferRequest{ToUsername: "bob", ResourceType: "code_fragments", Amount: 40})
	assert.Equal(t, http.StatusBadRequest, r.Code)

	r = e.do(http.MethodGet, "/sessions/s1/transfers", "bob", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var history struct {
		Transfers []model.Transfer `json:"transfers"`
	}
	r.decode(t, &history)
	require.Len(t, history.Transfers, 1)
	assert.Equal(t, "alice", history.Transfers[0].FromUsername)

	r = e.do(http.MethodGet, "/players/me/inventory", "alice", nil)
	require.Equal(t, http.StatusOK, r.Code)
	var inv model.InventoryResponse
	r.decode(t, &inv)
	assert.Equal(t, 6, inv.Inventory["code_fragments"])

	r = e.do(http.MethodGet, "/players/me/inventory", "carol", nil)
	require.Equal(t, http.StatusOK, r.Code)
	r.decode(t, &inv)
	assert.Equal(t, "carol", inv.Username)
	assert.Zero(t, inv.Inventory["code_fragments"])
}

func TestPlayerProfileREST(t *testing.T) {
	e := newEnv(t)

	r := e.do(http.MethodGet, "/players/alice", "", nil)
	assert.Equal(t, http.StatusNotFound, r.Code)
	assert.Equal(t, "not_found", r.errCode(t))

	require.Equal(t, http.StatusOK,
		e.do(http.MethodPost, "/players/me/resources", "alice", model.AddResourcesRequest{ResourceType: "data_shards", Amount: 3}).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/leaderboard", "alice", model.SubmitScoreRequest{Score: 300}).Code)
	require.Equal(t, http.StatusCreated, e.do(http.MethodPost, "/sessions", "alice", model.CreateSessionRequest{SessionID: "s1"}).Code)

	r = e.do(http.MethodGet, "/players/alice", "", nil)
	require.Equal(t, http.StatusOK, r.Code, string(r.Body))
	var p model.PlayerProfile
	r.decode(t, &p)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, 300, p.Score)
	assert.Equal(t, 3, p.Inventory["data_shards"])
	assert.Equal(t, "s1", p.SessionID)
	assert.False(t, p.Online)

	// The static route next to the wildcard still answers.
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/players/alice/achievements", "", nil).Code)
}
