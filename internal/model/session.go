package model

import "time"

// SessionStatus represents game session state.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusInactive SessionStatus = "inactive"
)

// Session is the API view of a game session (not GORM entity).
type Session struct {
	ID         string        `json:"session_id"`
	Host       string        `json:"host"`
	Mode       string        `json:"mode"`
	MaxPlayers int           `json:"max_players"`
	Status     SessionStatus `json:"status"`
	Members    []Member      `json:"members"`
	CreatedAt  time.Time     `json:"created_at"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
}

// Member is a participant of a session (API response DTO).
type Member struct {
	Username string    `json:"username"`
	Ready    bool      `json:"ready"`
	Host     bool      `json:"host"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionSummary is one row of the active session list.
type SessionSummary struct {
	ID          string    `json:"session_id"`
	Host        string    `json:"host"`
	Mode        string    `json:"mode"`
	MaxPlayers  int       `json:"max_players"`
	PlayerCount int       `json:"player_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateSessionRequest is the request body for POST /sessions.
type CreateSessionRequest struct {
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	MaxPlayers int    `json:"max_players" binding:"gte=0"`
}

// CreateSessionResponse is the response for POST /sessions.
type CreateSessionResponse struct {
	SessionID  string    `json:"session_id"`
	Host       string    `json:"host"`
	Mode       string    `json:"mode"`
	MaxPlayers int       `json:"max_players"`
	WSURL      string    `json:"ws_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// SetReadyRequest is the request body for POST /sessions/:id/ready.
type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

// SessionListResponse is the response for GET /sessions.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// TransferRequest is the request body for POST /sessions/:id/transfers.
type TransferRequest struct {
	ToUsername   string `json:"to_username" binding:"required"`
	ResourceType string `json:"resource_type" binding:"required"`
	Amount       int    `json:"amount" binding:"required"`
}

// Transfer is the API view of a resource transfer.
type Transfer struct {
	ID           int64     `json:"transfer_id"`
	SessionID    string    `json:"session_id"`
	FromUsername string    `json:"from_username"`
	ToUsername   string    `json:"to_username"`
	ResourceType string    `json:"resource_type"`
	Amount       int       `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
}

// AddResourcesRequest is the request body for POST /players/me/resources.
type AddResourcesRequest struct {
	ResourceType string `json:"resource_type" binding:"required"`
	Amount       int    `json:"amount" binding:"required"`
}

// InventoryResponse is the response for the inventory endpoints.
type InventoryResponse struct {
	Username  string         `json:"username"`
	Inventory map[string]int `json:"inventory"`
}

// PlayerProfile is the public view of a player: stored position, best score and
// inventory, plus presence.
type PlayerProfile struct {
	Username  string         `json:"username"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Score     int            `json:"score"`
	Inventory map[string]int `json:"inventory"`
	Online    bool           `json:"online"`
	SessionID string         `json:"session_id,omitempty"`
	LastLogin *time.Time     `json:"last_login,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
