package model

import "time"

// EventType tags every server → client message.
type EventType string

const (
	EventPlayerJoined        EventType = "player_joined"
	EventPlayerLeft          EventType = "player_left"
	EventPlayerMoved         EventType = "player_moved"
	EventChatMessage         EventType = "chat_message"
	EventPlayerReadyChanged  EventType = "player_ready_changed"
	EventHostChanged         EventType = "host_changed"
	EventLeaderboardUpdated  EventType = "leaderboard_updated"
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventResourceTransfer    EventType = "resource_transfer"
	EventSessionClosed       EventType = "session_closed"
	EventError               EventType = "error"

	// Replies sent only to the requesting connection.
	EventResourceShareResponse EventType = "resource_share_response"
	EventTransferHistory       EventType = "transfer_history"
)

// Droppable events may be coalesced or discarded under backpressure; the next tick replaces them.
func (t EventType) Droppable() bool {
	return t == EventPlayerMoved
}

// OriginServer is the origin of events not caused by a player.
const OriginServer = "server"

// Event is the envelope of every server → client message.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// PlayerPayload is carried by player_joined, player_left and host_changed.
type PlayerPayload struct {
	Username string `json:"username"`
	Reason   string `json:"reason,omitempty"`
}

// Leave reasons.
const (
	LeaveReasonLeft       = "left"
	LeaveReasonDisconnect = "disconnect"
	LeaveReasonReconnect  = "reconnect"
	LeaveReasonEvicted    = "evicted"
	LeaveReasonTerminated = "terminated"
)

// MovePayload is carried by player_moved.
type MovePayload struct {
	Username  string  `json:"username"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Direction string  `json:"direction,omitempty"`
}

// ChatPayload is carried by chat_message.
type ChatPayload struct {
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyPayload is carried by player_ready_changed.
type ReadyPayload struct {
	Username string `json:"username"`
	Ready    bool   `json:"ready"`
}

// LeaderboardPayload is carried by leaderboard_updated.
type LeaderboardPayload struct {
	Scope   string        `json:"scope"`
	Entries []RankedEntry `json:"entries"`
}

// AchievementPayload is carried by achievement_unlocked.
type AchievementPayload struct {
	Username    string `json:"username"`
	Achievement string `json:"achievement"`
	Points      int    `json:"points"`
}

// SessionClosedPayload is carried by session_closed.
type SessionClosedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ResourceSharePayload is carried by resource_share_response.
type ResourceSharePayload struct {
	Status   string    `json:"status"`
	Transfer *Transfer `json:"transfer"`
}

// TransferHistoryPayload is carried by transfer_history.
type TransferHistoryPayload struct {
	SessionID string     `json:"session_id"`
	Transfers []Transfer `json:"transfers"`
}

// ErrorPayload answers a rejected client action.
type ErrorPayload struct {
	Action  string `json:"action"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client → server message types.
const (
	MsgUpdatePosition = "update_position"
	MsgChatMessage    = "chat_message"
	MsgSetReady       = "set_ready"
	MsgJoinSession    = "join_session"
	MsgLeaveSession   = "leave_session"
	MsgShareResource  = "share_resource"
	MsgRequestHistory = "request_transfers"
)

// ClientMessage is any client → server message; fields are read according to Type.
type ClientMessage struct {
	Type      string   `json:"type"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Direction string   `json:"direction,omitempty"`
	Text      string   `json:"text,omitempty"`
	Ready     *bool    `json:"ready,omitempty"`
	SessionID string   `json:"session_id,omitempty"`

	// share_resource
	ToUsername   string `json:"to_username,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Amount       int    `json:"amount,omitempty"`
}
