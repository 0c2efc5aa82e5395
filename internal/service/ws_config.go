package service

import (
	"fmt"
	"net/url"
	"strings"
)

// WSConfig holds WebSocket URL base for responses.
type WSConfig struct {
	BaseURL string
}

// WSURL returns the WebSocket URL a player connects to for a session (e.g. wss://host/ws/alice?session_id=...).
func (c *WSConfig) WSURL(sessionID, username string) string {
	path := fmt.Sprintf("/ws/%s?session_id=%s", url.PathEscape(username), url.QueryEscape(sessionID))
	if c == nil || c.BaseURL == "" {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + path
}
