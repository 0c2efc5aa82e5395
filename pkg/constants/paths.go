package constants

// Пути health, ready и игрового WebSocket (остальные API описаны в router).
const (
	PathHealth    = "/health"
	PathReady     = "/ready"
	PathWebSocket = "/ws/:username"
)
