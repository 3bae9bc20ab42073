package realtime

import "time"

// Status is the lifecycle state of the realtime connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// ConnectionState is a point-in-time snapshot of the manager.
type ConnectionState struct {
	ID                string    `json:"id"`
	Status            Status    `json:"status"`
	LastPing          time.Time `json:"last_ping,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Channels          []string  `json:"channels,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	// Exhausted is set once automatic reconnection has given up. Only an
	// explicit Reconnect leaves this state.
	Exhausted bool `json:"exhausted,omitempty"`
}
