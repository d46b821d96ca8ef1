package boardlink

import "github.com/park285/cheese-engine-bridge/internal/chess/bridge"

// HeaderProvider allows injecting per-request headers
type HeaderProvider func() map[string]string

type TurnResponse struct {
	Turn string `json:"turn"`
}

type MoveRequest struct {
	SessionID string `json:"session_id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	UCI       string `json:"uci"`
}

const (
	MessagePosition = "position"
	MessageSnapshot = "snapshot"
)

// Message is one websocket frame between the board UI and the bridge.
type Message struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Moves     string           `json:"moves,omitempty"`
	Snapshot  *bridge.Snapshot `json:"snapshot,omitempty"`
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}
