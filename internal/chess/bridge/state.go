package bridge

import (
	"fmt"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
)

type State int32

const (
	StateUninitialized State = iota
	StateHandshaking
	StateAwaitingReady
	StateReady
	StateThinking
	StateTerminated
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateHandshaking:   "handshaking",
	StateAwaitingReady: "awaiting_ready",
	StateReady:         "ready",
	StateThinking:      "thinking",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", string(b))
}

// Color is a side to move as reported by the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func ParseColor(s string) (Color, error) {
	switch s {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	}
	return "", fmt.Errorf("unknown color %q", s)
}

// SnapshotEvent names what produced a snapshot.
type SnapshotEvent string

const (
	EventStarted     SnapshotEvent = "started"
	EventTransition  SnapshotEvent = "transition"
	EventMoveApplied SnapshotEvent = "move_applied"
	EventDiscarded   SnapshotEvent = "discarded"
	EventLost        SnapshotEvent = "lost"
	EventClosed      SnapshotEvent = "closed"
)

type Snapshot struct {
	SessionID      string          `json:"session_id"`
	Handle         uint64          `json:"handle"`
	Event          SnapshotEvent   `json:"event"`
	State          State           `json:"state"`
	Position       string          `json:"position"`
	LastBestMove   string          `json:"last_best_move,omitempty"`
	LastInfo       uci.Info        `json:"last_info"`
	Applied        *uci.MoveIntent `json:"applied,omitempty"`
	SearchDuration time.Duration   `json:"search_duration"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
