package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies session failures. Only SpawnFailure and SessionLost are
// surfaced to callers; the other kinds are absorbed with logging.
type Kind int

const (
	KindSpawnFailure Kind = iota + 1
	KindParseAnomaly
	KindTurnMismatch
	KindSessionLost
)

var (
	ErrSpawnFailure = errors.New("engine spawn failure")
	ErrParseAnomaly = errors.New("engine output parse anomaly")
	ErrTurnMismatch = errors.New("not the engine's turn")
	ErrSessionLost  = errors.New("engine session lost")

	ErrNotStarted     = errors.New("session not started")
	ErrAlreadyStarted = errors.New("session already started")
)

func (k Kind) String() string {
	switch k {
	case KindSpawnFailure:
		return "spawn_failure"
	case KindParseAnomaly:
		return "parse_anomaly"
	case KindTurnMismatch:
		return "turn_mismatch"
	case KindSessionLost:
		return "session_lost"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindSpawnFailure:
		return ErrSpawnFailure
	case KindParseAnomaly:
		return ErrParseAnomaly
	case KindTurnMismatch:
		return ErrTurnMismatch
	case KindSessionLost:
		return ErrSessionLost
	default:
		return nil
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the failure kind carried by err, or 0.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}
