package uci

import (
	"strconv"
	"strings"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventUciOK
	EventReadyOK
	EventBestMove
	EventInfo
)

const mateScore = 30000

func (k EventKind) String() string {
	switch k {
	case EventUciOK:
		return "uciok"
	case EventReadyOK:
		return "readyok"
	case EventBestMove:
		return "bestmove"
	case EventInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Event is one inbound engine line. Move and Ponder are set for bestmove,
// Info only for info lines.
type Event struct {
	Kind   EventKind
	Raw    string
	Move   string
	Ponder string
	Info   Info
}

type Info struct {
	Depth     int      `json:"depth,omitempty"`
	MultiPV   int      `json:"multipv,omitempty"`
	EvalCP    int      `json:"eval_cp"`
	Mate      int      `json:"mate,omitempty"`
	Principal []string `json:"pv,omitempty"`
}

func ParseEvent(line string) Event {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	ev := Event{Kind: EventUnknown, Raw: line}
	if len(parts) == 0 {
		return ev
	}

	switch parts[0] {
	case "uciok":
		ev.Kind = EventUciOK
	case "readyok":
		ev.Kind = EventReadyOK
	case "bestmove":
		ev.Kind = EventBestMove
		if len(parts) >= 2 {
			ev.Move = parts[1]
		}
		if len(parts) >= 4 && parts[2] == "ponder" {
			ev.Ponder = parts[3]
		}
	case "info":
		ev.Kind = EventInfo
		ev.Info = parseInfo(parts[1:])
	}
	return ev
}

func parseInfo(parts []string) Info {
	info := Info{MultiPV: 1}
	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.Depth = v
				}
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.MultiPV = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				val, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						info.EvalCP = val
					case "mate":
						info.Mate = val
						if val >= 0 {
							info.EvalCP = mateScore
						} else {
							info.EvalCP = -mateScore
						}
					}
				}
				i += 2
			}
		case "pv":
			if i+1 < len(parts) {
				info.Principal = append([]string(nil), parts[i+1:]...)
			}
			i = len(parts)
		}
	}
	return info
}
