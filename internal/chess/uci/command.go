package uci

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is one outbound protocol line, without the trailing newline.
type Command string

const (
	CmdUCI     Command = "uci"
	CmdNewGame Command = "ucinewgame"
	CmdIsReady Command = "isready"
	CmdStop    Command = "stop"
	CmdQuit    Command = "quit"
)

type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

func (c Command) String() string { return string(c) }

// Name returns the leading keyword, e.g. "position" or "go".
func (c Command) Name() string {
	s := strings.TrimSpace(string(c))
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func Position(movesSoFar string) Command {
	return PositionFEN("", strings.Fields(movesSoFar))
}

func PositionFEN(fen string, moves []string) Command {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(strings.TrimSpace(fen))
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	return Command(sb.String())
}

func Go(l Limits) (Command, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return "", fmt.Errorf("no search limits specified")
	}
	return Command(strings.Join(args, " ")), nil
}

func GoMoveTime(millis int) Command {
	if millis <= 0 {
		millis = 1
	}
	return Command("go movetime " + strconv.Itoa(millis))
}

func SetOption(name string, value int) Command {
	return Command(fmt.Sprintf("setoption name %s value %d", name, value))
}
