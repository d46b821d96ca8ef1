package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
)

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrGameOver    = errors.New("game over")
)

// Played is reported for every move applied to a LocalBoard.
type Played struct {
	UCI    string
	SAN    string
	By     bridge.Color
	FEN    string
	Result string
}

// LocalBoard is an in-process board backed by a full rules engine. It
// validates legality, so an engine move that slipped past the turn check but
// is illegal in the position is still rejected.
type LocalBoard struct {
	mu     sync.Mutex
	game   *nchess.Game
	moves  []string
	sans   []string
	onMove func(Played)
}

func NewLocalBoard(onMove func(Played)) *LocalBoard {
	return &LocalBoard{game: nchess.NewGame(), onMove: onMove}
}

// Replay rebuilds a board from a UCI move list.
func Replay(moves string, onMove func(Played)) (*LocalBoard, error) {
	b := NewLocalBoard(nil)
	for _, mv := range strings.Fields(moves) {
		if err := b.push(mv); err != nil {
			return nil, err
		}
	}
	b.onMove = onMove
	return b, nil
}

func (b *LocalBoard) TurnColor(context.Context) (bridge.Color, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return colorFrom(b.game.Position().Turn()), nil
}

func (b *LocalBoard) Move(_ context.Context, mv uci.MoveIntent) error {
	return b.push(mv.UCI())
}

// Play applies a human move in UCI or SAN notation.
func (b *LocalBoard) Play(move string) error {
	raw := strings.TrimSpace(move)
	if raw == "" {
		return fmt.Errorf("empty move: %w", ErrIllegalMove)
	}
	if mv, err := uci.DecodeMove(strings.ToLower(raw)); err == nil {
		return b.push(mv.UCI())
	}

	b.mu.Lock()
	if b.game.Outcome() != nchess.NoOutcome {
		b.mu.Unlock()
		return ErrGameOver
	}
	pos := b.game.Position()
	if err := b.game.PushNotationMove(raw, nchess.AlgebraicNotation{}, nil); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", raw, ErrIllegalMove)
	}
	last := b.lastMove()
	if last == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", raw, ErrIllegalMove)
	}
	played := b.record(pos, last)
	b.mu.Unlock()
	b.notify(played)
	return nil
}

// Moves is the space separated UCI history, suitable for SubmitPosition.
func (b *LocalBoard) Moves() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.moves, " ")
}

func (b *LocalBoard) SAN() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sans...)
}

func (b *LocalBoard) FEN() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.game.FEN()
}

// Result is "*" while the game is running, otherwise "1-0", "0-1" or "1/2-1/2".
func (b *LocalBoard) Result() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.game.Outcome().String()
}

func (b *LocalBoard) push(move string) error {
	b.mu.Lock()
	if b.game.Outcome() != nchess.NoOutcome {
		b.mu.Unlock()
		return ErrGameOver
	}
	pos := b.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, move)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", move, ErrIllegalMove)
	}
	if err := b.game.Move(mv, nil); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", move, ErrIllegalMove)
	}
	played := b.record(pos, mv)
	b.mu.Unlock()
	b.notify(played)
	return nil
}

func (b *LocalBoard) record(before *nchess.Position, mv *nchess.Move) Played {
	san := nchess.AlgebraicNotation{}.Encode(before, mv)
	u := nchess.UCINotation{}.Encode(before, mv)
	b.moves = append(b.moves, u)
	b.sans = append(b.sans, san)
	return Played{
		UCI:    u,
		SAN:    san,
		By:     colorFrom(before.Turn()),
		FEN:    b.game.FEN(),
		Result: b.game.Outcome().String(),
	}
}

func (b *LocalBoard) lastMove() *nchess.Move {
	moves := b.game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func (b *LocalBoard) notify(p Played) {
	if b.onMove != nil {
		b.onMove(p)
	}
}

func colorFrom(c nchess.Color) bridge.Color {
	if c == nchess.White {
		return bridge.White
	}
	return bridge.Black
}
