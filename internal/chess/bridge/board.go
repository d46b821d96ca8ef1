package bridge

import (
	"context"
	"fmt"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"go.uber.org/zap"
)

// Board is the external board the engine plays on.
type Board interface {
	TurnColor(ctx context.Context) (Color, error)
	Move(ctx context.Context, mv uci.MoveIntent) error
}

// BoardBridge hands engine moves to the board while it is still the
// engine's turn.
type BoardBridge struct {
	board       Board
	engineColor Color
	logger      *zap.Logger
}

func NewBoardBridge(board Board, engineColor Color, logger *zap.Logger) *BoardBridge {
	if engineColor == "" {
		engineColor = Black
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoardBridge{board: board, engineColor: engineColor, logger: logger}
}

func (b *BoardBridge) EngineColor() Color { return b.engineColor }

// Apply moves the board only when current is the engine's color. A
// mismatched intent is dropped and reported as TurnMismatch.
func (b *BoardBridge) Apply(ctx context.Context, mv uci.MoveIntent, current Color) error {
	if current != b.engineColor {
		b.logger.Debug("bestmove_discarded", zap.String("move", mv.UCI()), zap.String("turn", string(current)), zap.String("engine", string(b.engineColor)))
		return &Error{Kind: KindTurnMismatch, Op: "apply " + mv.UCI()}
	}
	if err := b.board.Move(ctx, mv); err != nil {
		return fmt.Errorf("board move %s: %w", mv.UCI(), err)
	}
	return nil
}

// Deliver drops a move searched for the other side, then reads the turn from
// the board at decision time and applies. An empty searched skips the first
// check.
func (b *BoardBridge) Deliver(ctx context.Context, mv uci.MoveIntent, searched Color) error {
	if searched != "" && searched != b.engineColor {
		b.logger.Debug("bestmove_stale_side", zap.String("move", mv.UCI()), zap.String("searched", string(searched)), zap.String("engine", string(b.engineColor)))
		return &Error{Kind: KindTurnMismatch, Op: "apply " + mv.UCI() + " searched for " + string(searched)}
	}
	turn, err := b.board.TurnColor(ctx)
	if err != nil {
		return fmt.Errorf("board turn color: %w", err)
	}
	return b.Apply(ctx, mv, turn)
}
