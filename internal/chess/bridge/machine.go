package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"go.uber.org/zap"
)

const (
	DefaultInitialMoveTime = 1000
	DefaultSearchMoveTime  = 2000
)

// Sender is the outbound half of the command channel.
type Sender interface {
	Send(cmd uci.Command) error
}

// Applier receives decoded best moves together with the side the engine
// searched for.
type Applier interface {
	Deliver(ctx context.Context, mv uci.MoveIntent, searched Color) error
}

type MachineConfig struct {
	// InitialMoveTime is the movetime of the search issued right after the
	// handshake, SearchMoveTime the one of every submitted position.
	InitialMoveTime int
	SearchMoveTime  int
	// SearchDepth and SearchNodes further cap searches of submitted
	// positions; zero leaves them out.
	SearchDepth int
	SearchNodes int
	// Options are sent between uciok and ucinewgame.
	Options []uci.Command
}

// Step describes the effect of one input on the machine.
type Step struct {
	From, To  State
	Applied   *uci.MoveIntent
	Discarded bool
	Search    time.Duration
}

func (s Step) Changed() bool {
	return s.From != s.To || s.Applied != nil || s.Discarded
}

// Machine is the protocol state machine of one session. It is not safe for
// concurrent use; the controller drives it from a single goroutine.
type Machine struct {
	cfg    MachineConfig
	out    Sender
	board  Applier
	logger *zap.Logger
	now    func() time.Time

	state      State
	position   string
	pending    string
	hasPending bool
	lastBest   string
	lastInfo   uci.Info
	searchAt   time.Time
	searchSide Color
}

func NewMachine(cfg MachineConfig, out Sender, board Applier, logger *zap.Logger) *Machine {
	if cfg.InitialMoveTime <= 0 {
		cfg.InitialMoveTime = DefaultInitialMoveTime
	}
	if cfg.SearchMoveTime <= 0 {
		cfg.SearchMoveTime = DefaultSearchMoveTime
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{cfg: cfg, out: out, board: board, logger: logger, now: time.Now}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Position() string { return m.position }

func (m *Machine) LastBestMove() string { return m.lastBest }

func (m *Machine) LastInfo() uci.Info { return m.lastInfo }

func (m *Machine) Start() (Step, error) {
	step := Step{From: m.state}
	if m.state != StateUninitialized {
		step.To = m.state
		return step, fmt.Errorf("start from %s: %w", m.state, ErrAlreadyStarted)
	}
	if err := m.send(uci.CmdUCI); err != nil {
		step.To = m.state
		return step, err
	}
	m.state = StateHandshaking
	step.To = m.state
	return step, nil
}

// Handle consumes one inbound line. Only a malformed bestmove returns an
// error, as ParseAnomaly; the session stays usable either way.
func (m *Machine) Handle(ctx context.Context, line string) (Step, error) {
	ev := uci.ParseEvent(line)
	step := Step{From: m.state, To: m.state}
	if m.state == StateTerminated {
		return step, nil
	}

	switch ev.Kind {
	case uci.EventUciOK:
		if m.state != StateHandshaking {
			m.ignore(ev)
			return step, nil
		}
		for _, opt := range m.cfg.Options {
			if err := m.send(opt); err != nil {
				return step, err
			}
		}
		if err := m.send(uci.CmdNewGame); err != nil {
			return step, err
		}
		if err := m.send(uci.CmdIsReady); err != nil {
			return step, err
		}
		m.state = StateAwaitingReady

	case uci.EventReadyOK:
		if m.state != StateAwaitingReady {
			m.ignore(ev)
			return step, nil
		}
		if err := m.search(uci.GoMoveTime(m.cfg.InitialMoveTime), White); err != nil {
			return step, err
		}

	case uci.EventBestMove:
		if m.state != StateThinking {
			m.ignore(ev)
			return step, nil
		}
		if uci.IsNullMove(ev.Move) {
			m.logger.Info("bestmove_none", zap.String("position", m.position))
			step.Search = m.finishSearch("")
			break
		}
		mv, err := uci.DecodeMove(ev.Move)
		if err != nil {
			m.logger.Warn("bestmove_parse_anomaly", zap.String("line", ev.Raw), zap.Error(err))
			return step, &Error{Kind: KindParseAnomaly, Op: "decode bestmove", Err: err}
		}
		step.Search = m.finishSearch(ev.Move)
		if err := m.board.Deliver(ctx, mv, m.searchSide); err != nil {
			step.Discarded = true
			if errors.Is(err, ErrTurnMismatch) {
				m.logger.Debug("bestmove_turn_mismatch", zap.String("move", mv.UCI()))
			} else {
				m.logger.Warn("bestmove_apply_failed", zap.String("move", mv.UCI()), zap.Error(err))
			}
		} else {
			applied := mv
			step.Applied = &applied
		}

	case uci.EventInfo:
		if len(ev.Info.Principal) > 0 {
			m.lastInfo = ev.Info
		}

	default:
		m.ignore(ev)
	}

	if m.state == StateReady && m.hasPending {
		moves := m.pending
		m.pending, m.hasPending = "", false
		if err := m.submit(moves); err != nil {
			step.To = m.state
			return step, err
		}
	}
	step.To = m.state
	return step, nil
}

// Submit sends a new position for the engine to search. Outside Ready the
// request is parked, replacing any parked one, and goes out on the next
// transition into Ready.
func (m *Machine) Submit(movesSoFar string) (Step, error) {
	step := Step{From: m.state, To: m.state}
	switch m.state {
	case StateTerminated:
		return step, &Error{Kind: KindSessionLost, Op: "submit position"}
	case StateReady:
		err := m.submit(movesSoFar)
		step.To = m.state
		return step, err
	default:
		if m.hasPending {
			m.logger.Debug("position_superseded", zap.String("dropped", m.pending), zap.String("moves", movesSoFar))
		}
		m.pending, m.hasPending = movesSoFar, true
		return step, nil
	}
}

// Lost marks the session dead after the context went away on its own.
func (m *Machine) Lost(cause error) (Step, error) {
	step := Step{From: m.state, To: StateTerminated}
	m.state = StateTerminated
	m.hasPending = false
	return step, &Error{Kind: KindSessionLost, Op: "engine context", Err: cause}
}

// Interrupt asks a thinking engine to cut its search short. The reply is
// left unread.
func (m *Machine) Interrupt() error {
	if m.state != StateThinking {
		return nil
	}
	return m.send(uci.CmdStop)
}

// Stop marks an expected teardown.
func (m *Machine) Stop() Step {
	step := Step{From: m.state, To: StateTerminated}
	m.state = StateTerminated
	m.hasPending = false
	return step
}

func (m *Machine) submit(moves string) error {
	if err := m.send(uci.Position(moves)); err != nil {
		return err
	}
	m.position = moves
	cmd, err := uci.Go(uci.Limits{
		Depth:          m.cfg.SearchDepth,
		MoveTimeMillis: m.cfg.SearchMoveTime,
		NodeCap:        m.cfg.SearchNodes,
	})
	if err != nil {
		return err
	}
	return m.search(cmd, sideToMove(moves))
}

func (m *Machine) search(cmd uci.Command, side Color) error {
	if err := m.send(cmd); err != nil {
		return err
	}
	m.state = StateThinking
	m.searchAt = m.now()
	m.searchSide = side
	return nil
}

// sideToMove is the color to play after movesSoFar from the start position.
func sideToMove(movesSoFar string) Color {
	if len(strings.Fields(movesSoFar))%2 == 0 {
		return White
	}
	return Black
}

func (m *Machine) finishSearch(best string) time.Duration {
	if best != "" {
		m.lastBest = best
	}
	m.state = StateReady
	if m.searchAt.IsZero() {
		return 0
	}
	return m.now().Sub(m.searchAt)
}

func (m *Machine) send(cmd uci.Command) error {
	if err := m.out.Send(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Name(), err)
	}
	return nil
}

func (m *Machine) ignore(ev uci.Event) {
	if ev.Raw == "" {
		return
	}
	m.logger.Debug("uci_ignored", zap.String("line", ev.Raw), zap.String("state", m.state.String()))
}
