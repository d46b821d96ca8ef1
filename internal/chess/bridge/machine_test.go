package bridge

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []uci.Command
}

func (s *fakeSender) Send(cmd uci.Command) error {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) commands() []uci.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uci.Command(nil), s.sent...)
}

type fakeBoard struct {
	mu    sync.Mutex
	turn  Color
	moves []uci.MoveIntent
}

func (b *fakeBoard) TurnColor(context.Context) (Color, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turn, nil
}

func (b *fakeBoard) Move(_ context.Context, mv uci.MoveIntent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moves = append(b.moves, mv)
	return nil
}

func (b *fakeBoard) setTurn(c Color) {
	b.mu.Lock()
	b.turn = c
	b.mu.Unlock()
}

func (b *fakeBoard) applied() []uci.MoveIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uci.MoveIntent(nil), b.moves...)
}

func newTestMachine(cfg MachineConfig) (*Machine, *fakeSender, *fakeBoard) {
	out := &fakeSender{}
	board := &fakeBoard{turn: White}
	m := NewMachine(cfg, out, NewBoardBridge(board, Black, nil), nil)
	return m, out, board
}

func mustHandle(t *testing.T, m *Machine, line string) Step {
	t.Helper()
	step, err := m.Handle(context.Background(), line)
	if err != nil {
		t.Fatalf("Handle(%q): %v", line, err)
	}
	return step
}

// handshake drives a fresh machine to Ready through the initial search.
func handshake(t *testing.T, m *Machine) {
	t.Helper()
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustHandle(t, m, "uciok")
	mustHandle(t, m, "readyok")
	mustHandle(t, m, "bestmove d2d4")
	if m.State() != StateReady {
		t.Fatalf("state after handshake = %s", m.State())
	}
}

func assertGoAfterReady(t *testing.T, sent []uci.Command) {
	t.Helper()
	readyIdx := -1
	for i, cmd := range sent {
		switch cmd.Name() {
		case "isready":
			readyIdx = i
		case "go":
			if readyIdx < 0 {
				t.Fatalf("go sent before isready: %v", sent)
			}
		}
	}
}

func TestMachineHandshakeScenario(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{})

	step, err := m.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if step.To != StateHandshaking {
		t.Fatalf("state after start = %s", step.To)
	}

	mustHandle(t, m, "id name Saiph")
	mustHandle(t, m, "option name Hash type spin default 16 min 1 max 33554432")
	if m.State() != StateHandshaking {
		t.Fatalf("informational lines must not transition, got %s", m.State())
	}

	mustHandle(t, m, "uciok")
	if m.State() != StateAwaitingReady {
		t.Fatalf("state after uciok = %s", m.State())
	}
	mustHandle(t, m, "readyok")
	if m.State() != StateThinking {
		t.Fatalf("state after readyok = %s", m.State())
	}
	mustHandle(t, m, "bestmove d2d4")
	if m.State() != StateReady {
		t.Fatalf("state after bestmove = %s", m.State())
	}

	want := []uci.Command{"uci", "ucinewgame", "isready", "go movetime 1000"}
	if got := out.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	// White to move, the engine plays black: the opening search is discarded.
	if len(board.applied()) != 0 {
		t.Fatalf("unexpected board mutation: %v", board.applied())
	}
	if m.LastBestMove() != "d2d4" {
		t.Fatalf("LastBestMove = %q", m.LastBestMove())
	}
}

func TestMachineNoGoBeforeReadyOK(t *testing.T) {
	m, out, _ := newTestMachine(MachineConfig{})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Out-of-order replies are ignored until the handshake reaches them.
	mustHandle(t, m, "readyok")
	mustHandle(t, m, "bestmove e2e4")
	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, cmd := range out.commands() {
		if cmd.Name() == "go" || cmd.Name() == "position" {
			t.Fatalf("%q sent during handshake", cmd)
		}
	}

	mustHandle(t, m, "uciok")
	for _, cmd := range out.commands() {
		if cmd.Name() == "go" {
			t.Fatalf("go sent before readyok")
		}
	}
	mustHandle(t, m, "readyok")
	assertGoAfterReady(t, out.commands())
	if m.State() != StateThinking {
		t.Fatalf("state = %s", m.State())
	}
}

func TestMachineRoundTrip(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{})
	handshake(t, m)
	board.setTurn(Black)

	before := len(out.commands())
	step, err := m.Submit("e2e4")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if step.From != StateReady || step.To != StateThinking {
		t.Fatalf("unexpected step %+v", step)
	}
	sent := out.commands()[before:]
	want := []uci.Command{"position startpos moves e2e4", "go movetime 2000"}
	if !reflect.DeepEqual(sent, want) {
		t.Fatalf("commands = %v, want %v", sent, want)
	}

	step = mustHandle(t, m, "bestmove e7e5 ponder g1f3")
	if step.Applied == nil || step.To != StateReady {
		t.Fatalf("expected applied move and Ready, got %+v", step)
	}
	moves := board.applied()
	if len(moves) != 1 || moves[0] != (uci.MoveIntent{From: "e7", To: "e5"}) {
		t.Fatalf("board moves = %+v", moves)
	}
	if m.Position() != "e2e4" {
		t.Fatalf("Position = %q", m.Position())
	}
}

func TestMachinePromotion(t *testing.T) {
	m, _, board := newTestMachine(MachineConfig{})
	handshake(t, m)
	board.setTurn(Black)
	if _, err := m.Submit("a2a4 h7h5 a4a5"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	mustHandle(t, m, "bestmove a7a8q")
	moves := board.applied()
	if len(moves) != 1 || moves[0] != (uci.MoveIntent{From: "a7", To: "a8", Promotion: "q"}) {
		t.Fatalf("board moves = %+v", moves)
	}
}

func TestMachineMalformedBestMove(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{})
	handshake(t, m)
	board.setTurn(Black)
	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sentBefore := len(out.commands())

	for _, line := range []string{"bestmove x", "bestmove"} {
		step, err := m.Handle(context.Background(), line)
		if !errors.Is(err, ErrParseAnomaly) {
			t.Fatalf("Handle(%q) err = %v, want ParseAnomaly", line, err)
		}
		if KindOf(err) != KindParseAnomaly {
			t.Fatalf("KindOf = %v", KindOf(err))
		}
		if step.Changed() || m.State() != StateThinking {
			t.Fatalf("malformed event must not transition: %+v state=%s", step, m.State())
		}
	}
	if len(board.applied()) != 0 {
		t.Fatalf("malformed event mutated board: %v", board.applied())
	}
	if len(out.commands()) != sentBefore {
		t.Fatalf("malformed event sent commands")
	}

	mustHandle(t, m, "bestmove e7e5")
	if len(board.applied()) != 1 {
		t.Fatalf("well-formed event after anomaly should apply")
	}
}

func TestMachineTurnMismatchDiscards(t *testing.T) {
	m, _, board := newTestMachine(MachineConfig{})
	handshake(t, m)

	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// The human already moved for black, so it is white's turn again.
	step := mustHandle(t, m, "bestmove e7e5")
	if !step.Discarded || step.Applied != nil {
		t.Fatalf("expected discard, got %+v", step)
	}
	if len(board.applied()) != 0 {
		t.Fatalf("discarded intent reached the board")
	}
	if m.State() != StateReady {
		t.Fatalf("state = %s", m.State())
	}

	// A stale duplicate outside Thinking is ignored entirely.
	step = mustHandle(t, m, "bestmove e7e5")
	if step.Changed() {
		t.Fatalf("stale bestmove changed state: %+v", step)
	}
}

func TestMachineDiscardsSearchForOtherSide(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustHandle(t, m, "uciok")
	mustHandle(t, m, "readyok")

	// The human answered before the opening search returned; the board now
	// waits for black, but the pending search was for white.
	board.setTurn(Black)
	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step := mustHandle(t, m, "bestmove d2d4")
	if !step.Discarded || step.Applied != nil {
		t.Fatalf("white search result must be discarded, got %+v", step)
	}
	if moves := board.applied(); len(moves) != 0 {
		t.Fatalf("board moves after opening search = %+v", moves)
	}
	if !reflect.DeepEqual(out.commands()[len(out.commands())-2:], []uci.Command{"position startpos moves e2e4", "go movetime 2000"}) {
		t.Fatalf("parked position not searched: %v", out.commands())
	}

	step = mustHandle(t, m, "bestmove e7e5")
	moves := board.applied()
	if step.Applied == nil || len(moves) != 1 || moves[0] != (uci.MoveIntent{From: "e7", To: "e5"}) {
		t.Fatalf("black search should apply: step=%+v moves=%+v", step, moves)
	}
}

func TestBoardBridgeDeliverChecksSearchedSide(t *testing.T) {
	board := &fakeBoard{turn: Black}
	b := NewBoardBridge(board, Black, nil)
	mv := uci.MoveIntent{From: "d2", To: "d4"}

	if err := b.Deliver(context.Background(), mv, White); !errors.Is(err, ErrTurnMismatch) {
		t.Fatalf("Deliver for white search err = %v", err)
	}
	if len(board.applied()) != 0 {
		t.Fatalf("stale search reached the board")
	}
	if err := b.Deliver(context.Background(), mv, Black); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := b.Deliver(context.Background(), mv, ""); err != nil {
		t.Fatalf("Deliver without side: %v", err)
	}
	if len(board.applied()) != 2 {
		t.Fatalf("moves = %v", board.applied())
	}
}

func TestSideToMove(t *testing.T) {
	cases := map[string]Color{
		"":                  White,
		"e2e4":              Black,
		"e2e4 e7e5":         White,
		" e2e4  e7e5 g1f3 ": Black,
	}
	for moves, want := range cases {
		if got := sideToMove(moves); got != want {
			t.Fatalf("sideToMove(%q) = %s, want %s", moves, got, want)
		}
	}
}

func TestMachineSearchLimits(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{SearchMoveTime: 1500, SearchDepth: 14, SearchNodes: 400000})
	handshake(t, m)
	board.setTurn(Black)

	before := len(out.commands())
	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	want := []uci.Command{"position startpos moves e2e4", "go depth 14 movetime 1500 nodes 400000"}
	if got := out.commands()[before:]; !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	// The opening search keeps its plain movetime.
	if out.commands()[3] != "go movetime 1000" {
		t.Fatalf("initial search = %q", out.commands()[3])
	}
}

func TestMachineInterrupt(t *testing.T) {
	m, out, _ := newTestMachine(MachineConfig{})
	handshake(t, m)
	before := len(out.commands())
	if err := m.Interrupt(); err != nil {
		t.Fatalf("Interrupt in Ready: %v", err)
	}
	if len(out.commands()) != before {
		t.Fatalf("stop sent outside a search")
	}

	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := m.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	sent := out.commands()
	if sent[len(sent)-1] != uci.CmdStop {
		t.Fatalf("last command = %q", sent[len(sent)-1])
	}
}

func TestMachineSubmitWhileBusyKeepsLatest(t *testing.T) {
	m, out, board := newTestMachine(MachineConfig{})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustHandle(t, m, "uciok")
	mustHandle(t, m, "readyok")

	before := len(out.commands())
	if _, err := m.Submit("e2e4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Submit("d2d4"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(out.commands()) != before {
		t.Fatalf("submit while thinking must not send")
	}

	board.setTurn(White)
	step := mustHandle(t, m, "bestmove g1f3")
	if step.To != StateThinking {
		t.Fatalf("parked position should start a new search, state=%s", step.To)
	}
	sent := out.commands()[before:]
	want := []uci.Command{"position startpos moves d2d4", "go movetime 2000"}
	if !reflect.DeepEqual(sent, want) {
		t.Fatalf("commands = %v, want %v", sent, want)
	}
}

func TestMachineSendsMemoryOptions(t *testing.T) {
	opts := []uci.Command{uci.SetOption("Threads", 2), uci.SetOption("Hash", 64)}
	m, out, _ := newTestMachine(MachineConfig{Options: opts, InitialMoveTime: 250})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustHandle(t, m, "uciok")
	mustHandle(t, m, "readyok")
	want := []uci.Command{
		"uci",
		"setoption name Threads value 2",
		"setoption name Hash value 64",
		"ucinewgame",
		"isready",
		"go movetime 250",
	}
	if got := out.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
}

func TestMachineNullMoveAndInfo(t *testing.T) {
	m, _, board := newTestMachine(MachineConfig{})
	if _, err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustHandle(t, m, "uciok")
	mustHandle(t, m, "readyok")
	mustHandle(t, m, "info depth 5 score cp -12 pv e7e5 g1f3")
	if m.LastInfo().Depth != 5 || m.LastInfo().EvalCP != -12 {
		t.Fatalf("LastInfo = %+v", m.LastInfo())
	}
	if m.State() != StateThinking {
		t.Fatalf("info must not transition")
	}
	board.setTurn(Black)
	mustHandle(t, m, "bestmove (none)")
	if m.State() != StateReady || len(board.applied()) != 0 {
		t.Fatalf("null move: state=%s moves=%v", m.State(), board.applied())
	}
}

func TestMachineLost(t *testing.T) {
	m, out, _ := newTestMachine(MachineConfig{})
	handshake(t, m)

	step, err := m.Lost(errors.New("exit status 3"))
	if !errors.Is(err, ErrSessionLost) || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("Lost err = %v", err)
	}
	if step.To != StateTerminated {
		t.Fatalf("state = %s", step.To)
	}
	before := len(out.commands())
	if _, err := m.Submit("e2e4"); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("Submit after lost err = %v", err)
	}
	mustHandle(t, m, "uciok")
	if len(out.commands()) != before {
		t.Fatalf("terminated machine sent commands")
	}
	if _, err := m.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("restart err = %v", err)
	}
}

func TestBoardBridgeApply(t *testing.T) {
	board := &fakeBoard{turn: Black}
	b := NewBoardBridge(board, Black, nil)
	mv := uci.MoveIntent{From: "e7", To: "e5"}

	if err := b.Apply(context.Background(), mv, White); !errors.Is(err, ErrTurnMismatch) {
		t.Fatalf("Apply mismatch err = %v", err)
	}
	if err := b.Apply(context.Background(), mv, White); !errors.Is(err, ErrTurnMismatch) {
		t.Fatalf("repeated mismatch err = %v", err)
	}
	if len(board.applied()) != 0 {
		t.Fatalf("mismatch mutated board")
	}
	if err := b.Apply(context.Background(), mv, Black); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(board.applied()) != 1 {
		t.Fatalf("expected one move")
	}
	if NewBoardBridge(board, "", nil).EngineColor() != Black {
		t.Fatalf("default engine color should be black")
	}
}

func TestStateText(t *testing.T) {
	for s := StateUninitialized; s <= StateTerminated; s++ {
		raw, _ := s.MarshalText()
		var back State
		if err := back.UnmarshalText(raw); err != nil || back != s {
			t.Fatalf("state %s round trip: %v %s", s, err, back)
		}
	}
}
