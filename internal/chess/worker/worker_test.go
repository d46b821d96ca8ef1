package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
)

const fakeEngineEnv = "ENGINEBRIDGE_FAKE_ENGINE"

// TestFakeEngine is not a test: it is the engine process the other tests
// spawn by re-running the test binary.
func TestFakeEngine(t *testing.T) {
	mode := os.Getenv(fakeEngineEnv)
	if mode == "" {
		t.Skip("helper process")
	}
	runFakeEngine(mode)
	os.Exit(0)
}

func runFakeEngine(mode string) {
	in := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	say := func(s string) {
		fmt.Fprintln(out, s)
		out.Flush()
	}
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "uci":
			say("id name Fake")
			say("uciok")
			if mode == "crash-after-uci" {
				os.Exit(3)
			}
		case line == "isready":
			say("readyok")
		case strings.HasPrefix(line, "go"):
			say("info depth 1 score cp 20 pv d2d4")
			say("bestmove d2d4")
		case line == "quit":
			if mode == "ignore-quit" {
				continue
			}
			if path := os.Getenv("ENGINEBRIDGE_QUIT_MARKER"); path != "" {
				_ = os.WriteFile(path, []byte("quit"), 0o644)
			}
			return
		}
	}
	if mode == "ignore-quit" {
		time.Sleep(time.Minute)
	}
}

func fakeModule(mode string, extraEnv ...string) *Module {
	return &Module{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestFakeEngine$"},
		Env:  append([]string{fakeEngineEnv + "=" + mode}, extraEnv...),
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{InitTimeout: 5 * time.Second, DestroyGrace: 500 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func readLine(t *testing.T, c *Context) string {
	t.Helper()
	select {
	case line, ok := <-c.Lines():
		if !ok {
			t.Fatalf("lines closed unexpectedly")
		}
		return line
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for engine line")
	}
	return ""
}

func TestSpawnHandshakeAndSearch(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Spawn(context.Background(), fakeModule("normal"), &Memory{HashMB: 16})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if c.Handle() == 0 {
		t.Fatalf("expected non-zero handle")
	}
	if c.Payload().Memory.HashMB != 16 {
		t.Fatalf("payload memory not carried: %+v", c.Payload())
	}

	if err := c.Send(uci.CmdUCI); err != nil {
		t.Fatalf("Send uci: %v", err)
	}
	if got := readLine(t, c); got != "id name Fake" {
		t.Fatalf("first line = %q", got)
	}
	if got := readLine(t, c); got != "uciok" {
		t.Fatalf("second line = %q", got)
	}

	_ = c.Send(uci.CmdIsReady)
	_ = c.Send(uci.GoMoveTime(10))
	want := []string{"readyok", "info depth 1 score cp 20 pv d2d4", "bestmove d2d4"}
	for _, w := range want {
		if got := readLine(t, c); got != w {
			t.Fatalf("line = %q, want %q", got, w)
		}
	}
	if m.Live() != 1 {
		t.Fatalf("expected 1 live context, got %d", m.Live())
	}
}

func TestDestroySendsQuitAndIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	marker := t.TempDir() + "/quit"
	c, err := m.Spawn(context.Background(), fakeModule("normal", "ENGINEBRIDGE_QUIT_MARKER="+marker), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_ = c.Send(uci.CmdUCI)
	readLine(t, c)
	if !c.Initialized() {
		t.Fatalf("context should be initialized after the engine answered")
	}

	if err := m.Destroy(c); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("context should be done after destroy")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("engine did not receive quit: %v", err)
	}
	if err := m.Destroy(c); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if err := c.Send(uci.CmdIsReady); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send after destroy err = %v", err)
	}
	if m.Live() != 0 {
		t.Fatalf("expected no live contexts, got %d", m.Live())
	}
}

func TestDestroySkipsQuitForSilentEngine(t *testing.T) {
	m := newTestManager(t)
	marker := t.TempDir() + "/quit"
	c, err := m.Spawn(context.Background(), fakeModule("normal", "ENGINEBRIDGE_QUIT_MARKER="+marker), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if c.Initialized() {
		t.Fatalf("context initialized before any engine output")
	}

	if err := m.Destroy(c); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("context should be done after destroy")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatalf("quit sent to an engine that never answered: %v", err)
	}
}

func TestDestroyKillsUnresponsiveEngine(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Spawn(context.Background(), fakeModule("ignore-quit"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	start := time.Now()
	if err := m.Destroy(c); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("destroy took too long")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("context should be done after kill")
	}
}

func TestUnexpectedExitClosesLines(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Spawn(context.Background(), fakeModule("crash-after-uci"), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_ = c.Send(uci.CmdUCI)
	readLine(t, c)
	readLine(t, c)

	select {
	case _, ok := <-c.Lines():
		if ok {
			t.Fatalf("expected lines to be closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("lines not closed after exit")
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context not done after exit")
	}
	if c.Err() == nil {
		t.Fatalf("expected exit error from crashed engine")
	}
	if err := m.Destroy(c); err != nil {
		t.Fatalf("Destroy after crash: %v", err)
	}
}

func TestSpawnFailure(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Spawn(context.Background(), &Module{Path: "/nonexistent/engine-binary"}, nil)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
	if se.Op != "lookup" {
		t.Fatalf("unexpected op %q", se.Op)
	}

	if _, err := m.Spawn(context.Background(), nil, nil); !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError for nil module, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Spawn(ctx, fakeModule("normal"), nil); !errors.As(err, &se) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled SpawnError, got %v", err)
	}
	if m.Live() != 0 {
		t.Fatalf("failed spawns must not register contexts")
	}
}

func TestManagerCloseDestroysAll(t *testing.T) {
	m := NewManager(Config{DestroyGrace: 500 * time.Millisecond})
	var contexts []*Context
	for i := 0; i < 2; i++ {
		c, err := m.Spawn(context.Background(), fakeModule("normal"), nil)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		contexts = append(contexts, c)
	}
	if contexts[0].Handle() == contexts[1].Handle() {
		t.Fatalf("handles must be unique")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, c := range contexts {
		if !c.Destroyed() {
			t.Fatalf("context %d not destroyed", c.Handle())
		}
	}
}

func TestMemoryOptions(t *testing.T) {
	var nilMem *Memory
	if len(nilMem.Options()) != 0 {
		t.Fatalf("nil memory should produce no options")
	}
	got := (&Memory{HashMB: 32, Threads: 2}).Options()
	if len(got) != 2 || got[0] != "setoption name Threads value 2" || got[1] != "setoption name Hash value 32" {
		t.Fatalf("unexpected options: %v", got)
	}
}
