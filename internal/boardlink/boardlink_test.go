package boardlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestClientTurnColorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/turn" || r.URL.Query().Get("session") != "s1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("X-Board-Token") != "tok" {
			t.Errorf("missing header")
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(TurnResponse{Turn: "black"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSession("s1"), WithHeaderProvider(func() map[string]string {
		return map[string]string{"X-Board-Token": "tok", "": "skip"}
	}))
	turn, err := c.TurnColor(context.Background())
	if err != nil {
		t.Fatalf("TurnColor: %v", err)
	}
	if turn != bridge.Black {
		t.Fatalf("turn = %s", turn)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestClientMoveIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	var got MoveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/move" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.UCI == "e7e5" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSession("s1"))
	if err := c.Move(context.Background(), uci.MoveIntent{From: "a7", To: "a8", Promotion: "q"}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got.SessionID != "s1" || got.Promotion != "q" || got.UCI != "a7a8q" {
		t.Fatalf("request = %+v", got)
	}

	calls.Store(0)
	err := c.Move(context.Background(), uci.MoveIntent{From: "e7", To: "e5"})
	if err == nil || !strings.Contains(err.Error(), "status=502") {
		t.Fatalf("Move err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("move was retried: calls = %d", calls.Load())
	}
}

func TestClientRejectsUnknownTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"turn":"green"}`))
	}))
	defer srv.Close()
	if _, err := NewClient(srv.URL).TurnColor(context.Background()); err == nil {
		t.Fatalf("expected error for unknown color")
	}
}

func TestClientRetryAndTimeoutOptions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("session") == "slow" {
			time.Sleep(300 * time.Millisecond)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(1))
	if _, err := c.TurnColor(context.Background()); err == nil || !strings.Contains(err.Error(), "status=503") {
		t.Fatalf("TurnColor err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("single attempt expected, calls = %d", calls.Load())
	}

	slow := NewClient(srv.URL, WithSession("slow"), WithRetry(1), WithTimeout(50*time.Millisecond))
	start := time.Now()
	if _, err := slow.TurnColor(context.Background()); err == nil {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Fatalf("timeout not applied: %v", time.Since(start))
	}

	if NewClient(srv.URL, WithTimeout(0)).defaultTimeout != 5*time.Second {
		t.Fatalf("zero timeout should keep the default")
	}
	if NewIngress("ws://x", nil, WithPingInterval(0)).pingInterval != 30*time.Second {
		t.Fatalf("zero ping interval should keep the default")
	}
	if NewIngress("ws://x", nil, WithPingInterval(time.Second)).pingInterval != time.Second {
		t.Fatalf("ping interval not applied")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestIngressDeliversPositionsAndPushesSnapshots(t *testing.T) {
	snapshots := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, Message{Type: "hello"})
		_ = wsjson.Write(ctx, conn, Message{Type: MessagePosition, SessionID: "s1", Moves: "e2e4"})
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err == nil {
			snapshots <- msg
		}
	}))
	defer srv.Close()

	positions := make(chan Message, 1)
	in := NewIngress(wsURL(srv), func(_ context.Context, msg Message) { positions <- msg }, WithReconnect(0))
	if err := in.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer in.Close(context.Background())

	select {
	case msg := <-positions:
		if msg.SessionID != "s1" || msg.Moves != "e2e4" {
			t.Fatalf("position = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no position delivered")
	}

	in.SessionChanged(context.Background(), bridge.Snapshot{SessionID: "s1", Event: bridge.EventMoveApplied, State: bridge.StateReady})
	select {
	case msg := <-snapshots:
		if msg.Type != MessageSnapshot || msg.Snapshot == nil || msg.Snapshot.State != bridge.StateReady {
			t.Fatalf("snapshot frame = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no snapshot pushed")
	}
}

func TestIngressReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			conn.Close(websocket.StatusInternalError, "bye")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = wsjson.Write(r.Context(), conn, Message{Type: MessagePosition, Moves: "d2d4"})
		_, _, _ = conn.Read(context.Background())
	}))
	defer srv.Close()

	positions := make(chan Message, 1)
	in := NewIngress(wsURL(srv), func(_ context.Context, msg Message) { positions <- msg }, WithReconnect(3))
	if err := in.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case msg := <-positions:
		if msg.Moves != "d2d4" {
			t.Fatalf("position = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no position after reconnect")
	}
	if in.State() != StateConnected {
		t.Fatalf("state = %s", in.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := in.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if in.State() != StateDisconnected {
		t.Fatalf("state after close = %s", in.State())
	}
}

func TestIngressConnectFailure(t *testing.T) {
	var states []State
	in := NewIngress("ws://127.0.0.1:1/ws", nil, WithStateCallback(func(s State) { states = append(states, s) }))
	if err := in.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
	if in.State() != StateFailed || len(states) != 2 {
		t.Fatalf("state = %s, transitions = %v", in.State(), states)
	}
}
