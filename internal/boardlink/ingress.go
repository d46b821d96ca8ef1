package boardlink

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-engine-bridge/internal/chess/bridge"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// PositionHandler receives every position frame from the board UI.
type PositionHandler func(ctx context.Context, msg Message)

type IngressOption func(*Ingress)

func WithIngressHeaders(h HeaderProvider) IngressOption {
	return func(in *Ingress) { in.headers = h }
}

func WithReconnect(maxAttempts int) IngressOption {
	return func(in *Ingress) { in.maxReconnect = maxAttempts }
}

func WithPingInterval(d time.Duration) IngressOption {
	return func(in *Ingress) {
		if d > 0 {
			in.pingInterval = d
		}
	}
}

func WithIngressLogger(l *zap.Logger) IngressOption {
	return func(in *Ingress) {
		if l != nil {
			in.logger = l
		}
	}
}

func WithStateCallback(cb func(State)) IngressOption {
	return func(in *Ingress) { in.onState = cb }
}

// Ingress keeps a websocket open to the board UI. Position frames go to the
// handler; session snapshots are pushed back on the same connection.
type Ingress struct {
	wsURL        string
	handler      PositionHandler
	headers      HeaderProvider
	logger       *zap.Logger
	maxReconnect int
	pingInterval time.Duration
	onState      func(State)

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewIngress(wsURL string, handler PositionHandler, opts ...IngressOption) *Ingress {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	in := &Ingress{
		wsURL:        wsURL,
		handler:      handler,
		logger:       zap.NewNop(),
		maxReconnect: 5,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Ingress) Connect(ctx context.Context) error {
	in.setState(StateConnecting)
	conn, err := in.dial(ctx)
	if err != nil {
		in.setState(StateFailed)
		return fmt.Errorf("board ingress dial %s: %w", in.wsURL, err)
	}
	in.setConn(conn)
	in.setState(StateConnected)
	in.logger.Info("board_ingress_connected", zap.String("url", in.wsURL))

	in.wg.Add(2)
	go in.run(conn)
	go in.pingLoop()
	return nil
}

func (in *Ingress) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// SessionChanged pushes a snapshot to the UI. Frames are dropped while the
// connection is down.
func (in *Ingress) SessionChanged(ctx context.Context, snap bridge.Snapshot) {
	conn := in.current()
	if conn == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg := Message{Type: MessageSnapshot, SessionID: snap.SessionID, Snapshot: &snap}
	if err := wsjson.Write(wctx, conn, msg); err != nil {
		in.logger.Debug("board_ingress_push_failed", zap.String("event", string(snap.Event)), zap.Error(err))
	}
}

func (in *Ingress) Close(ctx context.Context) error {
	in.stopOnce.Do(func() { close(in.stopCh) })
	if conn := in.takeConn(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	in.rootCancel()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		in.setState(StateDisconnected)
		return nil
	}
}

func (in *Ingress) run(conn *websocket.Conn) {
	defer in.wg.Done()
	for {
		in.listen(conn)
		if in.isStopping() {
			return
		}
		in.setConn(nil)
		in.setState(StateDisconnected)
		_ = conn.Close(websocket.StatusGoingAway, "reconnect")

		next, ok := in.reconnect()
		if !ok {
			if !in.isStopping() {
				in.setState(StateFailed)
				in.logger.Error("board_ingress_failed", zap.String("url", in.wsURL), zap.Int("attempts", in.maxReconnect))
			}
			return
		}
		conn = next
	}
}

func (in *Ingress) listen(conn *websocket.Conn) {
	for {
		var msg Message
		if err := wsjson.Read(in.rootCtx, conn, &msg); err != nil {
			if !in.isStopping() {
				in.logger.Warn("board_ingress_read_failed", zap.Error(err))
			}
			return
		}
		if msg.Type != MessagePosition {
			in.logger.Debug("board_ingress_ignored", zap.String("type", msg.Type))
			continue
		}
		if in.handler != nil {
			in.handler(in.rootCtx, msg)
		}
	}
}

func (in *Ingress) reconnect() (*websocket.Conn, bool) {
	if in.maxReconnect <= 0 {
		return nil, false
	}
	in.setState(StateReconnecting)
	for attempt := 1; attempt <= in.maxReconnect; attempt++ {
		select {
		case <-in.stopCh:
			return nil, false
		case <-time.After(backoffDuration(attempt)):
		}
		conn, err := in.dial(in.rootCtx)
		if err != nil {
			in.logger.Warn("board_ingress_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if in.isStopping() {
			_ = conn.Close(websocket.StatusNormalClosure, "close")
			return nil, false
		}
		in.setConn(conn)
		in.setState(StateConnected)
		in.logger.Info("board_ingress_reconnected", zap.Int("attempt", attempt))
		return conn, true
	}
	return nil, false
}

func (in *Ingress) pingLoop() {
	defer in.wg.Done()
	t := time.NewTicker(in.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-in.stopCh:
			return
		case <-t.C:
			conn := in.current()
			if conn == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(in.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// Closing makes the reader fail, which drives the reconnect.
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				failures = 0
			}
		}
	}
}

func (in *Ingress) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, in.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      in.buildHeaders(),
	})
	return conn, err
}

func (in *Ingress) buildHeaders() http.Header {
	hdr := http.Header{}
	if in.headers == nil {
		return hdr
	}
	for k, v := range in.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

func (in *Ingress) setState(s State) {
	in.mu.Lock()
	in.state = s
	cb := in.onState
	in.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (in *Ingress) setConn(conn *websocket.Conn) {
	in.mu.Lock()
	in.conn = conn
	in.mu.Unlock()
}

func (in *Ingress) current() *websocket.Conn {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conn
}

func (in *Ingress) takeConn() *websocket.Conn {
	in.mu.Lock()
	defer in.mu.Unlock()
	conn := in.conn
	in.conn = nil
	return conn
}

func (in *Ingress) isStopping() bool {
	select {
	case <-in.stopCh:
		return true
	default:
		return false
	}
}
