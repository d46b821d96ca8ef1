package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-engine-bridge/internal/chess/uci"
	"github.com/park285/cheese-engine-bridge/internal/chess/worker"
	"go.uber.org/zap"
)

// Conn is a live engine context as seen by the controller.
type Conn interface {
	Send(cmd uci.Command) error
	Lines() <-chan string
	Done() <-chan struct{}
	Err() error
	Handle() worker.Handle
}

type Spawner interface {
	Spawn(ctx context.Context, module *worker.Module, memory *worker.Memory) (Conn, error)
	Destroy(conn Conn) error
}

// Observer is told about every state change of a session. It runs on the
// session goroutine and must not call back into the controller.
type Observer interface {
	SessionChanged(ctx context.Context, snap Snapshot)
}

// WireObserver optionally sees raw protocol traffic.
type WireObserver interface {
	CommandSent(cmd uci.Command)
	EventReceived(ev uci.Event)
}

type Config struct {
	SessionID       string
	Module          *worker.Module
	Memory          *worker.Memory
	InitialMoveTime int
	SearchMoveTime  int
	SearchDepth     int
	SearchNodes     int
}

// Controller is the façade a UI drives: Start once, then SubmitPosition
// after every human move. All session state lives on one goroutine.
type Controller struct {
	id        string
	cfg       Config
	spawner   Spawner
	bridge    *BoardBridge
	observers []Observer
	logger    *zap.Logger

	startMu sync.Mutex
	started bool
	closed  bool
	conn    Conn
	machine *Machine

	state atomic.Int32

	mailMu   sync.Mutex
	mail     string
	hasMail  bool
	wake     chan struct{}
	lost     chan error
	stop     chan struct{}
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewController(cfg Config, spawner Spawner, bridge *BoardBridge, logger *zap.Logger, observers ...Observer) *Controller {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		id:        cfg.SessionID,
		cfg:       cfg,
		spawner:   spawner,
		bridge:    bridge,
		observers: observers,
		logger:    logger.With(zap.String("session_id", cfg.SessionID)),
		wake:      make(chan struct{}, 1),
		lost:      make(chan error, 1),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) State() State { return State(c.state.Load()) }

// Lost delivers a SessionLost error if the engine context dies on its own.
func (c *Controller) Lost() <-chan error { return c.lost }

// Start spawns the engine context and begins the handshake. A spawn failure
// leaves the session uninitialized; there is no retry.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.closed {
		return &Error{Kind: KindSessionLost, Op: "start closed session"}
	}
	if c.started {
		return ErrAlreadyStarted
	}

	conn, err := c.spawner.Spawn(ctx, c.cfg.Module, c.cfg.Memory)
	if err != nil {
		c.logger.Error("session_spawn_failed", zap.Error(err))
		return &Error{Kind: KindSpawnFailure, Op: "start session", Err: err}
	}

	var wire WireObserver
	for _, o := range c.observers {
		if w, ok := o.(WireObserver); ok {
			wire = w
			break
		}
	}
	out := &wireSender{conn: conn, wire: wire}
	c.machine = NewMachine(MachineConfig{
		InitialMoveTime: c.cfg.InitialMoveTime,
		SearchMoveTime:  c.cfg.SearchMoveTime,
		SearchDepth:     c.cfg.SearchDepth,
		SearchNodes:     c.cfg.SearchNodes,
		Options:         c.cfg.Memory.Options(),
	}, out, c.bridge, c.logger)
	c.conn = conn

	step, err := c.machine.Start()
	if err != nil {
		_ = c.spawner.Destroy(conn)
		return &Error{Kind: KindSpawnFailure, Op: "start handshake", Err: err}
	}
	c.started = true
	c.state.Store(int32(step.To))
	c.logger.Info("session_start", zap.Uint64("handle", uint64(conn.Handle())))
	c.publish(context.Background(), EventStarted, step)

	go c.loop(wire)
	return nil
}

// SubmitPosition asks the engine to play from the given move list. Only the
// latest request counts if several arrive while the engine is busy.
func (c *Controller) SubmitPosition(movesSoFar string) error {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if c.State() == StateTerminated {
		return &Error{Kind: KindSessionLost, Op: "submit position"}
	}

	c.mailMu.Lock()
	c.mail, c.hasMail = movesSoFar, true
	c.mailMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close destroys the engine context. It is safe to call more than once and
// never reports SessionLost.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.startMu.Lock()
		started := c.started
		c.closed = true
		c.startMu.Unlock()

		close(c.stop)
		if !started {
			c.state.Store(int32(StateTerminated))
			return
		}
		<-c.loopDone

		if err := c.machine.Interrupt(); err != nil {
			c.logger.Debug("session_interrupt_failed", zap.Error(err))
		}
		if err := c.spawner.Destroy(c.conn); err != nil {
			c.closeErr = fmt.Errorf("destroy engine context: %w", err)
		}
		if c.machine.State() != StateTerminated {
			step := c.machine.Stop()
			c.state.Store(int32(step.To))
			c.publish(context.Background(), EventClosed, step)
		}
		c.logger.Info("session_close")
	})
	return c.closeErr
}

func (c *Controller) loop(wire WireObserver) {
	defer close(c.loopDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := c.conn.Lines()
	for {
		select {
		case <-c.stop:
			return

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.logger.Debug("uci_recv", zap.String("line", line))
			if wire != nil {
				wire.EventReceived(uci.ParseEvent(line))
			}
			step, err := c.machine.Handle(ctx, line)
			if err != nil && !errors.Is(err, ErrParseAnomaly) {
				c.logger.Warn("session_handle_error", zap.String("line", line), zap.Error(err))
			}
			c.record(ctx, step)

		case <-c.wake:
			c.mailMu.Lock()
			moves, ok := c.mail, c.hasMail
			c.mail, c.hasMail = "", false
			c.mailMu.Unlock()
			if !ok {
				continue
			}
			step, err := c.machine.Submit(moves)
			if err != nil {
				c.logger.Warn("session_submit_error", zap.String("moves", moves), zap.Error(err))
			}
			c.record(ctx, step)

		case <-c.conn.Done():
			select {
			case <-c.stop:
				return
			default:
			}
			step, err := c.machine.Lost(c.conn.Err())
			c.state.Store(int32(step.To))
			c.logger.Error("session_lost", zap.Error(err))
			_ = c.spawner.Destroy(c.conn)
			c.publish(ctx, EventLost, step)
			c.lost <- err
			return
		}
	}
}

func (c *Controller) record(ctx context.Context, step Step) {
	c.state.Store(int32(step.To))
	switch {
	case step.Applied != nil:
		c.publish(ctx, EventMoveApplied, step)
	case step.Discarded:
		c.publish(ctx, EventDiscarded, step)
	case step.Changed():
		c.publish(ctx, EventTransition, step)
	}
}

func (c *Controller) publish(ctx context.Context, event SnapshotEvent, step Step) {
	if len(c.observers) == 0 {
		return
	}
	snap := Snapshot{
		SessionID:      c.id,
		Event:          event,
		State:          step.To,
		Applied:        step.Applied,
		SearchDuration: step.Search,
		UpdatedAt:      time.Now(),
	}
	if c.conn != nil {
		snap.Handle = uint64(c.conn.Handle())
	}
	if c.machine != nil {
		snap.Position = c.machine.Position()
		snap.LastBestMove = c.machine.LastBestMove()
		snap.LastInfo = c.machine.LastInfo()
	}
	for _, o := range c.observers {
		o.SessionChanged(ctx, snap)
	}
}

type wireSender struct {
	conn Conn
	wire WireObserver
}

func (s *wireSender) Send(cmd uci.Command) error {
	if err := s.conn.Send(cmd); err != nil {
		return err
	}
	if s.wire != nil {
		s.wire.CommandSent(cmd)
	}
	return nil
}
